package dc

import (
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mtprotocore/client/query"
)

func TestStateStrings(t *testing.T) {
	require.Equal(t, "disconnected", StateDisconnected.String())
	require.Equal(t, "logged_in", StateLoggedIn.String())
}

func TestGateClears(t *testing.T) {
	c := &Client{}

	atomic.StoreInt32(&c.state, int32(StateDisconnected))
	require.True(t, c.gateClears(query.OptionForce))
	require.False(t, c.gateClears(query.OptionLogin))
	require.False(t, c.gateClears(query.OptionNormal))

	atomic.StoreInt32(&c.state, int32(StateAuthorized))
	require.True(t, c.gateClears(query.OptionLogin))
	require.False(t, c.gateClears(query.OptionNormal))

	atomic.StoreInt32(&c.state, int32(StateLoggedIn))
	require.True(t, c.gateClears(query.OptionNormal))
}

func TestUnauthorizedFrameRoundTrip(t *testing.T) {
	frame := unauthorizedWireFrame(42, []byte("hello"))
	msgID, body, err := parseUnauthorizedFrameWire(frame)
	require.NoError(t, err)
	require.Equal(t, int64(42), msgID)
	require.Equal(t, "hello", string(body))
}

func TestBatchContainer(t *testing.T) {
	members := []struct {
		MsgID int64
		Body  []byte
	}{
		{MsgID: 1, Body: []byte("a")},
		{MsgID: 2, Body: []byte("bb")},
	}
	body := BatchContainer(99, members)
	require.NotEmpty(t, body)
}
