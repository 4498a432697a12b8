package query

import (
	"os"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/require"
)

func testLogger() *log.Logger {
	return log.NewWithOptions(os.Stderr, log.Options{Prefix: "query_test"})
}

type mockSender struct {
	sendCh chan int64
}

func (m *mockSender) SendQuery(dc int32, msgID int64, body []byte, opt Option) error {
	m.sendCh <- msgID
	return nil
}

func TestClassifyErrorFloodWait(t *testing.T) {
	se := ClassifyError(420, "FLOOD_WAIT_35")
	require.Equal(t, KindFloodWait, se.Kind)
	require.Equal(t, 35, se.Arg)
}

func TestClassifyErrorMigrate(t *testing.T) {
	se := ClassifyError(303, "PHONE_MIGRATE_2")
	require.Equal(t, KindPhoneMigrate, se.Kind)
	require.Equal(t, 2, se.Arg)
}

func TestClassifyErrorAuthKeyUnregistered(t *testing.T) {
	se := ClassifyError(401, "AUTH_KEY_UNREGISTERED")
	require.Equal(t, KindAuthKeyUnregistered, se.Kind)
}

func TestClassifyErrorOther(t *testing.T) {
	se := ClassifyError(500, "INTERNAL")
	require.Equal(t, KindOther, se.Kind)
}

func TestOnPacketDeliversAndRemoves(t *testing.T) {
	sender := &mockSender{sendCh: make(chan int64, 4)}
	e := New(sender, testLogger())
	e.Start()
	defer e.Stop()

	resultCh := make(chan error, 1)
	q := &Query{
		MsgID:      1,
		Method:     "help.getConfig",
		ExpectCtor: 0xabcdef01,
		Timeout:    time.Minute,
		Continuation: func(body []byte, ctor uint32, err error) {
			resultCh <- err
		},
	}
	e.New(q)
	require.NoError(t, e.Execute(q))
	<-sender.sendCh

	require.NoError(t, e.OnPacket(1, []byte("reply"), 0xabcdef01))
	require.NoError(t, <-resultCh)

	require.Equal(t, ErrNotFound, e.OnPacket(1, nil, 0xabcdef01))
}

func TestOnPacketTypeMismatch(t *testing.T) {
	sender := &mockSender{sendCh: make(chan int64, 4)}
	e := New(sender, testLogger())
	e.Start()
	defer e.Stop()

	resultCh := make(chan error, 1)
	q := &Query{
		MsgID:      2,
		Method:     "messages.sendMessage",
		ExpectCtor: 0x11111111,
		Timeout:    time.Minute,
		Continuation: func(body []byte, ctor uint32, err error) {
			resultCh <- err
		},
	}
	e.New(q)
	require.NoError(t, e.Execute(q))
	<-sender.sendCh

	err := e.OnPacket(2, nil, 0x22222222)
	require.ErrorIs(t, err, ErrTypeMismatch)
	require.ErrorIs(t, <-resultCh, ErrTypeMismatch)
}

func TestCancelIsIdempotentAndDiscardsLateReply(t *testing.T) {
	sender := &mockSender{sendCh: make(chan int64, 4)}
	e := New(sender, testLogger())
	e.Start()
	defer e.Stop()

	q := &Query{MsgID: 3, Method: "ping", Timeout: time.Minute}
	e.New(q)
	require.NoError(t, e.Execute(q))
	<-sender.sendCh

	e.Cancel(3)
	e.Cancel(3) // idempotent

	require.Equal(t, ErrNotFound, e.OnPacket(3, nil, 0))
}

func TestTimeoutTriggersRetry(t *testing.T) {
	sender := &mockSender{sendCh: make(chan int64, 4)}
	e := New(sender, testLogger())
	e.Start()
	defer e.Stop()

	q := &Query{MsgID: 4, Method: "ping", Timeout: 20 * time.Millisecond, RetryBound: 5}
	e.New(q)
	require.NoError(t, e.Execute(q))

	first := <-sender.sendCh
	require.Equal(t, int64(4), first)

	// The timeout fires and the engine resends under the same
	// registry key (the dc client is responsible for message-id
	// renumbering on the wire).
	select {
	case second := <-sender.sendCh:
		require.Equal(t, int64(4), second)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for retry")
	}
}

func TestRetriesExhaustedFailsQuery(t *testing.T) {
	sender := &mockSender{sendCh: make(chan int64, 16)}
	e := New(sender, testLogger())
	e.Start()
	defer e.Stop()

	failCh := make(chan error, 1)
	q := &Query{
		MsgID:      5,
		Method:     "ping",
		Timeout:    10 * time.Millisecond,
		RetryBound: 1,
		Continuation: func(body []byte, ctor uint32, err error) {
			if err != nil {
				select {
				case failCh <- err:
				default:
				}
			}
		},
	}
	e.New(q)
	require.NoError(t, e.Execute(q))

	select {
	case err := <-failCh:
		require.ErrorIs(t, err, ErrRetriesExhausted)
	case <-time.After(3 * time.Second):
		t.Fatal("expected retry exhaustion to fail the query")
	}
}
