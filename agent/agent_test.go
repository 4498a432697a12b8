package agent

import (
	"os"
	"sync"
	"testing"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/require"

	"github.com/mtprotocore/client/config"
	"github.com/mtprotocore/client/core/crypto"
	"github.com/mtprotocore/client/core/dcdir"
	"github.com/mtprotocore/client/dc"
	"github.com/mtprotocore/client/query"
	"github.com/mtprotocore/client/secretchat"
	"github.com/mtprotocore/client/updates"
)

func testLogger() *log.Logger {
	return log.NewWithOptions(os.Stderr, log.Options{Prefix: "agent_test"})
}

func testSeed() []*dcdir.Descriptor {
	return []*dcdir.Descriptor{
		{ID: 2, Addresses: map[dcdir.Transport][]string{dcdir.TransportTCPv4: {"149.154.167.51:443"}}},
		{ID: 4, Addresses: map[dcdir.Transport][]string{dcdir.TransportTCPv4: {"149.154.167.91:443"}}},
	}
}

// fakeDCClient stands in for a real *dc.Client: it records every query
// handed to SendQuery instead of writing it to a socket, so a test can
// resolve it by calling the agent's query engine directly.
type fakeDCClient struct {
	mu     sync.Mutex
	nextID int64
	sent   []sentQuery
}

type sentQuery struct {
	msgID int64
	body  []byte
	opt   query.Option
}

func (f *fakeDCClient) Start()          {}
func (f *fakeDCClient) State() dc.State { return dc.StateLoggedIn }
func (f *fakeDCClient) NextMessageID() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	return f.nextID
}
func (f *fakeDCClient) SendQuery(dcID int32, msgID int64, body []byte, opt query.Option) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentQuery{msgID: msgID, body: body, opt: opt})
	return nil
}

func (f *fakeDCClient) lastMsgID() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sent[len(f.sent)-1].msgID
}

// fakeCodec is a MethodCodec test double: it encodes methods as plain
// tagged byte strings and decodes replies by sniffing that tag, so a
// test can script a server's response without a real wire format.
type fakeCodec struct{}

const (
	ctorSentCode      uint32 = 0xf001
	ctorAuthorization uint32 = 0xf002
	ctorDifference    uint32 = 0xf003
	ctorChanDiff      uint32 = 0xf004
)

func (fakeCodec) EncodeSendCode(phone string) ([]byte, uint32) {
	return []byte("sendCode:" + phone), ctorSentCode
}

func (fakeCodec) DecodeSentCode(body []byte) (string, error) {
	return "hash-" + string(body), nil
}

func (fakeCodec) EncodeSignIn(phone, phoneCodeHash, code string) ([]byte, uint32) {
	return []byte("signIn:" + phone + ":" + code), ctorAuthorization
}

func (fakeCodec) EncodeCheckPassword(password string) ([]byte, uint32) {
	return []byte("checkPassword:" + password), ctorAuthorization
}

func (fakeCodec) DecodeAuthorization(body []byte) error {
	if string(body) == "password-required" {
		return ErrPasswordRequired
	}
	return nil
}

func (fakeCodec) EncodeGetDifference(c updates.Counters) ([]byte, uint32) {
	return []byte("getDifference"), ctorDifference
}

func (fakeCodec) DecodeDifference(body []byte) (*updates.Difference, error) {
	return &updates.Difference{}, nil
}

func (fakeCodec) EncodeGetChannelDifference(channelID int64, pts int64) ([]byte, uint32) {
	return []byte("getChannelDifference"), ctorChanDiff
}

func (fakeCodec) DecodeChannelDifference(body []byte) (*updates.ChannelDifference, error) {
	return &updates.ChannelDifference{}, nil
}

func newTestAgent(t *testing.T, codec MethodCodec, cb Callbacks) *Agent {
	t.Helper()
	prev := newDCClient
	newDCClient = func(dcID int32, desc *dcdir.Descriptor, rsaKeys []*crypto.RSAPublicKey, logger *log.Logger, onPacket func(int64, []byte), onStateChange func(dc.State)) dcClient {
		return &fakeDCClient{}
	}
	t.Cleanup(func() { newDCClient = prev })

	a, err := New(&config.Config{}, testSeed(), nil, codec, cb, testLogger())
	require.NoError(t, err)
	return a
}

func TestNewRegistersEveryDatacenterClient(t *testing.T) {
	a := newTestAgent(t, nil, Callbacks{})
	require.Len(t, a.clients, 2)
	require.Contains(t, a.clients, int32(2))
	require.Contains(t, a.clients, int32(4))
}

func TestActiveDCDefaultsToFirstSeed(t *testing.T) {
	a := newTestAgent(t, nil, Callbacks{})
	require.Equal(t, int32(2), a.ActiveDC())
}

func TestSetActiveDCAddsUnseenDatacenter(t *testing.T) {
	a := newTestAgent(t, nil, Callbacks{})
	require.NoError(t, a.SetActiveDC(999))
	require.Equal(t, int32(999), a.ActiveDC())
}

// resolve completes the pending query most recently sent on dcID's
// fake client, as if a server reply had arrived on the wire.
func resolve(t *testing.T, a *Agent, dcID int32, replyBody []byte, gotCtor uint32) {
	t.Helper()
	a.clientMu.RLock()
	client := a.clients[dcID].(*fakeDCClient)
	a.clientMu.RUnlock()
	require.NoError(t, a.engine.OnPacket(client.lastMsgID(), replyBody, gotCtor))
}

func TestLoginFlowAsksValuesInOrder(t *testing.T) {
	var mu sync.Mutex
	var kinds []AskValueKind

	var capturedReq *AskValueRequest
	a := newTestAgent(t, fakeCodec{}, Callbacks{
		AskValue: func(req *AskValueRequest) {
			mu.Lock()
			kinds = append(kinds, req.Kind)
			mu.Unlock()
			capturedReq = req
		},
	})

	a.BeginLogin()
	require.Equal(t, LoginStateAwaitingPhoneNumber, a.LoginState())
	capturedReq.Accept("+15551234567")

	resolve(t, a, a.ActiveDC(), []byte("sent-code-body"), ctorSentCode)
	require.Equal(t, LoginStateAwaitingCode, a.LoginState())
	capturedReq.Accept("12345")

	// First auth.signIn reply signals two-step verification is enabled.
	resolve(t, a, a.ActiveDC(), []byte("password-required"), ctorAuthorization)
	require.Equal(t, LoginStateAwaitingPassword, a.LoginState())
	capturedReq.Accept("hunter2")

	// auth.checkPassword succeeds.
	resolve(t, a, a.ActiveDC(), []byte("ok"), ctorAuthorization)
	require.Equal(t, LoginStateLoggedIn, a.LoginState())

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []AskValueKind{AskPhoneNumber, AskVerificationCode, AskPassword}, kinds)
}

func TestLoginCancelReturnsToLoggedOut(t *testing.T) {
	var capturedReq *AskValueRequest
	a := newTestAgent(t, fakeCodec{}, Callbacks{
		AskValue: func(req *AskValueRequest) { capturedReq = req },
	})

	a.BeginLogin()
	capturedReq.Cancel(require.AnError)
	require.Equal(t, LoginStateLoggedOut, a.LoginState())
}

type stubResendSender struct{}

func (stubResendSender) SendResendRequest(chatID int64, fromSeq, toSeq int32) error { return nil }
func (stubResendSender) Resend(chatID int64, msg secretchat.StoredOutgoing) error   { return nil }

type stubOutbox struct{}

func (stubOutbox) PutOutgoing(chatID int64, outSeq int32, msgID int64, blobs [][]byte) error {
	return nil
}
func (stubOutbox) DeleteOutgoingBelow(chatID int64, belowSeq int32) error { return nil }
func (stubOutbox) GetOutgoingRange(chatID int64, fromSeq, toSeq int32) ([]secretchat.StoredOutgoing, error) {
	return nil, nil
}

type stubInbox struct{}

func (stubInbox) PutIncoming(chatID int64, seq int32, payload []byte) error { return nil }
func (stubInbox) DeleteIncomingUpTo(chatID int64, upToSeq int32) error      { return nil }

func TestCreateAndDeliverSecretChatMessage(t *testing.T) {
	var delivered []byte
	a := newTestAgent(t, nil, Callbacks{
		OnNewMessage: func(chatID int64, payload []byte) { delivered = payload },
	})

	a.CreateSecretChat(42, false, secretchat.QoSReliable, []byte("shared"), stubResendSender{}, stubOutbox{}, stubInbox{})

	chat, ok := a.SecretChat(42)
	require.True(t, ok)
	require.NotNil(t, chat)

	require.NoError(t, a.DeliverSecretMessage(42, 0, 0, []byte("hello")))
	require.Equal(t, []byte("hello"), delivered)
}

func TestDeliverSecretMessageUnknownChat(t *testing.T) {
	a := newTestAgent(t, nil, Callbacks{})
	err := a.DeliverSecretMessage(7, 0, 0, []byte("x"))
	require.Error(t, err)
}
