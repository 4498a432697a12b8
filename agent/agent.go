// Package agent implements the user-agent facade (component C7): the
// single process-wide object that owns the datacenter clients, the
// active-dc selector, the login state machine, the update reconciler,
// and the map of secret chats, and exposes the application-facing API
// (spec §4.7).
//
// There is no teacher analog for a facade of this shape; it is
// grounded directly on spec §4.7 and §5, reusing the teacher's
// worker.Worker/log.Logger idiom for its own lifecycle and borrowing
// client2's "one object owns several per-dc workers" structure from
// connection.go, generalized from one connection to a directory of
// them.
package agent

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/charmbracelet/log"
	"github.com/gofrs/uuid"

	"github.com/mtprotocore/client/config"
	"github.com/mtprotocore/client/core/crypto"
	"github.com/mtprotocore/client/core/dcdir"
	"github.com/mtprotocore/client/core/wire"
	"github.com/mtprotocore/client/dc"
	"github.com/mtprotocore/client/query"
	"github.com/mtprotocore/client/secretchat"
	"github.com/mtprotocore/client/updates"
)

// AskValueKind identifies which login value the facade is requesting
// from the host (spec §4.7: "phone number, verification code,
// password, registration info").
type AskValueKind int

const (
	AskPhoneNumber AskValueKind = iota
	AskVerificationCode
	AskPassword
	AskRegistrationInfo
)

func (k AskValueKind) String() string {
	switch k {
	case AskPhoneNumber:
		return "phone_number"
	case AskVerificationCode:
		return "verification_code"
	case AskPassword:
		return "password"
	case AskRegistrationInfo:
		return "registration_info"
	default:
		return "unknown"
	}
}

// AskValueRequest is posted to the host's Callbacks.AskValue; the host
// eventually supplies the value through Accept, or gives up through
// Cancel.
type AskValueRequest struct {
	ID   string
	Kind AskValueKind

	accept func(value string)
	cancel func(err error)
}

// ErrPasswordRequired is returned by MethodCodec.DecodeAuthorization
// when the reply signals the account has two-step verification
// enabled rather than a completed auth.authorization: the login flow
// must ask the host for the password and retry through
// auth.checkPassword instead of treating sign-in as failed.
var ErrPasswordRequired = errors.New("agent: password required")

// Accept supplies the requested value, resuming the login flow.
func (r *AskValueRequest) Accept(value string) { r.accept(value) }

// Cancel abandons the request, failing the login flow with err.
func (r *AskValueRequest) Cancel(err error) { r.cancel(err) }

// LoginState is the facade's login progress, driven by the ask-value
// exchanges with the host.
type LoginState int

const (
	LoginStateLoggedOut LoginState = iota
	LoginStateAwaitingPhoneNumber
	LoginStateAwaitingCode
	LoginStateAwaitingPassword
	LoginStateAwaitingRegistration
	LoginStateLoggedIn
)

// Callbacks is the update-callback bundle the facade invokes
// synchronously on the host's event loop (spec §6: "a bundle of ≈30
// observer methods"). Only the subset this module implements end to
// end is modeled; hosts needing the full bundle extend this struct.
type Callbacks struct {
	OnConnectionState func(dcID int32, state dc.State)
	OnLoginState      func(state LoginState)
	AskValue          func(req *AskValueRequest)
	OnNewMessage      func(chatID int64, payload []byte)
	OnUpdateGap       func(dcID int32)
}

// MethodCodec builds the wire bodies for the application-layer RPC
// methods the facade issues (auth.sendCode/auth.signIn for login,
// updates.getDifference/updates.getChannelDifference for the
// reconciler) and decodes their replies. Spec §9 is explicit that the
// concrete constructor codes for this layer are not something to
// guess ("an implementer must verify behavior against a live server
// or a trusted alternate client"), unlike the handshake's public,
// stable transport constructors core/crypto/handshake.go hardcodes —
// so the facade depends on this host-supplied collaborator rather
// than baking in invented numbers.
type MethodCodec interface {
	EncodeSendCode(phone string) (body []byte, expectCtor uint32)
	DecodeSentCode(body []byte) (phoneCodeHash string, err error)

	EncodeSignIn(phone, phoneCodeHash, code string) (body []byte, expectCtor uint32)
	DecodeAuthorization(body []byte) error

	EncodeCheckPassword(password string) (body []byte, expectCtor uint32)

	EncodeGetDifference(c updates.Counters) (body []byte, expectCtor uint32)
	DecodeDifference(body []byte) (*updates.Difference, error)

	EncodeGetChannelDifference(channelID int64, pts int64) (body []byte, expectCtor uint32)
	DecodeChannelDifference(body []byte) (*updates.ChannelDifference, error)
}

// dcClient is the subset of *dc.Client the facade depends on, narrowed
// to an interface so tests can substitute a fake that resolves queries
// without a live connection. newDCClient is the production factory;
// tests reassign it to build fakes.
type dcClient interface {
	Start()
	State() dc.State
	NextMessageID() int64
	SendQuery(dcID int32, msgID int64, body []byte, opt query.Option) error
}

var newDCClient = func(dcID int32, desc *dcdir.Descriptor, rsaKeys []*crypto.RSAPublicKey, logger *log.Logger, onPacket func(int64, []byte), onStateChange func(dc.State)) dcClient {
	return dc.NewClient(dcID, desc, rsaKeys, logger, onPacket, onStateChange)
}

// Agent is the process-wide facade.
type Agent struct {
	log   *log.Logger
	cfg   *config.Config
	cb    Callbacks
	codec MethodCodec

	dirs     *dcdir.Directory
	rsaKeys  []*crypto.RSAPublicKey
	clients  map[int32]dcClient
	clientMu sync.RWMutex

	activeDC int32 // atomic

	engine      *query.Engine
	reconciler  *updates.Reconciler
	loginState  int32 // atomic, holds a LoginState

	chatsMu sync.Mutex
	chats   map[int64]*secretchat.Chat

	pendingAsks   sync.Map // request id -> *AskValueRequest
}

// New builds an Agent from cfg and a seed directory of datacenters,
// wiring every per-dc client's packet/state callbacks back into the
// facade's own dispatch methods. codec supplies the application-layer
// RPC bodies BeginLogin and the update reconciler issue through Call;
// it may be nil only for tests that never drive the login flow or a
// difference fetch.
func New(cfg *config.Config, seed []*dcdir.Descriptor, rsaKeys []*crypto.RSAPublicKey, codec MethodCodec, cb Callbacks, logger *log.Logger) (*Agent, error) {
	dirs, err := dcdir.New(seed)
	if err != nil {
		return nil, fmt.Errorf("agent: building datacenter directory: %w", err)
	}

	a := &Agent{
		log:     logger.WithPrefix("agent"),
		cfg:     cfg,
		cb:      cb,
		codec:   codec,
		dirs:    dirs,
		rsaKeys: rsaKeys,
		clients: make(map[int32]dcClient),
		chats:   make(map[int64]*secretchat.Chat),
	}
	a.engine = query.New(&agentSender{a: a}, a.log)
	a.reconciler = updates.New(&agentDifferenceFetcher{a: a}, updates.Counters{}, a.log)

	for _, desc := range seed {
		a.addClient(desc.ID)
	}
	return a, nil
}

// Start launches the query engine and every datacenter client's
// connect loop.
func (a *Agent) Start() {
	a.engine.Start()
	a.clientMu.RLock()
	defer a.clientMu.RUnlock()
	for _, c := range a.clients {
		c.Start()
	}
}

func (a *Agent) addClient(dcID int32) {
	desc, _ := a.dirs.Get(dcID)
	client := newDCClient(dcID, desc, a.rsaKeys, a.log,
		func(msgID int64, body []byte) { a.onPacket(dcID, msgID, body) },
		func(state dc.State) { a.onStateChange(dcID, state) },
	)
	a.clientMu.Lock()
	a.clients[dcID] = client
	a.clientMu.Unlock()

	if atomic.LoadInt32(&a.activeDC) == 0 {
		atomic.StoreInt32(&a.activeDC, dcID)
	}
}

// ActiveDC returns the datacenter currently selected for new queries.
func (a *Agent) ActiveDC() int32 { return atomic.LoadInt32(&a.activeDC) }

// SetActiveDC switches the datacenter new queries are issued against,
// following a migrate_n server error (spec §4.4's FILE_MIGRATE_n /
// PHONE_MIGRATE_n / NETWORK_MIGRATE_n handling).
func (a *Agent) SetActiveDC(dcID int32) error {
	a.clientMu.RLock()
	_, ok := a.clients[dcID]
	a.clientMu.RUnlock()
	if !ok {
		a.addClient(dcID)
	}
	atomic.StoreInt32(&a.activeDC, dcID)
	return nil
}

func (a *Agent) onStateChange(dcID int32, state dc.State) {
	if a.cb.OnConnectionState != nil {
		a.cb.OnConnectionState(dcID, state)
	}
	if state == dc.StateLoggedIn && dcID == a.ActiveDC() {
		a.setLoginState(LoginStateLoggedIn)
	}
}

func (a *Agent) onPacket(dcID int32, msgID int64, body []byte) {
	ctor, err := peekConstructor(body)
	if err != nil {
		a.log.Warnf("dc %d: malformed packet %d: %v", dcID, msgID, err)
		return
	}
	if err := a.engine.OnPacket(msgID, body, ctor); err != nil {
		a.log.Debugf("dc %d: packet %d not claimed by any in-flight query: %v", dcID, msgID, err)
	}
}

func peekConstructor(body []byte) (uint32, error) {
	d := wire.NewDeserializer(body)
	return d.PeekConstructor()
}

func (a *Agent) setLoginState(s LoginState) {
	atomic.StoreInt32(&a.loginState, int32(s))
	if a.cb.OnLoginState != nil {
		a.cb.OnLoginState(s)
	}
}

// LoginState returns the facade's current login progress.
func (a *Agent) LoginState() LoginState { return LoginState(atomic.LoadInt32(&a.loginState)) }

// agentSender adapts Agent to query.Sender by routing to the client
// for the query's dc, switching the active dc on a migrate response is
// handled one layer up by the continuation that classifies the error.
type agentSender struct{ a *Agent }

func (s *agentSender) SendQuery(dcID int32, msgID int64, body []byte, opt query.Option) error {
	s.a.clientMu.RLock()
	client, ok := s.a.clients[dcID]
	s.a.clientMu.RUnlock()
	if !ok {
		return fmt.Errorf("agent: no client for dc %d", dcID)
	}
	return client.SendQuery(dcID, msgID, body, opt)
}

// agentDifferenceFetcher adapts the facade's query engine into the
// updates.DifferenceFetcher the reconciler needs, encoding/decoding
// through the facade's MethodCodec and round-tripping through Call so
// a get_difference genuinely crosses the wire (spec §4.5/S6).
type agentDifferenceFetcher struct{ a *Agent }

func (f *agentDifferenceFetcher) GetDifference(c updates.Counters) (*updates.Difference, error) {
	if f.a.codec == nil {
		return nil, errors.New("agent: no MethodCodec installed, cannot issue updates.getDifference")
	}
	body, expectCtor := f.a.codec.EncodeGetDifference(c)
	reply, err := f.a.callSync("updates.getDifference", body, expectCtor, query.OptionNormal)
	if err != nil {
		return nil, err
	}
	return f.a.codec.DecodeDifference(reply)
}

func (f *agentDifferenceFetcher) GetChannelDifference(channelID int64, pts int64) (*updates.ChannelDifference, error) {
	if f.a.codec == nil {
		return nil, errors.New("agent: no MethodCodec installed, cannot issue updates.getChannelDifference")
	}
	body, expectCtor := f.a.codec.EncodeGetChannelDifference(channelID, pts)
	reply, err := f.a.callSync("updates.getChannelDifference", body, expectCtor, query.OptionNormal)
	if err != nil {
		return nil, err
	}
	return f.a.codec.DecodeChannelDifference(reply)
}

// Call issues a generic RPC: body is the already-serialized method
// call, expectCtor the boxed constructor of its expected reply. The
// continuation runs on whatever goroutine the reply (or timeout)
// arrives on, per spec §5's single-event-loop model delegated to the
// host's own loop.
func (a *Agent) Call(method string, body []byte, expectCtor uint32, opt query.Option, continuation func(body []byte, gotCtor uint32, err error)) error {
	dcID := a.ActiveDC()
	a.clientMu.RLock()
	client, ok := a.clients[dcID]
	a.clientMu.RUnlock()
	if !ok {
		return fmt.Errorf("agent: no client for active dc %d", dcID)
	}

	msgID := client.NextMessageID()
	q := &query.Query{
		DC:           dcID,
		MsgID:        msgID,
		Method:       method,
		Body:         body,
		Option:       opt,
		ExpectCtor:   expectCtor,
		Continuation: continuation,
	}
	a.engine.New(q)
	return a.engine.Execute(q)
}

// callSync blocks until Call's continuation fires, for collaborators
// (updates.DifferenceFetcher) whose interface is synchronous. The
// continuation always runs exactly once (reply, timeout, or
// cancellation), so the channel never leaks a blocked receiver.
func (a *Agent) callSync(method string, body []byte, expectCtor uint32, opt query.Option) ([]byte, error) {
	type result struct {
		body []byte
		err  error
	}
	done := make(chan result, 1)
	if err := a.Call(method, body, expectCtor, opt, func(replyBody []byte, gotCtor uint32, err error) {
		done <- result{body: replyBody, err: err}
	}); err != nil {
		return nil, err
	}
	r := <-done
	return r.body, r.err
}

// BeginLogin starts the login state machine by asking the host for a
// phone number, then drives auth.sendCode/auth.signIn through Call as
// each value arrives (spec §4.7, scenario S1). When signIn reports
// ErrPasswordRequired, completeAuthorization asks for the two-step
// password and retries through auth.checkPassword.
func (a *Agent) BeginLogin() {
	a.setLoginState(LoginStateAwaitingPhoneNumber)
	a.askValue(AskPhoneNumber, func(phone string) {
		if a.codec == nil {
			a.log.Warnf("login: no MethodCodec installed, cannot issue auth.sendCode")
			a.setLoginState(LoginStateLoggedOut)
			return
		}
		body, expectCtor := a.codec.EncodeSendCode(phone)
		if err := a.Call("auth.sendCode", body, expectCtor, query.OptionLogin, func(replyBody []byte, gotCtor uint32, err error) {
			if err != nil {
				a.log.Warnf("login: auth.sendCode failed: %v", err)
				a.setLoginState(LoginStateLoggedOut)
				return
			}
			phoneCodeHash, err := a.codec.DecodeSentCode(replyBody)
			if err != nil {
				a.log.Warnf("login: decoding auth.sentCode: %v", err)
				a.setLoginState(LoginStateLoggedOut)
				return
			}
			a.setLoginState(LoginStateAwaitingCode)
			a.askValue(AskVerificationCode, func(code string) {
				a.signIn(phone, phoneCodeHash, code)
			})
		}); err != nil {
			a.log.Warnf("login: issuing auth.sendCode: %v", err)
			a.setLoginState(LoginStateLoggedOut)
		}
	})
}

func (a *Agent) signIn(phone, phoneCodeHash, code string) {
	body, expectCtor := a.codec.EncodeSignIn(phone, phoneCodeHash, code)
	if err := a.Call("auth.signIn", body, expectCtor, query.OptionLogin, func(replyBody []byte, gotCtor uint32, err error) {
		if err != nil {
			a.log.Warnf("login: auth.signIn failed: %v", err)
			a.setLoginState(LoginStateLoggedOut)
			return
		}
		a.completeAuthorization(replyBody)
	}); err != nil {
		a.log.Warnf("login: issuing auth.signIn: %v", err)
		a.setLoginState(LoginStateLoggedOut)
	}
}

// completeAuthorization decodes an auth.authorization-shaped reply
// from either auth.signIn or auth.checkPassword, asking for the
// two-step-verification password and retrying through checkPassword
// when the account requires it.
func (a *Agent) completeAuthorization(replyBody []byte) {
	err := a.codec.DecodeAuthorization(replyBody)
	switch {
	case err == nil:
		a.setLoginState(LoginStateLoggedIn)
	case errors.Is(err, ErrPasswordRequired):
		a.setLoginState(LoginStateAwaitingPassword)
		a.askValue(AskPassword, func(password string) {
			a.checkPassword(password)
		})
	default:
		a.log.Warnf("login: decoding auth.authorization: %v", err)
		a.setLoginState(LoginStateLoggedOut)
	}
}

func (a *Agent) checkPassword(password string) {
	body, expectCtor := a.codec.EncodeCheckPassword(password)
	if err := a.Call("auth.checkPassword", body, expectCtor, query.OptionLogin, func(replyBody []byte, gotCtor uint32, err error) {
		if err != nil {
			a.log.Warnf("login: auth.checkPassword failed: %v", err)
			a.setLoginState(LoginStateLoggedOut)
			return
		}
		a.completeAuthorization(replyBody)
	}); err != nil {
		a.log.Warnf("login: issuing auth.checkPassword: %v", err)
		a.setLoginState(LoginStateLoggedOut)
	}
}

func (a *Agent) askValue(kind AskValueKind, onAccept func(value string)) {
	id, err := uuid.NewV4()
	reqID := id.String()
	if err != nil {
		reqID = fmt.Sprintf("ask-%d", kind)
	}
	req := &AskValueRequest{
		ID:   reqID,
		Kind: kind,
		accept: func(value string) {
			a.pendingAsks.Delete(reqID)
			onAccept(value)
		},
		cancel: func(err error) {
			a.pendingAsks.Delete(reqID)
			a.log.Warnf("login cancelled while awaiting %s: %v", kind, err)
			a.setLoginState(LoginStateLoggedOut)
		},
	}
	a.pendingAsks.Store(reqID, req)
	if a.cb.AskValue != nil {
		a.cb.AskValue(req)
	}
}

// CreateSecretChat registers a Chat for an already-computed shared key
// in the facade's dispatch table. It performs no DH exchange and issues
// no messages.requestEncryption/acceptEncryption RPCs.
func (a *Agent) CreateSecretChat(chatID int64, isAdmin bool, qos secretchat.QoS, sharedKey []byte, sender secretchat.ResendSender, outbox secretchat.OutgoingStore, inbox secretchat.IncomingStore) *secretchat.Chat {
	chat := secretchat.NewChat(chatID, isAdmin, qos, sharedKey, sender, outbox, inbox, a.log)
	a.chatsMu.Lock()
	a.chats[chatID] = chat
	a.chatsMu.Unlock()
	return chat
}

// SecretChat returns the registered chat, if any.
func (a *Agent) SecretChat(chatID int64) (*secretchat.Chat, bool) {
	a.chatsMu.Lock()
	defer a.chatsMu.Unlock()
	c, ok := a.chats[chatID]
	return c, ok
}

// DeliverSecretMessage routes a decrypted secret-chat envelope through
// its chat's sequence discipline and on to the host, if in order.
func (a *Agent) DeliverSecretMessage(chatID int64, peerOut, peerIn int32, payload []byte) error {
	chat, ok := a.SecretChat(chatID)
	if !ok {
		return fmt.Errorf("agent: no secret chat %d registered", chatID)
	}
	return chat.HandleIncoming(peerOut, peerIn, payload, func(p []byte) {
		if a.cb.OnNewMessage != nil {
			a.cb.OnNewMessage(chatID, p)
		}
	})
}

// Reconciler exposes the update reconciler for callers outside the
// package that feed it raw short-update notifications.
func (a *Agent) Reconciler() *updates.Reconciler { return a.reconciler }
