// Package dc implements the datacenter client (component C3): one
// connection to one datacenter, its connection-state machine, the
// pending-query gate, salt/time-offset correction, and container
// batching. It is grounded on the teacher's connection.go: the same
// dial-with-backoff loop (doConnect), the same worker.Worker-based
// lifecycle, and the same log.Logger-per-connection style — but the
// PKI descriptor fetch and Sphinx session setup are replaced by an
// dcdir.Descriptor address list and the MTProto handshake.
package dc

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	channels "gopkg.in/eapache/channels.v1"

	"github.com/mtprotocore/client/core/crypto"
	cryptorand "github.com/mtprotocore/client/core/crypto/rand"
	"github.com/mtprotocore/client/core/dcdir"
	"github.com/mtprotocore/client/core/metrics"
	"github.com/mtprotocore/client/core/wire"
	"github.com/mtprotocore/client/core/worker"
	"github.com/mtprotocore/client/query"
)

// State is one point in the connection state machine spec §4.3 names:
// disconnected -> connecting -> connected -> authorized -> logged_in.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateAuthorized
	StateLoggedIn
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateAuthorized:
		return "authorized"
	case StateLoggedIn:
		return "logged_in"
	default:
		return "unknown"
	}
}

var (
	ErrNotConnected = errors.New("dc: not connected to the datacenter")
	ErrShutdown     = errors.New("dc: shutdown requested")
)

// ConnectError wraps a dial or handshake failure, mirroring the
// teacher's ConnectError/newConnectError pair.
type ConnectError struct{ Err error }

func (e *ConnectError) Error() string { return fmt.Sprintf("dc: connect error: %v", e.Err) }

func newConnectError(f string, a ...interface{}) error {
	return &ConnectError{Err: fmt.Errorf(f, a...)}
}

// pendingQuery is one entry on the pending queue: held until the dc
// reaches the state its Option requires.
type pendingQuery struct {
	msgID int64
	body  []byte
	opt   query.Option
}

// Client owns the transport connection to one datacenter, the
// session's auth-key and salt, and the pending queue queries
// accumulate on while the dc is not yet logged in (spec §4.3).
type Client struct {
	worker.Worker

	log *log.Logger

	dcID       int32
	descriptor *dcdir.Descriptor
	rsaKeys    []*crypto.RSAPublicKey

	onStateChange func(State)
	onPacket      func(msgID int64, body []byte)

	state   int32 // atomic, holds a State
	connMu  sync.Mutex
	conn    net.Conn
	sessionID uint64

	authKey     *crypto.AuthKey
	authKeyID   uint64
	serverSalt  uint64
	timeOffset  int64 // atomic, seconds added to local clock
	seqCounter  int32 // atomic, MTProto seq_no counter

	msgIDMu      sync.Mutex
	msgIDSecond  int64 // last clockNow().Unix() a message id was minted for
	msgIDCounter int32 // strictly increasing within msgIDSecond

	pending    *channels.InfiniteChannel
	retryDelay int64 // atomic time.Duration

	dialFn func(ctx context.Context, network, addr string) (net.Conn, error)
}

// NewClient builds a Client for dcID. onPacket is invoked for every
// decrypted payload with its message id; onStateChange (optional) is
// invoked on every state transition.
func NewClient(dcID int32, desc *dcdir.Descriptor, rsaKeys []*crypto.RSAPublicKey, logger *log.Logger, onPacket func(int64, []byte), onStateChange func(State)) *Client {
	c := &Client{
		log:           logger.WithPrefix(fmt.Sprintf("dc%d", dcID)),
		dcID:          dcID,
		descriptor:    desc,
		rsaKeys:       rsaKeys,
		onPacket:      onPacket,
		onStateChange: onStateChange,
		pending:       channels.NewInfiniteChannel(),
	}
	atomic.StoreInt32(&c.state, int32(StateDisconnected))
	return c
}

// State returns the current connection state.
func (c *Client) State() State { return State(atomic.LoadInt32(&c.state)) }

func (c *Client) setState(s State) {
	atomic.StoreInt32(&c.state, int32(s))
	metrics.ConnectionStateGauge.WithLabelValues(fmt.Sprintf("%d", c.dcID)).Set(float64(s))
	if c.onStateChange != nil {
		c.onStateChange(s)
	}
}

// Start launches the reconnect loop. Must be called once before use.
func (c *Client) Start() {
	c.Worker.Go(c.connectWorker)
}

// clockNow returns local time adjusted by the server-reported offset,
// used to mint message ids that agree with the server's clock after a
// bad_msg_notification correction.
func (c *Client) clockNow() time.Time {
	return time.Now().Add(time.Duration(atomic.LoadInt64(&c.timeOffset)) * time.Second)
}

// nextMessageID mints a message id: the MTProto convention is
// unix-seconds-since-epoch (server-offset corrected) in the high 32
// bits, OR'd with a counter that strictly increases for every id
// minted within the same second, shifted left 2 so the result is
// always divisible by 4 for a client-originated message. Two ids
// minted in the same second are therefore never equal, which a
// nanosecond timestamp alone cannot guarantee under clock coalescing.
func (c *Client) nextMessageID() int64 {
	c.msgIDMu.Lock()
	defer c.msgIDMu.Unlock()

	sec := c.clockNow().Unix()
	if sec == c.msgIDSecond {
		c.msgIDCounter++
	} else {
		c.msgIDSecond = sec
		c.msgIDCounter = 0
	}
	return (sec << 32) | (int64(c.msgIDCounter) << 2)
}

// SendQuery implements query.Sender. If the dc is not yet in the state
// opt requires, the query is parked on the pending queue rather than
// sent, per spec §4.3's pending-queue rule. OptionForce bypasses every
// gate (used by the handshake, which runs before any state but
// disconnected makes sense).
func (c *Client) SendQuery(dcID int32, msgID int64, body []byte, opt query.Option) error {
	if !c.gateClears(opt) {
		c.pending.In() <- &pendingQuery{msgID: msgID, body: body, opt: opt}
		return nil
	}
	return c.transmit(msgID, body)
}

func (c *Client) gateClears(opt query.Option) bool {
	switch opt {
	case query.OptionForce:
		return true
	case query.OptionLogin:
		return c.State() >= StateAuthorized
	default:
		return c.State() == StateLoggedIn
	}
}

// drainPending sends every query parked on the pending queue, in
// arrival order, on the login-transition edge.
func (c *Client) drainPending() {
	out := c.pending.Out()
	for {
		select {
		case v, ok := <-out:
			if !ok {
				return
			}
			pq := v.(*pendingQuery)
			if err := c.transmit(pq.msgID, pq.body); err != nil {
				c.log.Warnf("failed to drain pending query %d: %v", pq.msgID, err)
			}
		default:
			return
		}
	}
}

// transmit wraps body in the appropriate envelope (unauthorized before
// an auth-key exists, authorized after) and writes a length-prefixed
// frame to the connection.
func (c *Client) transmit(msgID int64, body []byte) error {
	c.connMu.Lock()
	conn := c.conn
	authKey := c.authKey
	salt := c.serverSalt
	sessionID := c.sessionID
	c.connMu.Unlock()

	if conn == nil {
		return ErrNotConnected
	}

	var frame []byte
	if authKey == nil {
		frame = unauthorizedWireFrame(msgID, body)
	} else {
		// Content messages carry an odd seq_no (2n+1); a server treats an
		// even seq_no as a non-content message and never acks it.
		seq := atomic.AddInt32(&c.seqCounter, 2) - 1
		pt := &crypto.Plaintext{
			ServerSalt: salt,
			SessionID:  sessionID,
			MessageID:  msgID,
			SeqNo:      seq,
			Body:       body,
		}
		enc, err := crypto.EncryptAuthorized(crypto.Default, authKey, crypto.ClientToServer, pt)
		if err != nil {
			return err
		}
		frame = enc
	}

	var lenPrefix [4]byte
	binary.LittleEndian.PutUint32(lenPrefix[:], uint32(len(frame)))
	if _, err := conn.Write(lenPrefix[:]); err != nil {
		return err
	}
	_, err := conn.Write(frame)
	return err
}

func unauthorizedWireFrame(msgID int64, body []byte) []byte {
	s := wire.NewSerializer()
	s.PutUint64(0)
	s.PutInt64(msgID)
	s.PutInt32(int32(len(body)))
	s.PutRaw(body)
	return s.Bytes()
}

// connectWorker is the reconnect loop: dial, run the session to
// completion (or failure), then retry with backoff, forever until
// halted. Grounded on the teacher's connectWorker/doConnect pair.
func (c *Client) connectWorker() {
	defer c.log.Debug("terminating connect worker")

	dialCtx, cancelFn := context.WithCancel(context.Background())
	go func() {
		<-c.HaltCh()
		cancelFn()
	}()

	const (
		retryIncrement = 2 * time.Second
		maxRetryDelay  = 30 * time.Second
	)

	dialFn := c.dialFn
	if dialFn == nil {
		dialFn = (&net.Dialer{KeepAlive: 3 * time.Minute, Timeout: time.Minute}).DialContext
	}

	for {
		addrs := c.candidateAddresses()
		if len(addrs) == 0 {
			c.log.Warn("no suitable addresses found")
			return
		}

		for _, addr := range addrs {
			select {
			case <-time.After(time.Duration(atomic.LoadInt64(&c.retryDelay))):
				atomic.AddInt64(&c.retryDelay, int64(retryIncrement))
				if atomic.LoadInt64(&c.retryDelay) > int64(maxRetryDelay) {
					atomic.StoreInt64(&c.retryDelay, int64(maxRetryDelay))
				}
			case <-c.HaltCh():
				return
			}

			c.setState(StateConnecting)
			c.log.Debugf("dialing %v", addr)
			conn, err := dialFn(dialCtx, "tcp", addr)
			select {
			case <-c.HaltCh():
				if conn != nil {
					conn.Close()
				}
				return
			default:
			}
			if err != nil {
				c.log.Warnf("failed to connect to %v: %v", addr, err)
				continue
			}

			atomic.StoreInt64(&c.retryDelay, 0)
			c.onTCPConn(conn)
			c.setState(StateDisconnected)
		}
	}
}

func (c *Client) candidateAddresses() []string {
	var out []string
	if v, ok := c.descriptor.Addresses[dcdir.TransportTCPv4]; ok {
		out = append(out, v...)
	}
	if v, ok := c.descriptor.Addresses[dcdir.TransportTCPv6]; ok {
		out = append(out, v...)
	}
	return out
}

// onTCPConn takes ownership of a freshly dialed connection: allocates
// a session id, runs the handshake if no auth-key is cached, then
// services reads until the connection drops.
func (c *Client) onTCPConn(conn net.Conn) {
	defer func() {
		c.log.Debug("connection closed")
		conn.Close()
	}()

	c.connMu.Lock()
	c.conn = conn
	var sid [8]byte
	copy(sid[:], cryptorand.Bytes(8))
	c.sessionID = binary.LittleEndian.Uint64(sid[:])
	c.connMu.Unlock()
	c.setState(StateConnected)

	if c.authKey == nil {
		if err := c.runHandshake(); err != nil {
			c.log.Errorf("handshake failed: %v", err)
			c.connMu.Lock()
			c.conn = nil
			c.connMu.Unlock()
			return
		}
	}
	c.setState(StateAuthorized)
	c.drainPending()

	c.recvLoop(conn)

	c.connMu.Lock()
	c.conn = nil
	c.connMu.Unlock()
}

// runHandshake performs the four-phase auth-key exchange (spec §4.2)
// synchronously over conn, which must not yet have recvLoop attached.
// On success it installs the resulting auth-key, fingerprint and
// initial server salt.
func (c *Client) runHandshake() error {
	conn := c.conn
	p := crypto.Default

	var nonce crypto.Nonce
	copy(nonce[:], p.RandomBytes(16))
	if err := writeUnauthorizedFrame(conn, c.nextMessageID(), crypto.BuildReqPQ(nonce)); err != nil {
		return err
	}
	resPQBody, err := readUnauthorizedFrame(conn)
	if err != nil {
		return err
	}
	resPQ, err := crypto.ParseResPQ(resPQBody, nonce)
	if err != nil {
		return err
	}

	reqDHBody, newNonce, err := crypto.BuildReqDHParams(p, resPQ, c.rsaKeys)
	if err != nil {
		return err
	}
	if err := writeUnauthorizedFrame(conn, c.nextMessageID(), reqDHBody); err != nil {
		return err
	}
	serverDHBody, err := readUnauthorizedFrame(conn)
	if err != nil {
		return err
	}
	dhParams, err := crypto.ParseServerDHParams(p, serverDHBody, resPQ.Nonce, resPQ.ServerNonce, newNonce)
	if err != nil {
		return err
	}

	clientDH, err := crypto.BuildSetClientDHParams(p, dhParams, resPQ.Nonce, resPQ.ServerNonce, newNonce)
	if err != nil {
		return err
	}
	if err := writeUnauthorizedFrame(conn, c.nextMessageID(), clientDH.Body); err != nil {
		return err
	}
	genResultBody, err := readUnauthorizedFrame(conn)
	if err != nil {
		return err
	}
	authKeyID, serverSalt, err := crypto.FinishHandshake(p, genResultBody, resPQ.Nonce, resPQ.ServerNonce, newNonce, clientDH.AuthKey)
	if err != nil {
		return err
	}

	authKey, err := crypto.NewAuthKey(clientDH.AuthKey)
	if err != nil {
		return err
	}

	c.connMu.Lock()
	c.authKey = authKey
	c.authKeyID = authKeyID
	c.serverSalt = serverSalt
	c.connMu.Unlock()
	c.log.Info("handshake completed")
	return nil
}

func writeUnauthorizedFrame(conn net.Conn, msgID int64, body []byte) error {
	frame := unauthorizedWireFrame(msgID, body)
	var lenPrefix [4]byte
	binary.LittleEndian.PutUint32(lenPrefix[:], uint32(len(frame)))
	if _, err := conn.Write(lenPrefix[:]); err != nil {
		return err
	}
	_, err := conn.Write(frame)
	return err
}

func readUnauthorizedFrame(conn net.Conn) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := readFull(conn, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.LittleEndian.Uint32(lenBuf[:])
	if n == 0 || n > 1<<20 {
		return nil, fmt.Errorf("dc: implausible handshake frame length %d", n)
	}
	frame := make([]byte, n)
	if _, err := readFull(conn, frame); err != nil {
		return nil, err
	}
	_, body, err := parseUnauthorizedFrameWire(frame)
	return body, err
}

// recvLoop reads length-prefixed frames, decrypts authorized ones, and
// dispatches each message id/body pair to onPacket.
func (c *Client) recvLoop(conn net.Conn) {
	for {
		select {
		case <-c.HaltCh():
			return
		default:
		}

		var lenBuf [4]byte
		if _, err := readFull(conn, lenBuf[:]); err != nil {
			c.log.Debugf("read failed: %v", err)
			return
		}
		n := binary.LittleEndian.Uint32(lenBuf[:])
		if n == 0 || n > 1<<24 {
			c.log.Warnf("implausible frame length %d", n)
			return
		}
		frame := make([]byte, n)
		if _, err := readFull(conn, frame); err != nil {
			c.log.Debugf("read failed: %v", err)
			return
		}

		if c.authKey == nil {
			msgID, body, err := parseUnauthorizedFrameWire(frame)
			if err != nil {
				c.log.Warnf("malformed unauthorized frame: %v", err)
				continue
			}
			if c.onPacket != nil {
				c.onPacket(msgID, body)
			}
			continue
		}

		pt, err := crypto.DecryptAuthorized(crypto.Default, c.authKey, crypto.ServerToClient, frame)
		if err != nil {
			c.log.Warnf("envelope decrypt failed: %v", err)
			continue
		}
		if c.onPacket != nil {
			c.onPacket(pt.MessageID, pt.Body)
		}
	}
}

func parseUnauthorizedFrameWire(frame []byte) (int64, []byte, error) {
	d := wire.NewDeserializer(frame)
	authKeyID, err := d.FetchUint64()
	if err != nil {
		return 0, nil, err
	}
	if authKeyID != 0 {
		return 0, nil, fmt.Errorf("dc: unexpected authorized frame during handshake")
	}
	msgID, err := d.FetchInt64()
	if err != nil {
		return 0, nil, err
	}
	n, err := d.FetchInt32()
	if err != nil {
		return 0, nil, err
	}
	body, err := d.FetchRaw(int(n))
	if err != nil {
		return 0, nil, err
	}
	return msgID, append([]byte(nil), body...), nil
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// ApplyBadServerSalt updates the cached salt in response to a
// bad_server_salt notification (spec §4.3's salt/time-offset
// correction). Safe to call concurrently for multiple in-flight
// queries: the salt is a single field written under connMu, so the
// last writer wins and every caller resubmits under whichever salt
// ends up current.
func (c *Client) ApplyBadServerSalt(newSalt uint64) {
	c.connMu.Lock()
	c.serverSalt = newSalt
	c.connMu.Unlock()
}

// ApplyTimeCorrection adjusts the clock offset used by nextMessageID
// in response to a bad_msg_notification carrying a server time hint.
func (c *Client) ApplyTimeCorrection(serverUnix int64) {
	offset := serverUnix - time.Now().Unix()
	atomic.StoreInt64(&c.timeOffset, offset)
}

// NextMessageID exposes nextMessageID for callers that stamp a query
// before handing it to SendQuery (e.g. on retry, per spec §4.4).
func (c *Client) NextMessageID() int64 { return c.nextMessageID() }

// BatchContainer packs several ready-to-send (msgID, body) pairs into
// a single msg_container envelope with its own message id, per spec
// §4.3: "the container has its own message id but each member retains
// its own... Containers must not be nested."
func BatchContainer(parentMsgID int64, members []struct {
	MsgID int64
	Body  []byte
}) []byte {
	s := wire.NewSerializer()
	const msgContainerCtor uint32 = 0x73f1f8dc
	s.PutUint32(msgContainerCtor)
	s.PutInt32(int32(len(members)))
	for _, m := range members {
		s.PutInt64(m.MsgID)
		s.PutInt32(0) // seqno filled by the transport envelope, not here
		s.PutInt32(int32(len(m.Body)))
		s.PutRaw(m.Body)
	}
	return s.Bytes()
}
