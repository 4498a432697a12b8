// Package query implements the query engine (component C4): per-call
// lifecycle, the process-wide message-id-keyed registry, timeout and
// retry scheduling, and the server error taxonomy. It is grounded on
// the teacher's ARQ (client2/arq.go): a mutex-guarded map keyed by a
// wire identifier, a TimerQueue-driven retransmission deadline, and a
// retransmission counter per in-flight item.
package query

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gofrs/uuid"

	"github.com/mtprotocore/client/core/metrics"
	"github.com/mtprotocore/client/core/timerqueue"
)

// Option selects which connection-state gate a query must clear before
// it may be sent (spec §4.3's pending queue, exercised at §4.4's
// execute step).
type Option int

const (
	// OptionNormal requires the dc to be logged_in; otherwise the query
	// parks on the dc's pending queue until the login transition.
	OptionNormal Option = iota
	// OptionLogin bypasses the logged_in gate (used to perform login).
	OptionLogin
	// OptionForce bypasses even the authorized gate (used by the
	// handshake itself, which runs with no auth-key at all).
	OptionForce
)

const (
	defaultTimeout   = 20 * time.Second
	fileTimeout      = 120 * time.Second
	pingTimeout      = 5 * time.Second
	maxUserRetries   = 5
	maxAuthBackoff   = 30 * time.Second
	initialBackoff   = 500 * time.Millisecond
)

var (
	// ErrNotFound is returned by OnPacket when no query is registered
	// under the reply's message id (already completed or never
	// registered).
	ErrNotFound = errors.New("query: message id not registered")
	// ErrTypeMismatch is returned when a reply's boxed constructor does
	// not match the query's expected type.
	ErrTypeMismatch = errors.New("query: reply constructor does not match expected type")
	// ErrRetriesExhausted is returned to a query's continuation when a
	// user-visible query's bounded retry budget runs out.
	ErrRetriesExhausted = errors.New("query: retry budget exhausted")
)

// ErrorKind classifies a server-reported RPC error per spec §4.4.
type ErrorKind int

const (
	KindOther ErrorKind = iota
	KindFloodWait
	KindFileMigrate
	KindPhoneMigrate
	KindNetworkMigrate
	KindAuthKeyUnregistered
	KindPasswordHashInvalid
)

// ServerError is the decoded form of an RPC error (a 32-bit code plus a
// short machine-readable string), classified into an ErrorKind and,
// where applicable, a numeric argument (seconds to wait, or a target
// dc id).
type ServerError struct {
	Code int32
	Text string
	Kind ErrorKind
	Arg  int
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("query: rpc error %d %q", e.Code, e.Text)
}

// ClassifyError parses an RPC error string ("FLOOD_WAIT_120",
// "PHONE_MIGRATE_2", "AUTH_KEY_UNREGISTERED", ...) into a ServerError.
func ClassifyError(code int32, text string) *ServerError {
	se := &ServerError{Code: code, Text: text, Kind: KindOther}
	var n int
	switch {
	case scanPrefixed(text, "FLOOD_WAIT_", &n):
		se.Kind, se.Arg = KindFloodWait, n
	case scanPrefixed(text, "FILE_MIGRATE_", &n):
		se.Kind, se.Arg = KindFileMigrate, n
	case scanPrefixed(text, "PHONE_MIGRATE_", &n):
		se.Kind, se.Arg = KindPhoneMigrate, n
	case scanPrefixed(text, "NETWORK_MIGRATE_", &n):
		se.Kind, se.Arg = KindNetworkMigrate, n
	case text == "AUTH_KEY_UNREGISTERED":
		se.Kind = KindAuthKeyUnregistered
	case text == "PASSWORD_HASH_INVALID":
		se.Kind = KindPasswordHashInvalid
	}
	return se
}

func scanPrefixed(text, prefix string, n *int) bool {
	if len(text) <= len(prefix) || text[:len(prefix)] != prefix {
		return false
	}
	v := 0
	for _, c := range text[len(prefix):] {
		if c < '0' || c > '9' {
			return false
		}
		v = v*10 + int(c-'0')
	}
	*n = v
	return true
}

// Sender is the dc client collaborator a query uses to (re)transmit
// its serialized body.
type Sender interface {
	SendQuery(dc int32, msgID int64, body []byte, opt Option) error
}

// Query tracks one in-flight RPC: its registry key, retry state, and
// the continuation to invoke on reply, timeout, or cancellation.
type Query struct {
	TraceID      string
	MsgID        int64
	DC           int32
	Method       string
	Body         []byte
	Option       Option
	ExpectCtor   uint32
	Timeout      time.Duration
	RetryBound   int // <=0 means unbounded (authorization-phase queries)
	Continuation func(body []byte, gotCtor uint32, err error)

	retries int
	backoff time.Duration
	sentAt  time.Time
	done    bool
}

// Engine owns the registry of in-flight queries and the retry timer
// queue, mirroring the ARQ's single timerQueue-per-engine shape.
type Engine struct {
	log    *log.Logger
	sender Sender

	mu       sync.Mutex
	byMsgID  map[int64]*Query
	timers   *timerqueue.TimerQueue
}

// New builds an Engine bound to sender, which performs actual wire
// transmission. Start must be called before use.
func New(sender Sender, logger *log.Logger) *Engine {
	e := &Engine{
		sender:  sender,
		byMsgID: make(map[int64]*Query),
		log:     logger.WithPrefix("query"),
	}
	e.timers = timerqueue.NewTimerQueue(e.onTimeout)
	return e
}

// Start launches the engine's retry timer worker.
func (e *Engine) Start() { e.timers.Start() }

// Stop halts the retry timer worker and waits for it to exit.
func (e *Engine) Stop() {
	e.timers.Halt()
	e.timers.Wait()
}

// New registers q under its MsgID, assigning a trace id and a default
// retry bound if unset. An unset Timeout defaults to 20s whatever the
// method; the file-transfer and ping timeouts are not applied here.
func (e *Engine) New(q *Query) {
	if q.TraceID == "" {
		id, err := uuid.NewV4()
		if err == nil {
			q.TraceID = id.String()
		}
	}
	if q.Timeout == 0 {
		q.Timeout = defaultTimeout
	}
	if q.RetryBound == 0 && q.Option != OptionForce {
		q.RetryBound = maxUserRetries
	}
	q.backoff = initialBackoff

	e.mu.Lock()
	e.byMsgID[q.MsgID] = q
	e.mu.Unlock()
}

// Execute sends q now (the dc client is responsible for parking it on
// the pending queue itself when the option's gate is not yet clear;
// Execute assumes that gate has already been cleared).
func (e *Engine) Execute(q *Query) error {
	q.sentAt = time.Now()
	if err := e.sender.SendQuery(q.DC, q.MsgID, q.Body, q.Option); err != nil {
		return err
	}
	priority := uint64(q.sentAt.Add(q.Timeout).UnixNano())
	e.timers.Push(priority, q.MsgID)
	return nil
}

// OnPacket delivers a reply to the query registered under msgID,
// validating its boxed constructor against the query's expected type.
func (e *Engine) OnPacket(msgID int64, body []byte, gotCtor uint32) error {
	e.mu.Lock()
	q, ok := e.byMsgID[msgID]
	if ok {
		delete(e.byMsgID, msgID)
	}
	e.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	if q.ExpectCtor != 0 && gotCtor != q.ExpectCtor {
		err := ErrTypeMismatch
		if q.Continuation != nil {
			q.Continuation(nil, gotCtor, err)
		}
		return err
	}
	if q.Continuation != nil {
		q.Continuation(body, gotCtor, nil)
	}
	metrics.QueryRoundtripSeconds.WithLabelValues(q.Method).Observe(time.Since(q.sentAt).Seconds())
	return nil
}

// Cancel idempotently removes msgID from the registry. A reply that
// arrives afterward is silently discarded by OnPacket's ErrNotFound path.
func (e *Engine) Cancel(msgID int64) {
	e.mu.Lock()
	delete(e.byMsgID, msgID)
	e.mu.Unlock()
}

// Fail delivers a terminal ServerError to msgID's continuation without
// retry, used by the dc client for non-retriable server errors.
func (e *Engine) Fail(msgID int64, err error) {
	e.mu.Lock()
	q, ok := e.byMsgID[msgID]
	if ok {
		delete(e.byMsgID, msgID)
	}
	e.mu.Unlock()
	if ok && q.Continuation != nil {
		q.Continuation(nil, 0, err)
	}
}

// onTimeout is the TimerQueue callback: it looks the query back up (a
// reply or cancellation may have already removed it, in which case
// this is a no-op, same as the ARQ's resend-after-ack race) and either
// retries or fails it out.
func (e *Engine) onTimeout(raw interface{}) {
	msgID, ok := raw.(int64)
	if !ok {
		return
	}
	e.mu.Lock()
	q, ok := e.byMsgID[msgID]
	e.mu.Unlock()
	if !ok {
		return
	}

	q.retries++
	metrics.QueryRetriesTotal.WithLabelValues(q.Method).Inc()

	if q.RetryBound > 0 && q.retries > q.RetryBound {
		e.Fail(msgID, ErrRetriesExhausted)
		return
	}

	q.backoff *= 2
	ceiling := maxAuthBackoff
	if q.RetryBound > 0 {
		ceiling = q.Timeout
	}
	if q.backoff > ceiling {
		q.backoff = ceiling
	}

	e.log.Debugf("retrying query %s (method=%s attempt=%d)", q.TraceID, q.Method, q.retries)
	time.AfterFunc(q.backoff, func() {
		if err := e.Execute(q); err != nil {
			e.log.Warnf("retry send failed for %s: %v", q.TraceID, err)
		}
	})
}
