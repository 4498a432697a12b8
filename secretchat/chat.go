package secretchat

import (
	"errors"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/mtprotocore/client/core/metrics"
	"github.com/mtprotocore/client/core/worker"
)

const (
	fillHoleDelay = 1 * time.Second
	skipHoleDelay = 3 * time.Second
)

// QoS selects whether a chat uses the skip-hole escalation (spec
// §4.6: "if the chat's QoS is real-time, also start a skip-hole timer").
type QoS int

const (
	QoSReliable QoS = iota
	QoSRealtime
)

// RekeyState is the chat's PFS re-keying state machine (spec §4.6):
// none -> requested -> accepted -> committed -> none. ConfirmRekey
// moves committed straight to none; RekeyConfirmed is never entered.
type RekeyState int

const (
	RekeyNone RekeyState = iota
	RekeyRequested
	RekeyAccepted
	RekeyCommitted
	RekeyConfirmed
)

var (
	ErrPeerEchoedImpossibleSeq = errors.New("secretchat: peer claims acked messages we never sent")
)

// OutgoingStore and IncomingStore are the persistence collaborators
// spec §4.6 names: every outgoing message is stored before send, and
// out-of-order incoming messages are persisted so hole-fill survives
// restarts.
type OutgoingStore interface {
	PutOutgoing(chatID int64, outSeq int32, msgID int64, blobs [][]byte) error
	DeleteOutgoingBelow(chatID int64, belowSeq int32) error
	GetOutgoingRange(chatID int64, fromSeq, toSeq int32) ([]StoredOutgoing, error)
}

type IncomingStore interface {
	PutIncoming(chatID int64, seq int32, payload []byte) error
	DeleteIncomingUpTo(chatID int64, upToSeq int32) error
}

// StoredOutgoing is a persisted outbound message, reconstructible into
// a resend.
type StoredOutgoing struct {
	OutSeq int32
	MsgID  int64
	Blobs  [][]byte
}

// ResendSender issues a resend_messages RPC covering a sequence range.
type ResendSender interface {
	SendResendRequest(chatID int64, fromSeq, toSeq int32) error
	Resend(chatID int64, msg StoredOutgoing) error
}

// Chat tracks one secret chat's sequence-number discipline and
// re-keying state. One Chat per secret chat; the facade (C7) owns the
// map of chat id -> *Chat.
type Chat struct {
	worker.Worker
	log *log.Logger

	ChatID    int64
	IsAdmin   bool
	QoS       QoS
	SharedKey []byte

	sender  ResendSender
	outbox  OutgoingStore
	inbox   IncomingStore

	mu        sync.Mutex
	inSeqNo   int32
	outSeqNo  int32
	queued    map[int32][]byte // raw peer seq -> payload, out-of-order backlog
	fillTimer *time.Timer
	skipTimer *time.Timer

	rekey      RekeyState
	pendingKey []byte
}

// NewChat builds a Chat at sequence zero.
func NewChat(chatID int64, isAdmin bool, qos QoS, sharedKey []byte, sender ResendSender, outbox OutgoingStore, inbox IncomingStore, logger *log.Logger) *Chat {
	return &Chat{
		log:       logger.WithPrefix("secretchat"),
		ChatID:    chatID,
		IsAdmin:   isAdmin,
		QoS:       qos,
		SharedKey: sharedKey,
		sender:    sender,
		outbox:    outbox,
		inbox:     inbox,
		queued:    make(map[int32][]byte),
	}
}

// rawOut encodes a logical out_seq_no into the wire's raw sequence
// number: 2*logical + (1 if admin).
func (c *Chat) rawOut(logical int32) int32 {
	v := 2 * logical
	if c.IsAdmin {
		v++
	}
	return v
}

// peerRawOut computes the raw out_seq_no the peer would have attached
// to the message at logical in_seq_no logical. The peer's admin parity
// is always the complement of ours (spec §4.6: admin raw = 2n+1,
// non-admin raw = 2n, inverted on the other side).
func (c *Chat) peerRawOut(logical int32) int32 {
	v := 2 * logical
	if !c.IsAdmin {
		v++
	}
	return v
}

// Send assigns the next out_seq_no, persists the message, and returns
// it for the caller to encrypt and transmit.
func (c *Chat) Send(msgID int64, blobs [][]byte) (outSeq int32, err error) {
	c.mu.Lock()
	outSeq = c.outSeqNo
	c.outSeqNo++
	c.mu.Unlock()

	if err := c.outbox.PutOutgoing(c.ChatID, outSeq, msgID, blobs); err != nil {
		return 0, err
	}
	return outSeq, nil
}

// HandleIncoming applies the sequence discipline to a message carrying
// peerOut (the peer's raw out_seq_no) and peerIn (the peer's raw
// in_seq_no, acknowledging our outgoing messages). deliver is invoked
// once per message, in order, as the hole(s) ahead of it close.
func (c *Chat) HandleIncoming(peerOut, peerIn int32, payload []byte, deliver func(payload []byte)) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	peerOutLogical := peerOut / 2
	peerInLogical := peerIn / 2

	if err := c.ackOutgoingLocked(peerInLogical); err != nil {
		return err
	}

	switch {
	case peerOutLogical < c.inSeqNo:
		c.log.Debugf("chat %d: dropping duplicate seq %d (have %d)", c.ChatID, peerOutLogical, c.inSeqNo)
		return nil
	case peerOutLogical == c.inSeqNo:
		c.inSeqNo++
		deliver(payload)
		c.drainQueuedLocked(deliver)
		return nil
	default:
		c.queued[peerOut] = payload
		_ = c.inbox.PutIncoming(c.ChatID, peerOutLogical, payload)
		c.armHoleTimersLocked(deliver)
		return nil
	}
}

// ackOutgoingLocked removes persisted outbound entries the peer has
// implicitly acknowledged (spec §4.6: "all outbound entries with
// out_seq_no < peer_in_seq_no are removed"). Callers must hold c.mu.
func (c *Chat) ackOutgoingLocked(peerInLogical int32) error {
	if peerInLogical > c.outSeqNo {
		c.log.Warnf("chat %d: peer claims in_seq_no %d beyond our out_seq_no %d", c.ChatID, peerInLogical, c.outSeqNo)
		return ErrPeerEchoedImpossibleSeq
	}
	return c.outbox.DeleteOutgoingBelow(c.ChatID, peerInLogical)
}

// drainQueuedLocked delivers any backlog entries that have become
// in-order after inSeqNo advanced. Callers must hold c.mu.
func (c *Chat) drainQueuedLocked(deliver func(payload []byte)) {
	for {
		raw := c.peerRawOut(c.inSeqNo)
		payload, ok := c.queued[raw]
		if !ok {
			return
		}
		delete(c.queued, raw)
		c.inSeqNo++
		deliver(payload)
		_ = c.inbox.DeleteIncomingUpTo(c.ChatID, c.inSeqNo)
	}
}

// armHoleTimersLocked starts the fill-hole timer (and, for real-time
// chats, the skip-hole escalation) if not already running. Callers
// must hold c.mu.
func (c *Chat) armHoleTimersLocked(deliver func(payload []byte)) {
	if c.fillTimer != nil {
		return
	}
	c.fillTimer = time.AfterFunc(fillHoleDelay, func() {
		c.onFillHoleExpired(deliver)
	})
}

func (c *Chat) onFillHoleExpired(deliver func(payload []byte)) {
	c.mu.Lock()
	inSeq := c.inSeqNo
	firstQueued := c.firstQueuedSeqLocked()
	c.fillTimer = nil
	qos := c.QoS
	c.mu.Unlock()

	if firstQueued < 0 {
		return
	}

	metrics.SecretChatResendsTotal.Inc()
	if err := c.sender.SendResendRequest(c.ChatID, inSeq, firstQueued/2-1); err != nil {
		c.log.Warnf("chat %d: resend request failed: %v", c.ChatID, err)
	}

	if qos == QoSRealtime {
		c.mu.Lock()
		c.skipTimer = time.AfterFunc(skipHoleDelay, func() {
			c.onSkipHoleExpired(deliver)
		})
		c.mu.Unlock()
	}
}

// onSkipHoleExpired advances in_seq_no past an unfilled hole and
// processes whatever backlog is now in order, per spec §4.6's
// real-time QoS escalation.
func (c *Chat) onSkipHoleExpired(deliver func(payload []byte)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.skipTimer = nil

	firstQueued := c.firstQueuedSeqLocked()
	if firstQueued < 0 {
		return
	}
	c.log.Warnf("chat %d: skip-hole timer fired, advancing in_seq_no past gap", c.ChatID)
	c.inSeqNo = firstQueued / 2
	c.drainQueuedLocked(deliver)
}

// firstQueuedSeqLocked returns the smallest raw seq in the backlog, or
// -1 if empty. Callers must hold c.mu.
func (c *Chat) firstQueuedSeqLocked() int32 {
	first := int32(-1)
	for raw := range c.queued {
		if first < 0 || raw < first {
			first = raw
		}
	}
	return first
}

// HandleResendRequest locates persisted outgoing messages in [a,b]
// (logical out_seq_no) and resends each under its original message id
// and sequence number, per spec §4.6.
func (c *Chat) HandleResendRequest(fromSeq, toSeq int32) error {
	entries, err := c.outbox.GetOutgoingRange(c.ChatID, fromSeq, toSeq)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := c.sender.Resend(c.ChatID, e); err != nil {
			c.log.Warnf("chat %d: resend of seq %d failed: %v", c.ChatID, e.OutSeq, err)
		}
	}
	return nil
}

// BeginRekey transitions the chat into RekeyRequested. The admin role
// breaks ties when both sides initiate concurrently (spec §4.6: lower
// exchange-id wins); that comparison happens one layer up, where both
// exchange ids are known.
func (c *Chat) BeginRekey() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rekey != RekeyNone {
		return false
	}
	c.rekey = RekeyRequested
	return true
}

// AcceptRekey moves none -> accepted on the responder side.
func (c *Chat) AcceptRekey() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rekey != RekeyNone {
		return false
	}
	c.rekey = RekeyAccepted
	return true
}

// CommitRekey stores newKey as the pending key and moves the state to
// committed. SharedKey is unchanged until ConfirmRekey; nothing in this
// package decrypts with the pending key.
func (c *Chat) CommitRekey(newKey []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pendingKey = newKey
	c.rekey = RekeyCommitted
}

// ConfirmRekey makes the pending key the live key (spec §4.6: "the new
// key replaces the live key only after the committing side has seen a
// packet encrypted with the new key's fingerprint").
func (c *Chat) ConfirmRekey() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pendingKey != nil {
		c.SharedKey = c.pendingKey
		c.pendingKey = nil
	}
	c.rekey = RekeyNone
	metrics.SecretChatRekeysTotal.Inc()
}

// AbortRekey returns the chat to none, preserving the current key and
// wiping the discarded pending key material.
func (c *Chat) AbortRekey() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.pendingKey {
		c.pendingKey[i] = 0
	}
	c.pendingKey = nil
	c.rekey = RekeyNone
}

// RekeyState reports the chat's current re-keying state.
func (c *Chat) RekeyState() RekeyState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rekey
}
