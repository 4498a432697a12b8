package secretchat

import (
	"os"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/require"
)

func testLogger() *log.Logger {
	return log.NewWithOptions(os.Stderr, log.Options{Prefix: "secretchat_test"})
}

type memOutbox struct {
	mu      sync.Mutex
	entries map[int32]StoredOutgoing
}

func newMemOutbox() *memOutbox {
	return &memOutbox{entries: make(map[int32]StoredOutgoing)}
}

func (o *memOutbox) PutOutgoing(chatID int64, outSeq int32, msgID int64, blobs [][]byte) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.entries[outSeq] = StoredOutgoing{OutSeq: outSeq, MsgID: msgID, Blobs: blobs}
	return nil
}

func (o *memOutbox) DeleteOutgoingBelow(chatID int64, belowSeq int32) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	for seq := range o.entries {
		if seq < belowSeq {
			delete(o.entries, seq)
		}
	}
	return nil
}

func (o *memOutbox) GetOutgoingRange(chatID int64, fromSeq, toSeq int32) ([]StoredOutgoing, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []StoredOutgoing
	for seq, e := range o.entries {
		if seq >= fromSeq && seq <= toSeq {
			out = append(out, e)
		}
	}
	return out, nil
}

type memInbox struct {
	mu   sync.Mutex
	seqs map[int32][]byte
}

func newMemInbox() *memInbox {
	return &memInbox{seqs: make(map[int32][]byte)}
}

func (i *memInbox) PutIncoming(chatID int64, seq int32, payload []byte) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.seqs[seq] = payload
	return nil
}

func (i *memInbox) DeleteIncomingUpTo(chatID int64, upToSeq int32) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	for seq := range i.seqs {
		if seq < upToSeq {
			delete(i.seqs, seq)
		}
	}
	return nil
}

type mockResendSender struct {
	mu             sync.Mutex
	resendRequests []int32 // fromSeq recorded
	resent         []int32 // out seqs resent
}

func (m *mockResendSender) SendResendRequest(chatID int64, fromSeq, toSeq int32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resendRequests = append(m.resendRequests, fromSeq)
	return nil
}

func (m *mockResendSender) Resend(chatID int64, msg StoredOutgoing) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resent = append(m.resent, msg.OutSeq)
	return nil
}

func newTestChat(qos QoS) (*Chat, *mockResendSender) {
	sender := &mockResendSender{}
	c := NewChat(1, false, qos, []byte("shared-key"), sender, newMemOutbox(), newMemInbox(), testLogger())
	return c, sender
}

func TestSendAssignsIncreasingOutSeq(t *testing.T) {
	c, _ := newTestChat(QoSReliable)

	seq0, err := c.Send(100, [][]byte{[]byte("a")})
	require.NoError(t, err)
	require.Equal(t, int32(0), seq0)

	seq1, err := c.Send(101, [][]byte{[]byte("b")})
	require.NoError(t, err)
	require.Equal(t, int32(1), seq1)
}

func TestHandleIncomingInOrderDelivers(t *testing.T) {
	c, _ := newTestChat(QoSReliable)

	var delivered [][]byte
	deliver := func(p []byte) { delivered = append(delivered, p) }

	// c is non-admin, so the peer is admin: peer raw out_seq_no for
	// logical 0 is 2*0+1 = 1 (spec §4.6's complementary parity).
	err := c.HandleIncoming(1, 0, []byte("first"), deliver)
	require.NoError(t, err)
	require.Len(t, delivered, 1)
	require.Equal(t, []byte("first"), delivered[0])
	require.Equal(t, int32(1), c.inSeqNo)
}

func TestHandleIncomingDuplicateDropped(t *testing.T) {
	c, _ := newTestChat(QoSReliable)
	var delivered int
	deliver := func(p []byte) { delivered++ }

	require.NoError(t, c.HandleIncoming(1, 0, []byte("first"), deliver))
	require.NoError(t, c.HandleIncoming(1, 0, []byte("first-again"), deliver))
	require.Equal(t, 1, delivered)
}

func TestHandleIncomingOutOfOrderQueuesThenDrains(t *testing.T) {
	c, _ := newTestChat(QoSReliable)
	var delivered [][]byte
	deliver := func(p []byte) { delivered = append(delivered, p) }

	// c is non-admin, peer is admin: peer raw seq = 2*logical+1.
	// seq 1 (raw 3) arrives before seq 0 (raw 1).
	require.NoError(t, c.HandleIncoming(3, 0, []byte("second"), deliver))
	require.Empty(t, delivered)
	require.Equal(t, int32(0), c.inSeqNo)

	require.NoError(t, c.HandleIncoming(1, 0, []byte("first"), deliver))
	require.Len(t, delivered, 2)
	require.Equal(t, []byte("first"), delivered[0])
	require.Equal(t, []byte("second"), delivered[1])
	require.Equal(t, int32(2), c.inSeqNo)
}

func TestAckOutgoingRemovesBelowPeerInSeq(t *testing.T) {
	c, _ := newTestChat(QoSReliable)
	outbox := c.outbox.(*memOutbox)

	_, err := c.Send(10, nil)
	require.NoError(t, err)
	_, err = c.Send(11, nil)
	require.NoError(t, err)

	deliver := func(p []byte) {}
	// peer raw out seq 1 (logical 0, admin parity); peerIn raw=2 =>
	// logical 1, acknowledging out_seq_no 0.
	require.NoError(t, c.HandleIncoming(1, 2, []byte("x"), deliver))

	outbox.mu.Lock()
	_, stillThere := outbox.entries[0]
	_, stillThere1 := outbox.entries[1]
	outbox.mu.Unlock()
	require.False(t, stillThere)
	require.True(t, stillThere1)
}

func TestAckOutgoingImpossibleSeqRejected(t *testing.T) {
	c, _ := newTestChat(QoSReliable)
	deliver := func(p []byte) {}
	// peer claims in_seq_no far beyond anything we've sent.
	err := c.HandleIncoming(1, 20, []byte("x"), deliver)
	require.ErrorIs(t, err, ErrPeerEchoedImpossibleSeq)
}

func TestFillHoleTimerRequestsResend(t *testing.T) {
	c, sender := newTestChat(QoSReliable)
	deliver := func(p []byte) {}

	// peer raw out seq 3 == logical 1, arriving while logical 0 is missing.
	require.NoError(t, c.HandleIncoming(3, 0, []byte("second"), deliver))

	require.Eventually(t, func() bool {
		sender.mu.Lock()
		defer sender.mu.Unlock()
		return len(sender.resendRequests) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSkipHoleOnlyArmedForRealtime(t *testing.T) {
	c, _ := newTestChat(QoSReliable)
	deliver := func(p []byte) {}
	require.NoError(t, c.HandleIncoming(3, 0, []byte("second"), deliver))

	time.Sleep(fillHoleDelay + 200*time.Millisecond)
	c.mu.Lock()
	skipArmed := c.skipTimer != nil
	c.mu.Unlock()
	require.False(t, skipArmed)
}

func TestHandleResendRequestReplaysRange(t *testing.T) {
	c, sender := newTestChat(QoSReliable)
	_, err := c.Send(1, nil)
	require.NoError(t, err)
	_, err = c.Send(2, nil)
	require.NoError(t, err)

	require.NoError(t, c.HandleResendRequest(0, 1))
	require.ElementsMatch(t, []int32{0, 1}, sender.resent)
}

func TestRekeyStateMachine(t *testing.T) {
	c, _ := newTestChat(QoSReliable)
	require.Equal(t, RekeyNone, c.RekeyState())

	require.True(t, c.BeginRekey())
	require.False(t, c.BeginRekey()) // already in progress
	require.Equal(t, RekeyRequested, c.RekeyState())

	newKey := []byte("new-shared-key")
	c.CommitRekey(newKey)
	require.Equal(t, RekeyCommitted, c.RekeyState())

	c.ConfirmRekey()
	require.Equal(t, RekeyNone, c.RekeyState())
	require.Equal(t, newKey, c.SharedKey)
}

func TestAbortRekeyPreservesKey(t *testing.T) {
	c, _ := newTestChat(QoSReliable)
	original := c.SharedKey

	require.True(t, c.BeginRekey())
	c.CommitRekey([]byte("discarded"))
	c.AbortRekey()

	require.Equal(t, RekeyNone, c.RekeyState())
	require.Equal(t, original, c.SharedKey)
}
