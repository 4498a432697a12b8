package store

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestUnconfirmedStore(t *testing.T) *UnconfirmedStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "unconfirmed.db")
	s, err := OpenUnconfirmedStore(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPutAndGetOutgoingRange(t *testing.T) {
	s := newTestUnconfirmedStore(t)

	require.NoError(t, s.PutOutgoing(1, 0, 100, [][]byte{[]byte("a")}))
	require.NoError(t, s.PutOutgoing(1, 1, 101, [][]byte{[]byte("b")}))
	require.NoError(t, s.PutOutgoing(1, 2, 102, [][]byte{[]byte("c")}))

	entries, err := s.GetOutgoingRange(1, 0, 1)
	require.NoError(t, err)
	require.Len(t, entries, 2)
}

func TestDeleteOutgoingBelowRemovesAckedEntries(t *testing.T) {
	s := newTestUnconfirmedStore(t)

	require.NoError(t, s.PutOutgoing(1, 0, 100, nil))
	require.NoError(t, s.PutOutgoing(1, 1, 101, nil))
	require.NoError(t, s.PutOutgoing(1, 2, 102, nil))

	require.NoError(t, s.DeleteOutgoingBelow(1, 2))

	entries, err := s.GetOutgoingRange(1, 0, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, int32(2), entries[0].OutSeq)
}

func TestOutgoingScopedPerChat(t *testing.T) {
	s := newTestUnconfirmedStore(t)

	require.NoError(t, s.PutOutgoing(1, 0, 100, nil))
	require.NoError(t, s.PutOutgoing(2, 0, 200, nil))

	require.NoError(t, s.DeleteOutgoingBelow(1, 5))

	chat1, err := s.GetOutgoingRange(1, 0, 10)
	require.NoError(t, err)
	require.Empty(t, chat1)

	chat2, err := s.GetOutgoingRange(2, 0, 10)
	require.NoError(t, err)
	require.Len(t, chat2, 1)
}

func TestIncomingPutAndDelete(t *testing.T) {
	s := newTestUnconfirmedStore(t)

	require.NoError(t, s.PutIncoming(1, 3, []byte("payload")))
	require.NoError(t, s.DeleteIncomingUpTo(1, 3))
	require.NoError(t, s.DeleteIncomingUpTo(1, 4))
}
