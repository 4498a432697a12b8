package store

import (
	"encoding/binary"

	"go.etcd.io/bbolt"

	"github.com/ugorji/go/codec"

	"github.com/mtprotocore/client/secretchat"
)

var (
	outgoingBucket = []byte("unconfirmed_outgoing")
	incomingBucket = []byte("unconfirmed_incoming")
)

// UnconfirmedStore persists secret-chat sequence-discipline state
// across restarts: outgoing messages awaiting the peer's ack, and
// incoming messages received out of order and queued behind a hole.
// It implements secretchat.OutgoingStore and secretchat.IncomingStore.
type UnconfirmedStore struct {
	db *bbolt.DB
}

// OpenUnconfirmedStore opens (creating if absent) a bbolt database at
// path for unconfirmed secret-chat message tracking.
func OpenUnconfirmedStore(path string) (*UnconfirmedStore, error) {
	db, err := bbolt.Open(path, 0600, nil)
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(outgoingBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(incomingBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &UnconfirmedStore{db: db}, nil
}

// Close releases the underlying bbolt database.
func (s *UnconfirmedStore) Close() error {
	return s.db.Close()
}

// outgoingEntry is the CBOR-encoded value stored per (chatID, outSeq).
type outgoingEntry struct {
	MsgID int64
	Blobs [][]byte
}

func outgoingKey(chatID int64, outSeq int32) []byte {
	key := make([]byte, 12)
	binary.BigEndian.PutUint64(key[0:8], uint64(chatID))
	binary.BigEndian.PutUint32(key[8:12], uint32(outSeq))
	return key
}

func incomingKey(chatID int64, seq int32) []byte {
	return outgoingKey(chatID, seq)
}

// PutOutgoing persists one outbound message, keyed by (chatID, outSeq),
// so it can be located and retransmitted on a resend_messages request.
func (s *UnconfirmedStore) PutOutgoing(chatID int64, outSeq int32, msgID int64, blobs [][]byte) error {
	var buf []byte
	if err := codec.NewEncoderBytes(&buf, cborHandle).Encode(outgoingEntry{MsgID: msgID, Blobs: blobs}); err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(outgoingBucket).Put(outgoingKey(chatID, outSeq), buf)
	})
}

// DeleteOutgoingBelow removes every persisted outbound entry for chatID
// with out_seq_no < belowSeq, the peer's implicit ack (spec §4.6).
func (s *UnconfirmedStore) DeleteOutgoingBelow(chatID int64, belowSeq int32) error {
	prefix := make([]byte, 8)
	binary.BigEndian.PutUint64(prefix, uint64(chatID))
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(outgoingBucket)
		c := b.Cursor()
		var toDelete [][]byte
		for k, _ := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, _ = c.Next() {
			seq := int32(binary.BigEndian.Uint32(k[8:12]))
			if seq < belowSeq {
				toDelete = append(toDelete, append([]byte(nil), k...))
			}
		}
		for _, k := range toDelete {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetOutgoingRange returns persisted outbound entries for chatID with
// out_seq_no in [fromSeq, toSeq], used to service a resend_messages
// request.
func (s *UnconfirmedStore) GetOutgoingRange(chatID int64, fromSeq, toSeq int32) ([]secretchat.StoredOutgoing, error) {
	prefix := make([]byte, 8)
	binary.BigEndian.PutUint64(prefix, uint64(chatID))

	var out []secretchat.StoredOutgoing
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(outgoingBucket).Cursor()
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			seq := int32(binary.BigEndian.Uint32(k[8:12]))
			if seq < fromSeq || seq > toSeq {
				continue
			}
			var entry outgoingEntry
			if err := codec.NewDecoderBytes(v, cborHandle).Decode(&entry); err != nil {
				return err
			}
			out = append(out, secretchat.StoredOutgoing{OutSeq: seq, MsgID: entry.MsgID, Blobs: entry.Blobs})
		}
		return nil
	})
	return out, err
}

// PutIncoming persists an out-of-order incoming message so hole-fill
// state survives a restart before the hole closes.
func (s *UnconfirmedStore) PutIncoming(chatID int64, seq int32, payload []byte) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(incomingBucket).Put(incomingKey(chatID, seq), payload)
	})
}

// DeleteIncomingUpTo removes persisted incoming backlog entries for
// chatID with seq < upToSeq, once drainQueuedLocked has delivered them.
func (s *UnconfirmedStore) DeleteIncomingUpTo(chatID int64, upToSeq int32) error {
	prefix := make([]byte, 8)
	binary.BigEndian.PutUint64(prefix, uint64(chatID))
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(incomingBucket)
		c := b.Cursor()
		var toDelete [][]byte
		for k, _ := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, _ = c.Next() {
			seq := int32(binary.BigEndian.Uint32(k[8:12]))
			if seq < upToSeq {
				toDelete = append(toDelete, append([]byte(nil), k...))
			}
		}
		for _, k := range toDelete {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

func hasPrefix(k, prefix []byte) bool {
	if len(k) < len(prefix) {
		return false
	}
	for i := range prefix {
		if k[i] != prefix[i] {
			return false
		}
	}
	return true
}
