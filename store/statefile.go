// Package store implements the client's two persistence concerns: the
// single encrypted statefile (auth keys, server salts, update counters,
// secret-chat state) and the bbolt-backed unconfirmed-message store the
// secret-chat engine (C6) uses for hole-fill and resend.
//
// The statefile path is adapted from the teacher's disk.go: argon2 to
// stretch a passphrase into a key, secretbox to seal the blob, and the
// ugorji/go/codec CBOR handle to (de)serialize the struct beneath it.
package store

import (
	"errors"
	"os"

	"github.com/ugorji/go/codec"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/nacl/secretbox"
	logging "gopkg.in/op/go-logging.v1"

	"github.com/mtprotocore/client/core/crypto"
	"github.com/mtprotocore/client/core/crypto/rand"
	"github.com/mtprotocore/client/core/worker"
)

const (
	keySize   = 32
	nonceSize = 24
)

var cborHandle = new(codec.CborHandle)

// ErrCorruptStatefile is returned when the statefile fails to decrypt,
// either because the passphrase is wrong or the file was truncated.
var ErrCorruptStatefile = errors.New("store: failed to decrypt statefile")

// DCAuth is the persisted outcome of one datacenter's handshake.
type DCAuth struct {
	DCID       int32
	AuthKey    []byte
	ServerSalt uint64
}

// SecretChatState is the persisted sequence/key state for one secret
// chat, enough to resume HandleIncoming/Send without replaying the DH
// exchange.
type SecretChatState struct {
	ChatID    int64
	IsAdmin   bool
	SharedKey []byte
	InSeqNo   int32
	OutSeqNo  int32
}

// State is the struct persisted to the encrypted statefile.
type State struct {
	UserID      int64
	DCs         []DCAuth
	PTS         int64
	QTS         int64
	Seq         int32
	Date        int32
	SecretChats []SecretChatState
}

// StateWriter owns the encrypted statefile and serializes writes to it
// through a single worker goroutine, exactly as the teacher's
// StateWriter does for catshadow's conversation state.
type StateWriter struct {
	worker.Worker

	log *logging.Logger

	stateCh   chan []byte
	stateFile string

	key [keySize]byte
}

// GetStateFromFile decrypts and decodes the statefile at path using a
// key stretched from passphrase via argon2.
func GetStateFromFile(stateFile string, passphrase []byte) (*State, *[keySize]byte, error) {
	secret := argon2.Key(passphrase, nil, 3, 32*1024, 4, keySize)
	rawFile, err := os.ReadFile(stateFile)
	if err != nil {
		return nil, nil, err
	}
	if len(rawFile) < nonceSize {
		return nil, nil, ErrCorruptStatefile
	}
	var nonce [nonceSize]byte
	copy(nonce[:], rawFile[:nonceSize])
	ciphertext := rawFile[nonceSize:]

	var key [keySize]byte
	copy(key[:], secret)

	plaintext, ok := secretbox.Open(nil, ciphertext, &nonce, &key)
	if !ok {
		return nil, nil, ErrCorruptStatefile
	}
	state := new(State)
	if err := codec.NewDecoderBytes(plaintext, cborHandle).Decode(state); err != nil {
		return nil, nil, err
	}
	return state, &key, nil
}

// LoadStateWriter decrypts stateFile and returns both the decoded State
// and a StateWriter ready to persist further updates to it.
func LoadStateWriter(log *logging.Logger, stateFile string, passphrase []byte) (*StateWriter, *State, error) {
	w := &StateWriter{
		log:       log,
		stateCh:   make(chan []byte),
		stateFile: stateFile,
	}
	state, key, err := GetStateFromFile(stateFile, passphrase)
	if err != nil {
		return nil, nil, err
	}
	copy(w.key[:], key[:])
	return w, state, nil
}

// NewStateWriter creates a StateWriter for a statefile that does not
// exist yet, deriving its key from passphrase.
func NewStateWriter(log *logging.Logger, stateFile string, passphrase []byte) (*StateWriter, error) {
	secret := argon2.Key(passphrase, nil, 3, 32*1024, 4, keySize)
	w := &StateWriter{
		log:       log,
		stateCh:   make(chan []byte),
		stateFile: stateFile,
	}
	copy(w.key[:], secret[:keySize])
	return w, nil
}

// Start launches the writer's worker goroutine.
func (w *StateWriter) Start() {
	w.log.Debug("statefile writer starting")
	w.Go(w.worker)
}

// PersistState encodes state and enqueues it for the worker to write.
// It blocks until the worker accepts the write, mirroring the teacher's
// synchronous stateCh handoff.
func (w *StateWriter) PersistState(state *State) error {
	var buf []byte
	if err := codec.NewEncoderBytes(&buf, cborHandle).Encode(state); err != nil {
		return err
	}
	select {
	case w.stateCh <- buf:
		return nil
	case <-w.HaltCh():
		return errors.New("store: statefile writer halted")
	}
}

func (w *StateWriter) writeState(payload []byte) error {
	var nonce [nonceSize]byte
	if _, err := rand.Reader.Read(nonce[:]); err != nil {
		return err
	}
	ciphertext := secretbox.Seal(nil, payload, &nonce, &w.key)
	out, err := os.OpenFile(w.stateFile+".tmp", os.O_TRUNC|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	outBytes := append(nonce[:], ciphertext...)
	if _, err := out.Write(outBytes); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	if err := os.Remove(w.stateFile + "~"); err != nil && !os.IsNotExist(err) {
		return err
	}
	if err := os.Rename(w.stateFile, w.stateFile+"~"); err != nil && !os.IsNotExist(err) {
		return err
	}
	if err := os.Rename(w.stateFile+".tmp", w.stateFile); err != nil {
		return err
	}
	return os.Remove(w.stateFile + "~")
}

func (w *StateWriter) worker() {
	for {
		select {
		case <-w.HaltCh():
			w.log.Debug("statefile writer terminating")
			return
		case payload := <-w.stateCh:
			if err := w.writeState(payload); err != nil {
				w.log.Errorf("failed to write statefile: %s", err)
			}
		}
	}
}

// AuthKeyFor returns the persisted auth key for a datacenter, if any.
func (s *State) AuthKeyFor(dcID int32) (*crypto.AuthKey, uint64, bool, error) {
	for _, d := range s.DCs {
		if d.DCID == dcID {
			key, err := crypto.NewAuthKey(d.AuthKey)
			return key, d.ServerSalt, true, err
		}
	}
	return nil, 0, false, nil
}

// SetAuthKey upserts the auth key and salt for a datacenter.
func (s *State) SetAuthKey(dcID int32, authKey []byte, salt uint64) {
	for i := range s.DCs {
		if s.DCs[i].DCID == dcID {
			s.DCs[i].AuthKey = authKey
			s.DCs[i].ServerSalt = salt
			return
		}
	}
	s.DCs = append(s.DCs, DCAuth{DCID: dcID, AuthKey: authKey, ServerSalt: salt})
}
