package crypto

import (
	"encoding/binary"
	"errors"

	"github.com/mtprotocore/client/core/wire"
)

// Direction selects which side of the key schedule to derive: the
// client->server and server->client keys differ by the 'x' offset used
// when slicing the auth-key (spec §4.2).
type Direction int

const (
	// ClientToServer selects x=0.
	ClientToServer Direction = iota
	// ServerToClient selects x=8.
	ServerToClient
)

// ErrMsgKeyMismatch is returned when the msg_key recomputed on decrypt
// does not match the one embedded in the ciphertext.
var ErrMsgKeyMismatch = errors.New("crypto: msg_key mismatch")

// deriveKeyIV implements the MTProto v1 key schedule: four interleaved
// SHA1 computations over msg_key concatenated with disjoint 32-byte
// slices of the auth-key, producing a 32-byte AES-256 key and a 32-byte
// IV (prev-plaintext || prev-ciphertext feed for AES-IGE).
func deriveKeyIV(p Primitives, authKey []byte, msgKey [16]byte, dir Direction) (key, iv []byte) {
	x := 0
	if dir == ServerToClient {
		x = 8
	}
	sub := func(offset, n int) []byte { return authKey[offset : offset+n] }

	a := p.SHA1(msgKey[:], sub(x, 32))
	b := p.SHA1(sub(32+x, 16), msgKey[:], sub(48+x, 16))
	c := p.SHA1(sub(64+x, 32), msgKey[:])
	d := p.SHA1(msgKey[:], sub(96+x, 32))

	key = make([]byte, 0, 32)
	key = append(key, a[0:8]...)
	key = append(key, b[8:20]...)
	key = append(key, c[4:16]...)

	iv = make([]byte, 0, 32)
	iv = append(iv, a[8:20]...)
	iv = append(iv, b[0:8]...)
	iv = append(iv, c[16:20]...)
	iv = append(iv, d[0:8]...)
	return key, iv
}

// DeriveKeyIV exposes deriveKeyIV to other packages in the module: the
// secret-chat envelope (spec §4.6) uses the identical four-SHA1
// schedule, keyed by the chat's shared DH secret instead of a
// datacenter auth-key.
func DeriveKeyIV(p Primitives, sharedKey []byte, msgKey [16]byte, dir Direction) (key, iv []byte) {
	return deriveKeyIV(p, sharedKey, msgKey, dir)
}

// Plaintext is the decoded contents of an authorized-envelope payload
// (spec §4.2's "plaintext layout").
type Plaintext struct {
	ServerSalt uint64
	SessionID  uint64
	MessageID  int64
	SeqNo      int32
	Body       []byte
}

// EncryptAuthorized wraps body in the authorized envelope: computes
// msg_key as the last 16 bytes (bytes 4..19) of SHA1(plaintext), derives the AES-IGE
// key/IV from authKey and msg_key, and returns
// auth_key_id || msg_key || ciphertext.
func EncryptAuthorized(p Primitives, key *AuthKey, dir Direction, pt *Plaintext) ([]byte, error) {
	inner := wire.NewSerializer()
	inner.PutUint64(pt.ServerSalt)
	inner.PutUint64(pt.SessionID)
	inner.PutInt64(pt.MessageID)
	inner.PutInt32(pt.SeqNo)
	inner.PutInt32(int32(len(pt.Body)))
	inner.PutRaw(pt.Body)

	plaintext := inner.Bytes()
	pad := padLength(len(plaintext))
	plaintext = append(plaintext, p.RandomBytes(pad)...)

	full := p.SHA1(plaintext)
	var msgKey [16]byte
	copy(msgKey[:], full[4:20])

	aesKey, aesIV := deriveKeyIV(p, key.Bytes(), msgKey, dir)
	ciphertext, err := aesIGEEncrypt(aesKey, aesIV, plaintext)
	if err != nil {
		return nil, err
	}

	out := wire.NewSerializer()
	out.PutUint64(key.Fingerprint(p))
	out.PutRaw(msgKey[:])
	out.PutRaw(ciphertext)
	return out.Bytes(), nil
}

// padLength returns the number of random padding bytes needed so that
// len+pad is a multiple of 16 (AES block size) and at least 12, the
// minimum padding MTProto requires.
func padLength(n int) int {
	pad := (16 - n%16) % 16
	if pad < 12 {
		pad += 16
	}
	return pad
}

// DecryptAuthorized unwraps an authorized-envelope frame, verifying the
// auth_key_id and recomputing msg_key to detect tampering or a
// corrupted key schedule.
func DecryptAuthorized(p Primitives, key *AuthKey, dir Direction, frame []byte) (*Plaintext, error) {
	if len(frame) < 24 {
		return nil, ErrInvalidIGEInput
	}
	authKeyID := binary.LittleEndian.Uint64(frame[0:8])
	if authKeyID != key.Fingerprint(p) {
		return nil, ErrMsgKeyMismatch
	}
	var msgKey [16]byte
	copy(msgKey[:], frame[8:24])
	ciphertext := frame[24:]

	aesKey, aesIV := deriveKeyIV(p, key.Bytes(), msgKey, dir)
	plaintext, err := aesIGEDecrypt(aesKey, aesIV, ciphertext)
	if err != nil {
		return nil, err
	}

	full := p.SHA1(plaintext)
	var recomputed [16]byte
	copy(recomputed[:], full[4:20])
	if recomputed != msgKey {
		return nil, ErrMsgKeyMismatch
	}

	d := wire.NewDeserializer(plaintext)
	salt, err := d.FetchUint64()
	if err != nil {
		return nil, err
	}
	sid, err := d.FetchUint64()
	if err != nil {
		return nil, err
	}
	msgID, err := d.FetchInt64()
	if err != nil {
		return nil, err
	}
	seqNo, err := d.FetchInt32()
	if err != nil {
		return nil, err
	}
	bodyLen, err := d.FetchInt32()
	if err != nil {
		return nil, err
	}
	body, err := d.FetchRaw(int(bodyLen))
	if err != nil {
		return nil, err
	}

	return &Plaintext{
		ServerSalt: salt,
		SessionID:  sid,
		MessageID:  msgID,
		SeqNo:      seqNo,
		Body:       append([]byte(nil), body...),
	}, nil
}

// unauthorizedFrame returns auth_key_id=0 || message_id || length || body,
// the envelope used only during the handshake, sent in the clear.
func unauthorizedFrame(messageID int64, body []byte) []byte {
	out := wire.NewSerializer()
	out.PutUint64(0)
	out.PutInt64(messageID)
	out.PutInt32(int32(len(body)))
	out.PutRaw(body)
	return out.Bytes()
}

// parseUnauthorizedFrame reverses unauthorizedFrame.
func parseUnauthorizedFrame(frame []byte) (messageID int64, body []byte, err error) {
	d := wire.NewDeserializer(frame)
	authKeyID, err := d.FetchUint64()
	if err != nil {
		return 0, nil, err
	}
	if authKeyID != 0 {
		return 0, nil, errors.New("crypto: unauthorized frame has nonzero auth_key_id")
	}
	messageID, err = d.FetchInt64()
	if err != nil {
		return 0, nil, err
	}
	length, err := d.FetchInt32()
	if err != nil {
		return 0, nil, err
	}
	body, err = d.FetchRaw(int(length))
	if err != nil {
		return 0, nil, err
	}
	return messageID, append([]byte(nil), body...), nil
}
