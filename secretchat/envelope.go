package secretchat

import (
	"github.com/mtprotocore/client/core/crypto"
	"github.com/mtprotocore/client/core/wire"
)

// minPad and maxPad bound the random padding spec §4.6 requires
// between the inner constructor code and the layer field ("a 15-27
// byte random pad"). The pad is carried as a length-prefixed TL
// `bytes` field, so its length needs no separate side channel on
// decode.
const (
	minPad = 15
	maxPad = 27

	decryptedMessageLayerCtor uint32 = 0x1be31789
)

// PlaintextMessage is the decoded contents of a secret-chat envelope.
type PlaintextMessage struct {
	Layer    int32
	InSeqNo  int32
	OutSeqNo int32
	Body     []byte
}

// EncryptMessage builds the per-message envelope: msg_key is the
// last 16 bytes (bytes 4..19) of SHA1(length-prefix || plaintext); the AES-IGE
// key/IV come from the same four-SHA1 schedule the transport envelope
// uses, keyed by the chat's shared DH secret (spec §4.6).
func EncryptMessage(p crypto.Primitives, sharedKey []byte, dir crypto.Direction, msg *PlaintextMessage) ([]byte, error) {
	inner := wire.NewSerializer()
	inner.PutUint32(decryptedMessageLayerCtor)
	inner.PutString(p.RandomBytes(padLen(p)))
	inner.PutInt32(msg.Layer)
	inner.PutInt32(msg.InSeqNo)
	inner.PutInt32(msg.OutSeqNo)
	inner.PutString(msg.Body)
	payload := inner.Bytes()

	lengthPrefixed := wire.NewSerializer()
	lengthPrefixed.PutInt32(int32(len(payload)))
	lengthPrefixed.PutRaw(payload)

	full := p.SHA1(lengthPrefixed.Bytes())
	var msgKey [16]byte
	copy(msgKey[:], full[4:20])

	aesKey, aesIV := crypto.DeriveKeyIV(p, sharedKey, msgKey, dir)
	padded := padTo16(payload, p)
	ciphertext, err := crypto.EncryptIGE(aesKey, aesIV, padded)
	if err != nil {
		return nil, err
	}

	out := wire.NewSerializer()
	out.PutRaw(msgKey[:])
	out.PutRaw(ciphertext)
	return out.Bytes(), nil
}

// DecryptMessage reverses EncryptMessage.
func DecryptMessage(p crypto.Primitives, sharedKey []byte, dir crypto.Direction, frame []byte) (*PlaintextMessage, error) {
	if len(frame) < 16 {
		return nil, crypto.ErrMsgKeyMismatch
	}
	var msgKey [16]byte
	copy(msgKey[:], frame[:16])
	ciphertext := frame[16:]

	aesKey, aesIV := crypto.DeriveKeyIV(p, sharedKey, msgKey, dir)
	plain, err := crypto.DecryptIGE(aesKey, aesIV, ciphertext)
	if err != nil {
		return nil, err
	}

	// The payload isn't length-prefixed on the wire (EncryptMessage pads
	// it to a block boundary with trailing random bytes instead), so the
	// only way to know where it ends is to parse it: every field is
	// fixed-size or itself length-prefixed, so the deserializer's
	// position after the last field is exactly the original payload
	// length EncryptMessage hashed.
	d := wire.NewDeserializer(plain)
	if err := d.ExpectConstructor(decryptedMessageLayerCtor); err != nil {
		return nil, err
	}
	if err := d.SkipString(); err != nil {
		return nil, err
	}
	layer, err := d.FetchInt32()
	if err != nil {
		return nil, err
	}
	inSeq, err := d.FetchInt32()
	if err != nil {
		return nil, err
	}
	outSeq, err := d.FetchInt32()
	if err != nil {
		return nil, err
	}
	body, err := d.FetchString()
	if err != nil {
		return nil, err
	}
	payload := plain[:d.Pos()]

	// Recompute msg_key over the length-prefixed payload and compare
	// against the one embedded in the frame (spec §4.6/§8.2), the same
	// check crypto.DecryptAuthorized performs for the transport
	// envelope: a mismatch means a corrupted key schedule or a forged
	// frame, and the message must be rejected even though it parsed.
	lengthPrefixed := wire.NewSerializer()
	lengthPrefixed.PutInt32(int32(len(payload)))
	lengthPrefixed.PutRaw(payload)
	full := p.SHA1(lengthPrefixed.Bytes())
	var recomputed [16]byte
	copy(recomputed[:], full[4:20])
	if recomputed != msgKey {
		return nil, crypto.ErrMsgKeyMismatch
	}

	return &PlaintextMessage{
		Layer:    layer,
		InSeqNo:  inSeq,
		OutSeqNo: outSeq,
		Body:     append([]byte(nil), body...),
	}, nil
}

func padLen(p crypto.Primitives) int {
	b := p.RandomBytes(1)
	return minPad + int(b[0])%(maxPad-minPad+1)
}

// padTo16 pads payload with random bytes to the next AES block
// boundary, after the message itself, per the transport envelope's
// convention.
func padTo16(payload []byte, p crypto.Primitives) []byte {
	rem := len(payload) % 16
	if rem == 0 {
		return payload
	}
	return append(append([]byte(nil), payload...), p.RandomBytes(16-rem)...)
}
