package crypto

import (
	"encoding/binary"

	"github.com/awnumar/memguard"
)

// AuthKeySize is the length in bytes of an MTProto auth-key (2048 bits).
const AuthKeySize = 256

// AuthKey is the long-lived per-datacenter shared secret established by
// the handshake. Key material is held in a memguard locked buffer and
// wiped on Destroy, per the "key material lifecycle" design note: keys
// must be zeroed on drop and never reallocated in place without wiping
// the old allocation.
type AuthKey struct {
	buf *memguard.LockedBuffer
}

// NewAuthKey copies raw (which must be AuthKeySize bytes) into a locked
// buffer. memguard.NewBufferFromBytes wipes the caller's raw slice
// once it is copied, so raw holds only zeros after this call returns.
func NewAuthKey(raw []byte) (*AuthKey, error) {
	if len(raw) != AuthKeySize {
		return nil, ErrInvalidIGEInput
	}
	buf := memguard.NewBufferFromBytes(raw)
	return &AuthKey{buf: buf}, nil
}

// Bytes returns the raw 256-byte key material.
func (k *AuthKey) Bytes() []byte {
	return k.buf.Bytes()
}

// Fingerprint returns the low 64 bits of SHA1(auth-key), used as the
// wire's auth_key_id.
func (k *AuthKey) Fingerprint(p Primitives) uint64 {
	sum := p.SHA1(k.Bytes())
	return binary.LittleEndian.Uint64(sum[12:20])
}

// Destroy wipes the key material. The AuthKey must not be used again.
func (k *AuthKey) Destroy() {
	k.buf.Destroy()
}
