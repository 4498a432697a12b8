// Package crypto implements the MTProto crypto envelope (component C2):
// the auth-key handshake, per-packet AES-IGE encryption with a
// msg_key-derived key schedule, and auth-key fingerprinting.
//
// The "crypto primitives" spec.md §6 names as external collaborators
// (bignum arithmetic, AES, SHA1/SHA256/MD5, secure random) are consumed
// through the Primitives interface below rather than called directly, so
// a host can swap in a hardened or hardware-backed implementation.
// See DESIGN.md for why the default implementation sits on the standard
// library instead of a pack dependency: the wire format fixes SHA1/AES/
// big-integer DH as the suite, and no example repo ships an alternative
// for any of the three.
package crypto

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"math/big"

	"github.com/mtprotocore/client/core/crypto/rand"
)

// Primitives is the set of side-effect-free cryptographic operations the
// envelope and handshake rely on.
type Primitives interface {
	SHA1(parts ...[]byte) [20]byte
	SHA256(parts ...[]byte) [32]byte
	MD5(parts ...[]byte) [16]byte
	ModExp(base, exp, mod *big.Int) *big.Int
	RandomBytes(n int) []byte
}

// Default is the standard-library-backed Primitives implementation.
var Default Primitives = stdPrimitives{}

type stdPrimitives struct{}

func (stdPrimitives) SHA1(parts ...[]byte) [20]byte {
	h := sha1.New()
	for _, p := range parts {
		h.Write(p)
	}
	var out [20]byte
	copy(out[:], h.Sum(nil))
	return out
}

func (stdPrimitives) SHA256(parts ...[]byte) [32]byte {
	h := sha256.New()
	for _, p := range parts {
		h.Write(p)
	}
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

func (stdPrimitives) MD5(parts ...[]byte) [16]byte {
	h := md5.New()
	for _, p := range parts {
		h.Write(p)
	}
	var out [16]byte
	copy(out[:], h.Sum(nil))
	return out
}

func (stdPrimitives) ModExp(base, exp, mod *big.Int) *big.Int {
	return new(big.Int).Exp(base, exp, mod)
}

func (stdPrimitives) RandomBytes(n int) []byte {
	return rand.Bytes(n)
}
