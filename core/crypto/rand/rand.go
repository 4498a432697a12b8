// Package rand centralizes the core's random-number needs: Reader for
// cryptographic randomness (nonces, DH exponents, session ids, message
// ids) and NewMath for the non-cryptographic randomness used for things
// like jittered backoff and datacenter address selection.
//
// Ported from the teacher's core/crypto/rand package (referenced by
// client2/connection.go and client2/arq.go as rand.Reader / rand.NewMath).
package rand

import (
	"crypto/rand"
	"encoding/binary"
	"io"
	mrand "math/rand"
)

// Reader is the package-wide cryptographically secure random source.
var Reader io.Reader = rand.Reader

// NewMath returns a math/rand source seeded from the crypto/rand reader.
// It must never be used for key material, nonces, or anything that
// crosses the wire under a security claim — only for jitter/selection.
func NewMath() *mrand.Rand {
	var seed [8]byte
	if _, err := io.ReadFull(Reader, seed[:]); err != nil {
		panic(err)
	}
	return mrand.New(mrand.NewSource(int64(binary.LittleEndian.Uint64(seed[:]))))
}

// Bytes returns n cryptographically random bytes.
func Bytes(n int) []byte {
	b := make([]byte, n)
	if _, err := io.ReadFull(Reader, b); err != nil {
		panic(err)
	}
	return b
}
