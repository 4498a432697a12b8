// Package secretchat implements the secret-chat engine (component
// C6): the DH key exchange, the per-message AES-IGE envelope, the
// sequence-number discipline with hole-fill/resend, unconfirmed
// message persistence, and PFS re-keying.
//
// There is no teacher analog (katzenpost has no secret-chat concept);
// this package is grounded directly on spec §4.6, reusing core/crypto
// for every cryptographic primitive. Key material here is held in plain
// byte slices and big.Int values, not memguard buffers, and nothing in
// the package encodes CBOR.
package secretchat

import (
	"encoding/binary"
	"errors"
	"math/big"

	"github.com/mtprotocore/client/core/crypto"
)

var (
	ErrDHOutOfRange      = errors.New("secretchat: dh value out of range")
	ErrFingerprintMismatch = errors.New("secretchat: key fingerprint mismatch")
)

// DHConfig is the server-supplied Diffie-Hellman group, fetched via
// messages.getDhConfig. This package does not check that DHPrime is a
// safe prime or that G is an allowed generator.
type DHConfig struct {
	G       int32
	DHPrime *big.Int
}

// inRange enforces 1 < v < p-1 (spec §4.6: "validate 1 < g_a,g_b < p-1").
func inRange(v, p *big.Int) bool {
	one := big.NewInt(1)
	pMinus1 := new(big.Int).Sub(p, one)
	return v.Cmp(one) > 0 && v.Cmp(pMinus1) < 0
}

// InitiatorExchange holds the initiator's half of the DH handshake
// between request_encryption and the responder's g_b/fingerprint.
type InitiatorExchange struct {
	a  *big.Int
	GA *big.Int
	cfg *DHConfig
}

// NewInitiatorExchange picks a, computes g_a = g^a mod p, and returns
// the value to embed in the encryption request.
func NewInitiatorExchange(p crypto.Primitives, cfg *DHConfig) (*InitiatorExchange, error) {
	aBytes := p.RandomBytes(256)
	a := new(big.Int).SetBytes(aBytes)
	a.Mod(a, cfg.DHPrime)
	ga := new(big.Int).Exp(big.NewInt(int64(cfg.G)), a, cfg.DHPrime)
	if !inRange(ga, cfg.DHPrime) {
		return nil, ErrDHOutOfRange
	}
	return &InitiatorExchange{a: a, GA: ga, cfg: cfg}, nil
}

// Finalize computes K = g_b^a mod p once the responder's g_b arrives,
// and verifies the embedded key fingerprint.
func (ie *InitiatorExchange) Finalize(p crypto.Primitives, gb *big.Int, wantFingerprint int64) (sharedKey []byte, err error) {
	if !inRange(gb, ie.cfg.DHPrime) {
		return nil, ErrDHOutOfRange
	}
	k := new(big.Int).Exp(gb, ie.a, ie.cfg.DHPrime)
	keyBytes := padKey(k, 256)
	if Fingerprint(p, keyBytes) != wantFingerprint {
		return nil, ErrFingerprintMismatch
	}
	return keyBytes, nil
}

// ResponderExchange is the responder's half: it picks b, computes
// g_b and the shared key, in one step since the responder already
// has the initiator's g_a in hand.
type ResponderExchange struct {
	SharedKey   []byte
	GB          *big.Int
	Fingerprint int64
}

// AcceptExchange runs the responder's side of the handshake (spec
// §4.6: "picks b, computes g_b = g^b mod p and the shared key
// K = g_a^b mod p, sends g_b and fingerprint(K)").
func AcceptExchange(p crypto.Primitives, cfg *DHConfig, ga *big.Int) (*ResponderExchange, error) {
	if !inRange(ga, cfg.DHPrime) {
		return nil, ErrDHOutOfRange
	}
	bBytes := p.RandomBytes(256)
	b := new(big.Int).SetBytes(bBytes)
	b.Mod(b, cfg.DHPrime)

	gb := new(big.Int).Exp(big.NewInt(int64(cfg.G)), b, cfg.DHPrime)
	if !inRange(gb, cfg.DHPrime) {
		return nil, ErrDHOutOfRange
	}
	k := new(big.Int).Exp(ga, b, cfg.DHPrime)
	keyBytes := padKey(k, 256)

	return &ResponderExchange{
		SharedKey:   keyBytes,
		GB:          gb,
		Fingerprint: Fingerprint(p, keyBytes),
	}, nil
}

// Fingerprint returns the low 64 bits of SHA1(key) as a signed int64,
// the form MTProto's secret-chat key_fingerprint field takes.
func Fingerprint(p crypto.Primitives, key []byte) int64 {
	sum := p.SHA1(key)
	return int64(binary.LittleEndian.Uint64(sum[12:20]))
}

func padKey(v *big.Int, n int) []byte {
	raw := v.Bytes()
	if len(raw) >= n {
		return raw[len(raw)-n:]
	}
	out := make([]byte, n)
	copy(out[n-len(raw):], raw)
	return out
}
