package crypto

import (
	"encoding/binary"
	"errors"
	"math/big"

	"github.com/mtprotocore/client/core/wire"
)

// Wire constructor codes for the handshake messages (spec §4.2). These
// are the MTProto handshake schema's published constructors; the codec
// treats them as opaque 32-bit tags like any other boxed type.
const (
	ctorReqPQMulti          uint32 = 0xbe7e8ef1
	ctorResPQ               uint32 = 0x05162463
	ctorPQInnerData         uint32 = 0x83c95aec
	ctorReqDHParams         uint32 = 0xd712e4be
	ctorServerDHParamsOK    uint32 = 0xd0e8075c
	ctorServerDHInnerData   uint32 = 0xb5890dba
	ctorSetClientDHParams   uint32 = 0xf5045f1f
	ctorClientDHInnerData   uint32 = 0x6643b654
	ctorDHGenOK             uint32 = 0x3bcbf734
	ctorDHGenRetry          uint32 = 0x46dc1fb9
	ctorDHGenFail           uint32 = 0xa69dae02
	rsaBlockSize                   = 255
)

// Handshake-specific failure modes. Per spec §4.2 the handshake fails
// closed: any of these aborts the attempt and lets the caller schedule
// a retry with backoff, rather than attempting to recover in place.
var (
	ErrNonceMismatch      = errors.New("crypto: handshake nonce mismatch")
	ErrFingerprintUnknown = errors.New("crypto: no RSA key for server fingerprint")
	ErrUnsafePrime        = errors.New("crypto: dh prime failed safety check")
	ErrDHOutOfRange       = errors.New("crypto: dh value out of range")
	ErrDHGenFailed        = errors.New("crypto: server reported dh_gen_fail")
	ErrDHGenRetry         = errors.New("crypto: server reported dh_gen_retry")
	ErrRSAEncryptFailed   = errors.New("crypto: rsa pq-encryption did not converge")
	ErrPQFactorFailed     = errors.New("crypto: pq factorization did not converge")
)

// Nonce, ServerNonce and NewNonce are the handshake's three freshness
// tokens (spec §4.2 phases 1-2).
type Nonce [16]byte
type ServerNonce [16]byte
type NewNonce [32]byte

// RSAPublicKey is one of the server's handshake RSA keys. MTProto
// identifies keys by fingerprint rather than negotiating one, so the
// fingerprint is carried alongside the key rather than recomputed from
// a DER encoding.
type RSAPublicKey struct {
	Fingerprint uint64
	N           *big.Int
	E           int64
}

// BuildReqPQ serializes the phase-1 request: a freshly generated nonce.
func BuildReqPQ(nonce Nonce) []byte {
	s := wire.NewSerializer()
	s.PutUint32(ctorReqPQMulti)
	s.PutRaw(nonce[:])
	return s.Bytes()
}

// ResPQ is the server's phase-1 reply.
type ResPQ struct {
	Nonce                       Nonce
	ServerNonce                 ServerNonce
	PQ                          []byte
	ServerPublicKeyFingerprints []uint64
}

// ParseResPQ decodes a resPQ body and checks the echoed nonce.
func ParseResPQ(body []byte, wantNonce Nonce) (*ResPQ, error) {
	d := wire.NewDeserializer(body)
	if err := d.ExpectConstructor(ctorResPQ); err != nil {
		return nil, err
	}
	out := &ResPQ{}
	raw, err := d.FetchRaw(16)
	if err != nil {
		return nil, err
	}
	copy(out.Nonce[:], raw)
	if out.Nonce != wantNonce {
		return nil, ErrNonceMismatch
	}
	raw, err = d.FetchRaw(16)
	if err != nil {
		return nil, err
	}
	copy(out.ServerNonce[:], raw)
	pq, err := d.FetchString()
	if err != nil {
		return nil, err
	}
	out.PQ = pq
	n, err := d.FetchVectorHeader()
	if err != nil {
		return nil, err
	}
	out.ServerPublicKeyFingerprints = make([]uint64, n)
	for i := 0; i < n; i++ {
		fp, err := d.FetchUint64()
		if err != nil {
			return nil, err
		}
		out.ServerPublicKeyFingerprints[i] = fp
	}
	return out, nil
}

// factorizePQ splits pq into its two prime factors p<q using Pollard's
// rho algorithm with Floyd tortoise/hare cycle detection (spec §4.2
// phase 2).
func factorizePQ(p Primitives, pq *big.Int) (*big.Int, *big.Int, error) {
	if pq.Bit(0) == 0 {
		two := big.NewInt(2)
		return two, new(big.Int).Div(pq, two), nil
	}

	one := big.NewInt(1)
	for attempt := 0; attempt < 8; attempt++ {
		c := new(big.Int).SetBytes(p.RandomBytes(8))
		c.Mod(c, pq)
		if c.Sign() == 0 {
			c.SetInt64(1)
		}
		x := new(big.Int).SetBytes(p.RandomBytes(8))
		x.Mod(x, pq)
		y := new(big.Int).Set(x)
		d := big.NewInt(1)

		f := func(v *big.Int) *big.Int {
			r := new(big.Int).Mul(v, v)
			r.Add(r, c)
			r.Mod(r, pq)
			return r
		}

		for d.Cmp(one) == 0 {
			x = f(x)
			y = f(f(y))
			diff := new(big.Int).Sub(x, y)
			diff.Abs(diff)
			if diff.Sign() == 0 {
				break
			}
			d.GCD(nil, nil, diff, pq)
		}
		if d.Cmp(one) != 0 && d.Cmp(pq) != 0 {
			q := new(big.Int).Div(pq, d)
			if d.Cmp(q) > 0 {
				d, q = q, d
			}
			return d, q, nil
		}
	}
	return nil, nil, ErrPQFactorFailed
}

// buildPQInnerData serializes the p_q_inner_data structure the RSA
// blob in phase 2 wraps.
func buildPQInnerData(pq, pBytes, qBytes []byte, nonce Nonce, serverNonce ServerNonce, newNonce NewNonce) []byte {
	s := wire.NewSerializer()
	s.PutUint32(ctorPQInnerData)
	s.PutString(pq)
	s.PutString(pBytes)
	s.PutString(qBytes)
	s.PutRaw(nonce[:])
	s.PutRaw(serverNonce[:])
	s.PutRaw(newNonce[:])
	return s.Bytes()
}

// rsaPadEncrypt implements the v1 RSA padding scheme spec §4.2 phase 2
// describes: sha1(data)||data padded with random bytes to a full
// 255-byte RSA block, retried with fresh padding whenever the
// resulting integer is not smaller than the modulus (required for
// unambiguous decryption), then raised to the public exponent.
func rsaPadEncrypt(p Primitives, key *RSAPublicKey, data []byte) ([]byte, error) {
	if len(data) > rsaBlockSize-20 {
		return nil, ErrRSAEncryptFailed
	}
	for attempt := 0; attempt < 16; attempt++ {
		hash := p.SHA1(data)
		block := append(append([]byte(nil), hash[:]...), data...)
		if len(block) < rsaBlockSize {
			block = append(block, p.RandomBytes(rsaBlockSize-len(block))...)
		}
		n := new(big.Int).SetBytes(block)
		if n.Cmp(key.N) >= 0 {
			continue
		}
		enc := p.ModExp(n, big.NewInt(key.E), key.N)
		out := enc.Bytes()
		if len(out) < rsaBlockSize {
			padded := make([]byte, rsaBlockSize)
			copy(padded[rsaBlockSize-len(out):], out)
			out = padded
		}
		return out, nil
	}
	return nil, ErrRSAEncryptFailed
}

// BuildReqDHParams runs phase 2 end to end: factor pq, select the RSA
// key matching one of the server's fingerprints, and return the wire
// body plus the new_nonce generated along the way (the caller needs
// new_nonce to process the phase-3 reply).
func BuildReqDHParams(p Primitives, res *ResPQ, keys []*RSAPublicKey) (body []byte, newNonce NewNonce, err error) {
	pq := new(big.Int).SetBytes(res.PQ)
	pFac, qFac, err := factorizePQ(p, pq)
	if err != nil {
		return nil, newNonce, err
	}

	var key *RSAPublicKey
	for _, fp := range res.ServerPublicKeyFingerprints {
		for _, k := range keys {
			if k.Fingerprint == fp {
				key = k
				break
			}
		}
		if key != nil {
			break
		}
	}
	if key == nil {
		return nil, newNonce, ErrFingerprintUnknown
	}

	copy(newNonce[:], p.RandomBytes(32))
	inner := buildPQInnerData(res.PQ, pFac.Bytes(), qFac.Bytes(), res.Nonce, res.ServerNonce, newNonce)
	encrypted, err := rsaPadEncrypt(p, key, inner)
	if err != nil {
		return nil, newNonce, err
	}

	s := wire.NewSerializer()
	s.PutUint32(ctorReqDHParams)
	s.PutRaw(res.Nonce[:])
	s.PutRaw(res.ServerNonce[:])
	s.PutString(pFac.Bytes())
	s.PutString(qFac.Bytes())
	s.PutInt64(int64(key.Fingerprint))
	s.PutString(encrypted)
	return s.Bytes(), newNonce, nil
}

// tmpAESKeyIV derives the transient AES-IGE key/IV phases 3 and 4 use
// to wrap the DH exchange, per spec §4.2: "DH params encrypted with AES
// derived from (new_nonce, server_nonce)".
func tmpAESKeyIV(p Primitives, newNonce NewNonce, serverNonce ServerNonce) (key, iv []byte) {
	nsHash := p.SHA1(newNonce[:], serverNonce[:])
	snHash := p.SHA1(serverNonce[:], newNonce[:])
	nnHash := p.SHA1(newNonce[:], newNonce[:])

	key = make([]byte, 0, 32)
	key = append(key, nsHash[:]...)
	key = append(key, snHash[:12]...)

	iv = make([]byte, 0, 32)
	iv = append(iv, snHash[12:20]...)
	iv = append(iv, nnHash[:]...)
	iv = append(iv, newNonce[:4]...)
	return key, iv
}

// ServerDHParams is the decoded phase-3 reply.
type ServerDHParams struct {
	G          int32
	DHPrime    *big.Int
	GA         *big.Int
	ServerTime int32
}

// ParseServerDHParams decrypts and validates the phase-3 reply,
// rejecting an unsafe prime or an out-of-range g_a per spec §4.2's
// fail-closed rule.
func ParseServerDHParams(p Primitives, body []byte, nonce Nonce, serverNonce ServerNonce, newNonce NewNonce) (*ServerDHParams, error) {
	d := wire.NewDeserializer(body)
	if err := d.ExpectConstructor(ctorServerDHParamsOK); err != nil {
		return nil, err
	}
	raw, err := d.FetchRaw(16)
	if err != nil {
		return nil, err
	}
	var gotNonce Nonce
	copy(gotNonce[:], raw)
	if gotNonce != nonce {
		return nil, ErrNonceMismatch
	}
	raw, err = d.FetchRaw(16)
	if err != nil {
		return nil, err
	}
	var gotServerNonce ServerNonce
	copy(gotServerNonce[:], raw)
	if gotServerNonce != serverNonce {
		return nil, ErrNonceMismatch
	}
	encAnswer, err := d.FetchString()
	if err != nil {
		return nil, err
	}

	key, iv := tmpAESKeyIV(p, newNonce, serverNonce)
	plain, err := aesIGEDecrypt(key, iv, encAnswer)
	if err != nil {
		return nil, err
	}
	if len(plain) < 20 {
		return nil, ErrUnsafePrime
	}
	hash := plain[:20]
	inner := plain[20:]

	id := wire.NewDeserializer(inner)
	if err := id.ExpectConstructor(ctorServerDHInnerData); err != nil {
		return nil, err
	}
	raw, err = id.FetchRaw(16)
	if err != nil {
		return nil, err
	}
	copy(gotNonce[:], raw)
	if gotNonce != nonce {
		return nil, ErrNonceMismatch
	}
	raw, err = id.FetchRaw(16)
	if err != nil {
		return nil, err
	}
	copy(gotServerNonce[:], raw)
	if gotServerNonce != serverNonce {
		return nil, ErrNonceMismatch
	}
	g, err := id.FetchInt32()
	if err != nil {
		return nil, err
	}
	dhPrimeBytes, err := id.FetchString()
	if err != nil {
		return nil, err
	}
	gaBytes, err := id.FetchString()
	if err != nil {
		return nil, err
	}
	serverTime, err := id.FetchInt32()
	if err != nil {
		return nil, err
	}

	consumed := id.Pos()
	gotHash := p.SHA1(inner[:consumed])
	if !byteEqual(gotHash[:], hash) {
		return nil, ErrUnsafePrime
	}

	dhPrime := new(big.Int).SetBytes(dhPrimeBytes)
	if err := validateSafePrime(dhPrime, int(g)); err != nil {
		return nil, err
	}
	ga := new(big.Int).SetBytes(gaBytes)
	if !inDHRange(ga, dhPrime) {
		return nil, ErrDHOutOfRange
	}

	return &ServerDHParams{G: g, DHPrime: dhPrime, GA: ga, ServerTime: serverTime}, nil
}

func byteEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// validateSafePrime checks that p is a safe prime (p and (p-1)/2 both
// prime) and that g is one of the small generators 2..7 (spec §4.2).
// It does not check the residue of p that each g requires, so it does
// not establish that g generates the subgroup of order (p-1)/2.
func validateSafePrime(p *big.Int, g int) error {
	if !p.ProbablyPrime(20) {
		return ErrUnsafePrime
	}
	half := new(big.Int).Sub(p, big.NewInt(1))
	half.Div(half, big.NewInt(2))
	if !half.ProbablyPrime(20) {
		return ErrUnsafePrime
	}
	switch g {
	case 2, 3, 4, 5, 6, 7:
	default:
		return ErrUnsafePrime
	}
	return nil
}

// inDHRange enforces MTProto's 1 < value < p-1 boundary check on DH
// public values (spec §9's named open question on boundary validation).
func inDHRange(v, p *big.Int) bool {
	one := big.NewInt(1)
	pMinus1 := new(big.Int).Sub(p, one)
	return v.Cmp(one) > 0 && v.Cmp(pMinus1) < 0
}

// ClientDHParams is what BuildSetClientDHParams needs to return to its
// caller alongside the wire body: the material required to finish
// deriving the auth-key once the server confirms.
type ClientDHParams struct {
	Body    []byte
	GB      *big.Int
	AuthKey []byte
}

// BuildSetClientDHParams runs phase 4: picks a client DH exponent,
// computes g_b and the shared secret g_a^b mod p, and wraps g_b in the
// tmp-AES envelope.
func BuildSetClientDHParams(p Primitives, params *ServerDHParams, nonce Nonce, serverNonce ServerNonce, newNonce NewNonce) (*ClientDHParams, error) {
	bBytes := p.RandomBytes(256)
	b := new(big.Int).SetBytes(bBytes)
	b.Mod(b, params.DHPrime)

	gb := new(big.Int).Exp(big.NewInt(int64(params.G)), b, params.DHPrime)
	if !inDHRange(gb, params.DHPrime) {
		return nil, ErrDHOutOfRange
	}
	authKey := p.ModExp(params.GA, b, params.DHPrime)
	if !inDHRange(authKey, params.DHPrime) {
		return nil, ErrDHOutOfRange
	}

	inner := wire.NewSerializer()
	inner.PutUint32(ctorClientDHInnerData)
	inner.PutRaw(nonce[:])
	inner.PutRaw(serverNonce[:])
	inner.PutInt64(0) // retry_id: first attempt
	inner.PutString(gb.Bytes())
	innerBytes := inner.Bytes()

	hash := p.SHA1(innerBytes)
	plain := append(append([]byte(nil), hash[:]...), innerBytes...)
	if rem := len(plain) % 16; rem != 0 {
		plain = append(plain, p.RandomBytes(16-rem)...)
	}

	key, iv := tmpAESKeyIV(p, newNonce, serverNonce)
	encrypted, err := aesIGEEncrypt(key, iv, plain)
	if err != nil {
		return nil, err
	}

	out := wire.NewSerializer()
	out.PutUint32(ctorSetClientDHParams)
	out.PutRaw(nonce[:])
	out.PutRaw(serverNonce[:])
	out.PutString(encrypted)

	authKeyBytes := make([]byte, 256)
	ab := authKey.Bytes()
	copy(authKeyBytes[256-len(ab):], ab)

	return &ClientDHParams{Body: out.Bytes(), GB: gb, AuthKey: authKeyBytes}, nil
}

// FinishHandshake parses the server's dh_gen_ok/retry/fail reply,
// verifies the new_nonce hash it carries, and derives the initial
// server salt (spec §4.2 phase 4: "shared secret becomes the auth-key;
// its SHA1 fingerprint and the initial server salt are stored").
func FinishHandshake(p Primitives, body []byte, nonce Nonce, serverNonce ServerNonce, newNonce NewNonce, authKeyBytes []byte) (authKeyID uint64, serverSalt uint64, err error) {
	d := wire.NewDeserializer(body)
	ctor, err := d.PeekConstructor()
	if err != nil {
		return 0, 0, err
	}
	switch ctor {
	case ctorDHGenRetry:
		return 0, 0, ErrDHGenRetry
	case ctorDHGenFail:
		return 0, 0, ErrDHGenFailed
	case ctorDHGenOK:
		// fall through
	default:
		return 0, 0, wire.ErrBadConstructor
	}
	if err := d.ExpectConstructor(ctorDHGenOK); err != nil {
		return 0, 0, err
	}
	raw, err := d.FetchRaw(16)
	if err != nil {
		return 0, 0, err
	}
	var gotNonce Nonce
	copy(gotNonce[:], raw)
	if gotNonce != nonce {
		return 0, 0, ErrNonceMismatch
	}
	raw, err = d.FetchRaw(16)
	if err != nil {
		return 0, 0, err
	}
	var gotServerNonce ServerNonce
	copy(gotServerNonce[:], raw)
	if gotServerNonce != serverNonce {
		return 0, 0, ErrNonceMismatch
	}
	newNonceHash1, err := d.FetchRaw(16)
	if err != nil {
		return 0, 0, err
	}

	authKeySHA1 := p.SHA1(authKeyBytes)
	expected := p.SHA1(newNonce[:], []byte{1}, authKeySHA1[:8])
	if !byteEqual(expected[4:20], newNonceHash1) {
		return 0, 0, ErrNonceMismatch
	}

	fpSum := p.SHA1(authKeyBytes)
	authKeyID = binary.LittleEndian.Uint64(fpSum[12:20])

	salt := make([]byte, 8)
	for i := 0; i < 8; i++ {
		salt[i] = newNonce[i] ^ serverNonce[i]
	}
	serverSalt = binary.LittleEndian.Uint64(salt)
	return authKeyID, serverSalt, nil
}
