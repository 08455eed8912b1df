package device

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/subtle"
	"hash"

	"golang.org/x/crypto/blake2s"
	"golang.org/x/crypto/curve25519"
)

const (
	NoisePublicKeySize    = 32
	NoisePrivateKeySize   = 32
	NoisePresharedKeySize = 32
)

type (
	NoisePublicKey    [NoisePublicKeySize]byte
	NoisePrivateKey   [NoisePrivateKeySize]byte
	NoisePresharedKey [NoisePresharedKeySize]byte
)

func (sk *NoisePrivateKey) clamp() {
	sk[0] &= 248
	sk[31] = (sk[31] & 127) | 64
}

func newPrivateKey() (sk NoisePrivateKey, err error) {
	_, err = rand.Read(sk[:])
	sk.clamp()
	return
}

func (sk *NoisePrivateKey) publicKey() (pk NoisePublicKey) {
	apk := (*[NoisePublicKeySize]byte)(&pk)
	ask := (*[NoisePrivateKeySize]byte)(sk)
	curve25519.ScalarBaseMult(apk, ask)
	return
}

// sharedSecret performs X25519 between sk and pk. An error means pk is
// a low-order point; the handshake treats that as authentication
// failure.
func (sk *NoisePrivateKey) sharedSecret(pk NoisePublicKey) (ss [NoisePublicKeySize]byte, err error) {
	result, err := curve25519.X25519(sk[:], pk[:])
	if err != nil {
		return ss, err
	}
	copy(ss[:], result)
	return ss, nil
}

func (key NoisePublicKey) IsZero() bool {
	var zero NoisePublicKey
	return key.Equals(zero)
}

func (key NoisePublicKey) Equals(tar NoisePublicKey) bool {
	return subtle.ConstantTimeCompare(key[:], tar[:]) == 1
}

func isZero(val []byte) bool {
	acc := 1
	for _, b := range val {
		acc &= subtle.ConstantTimeByteEq(b, 0)
	}
	return acc == 1
}

func setZero(arr []byte) {
	for i := range arr {
		arr[i] = 0
	}
}

// HASH(inputs...) over BLAKE2s, as the protocol's hash function.
func mixhash(dst *[blake2s.Size]byte, h *[blake2s.Size]byte, data []byte) {
	hash, _ := blake2s.New256(nil)
	hash.Write(h[:])
	hash.Write(data)
	hash.Sum(dst[:0])
	hash.Reset()
}

func newBlake2sHMAC(key []byte) hash.Hash {
	return hmac.New(func() hash.Hash {
		h, _ := blake2s.New256(nil)
		return h
	}, key)
}

// The protocol's KDF chain: HMAC-BLAKE2s in the HKDF pattern.
//
//	temp = HMAC(key, input)
//	t0   = HMAC(temp, 0x1)
//	t1   = HMAC(temp, t0 || 0x2)
//	t2   = HMAC(temp, t1 || 0x3)
func kdf1(t0 *[blake2s.Size]byte, key, input []byte) {
	prk := newBlake2sHMAC(key)
	prk.Write(input)
	temp := prk.Sum(nil)

	h := newBlake2sHMAC(temp)
	h.Write([]byte{0x1})
	h.Sum(t0[:0])
	setZero(temp)
}

func kdf2(t0, t1 *[blake2s.Size]byte, key, input []byte) {
	prk := newBlake2sHMAC(key)
	prk.Write(input)
	temp := prk.Sum(nil)

	h := newBlake2sHMAC(temp)
	h.Write([]byte{0x1})
	h.Sum(t0[:0])
	h.Reset()
	h.Write(t0[:])
	h.Write([]byte{0x2})
	h.Sum(t1[:0])
	setZero(temp)
}

func kdf3(t0, t1, t2 *[blake2s.Size]byte, key, input []byte) {
	prk := newBlake2sHMAC(key)
	prk.Write(input)
	temp := prk.Sum(nil)

	h := newBlake2sHMAC(temp)
	h.Write([]byte{0x1})
	h.Sum(t0[:0])
	h.Reset()
	h.Write(t0[:])
	h.Write([]byte{0x2})
	h.Sum(t1[:0])
	h.Reset()
	h.Write(t1[:])
	h.Write([]byte{0x3})
	h.Sum(t2[:0])
	setZero(temp)
}
