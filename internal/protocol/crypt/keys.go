package crypt

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

const (
	KeyLen = 32
	IVLen  = 16

	keyInfo = "linkmux channel keys v1"
)

// KeyPair is an ephemeral X25519 key pair generated per link handshake.
type KeyPair struct {
	Private [curve25519.ScalarSize]byte
	Public  [curve25519.PointSize]byte
}

func GenerateKeyPair() (KeyPair, error) {
	var kp KeyPair
	if _, err := io.ReadFull(rand.Reader, kp.Private[:]); err != nil {
		return KeyPair{}, err
	}
	pub, err := curve25519.X25519(kp.Private[:], curve25519.Basepoint)
	if err != nil {
		return KeyPair{}, err
	}
	copy(kp.Public[:], pub)
	return kp, nil
}

// Keys holds directional key material for one link.
type Keys struct {
	SendKey []byte
	SendIV  []byte
	RecvKey []byte
	RecvIV  []byte
}

// Derive agrees on link keys with the peer's public key. salt binds the keys
// to the handshake transcript; the initiator and responder get mirrored keys.
func Derive(local KeyPair, peerPublic []byte, salt []byte, initiator bool) (Keys, error) {
	if len(peerPublic) != curve25519.PointSize {
		return Keys{}, fmt.Errorf("%w: peer public key length %d", ErrInvalidKey, len(peerPublic))
	}
	shared, err := curve25519.X25519(local.Private[:], peerPublic)
	if err != nil {
		return Keys{}, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	r := hkdf.New(sha256.New, shared, salt, []byte(keyInfo))
	material := make([]byte, 2*(KeyLen+IVLen))
	if _, err := io.ReadFull(r, material); err != nil {
		return Keys{}, err
	}
	a := material[:KeyLen+IVLen]
	b := material[KeyLen+IVLen:]
	if !initiator {
		a, b = b, a
	}
	return Keys{
		SendKey: a[:KeyLen],
		SendIV:  a[KeyLen:],
		RecvKey: b[:KeyLen],
		RecvIV:  b[KeyLen:],
	}, nil
}

// NewPair builds the AES-CBC send/receive pair for keys.
func NewPair(keys Keys) (Pair, error) {
	send, err := NewCBCEncrypter(keys.SendKey, keys.SendIV)
	if err != nil {
		return Pair{}, err
	}
	recv, err := NewCBCDecrypter(keys.RecvKey, keys.RecvIV)
	if err != nil {
		return Pair{}, err
	}
	return Pair{Send: send, Recv: recv}, nil
}

// Salt concatenates the initiator and responder public keys.
func Salt(initiatorPublic, responderPublic []byte) []byte {
	out := make([]byte, 0, len(initiatorPublic)+len(responderPublic))
	out = append(out, initiatorPublic...)
	return append(out, responderPublic...)
}
