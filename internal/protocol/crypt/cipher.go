// Package crypt provides the per-channel ciphers that body chunks pass
// through, and the key agreement that binds them to one link.
package crypt

import (
	"crypto/aes"
	"crypto/cipher"
	"fmt"

	"github.com/danmuck/linkmux/internal/protocol"
)

var (
	ErrShortBuffer    = fmt.Errorf("%w: insufficient output space", protocol.ErrCipher)
	ErrBlockAlignment = fmt.Errorf("%w: illegal block alignment", protocol.ErrCipher)
	ErrBadPadding     = fmt.Errorf("%w: bad padding", protocol.ErrCipher)
	ErrInvalidKey     = fmt.Errorf("%w: invalid key material", protocol.ErrCipher)
)

// Cipher transforms one body chunk at a time. Instances are stateful and
// directional: a channel owns one for sending and one for receiving, and each
// is only ever driven by a single goroutine.
type Cipher interface {
	// Overhead is the most a sealed chunk can grow over its plaintext.
	Overhead() int
	// Seal writes the ciphertext of src into dst and returns its length.
	Seal(dst, src []byte) (int, error)
	// Open writes the plaintext of src into dst and returns its length.
	Open(dst, src []byte) (int, error)
}

// Pair is the send/receive cipher pair bound to one link.
type Pair struct {
	Send Cipher
	Recv Cipher
}

// PlainPair is used before keys are agreed.
func PlainPair() Pair {
	return Pair{Send: Plain{}, Recv: Plain{}}
}

// MaxPlain returns the largest plaintext chunk whose ciphertext fits in capacity.
func MaxPlain(c Cipher, capacity int) int {
	n := capacity - c.Overhead()
	if n < 1 {
		return 0
	}
	return n
}

// Plain passes bytes through unchanged.
type Plain struct{}

func (Plain) Overhead() int { return 0 }

func (Plain) Seal(dst, src []byte) (int, error) {
	if len(dst) < len(src) {
		return 0, ErrShortBuffer
	}
	return copy(dst, src), nil
}

func (Plain) Open(dst, src []byte) (int, error) {
	if len(dst) < len(src) {
		return 0, ErrShortBuffer
	}
	return copy(dst, src), nil
}

// CBC is AES-CBC with PKCS#7 padding per chunk. The chaining state carries
// across chunks, so chunks must be opened in the order they were sealed.
type CBC struct {
	mode cipher.BlockMode
	bs   int
}

// NewCBCEncrypter returns the sending half for key/iv.
func NewCBCEncrypter(key, iv []byte) (*CBC, error) {
	block, err := newBlock(key, iv)
	if err != nil {
		return nil, err
	}
	return &CBC{mode: cipher.NewCBCEncrypter(block, iv), bs: block.BlockSize()}, nil
}

// NewCBCDecrypter returns the receiving half for key/iv.
func NewCBCDecrypter(key, iv []byte) (*CBC, error) {
	block, err := newBlock(key, iv)
	if err != nil {
		return nil, err
	}
	return &CBC{mode: cipher.NewCBCDecrypter(block, iv), bs: block.BlockSize()}, nil
}

func newBlock(key, iv []byte) (cipher.Block, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	if len(iv) != block.BlockSize() {
		return nil, fmt.Errorf("%w: iv length %d", ErrInvalidKey, len(iv))
	}
	return block, nil
}

func (c *CBC) Overhead() int { return c.bs }

func (c *CBC) Seal(dst, src []byte) (int, error) {
	padded := (len(src)/c.bs + 1) * c.bs
	if len(dst) < padded {
		return 0, ErrShortBuffer
	}
	copy(dst, src)
	pad := byte(padded - len(src))
	for i := len(src); i < padded; i++ {
		dst[i] = pad
	}
	c.mode.CryptBlocks(dst[:padded], dst[:padded])
	return padded, nil
}

func (c *CBC) Open(dst, src []byte) (int, error) {
	if len(src) == 0 || len(src)%c.bs != 0 {
		return 0, ErrBlockAlignment
	}
	if len(dst) < len(src) {
		return 0, ErrShortBuffer
	}
	c.mode.CryptBlocks(dst[:len(src)], src)
	pad := int(dst[len(src)-1])
	if pad == 0 || pad > c.bs {
		return 0, ErrBadPadding
	}
	for _, b := range dst[len(src)-pad : len(src)] {
		if int(b) != pad {
			return 0, ErrBadPadding
		}
	}
	return len(src) - pad, nil
}
