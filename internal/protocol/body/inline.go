package body

import (
	"bytes"
	"io"

	"github.com/danmuck/linkmux/internal/bufpool"
	"github.com/danmuck/linkmux/internal/protocol/crypt"
)

// Inline carries small in-memory content.
type Inline struct {
	data []byte
	// DataLink moves the bytes onto the DataFile channel.
	DataLink bool
}

func NewInline(data []byte) *Inline {
	return &Inline{data: data}
}

func NewText(s string) *Inline {
	return &Inline{data: []byte(s)}
}

func (b *Inline) Bytes() []byte  { return b.data }
func (b *Inline) String() string { return string(b.data) }

func (b *Inline) Kind() Kind             { return KindInline }
func (b *Inline) Size() int64            { return int64(len(b.data)) }
func (b *Inline) BaseLinkTransfer() bool { return !b.DataLink }
func (b *Inline) NewInstance() DataBody  { return &Inline{DataLink: b.DataLink} }
func (b *Inline) variant()               {}

func (b *Inline) Read(c crypt.Cipher, r io.Reader, size int64, bufs *bufpool.Buffers, progress Progress) error {
	var buf bytes.Buffer
	if err := readChunks(c, r, &buf, size, bufs, progress); err != nil {
		return err
	}
	b.data = buf.Bytes()
	return nil
}

func (b *Inline) Open() (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(b.data)), nil
}
