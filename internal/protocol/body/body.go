// Package body implements the payload variants a packet can carry and the
// chunked cipher streaming they share.
//
// The set of variants is closed: Inline, File and Object. Every variant
// streams through the channel cipher in chunks no larger than the worker's
// scratch buffers, so memory use is independent of the payload size.
package body

import (
	"fmt"
	"io"
	"os"

	"github.com/danmuck/linkmux/internal/bufpool"
	"github.com/danmuck/linkmux/internal/protocol"
	"github.com/danmuck/linkmux/internal/protocol/crypt"
)

// Kind tags the variant on the wire.
type Kind uint8

const (
	KindInline Kind = 1
	KindFile   Kind = 2
	KindObject Kind = 3
)

func (k Kind) String() string {
	switch k {
	case KindInline:
		return "inline"
	case KindFile:
		return "file"
	case KindObject:
		return "object"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

var ErrUnknownKind = fmt.Errorf("%w: unknown body kind", protocol.ErrFraming)

// Progress observes a transfer after each chunk.
type Progress func(done, total int64)

// DataBody is a payload that can stream itself through a cipher.
type DataBody interface {
	Kind() Kind
	// Size is the declared byte length, known before the transfer starts.
	Size() int64
	// BaseLinkTransfer reports whether the body rides the header's channel.
	BaseLinkTransfer() bool
	// NewInstance returns an empty body of the same variant for receiving.
	NewInstance() DataBody
	// Read pulls exactly size bytes from r through c into the body.
	Read(c crypt.Cipher, r io.Reader, size int64, bufs *bufpool.Buffers, progress Progress) error
	// Open returns the content to send, Size bytes long. Senders open the
	// source before writing the header so a local failure costs nothing on
	// the wire.
	Open() (io.ReadCloser, error)

	variant()
}

// Set holds the prototypes used to rebuild inbound bodies by kind.
type Set struct {
	inline DataBody
	file   DataBody
	object DataBody
}

// DefaultSet receives files into fileDir (os.TempDir when empty).
func DefaultSet(fileDir string) Set {
	if fileDir == "" {
		fileDir = os.TempDir()
	}
	return Set{
		inline: &Inline{},
		file:   &File{Dir: fileDir},
		object: &Object{},
	}
}

// Instance returns an empty body for an inbound header of kind k. The zero
// Set behaves like DefaultSet("").
func (s Set) Instance(k Kind) (DataBody, error) {
	if s == (Set{}) {
		s = DefaultSet("")
	}
	switch k {
	case KindInline:
		return s.inline.NewInstance(), nil
	case KindFile:
		return s.file.NewInstance(), nil
	case KindObject:
		return s.object.NewInstance(), nil
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownKind, uint8(k))
	}
}
