package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/danmuck/linkmux/internal/protocol"
	"github.com/danmuck/linkmux/internal/protocol/way"
)

const (
	// FixedHeaderLen covers way, type, extra, task and flags.
	FixedHeaderLen = 17
	// BodyHeaderLen covers kind and body size, present iff FlagHasBody.
	BodyHeaderLen = 9
	// ChunkHeaderLen covers the plain and cipher lengths of one body chunk.
	ChunkHeaderLen = 8

	FlagHasBody  uint8 = 0x01
	FlagDataLink uint8 = 0x02
	FlagResponse uint8 = 0x04

	knownFlags = FlagHasBody | FlagDataLink | FlagResponse
)

var (
	ErrShortHeader    = errors.New("frame: short header")
	ErrUnknownFlags   = fmt.Errorf("%w: unknown header flags", protocol.ErrFraming)
	ErrInvalidSize    = fmt.Errorf("%w: invalid body size", protocol.ErrFraming)
	ErrBodyTooLarge   = fmt.Errorf("%w: body too large", protocol.ErrFraming)
	ErrDataLinkNoBody = fmt.Errorf("%w: data-link flag without body", protocol.ErrFraming)
	ErrInvalidChunk   = fmt.Errorf("%w: invalid chunk header", protocol.ErrFraming)
)

// Header is the fixed wire header of one packet.
type Header struct {
	Way      way.Way
	Type     int32
	Extra    int32
	TaskID   uint32
	Flags    uint8
	Kind     uint8
	BodySize int64
}

func (h Header) HasBody() bool  { return h.Flags&FlagHasBody != 0 }
func (h Header) DataLink() bool { return h.Flags&FlagDataLink != 0 }
func (h Header) Response() bool { return h.Flags&FlagResponse != 0 }

// Limits constrains declared body sizes.
type Limits struct {
	MaxBodyBytes int64
	// MaxInlineBytes caps bodies the receiver holds in memory. The packet
	// codec applies it by kind.
	MaxInlineBytes int64
}

func DefaultLimits() Limits {
	return Limits{
		MaxBodyBytes:   4 << 30,
		MaxInlineBytes: 8 << 20,
	}
}

// ReadHeader reads one header. A clean EOF before the first byte is
// returned as io.EOF; anything shorter than a full header is ErrShortHeader.
func ReadHeader(r io.Reader, limits Limits) (Header, error) {
	var fixed [FixedHeaderLen]byte
	if _, err := io.ReadFull(r, fixed[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return Header{}, ErrShortHeader
		}
		return Header{}, err
	}
	h := decodeFixed(fixed[:])
	if h.Flags&^knownFlags != 0 {
		return Header{}, ErrUnknownFlags
	}
	if !h.HasBody() {
		if h.DataLink() {
			return Header{}, ErrDataLinkNoBody
		}
		return h, nil
	}

	var body [BodyHeaderLen]byte
	if _, err := io.ReadFull(r, body[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return Header{}, ErrShortHeader
		}
		return Header{}, err
	}
	h.Kind = body[0]
	h.BodySize = int64(binary.BigEndian.Uint64(body[1:9]))
	if h.BodySize < 0 {
		return Header{}, ErrInvalidSize
	}
	if limits.MaxBodyBytes > 0 && h.BodySize > limits.MaxBodyBytes {
		// The header is still returned so the caller can drain the body.
		return h, ErrBodyTooLarge
	}
	return h, nil
}

// WriteHeader writes h in one call so concurrent readers never see a split header.
func WriteHeader(w io.Writer, h Header, limits Limits) error {
	if h.HasBody() {
		if h.BodySize < 0 {
			return ErrInvalidSize
		}
		if limits.MaxBodyBytes > 0 && h.BodySize > limits.MaxBodyBytes {
			return ErrBodyTooLarge
		}
	} else if h.DataLink() {
		return ErrDataLinkNoBody
	}
	_, err := w.Write(EncodeHeader(h))
	return err
}

func EncodeHeader(h Header) []byte {
	size := FixedHeaderLen
	if h.HasBody() {
		size += BodyHeaderLen
	}
	buf := make([]byte, size)
	binary.BigEndian.PutUint32(buf[0:4], uint32(h.Way))
	binary.BigEndian.PutUint32(buf[4:8], uint32(h.Type))
	binary.BigEndian.PutUint32(buf[8:12], uint32(h.Extra))
	binary.BigEndian.PutUint32(buf[12:16], h.TaskID)
	buf[16] = h.Flags
	if h.HasBody() {
		buf[17] = h.Kind
		binary.BigEndian.PutUint64(buf[18:26], uint64(h.BodySize))
	}
	return buf
}

func decodeFixed(b []byte) Header {
	return Header{
		Way:    way.Way(int32(binary.BigEndian.Uint32(b[0:4]))),
		Type:   int32(binary.BigEndian.Uint32(b[4:8])),
		Extra:  int32(binary.BigEndian.Uint32(b[8:12])),
		TaskID: binary.BigEndian.Uint32(b[12:16]),
		Flags:  b[16],
	}
}

// ChunkHeader precedes every ciphertext chunk of a body.
type ChunkHeader struct {
	PlainLen  uint32
	CipherLen uint32
}

func ReadChunkHeader(r io.Reader) (ChunkHeader, error) {
	var b [ChunkHeaderLen]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return ChunkHeader{}, err
	}
	return ChunkHeader{
		PlainLen:  binary.BigEndian.Uint32(b[0:4]),
		CipherLen: binary.BigEndian.Uint32(b[4:8]),
	}, nil
}

// PutChunkHeader encodes ch into the first ChunkHeaderLen bytes of dst.
func PutChunkHeader(dst []byte, ch ChunkHeader) {
	binary.BigEndian.PutUint32(dst[0:4], ch.PlainLen)
	binary.BigEndian.PutUint32(dst[4:8], ch.CipherLen)
}
