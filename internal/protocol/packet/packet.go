// Package packet defines the unit of exchange on a link and its wire codec.
package packet

import (
	"errors"
	"fmt"
	"io"

	"github.com/danmuck/linkmux/internal/bufpool"
	"github.com/danmuck/linkmux/internal/protocol"
	"github.com/danmuck/linkmux/internal/protocol/body"
	"github.com/danmuck/linkmux/internal/protocol/crypt"
	"github.com/danmuck/linkmux/internal/protocol/frame"
	"github.com/danmuck/linkmux/internal/protocol/way"
)

// Packet is one framed message. Body is optional and holds at most one
// variant.
type Packet struct {
	Way   way.Way
	Type  int32
	Extra int32
	// TaskID correlates requests and responses; zero is uncorrelated.
	TaskID   uint32
	Response bool
	Body     body.DataBody
}

func New(w way.Way) *Packet {
	return &Packet{Way: w}
}

func Build(w way.Way, typ, extra int32) *Packet {
	return &Packet{Way: w, Type: typ, Extra: extra}
}

// AttachBody sets the body slot, replacing any previous body.
func (p *Packet) AttachBody(b body.DataBody) *Packet {
	p.Body = b
	return p
}

// Reply builds a response correlated with p. Type and Extra are carried
// over so the requester can tell replies apart by the same selectors.
func (p *Packet) Reply(w way.Way) *Packet {
	return &Packet{
		Way:      w,
		Type:     p.Type,
		Extra:    p.Extra,
		TaskID:   p.TaskID,
		Response: true,
	}
}

func (p *Packet) HasBody() bool {
	return p.Body != nil
}

// Header returns the wire header for p. dataLink marks a body that will
// follow on the DataFile channel.
func (p *Packet) Header(dataLink bool) frame.Header {
	h := frame.Header{
		Way:    p.Way,
		Type:   p.Type,
		Extra:  p.Extra,
		TaskID: p.TaskID,
	}
	if p.Response {
		h.Flags |= frame.FlagResponse
	}
	if p.Body != nil {
		h.Flags |= frame.FlagHasBody
		h.Kind = uint8(p.Body.Kind())
		h.BodySize = p.Body.Size()
		if dataLink {
			h.Flags |= frame.FlagDataLink
		}
	}
	return h
}

func (p *Packet) String() string {
	s := fmt.Sprintf("%s type=%d extra=%d task=%d", p.Way, p.Type, p.Extra, p.TaskID)
	if p.Response {
		s += " response"
	}
	if p.Body != nil {
		s += fmt.Sprintf(" body=%s/%d", p.Body.Kind(), p.Body.Size())
	}
	return s
}

// Codec reads and writes packets on one channel direction.
type Codec struct {
	Limits frame.Limits
	Bodies body.Set
}

func DefaultCodec() Codec {
	return Codec{Limits: frame.DefaultLimits(), Bodies: body.DefaultSet("")}
}

// WriteHeader writes only p's header.
func (c Codec) WriteHeader(w io.Writer, p *Packet, dataLink bool) error {
	h := p.Header(dataLink)
	if err := c.checkInMemory(h); err != nil {
		return err
	}
	if err := frame.WriteHeader(w, h, c.Limits); err != nil {
		if protocol.IsFraming(err) {
			return err
		}
		return fmt.Errorf("%w: %w", protocol.ErrWriteBreak, err)
	}
	return nil
}

// Write opens p's body, then writes the header and streams the body on the
// same stream. A body that cannot be opened fails with nothing written.
func (c Codec) Write(w io.Writer, p *Packet, ci crypt.Cipher, bufs *bufpool.Buffers, progress body.Progress) error {
	if p.Body == nil {
		return c.WriteFrom(w, p, nil, ci, bufs, progress)
	}
	src, err := p.Body.Open()
	if err != nil {
		return err
	}
	defer src.Close()
	return c.WriteFrom(w, p, src, ci, bufs, progress)
}

// WriteFrom writes p's header followed by its body read from src, which the
// caller obtained from p.Body.Open.
func (c Codec) WriteFrom(w io.Writer, p *Packet, src io.Reader, ci crypt.Cipher, bufs *bufpool.Buffers, progress body.Progress) error {
	if err := c.WriteHeader(w, p, false); err != nil {
		return err
	}
	if p.Body == nil {
		return nil
	}
	if err := body.Stream(ci, w, src, p.Body.Size(), bufs, progress); err != nil {
		// The header is on the wire, so any body failure leaves the peer
		// mid-packet.
		if protocol.IsBreak(err) {
			return err
		}
		return fmt.Errorf("%w: %w", protocol.ErrWriteBreak, err)
	}
	return nil
}

// checkInMemory rejects Inline and Object bodies over MaxInlineBytes. Both
// are assembled in memory on the receiving side.
func (c Codec) checkInMemory(h frame.Header) error {
	limit := c.Limits.MaxInlineBytes
	if !h.HasBody() || limit <= 0 || h.BodySize <= limit {
		return nil
	}
	switch k := body.Kind(h.Kind); k {
	case body.KindInline, body.KindObject:
		return fmt.Errorf("%w: %s body of %d bytes over in-memory limit %d", frame.ErrBodyTooLarge, k, h.BodySize, limit)
	}
	return nil
}

// ReadHeader reads the next header and returns a packet holding an empty
// body instance of the declared kind. The body bytes are left on r.
func (c Codec) ReadHeader(r io.Reader) (*Packet, frame.Header, error) {
	h, err := frame.ReadHeader(r, c.Limits)
	if err != nil {
		if protocol.IsFraming(err) {
			return nil, h, err
		}
		return nil, h, fmt.Errorf("%w: %w", protocol.ErrReadBreak, err)
	}
	if err := c.checkInMemory(h); err != nil {
		return nil, h, err
	}
	p := &Packet{
		Way:      h.Way,
		Type:     h.Type,
		Extra:    h.Extra,
		TaskID:   h.TaskID,
		Response: h.Response(),
	}
	if h.HasBody() {
		b, err := c.Bodies.Instance(body.Kind(h.Kind))
		if err != nil {
			return nil, h, err
		}
		p.Body = b
	}
	return p, h, nil
}

// ReadBody fills p.Body with size bytes from r.
func (c Codec) ReadBody(r io.Reader, p *Packet, size int64, ci crypt.Cipher, bufs *bufpool.Buffers, progress body.Progress) error {
	if p.Body == nil {
		return nil
	}
	return p.Body.Read(ci, r, size, bufs, progress)
}

// Read reads one packet whose body, if any, follows on r.
func (c Codec) Read(r io.Reader, ci crypt.Cipher, bufs *bufpool.Buffers) (*Packet, error) {
	p, h, err := c.ReadHeader(r)
	if err != nil {
		if derr := c.DiscardBody(r, h, err, ci, bufs); derr != nil {
			return nil, derr
		}
		return nil, err
	}
	if h.DataLink() {
		return p, nil
	}
	if err := c.ReadBody(r, p, h.BodySize, ci, bufs, nil); err != nil {
		return nil, err
	}
	return p, nil
}

// DiscardBody drains the body announced by h after a header-level framing
// error, when the error still leaves the body length known. It returns a
// break if the stream ends while draining.
func (c Codec) DiscardBody(r io.Reader, h frame.Header, headerErr error, ci crypt.Cipher, bufs *bufpool.Buffers) error {
	if !drainable(h, headerErr) {
		return nil
	}
	err := body.Discard(ci, r, h.BodySize, bufs)
	if protocol.IsBreak(err) {
		return err
	}
	return nil
}

func drainable(h frame.Header, err error) bool {
	if !h.HasBody() || h.DataLink() || h.BodySize <= 0 {
		return false
	}
	return errors.Is(err, frame.ErrBodyTooLarge) || errors.Is(err, body.ErrUnknownKind)
}
