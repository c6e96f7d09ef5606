package frame

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/danmuck/linkmux/internal/protocol"
	"github.com/danmuck/linkmux/internal/protocol/way"
	"github.com/danmuck/linkmux/internal/testutil/testlog"
)

func TestReadWriteHeaderRoundTrip(t *testing.T) {
	testlog.Start(t)
	in := Header{
		Way:      way.SendData,
		Type:     -7,
		Extra:    1 << 20,
		TaskID:   42,
		Flags:    FlagHasBody | FlagDataLink | FlagResponse,
		Kind:     2,
		BodySize: 1 << 33,
	}
	var buf bytes.Buffer
	if err := WriteHeader(&buf, in, DefaultLimits()); err != nil {
		t.Fatalf("write header: %v", err)
	}
	if buf.Len() != FixedHeaderLen+BodyHeaderLen {
		t.Fatalf("unexpected header length %d", buf.Len())
	}
	out, err := ReadHeader(&buf, DefaultLimits())
	if err != nil {
		t.Fatalf("read header: %v", err)
	}
	if out != in {
		t.Fatalf("header mismatch: got=%+v want=%+v", out, in)
	}
}

func TestHeaderWithoutBodyOmitsSize(t *testing.T) {
	testlog.Start(t)
	in := Header{Way: way.Heartbeat, Type: 1}
	b := EncodeHeader(in)
	if len(b) != FixedHeaderLen {
		t.Fatalf("expected %d bytes, got %d", FixedHeaderLen, len(b))
	}
	out, err := ReadHeader(bytes.NewReader(b), DefaultLimits())
	if err != nil {
		t.Fatalf("read header: %v", err)
	}
	if out.Way != way.Heartbeat || out.Type != 1 || out.HasBody() {
		t.Fatalf("unexpected header: %+v", out)
	}
}

func TestReadHeaderCleanEOF(t *testing.T) {
	testlog.Start(t)
	_, err := ReadHeader(bytes.NewReader(nil), DefaultLimits())
	if !errors.Is(err, io.EOF) {
		t.Fatalf("expected io.EOF, got %v", err)
	}
}

func TestReadHeaderMalformedIsDeterministic(t *testing.T) {
	testlog.Start(t)
	_, err := ReadHeader(bytes.NewReader([]byte{1, 2, 3}), DefaultLimits())
	if !errors.Is(err, ErrShortHeader) {
		t.Fatalf("expected ErrShortHeader, got %v", err)
	}
}

func TestReadHeaderRejectsUnknownFlags(t *testing.T) {
	testlog.Start(t)
	b := EncodeHeader(Header{Way: way.SendData})
	b[16] = 0x80
	_, err := ReadHeader(bytes.NewReader(b), DefaultLimits())
	if !errors.Is(err, protocol.ErrFraming) {
		t.Fatalf("expected framing error, got %v", err)
	}
}

func TestReadHeaderBodyLimits(t *testing.T) {
	testlog.Start(t)
	b := EncodeHeader(Header{Way: way.SendData, Flags: FlagHasBody, BodySize: 2048})
	h, err := ReadHeader(bytes.NewReader(b), Limits{MaxBodyBytes: 1024})
	if !errors.Is(err, ErrBodyTooLarge) || !errors.Is(err, protocol.ErrFraming) {
		t.Fatalf("expected ErrBodyTooLarge framing error, got %v", err)
	}
	if h.BodySize != 2048 {
		t.Fatalf("oversize header must still report its size, got %d", h.BodySize)
	}

	b = EncodeHeader(Header{Way: way.SendData, Flags: FlagHasBody, BodySize: -1})
	_, err = ReadHeader(bytes.NewReader(b), DefaultLimits())
	if !errors.Is(err, ErrInvalidSize) {
		t.Fatalf("expected ErrInvalidSize, got %v", err)
	}
}

func TestWriteHeaderRejectsDataLinkWithoutBody(t *testing.T) {
	testlog.Start(t)
	err := WriteHeader(io.Discard, Header{Way: way.SendData, Flags: FlagDataLink}, DefaultLimits())
	if !errors.Is(err, ErrDataLinkNoBody) {
		t.Fatalf("expected ErrDataLinkNoBody, got %v", err)
	}
}

func TestChunkHeaderRoundTrip(t *testing.T) {
	testlog.Start(t)
	var b [ChunkHeaderLen]byte
	PutChunkHeader(b[:], ChunkHeader{PlainLen: 100, CipherLen: 112})
	ch, err := ReadChunkHeader(bytes.NewReader(b[:]))
	if err != nil {
		t.Fatalf("read chunk header: %v", err)
	}
	if ch.PlainLen != 100 || ch.CipherLen != 112 {
		t.Fatalf("unexpected chunk header %+v", ch)
	}
}
