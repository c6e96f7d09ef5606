package packet

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/danmuck/linkmux/internal/bufpool"
	"github.com/danmuck/linkmux/internal/protocol"
	"github.com/danmuck/linkmux/internal/protocol/body"
	"github.com/danmuck/linkmux/internal/protocol/crypt"
	"github.com/danmuck/linkmux/internal/protocol/frame"
	"github.com/danmuck/linkmux/internal/protocol/way"
	"github.com/danmuck/linkmux/internal/testutil/testlog"
)

func agreedPair(t *testing.T) (crypt.Pair, crypt.Pair) {
	t.Helper()
	a, err := crypt.GenerateKeyPair()
	if err != nil {
		t.Fatalf("key pair: %v", err)
	}
	b, err := crypt.GenerateKeyPair()
	if err != nil {
		t.Fatalf("key pair: %v", err)
	}
	salt := crypt.Salt(a.Public[:], b.Public[:])
	ak, err := crypt.Derive(a, b.Public[:], salt, true)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	bk, err := crypt.Derive(b, a.Public[:], salt, false)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	ap, err := crypt.NewPair(ak)
	if err != nil {
		t.Fatalf("pair: %v", err)
	}
	bp, err := crypt.NewPair(bk)
	if err != nil {
		t.Fatalf("pair: %v", err)
	}
	return ap, bp
}

func TestBuilders(t *testing.T) {
	testlog.Start(t)
	p := Build(way.RequestData, 3, 9).AttachBody(body.NewText("a")).AttachBody(body.NewText("b"))
	if p.Body.(*body.Inline).String() != "b" {
		t.Fatalf("attach must replace the single body slot")
	}
	p.TaskID = 42
	r := p.Reply(way.AnswerOK)
	if r.TaskID != 42 || !r.Response || r.Type != 3 || r.Extra != 9 || r.Body != nil {
		t.Fatalf("unexpected reply: %s", r)
	}
	if New(way.Heartbeat).HasBody() {
		t.Fatalf("new packet has no body")
	}
}

func TestRoundTripAllVariantsAndCiphers(t *testing.T) {
	testlog.Start(t)
	dir := t.TempDir()
	src := filepath.Join(dir, "src.bin")
	content := bytes.Repeat([]byte("abcdefgh"), 9000)
	if err := os.WriteFile(src, content, 0o644); err != nil {
		t.Fatalf("write source: %v", err)
	}
	obj, err := structpb.NewStruct(map[string]any{"key": "value"})
	if err != nil {
		t.Fatalf("struct: %v", err)
	}

	plainA, plainB := crypt.PlainPair(), crypt.PlainPair()
	cbcA, cbcB := agreedPair(t)
	ciphers := map[string][2]crypt.Pair{
		"plain": {plainA, plainB},
		"cbc":   {cbcA, cbcB},
	}
	for name, pair := range ciphers {
		fileBody, err := body.OpenFile(src)
		if err != nil {
			t.Fatalf("open file: %v", err)
		}
		fileBody.BaseLink = true
		objBody, err := body.NewObject(obj)
		if err != nil {
			t.Fatalf("object: %v", err)
		}
		sent := []*Packet{
			New(way.Heartbeat),
			Build(way.SendData, 1, 2).AttachBody(body.NewText("hello")),
			Build(way.ChangeData, 0, 0).AttachBody(fileBody),
			Build(way.ResetData, -5, 7).AttachBody(objBody),
			{Way: way.AnswerOK, TaskID: 77, Response: true},
		}

		codec := Codec{Limits: frame.DefaultLimits(), Bodies: body.DefaultSet(dir)}
		var wire bytes.Buffer
		wbufs := bufpool.New(1024).NewHandle().Acquire()
		for _, p := range sent {
			if err := codec.Write(&wire, p, pair[0].Send, wbufs, nil); err != nil {
				t.Fatalf("%s: write %s: %v", name, p, err)
			}
		}

		rbufs := bufpool.New(1024).NewHandle().Acquire()
		for i, want := range sent {
			got, err := codec.Read(&wire, pair[1].Recv, rbufs)
			if err != nil {
				t.Fatalf("%s: read %d: %v", name, i, err)
			}
			if got.Way != want.Way || got.Type != want.Type || got.Extra != want.Extra ||
				got.TaskID != want.TaskID || got.Response != want.Response {
				t.Fatalf("%s: header mismatch got=%s want=%s", name, got, want)
			}
			if (got.Body == nil) != (want.Body == nil) {
				t.Fatalf("%s: body presence mismatch for %s", name, want)
			}
		}
		if got := sent[1].Body.(*body.Inline).String(); got != "hello" {
			t.Fatalf("sent body mutated: %q", got)
		}
		if wire.Len() != 0 {
			t.Fatalf("%s: %d trailing bytes", name, wire.Len())
		}
	}
}

func TestReadReconstructsBodies(t *testing.T) {
	testlog.Start(t)
	a, b := agreedPair(t)
	obj, err := structpb.NewStruct(map[string]any{"n": 1})
	if err != nil {
		t.Fatalf("struct: %v", err)
	}
	objBody, err := body.NewObject(obj)
	if err != nil {
		t.Fatalf("object: %v", err)
	}
	codec := DefaultCodec()
	var wire bytes.Buffer
	bufs := bufpool.New(512).NewHandle().Acquire()
	if err := codec.Write(&wire, Build(way.SendData, 0, 0).AttachBody(body.NewText("hello")), a.Send, bufs, nil); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := codec.Write(&wire, Build(way.SendData, 0, 0).AttachBody(objBody), a.Send, bufs, nil); err != nil {
		t.Fatalf("write: %v", err)
	}

	got, err := codec.Read(&wire, b.Recv, bufs)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.Body.(*body.Inline).String() != "hello" {
		t.Fatalf("unexpected inline body %q", got.Body.(*body.Inline).String())
	}
	got, err = codec.Read(&wire, b.Recv, bufs)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !proto.Equal(got.Body.(*body.Object).Message(), obj) {
		t.Fatalf("object mismatch")
	}
}

func TestDataLinkHeaderLeavesBodyUnread(t *testing.T) {
	testlog.Start(t)
	codec := DefaultCodec()
	var wire bytes.Buffer
	p := Build(way.SendData, 0, 0).AttachBody(body.NewText("elsewhere"))
	if err := codec.WriteHeader(&wire, p, true); err != nil {
		t.Fatalf("write header: %v", err)
	}
	got, err := codec.Read(&wire, crypt.Plain{}, bufpool.New(256).NewHandle().Acquire())
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.Body == nil || got.Body.Size() != 0 {
		t.Fatalf("data-link header must yield an empty body instance")
	}
}

func TestUnknownKindIsDrained(t *testing.T) {
	testlog.Start(t)
	codec := DefaultCodec()
	bufs := bufpool.New(256).NewHandle().Acquire()
	var wire bytes.Buffer
	if err := codec.Write(&wire, Build(way.SendData, 0, 0).AttachBody(body.NewText("payload-of-unknown-kind")), crypt.Plain{}, bufs, nil); err != nil {
		t.Fatalf("write: %v", err)
	}
	wire.Bytes()[frame.FixedHeaderLen] = 0x7f
	if err := codec.Write(&wire, Build(way.SendData, 1, 0).AttachBody(body.NewText("next")), crypt.Plain{}, bufs, nil); err != nil {
		t.Fatalf("write: %v", err)
	}

	_, err := codec.Read(&wire, crypt.Plain{}, bufs)
	if !errors.Is(err, body.ErrUnknownKind) || !protocol.IsFraming(err) {
		t.Fatalf("expected unknown kind framing error, got %v", err)
	}
	got, err := codec.Read(&wire, crypt.Plain{}, bufs)
	if err != nil {
		t.Fatalf("stream must stay framed: %v", err)
	}
	if got.Type != 1 || got.Body.(*body.Inline).String() != "next" {
		t.Fatalf("unexpected follow-up packet %s", got)
	}
}

func TestOversizeBodyIsDrained(t *testing.T) {
	testlog.Start(t)
	bufs := bufpool.New(256).NewHandle().Acquire()
	var wire bytes.Buffer
	big := DefaultCodec()
	if err := big.Write(&wire, Build(way.SendData, 0, 0).AttachBody(body.NewInline(make([]byte, 600))), crypt.Plain{}, bufs, nil); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := big.Write(&wire, New(way.Heartbeat), crypt.Plain{}, bufs, nil); err != nil {
		t.Fatalf("write: %v", err)
	}

	small := Codec{Limits: frame.Limits{MaxBodyBytes: 100}}
	if _, err := small.Read(&wire, crypt.Plain{}, bufs); !errors.Is(err, frame.ErrBodyTooLarge) {
		t.Fatalf("expected ErrBodyTooLarge, got %v", err)
	}
	got, err := small.Read(&wire, crypt.Plain{}, bufs)
	if err != nil || got.Way != way.Heartbeat {
		t.Fatalf("expected heartbeat after drained body, got %v err=%v", got, err)
	}
}

func TestTruncatedPacketIsReadBreak(t *testing.T) {
	testlog.Start(t)
	codec := DefaultCodec()
	bufs := bufpool.New(256).NewHandle().Acquire()
	var wire bytes.Buffer
	if err := codec.Write(&wire, Build(way.SendData, 0, 0).AttachBody(body.NewInline(make([]byte, 500))), crypt.Plain{}, bufs, nil); err != nil {
		t.Fatalf("write: %v", err)
	}
	for _, cut := range []int{0, 5, frame.FixedHeaderLen + 3, wire.Len() - 1} {
		_, err := codec.Read(bytes.NewReader(wire.Bytes()[:cut]), crypt.Plain{}, bufs)
		if !errors.Is(err, protocol.ErrReadBreak) {
			t.Fatalf("cut=%d: expected read break, got %v", cut, err)
		}
	}
}

type failingWriter struct{ after int }

func (w *failingWriter) Write(p []byte) (int, error) {
	if w.after <= 0 {
		return 0, errors.New("connection reset")
	}
	w.after--
	return len(p), nil
}

func TestWriteFailuresAreWriteBreaks(t *testing.T) {
	testlog.Start(t)
	codec := DefaultCodec()
	bufs := bufpool.New(256).NewHandle().Acquire()
	p := Build(way.SendData, 0, 0).AttachBody(body.NewInline(make([]byte, 1000)))

	if err := codec.Write(&failingWriter{}, p, crypt.Plain{}, bufs, nil); !errors.Is(err, protocol.ErrWriteBreak) {
		t.Fatalf("header failure: expected write break, got %v", err)
	}
	if err := codec.Write(&failingWriter{after: 2}, p, crypt.Plain{}, bufs, nil); !errors.Is(err, protocol.ErrWriteBreak) {
		t.Fatalf("body failure: expected write break, got %v", err)
	}
}

func TestMissingFileSourceWritesNothing(t *testing.T) {
	testlog.Start(t)
	src := filepath.Join(t.TempDir(), "gone.bin")
	if err := os.WriteFile(src, make([]byte, 64), 0o644); err != nil {
		t.Fatalf("write source: %v", err)
	}
	f, err := body.OpenFile(src)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := os.Remove(src); err != nil {
		t.Fatalf("remove: %v", err)
	}
	var wire bytes.Buffer
	err = DefaultCodec().Write(&wire, Build(way.SendData, 0, 0).AttachBody(f), crypt.Plain{}, bufpool.New(256).NewHandle().Acquire(), nil)
	if !errors.Is(err, protocol.ErrBodySource) || protocol.IsBreak(err) {
		t.Fatalf("expected body source error without a break, got %v", err)
	}
	if wire.Len() != 0 {
		t.Fatalf("nothing must reach the wire, got %d bytes", wire.Len())
	}
}

func TestSourceFailureMidBodyIsWriteBreak(t *testing.T) {
	testlog.Start(t)
	p := Build(way.SendData, 0, 0).AttachBody(body.NewInline(make([]byte, 600)))
	var wire bytes.Buffer
	err := DefaultCodec().WriteFrom(&wire, p, bytes.NewReader(make([]byte, 100)), crypt.Plain{}, bufpool.New(256).NewHandle().Acquire(), nil)
	if !errors.Is(err, protocol.ErrWriteBreak) || !errors.Is(err, protocol.ErrSizeMismatch) {
		t.Fatalf("expected write break wrapping size mismatch, got %v", err)
	}
}

func TestInMemoryBodiesOverLimitAreDrained(t *testing.T) {
	testlog.Start(t)
	dir := t.TempDir()
	src := filepath.Join(dir, "src.bin")
	if err := os.WriteFile(src, make([]byte, 700), 0o644); err != nil {
		t.Fatalf("write source: %v", err)
	}
	fileBody, err := body.OpenFile(src)
	if err != nil {
		t.Fatalf("open file: %v", err)
	}
	fileBody.BaseLink = true

	bufs := bufpool.New(256).NewHandle().Acquire()
	var wire bytes.Buffer
	big := DefaultCodec()
	for _, p := range []*Packet{
		Build(way.SendData, 1, 0).AttachBody(body.NewInline(make([]byte, 600))),
		Build(way.SendData, 2, 0).AttachBody(fileBody),
		New(way.Heartbeat),
	} {
		if err := big.Write(&wire, p, crypt.Plain{}, bufs, nil); err != nil {
			t.Fatalf("write %s: %v", p, err)
		}
	}

	small := Codec{Limits: frame.Limits{MaxBodyBytes: 1 << 20, MaxInlineBytes: 100}, Bodies: body.DefaultSet(dir)}
	if _, err := small.Read(&wire, crypt.Plain{}, bufs); !errors.Is(err, frame.ErrBodyTooLarge) || protocol.IsBreak(err) {
		t.Fatalf("expected in-memory limit rejection, got %v", err)
	}
	got, err := small.Read(&wire, crypt.Plain{}, bufs)
	if err != nil {
		t.Fatalf("file body is not held in memory and must pass: %v", err)
	}
	if got.Type != 2 || got.Body.Size() != 700 {
		t.Fatalf("unexpected file packet %s", got)
	}
	got, err = small.Read(&wire, crypt.Plain{}, bufs)
	if err != nil || got.Way != way.Heartbeat {
		t.Fatalf("expected heartbeat after drained body, got %v err=%v", got, err)
	}

	var out bytes.Buffer
	err = small.Write(&out, Build(way.SendData, 0, 0).AttachBody(body.NewInline(make([]byte, 101))), crypt.Plain{}, bufs, nil)
	if !errors.Is(err, frame.ErrBodyTooLarge) || protocol.IsBreak(err) {
		t.Fatalf("expected send-side rejection, got %v", err)
	}
	if out.Len() != 0 {
		t.Fatalf("nothing must reach the wire")
	}
}

func TestChunkOverrunningDeclaredSizeIsReadBreak(t *testing.T) {
	testlog.Start(t)
	codec := DefaultCodec()
	bufs := bufpool.New(256).NewHandle().Acquire()
	var wire bytes.Buffer
	wire.Write(frame.EncodeHeader(frame.Header{Way: way.SendData, Flags: frame.FlagHasBody, Kind: uint8(body.KindInline), BodySize: 5}))
	chunk := make([]byte, frame.ChunkHeaderLen+10)
	frame.PutChunkHeader(chunk, frame.ChunkHeader{PlainLen: 10, CipherLen: 10})
	copy(chunk[frame.ChunkHeaderLen:], "0123456789")
	wire.Write(chunk)
	if err := codec.Write(&wire, Build(way.SendData, 1, 0).AttachBody(body.NewText("next")), crypt.Plain{}, bufs, nil); err != nil {
		t.Fatalf("write: %v", err)
	}

	_, err := codec.Read(&wire, crypt.Plain{}, bufs)
	if !errors.Is(err, protocol.ErrReadBreak) || !errors.Is(err, protocol.ErrSizeMismatch) {
		t.Fatalf("expected read break, got %v", err)
	}
}

func TestOversizeBodyIsRejectedBeforeWriting(t *testing.T) {
	testlog.Start(t)
	codec := Codec{Limits: frame.Limits{MaxBodyBytes: 4}}
	var wire bytes.Buffer
	err := codec.Write(&wire, Build(way.SendData, 0, 0).AttachBody(body.NewText("too long")), crypt.Plain{}, bufpool.New(256).NewHandle().Acquire(), nil)
	if !errors.Is(err, frame.ErrBodyTooLarge) || protocol.IsBreak(err) {
		t.Fatalf("expected framing rejection, got %v", err)
	}
	if wire.Len() != 0 {
		t.Fatalf("nothing must reach the wire")
	}
}
