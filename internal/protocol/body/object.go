package body

import (
	"bytes"
	"fmt"
	"io"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/anypb"

	"github.com/danmuck/linkmux/internal/bufpool"
	"github.com/danmuck/linkmux/internal/protocol"
	"github.com/danmuck/linkmux/internal/protocol/crypt"
)

// Object carries a structured protobuf payload. The message travels wrapped
// in an Any so the receiver resolves its type from the global registry.
type Object struct {
	msg     proto.Message
	encoded []byte
}

func NewObject(msg proto.Message) (*Object, error) {
	wrapped, err := anypb.New(msg)
	if err != nil {
		return nil, fmt.Errorf("%w: wrap object: %v", protocol.ErrBodySource, err)
	}
	encoded, err := proto.Marshal(wrapped)
	if err != nil {
		return nil, fmt.Errorf("%w: marshal object: %v", protocol.ErrBodySource, err)
	}
	return &Object{msg: msg, encoded: encoded}, nil
}

// Message returns the carried message, nil before a successful Read.
func (o *Object) Message() proto.Message { return o.msg }

func (o *Object) Kind() Kind             { return KindObject }
func (o *Object) Size() int64            { return int64(len(o.encoded)) }
func (o *Object) BaseLinkTransfer() bool { return true }
func (o *Object) NewInstance() DataBody  { return &Object{} }
func (o *Object) variant()               {}

func (o *Object) Read(c crypt.Cipher, r io.Reader, size int64, bufs *bufpool.Buffers, progress Progress) error {
	var buf bytes.Buffer
	if err := readChunks(c, r, &buf, size, bufs, progress); err != nil {
		return err
	}
	var wrapped anypb.Any
	if err := proto.Unmarshal(buf.Bytes(), &wrapped); err != nil {
		return fmt.Errorf("%w: unmarshal object: %v", protocol.ErrBodySource, err)
	}
	msg, err := wrapped.UnmarshalNew()
	if err != nil {
		return fmt.Errorf("%w: resolve %s: %v", protocol.ErrBodySource, wrapped.GetTypeUrl(), err)
	}
	o.msg = msg
	o.encoded = buf.Bytes()
	return nil
}

func (o *Object) Open() (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(o.encoded)), nil
}
