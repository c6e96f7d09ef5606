// Package tlv encodes flat id/type/length/value records. The handshake
// envelopes use it so unknown fields from newer peers are skipped.
package tlv

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// HeaderLen is id:uint16 | type:uint8 | len:uint32.
const HeaderLen = 7

var (
	ErrShortFieldHeader = errors.New("tlv: short field header")
	ErrShortFieldValue  = errors.New("tlv: short field value")
	ErrTypeMismatch     = errors.New("tlv: field type mismatch")
	ErrInvalidLength    = errors.New("tlv: invalid field length")
	ErrMissingField     = errors.New("tlv: missing field")
)

const (
	TypeU8     uint8 = 1
	TypeU32    uint8 = 3
	TypeBool   uint8 = 5
	TypeString uint8 = 6
	TypeBytes  uint8 = 7
)

// Field is one record.
type Field struct {
	ID    uint16
	Type  uint8
	Value []byte
}

func U8(id uint16, v uint8) Field {
	return Field{ID: id, Type: TypeU8, Value: []byte{v}}
}

func U32(id uint16, v uint32) Field {
	return Field{ID: id, Type: TypeU32, Value: binary.BigEndian.AppendUint32(nil, v)}
}

func Bool(id uint16, v bool) Field {
	b := byte(0)
	if v {
		b = 1
	}
	return Field{ID: id, Type: TypeBool, Value: []byte{b}}
}

func String(id uint16, v string) Field {
	return Field{ID: id, Type: TypeString, Value: []byte(v)}
}

func Bytes(id uint16, v []byte) Field {
	return Field{ID: id, Type: TypeBytes, Value: append([]byte(nil), v...)}
}

// Encode concatenates fields in order.
func Encode(fields ...Field) []byte {
	n := 0
	for _, f := range fields {
		n += HeaderLen + len(f.Value)
	}
	out := make([]byte, 0, n)
	for _, f := range fields {
		out = binary.BigEndian.AppendUint16(out, f.ID)
		out = append(out, f.Type)
		out = binary.BigEndian.AppendUint32(out, uint32(len(f.Value)))
		out = append(out, f.Value...)
	}
	return out
}

// Decode splits payload into fields. Values alias payload.
func Decode(payload []byte) (Fields, error) {
	var fields Fields
	for i := 0; i < len(payload); {
		if len(payload)-i < HeaderLen {
			return nil, ErrShortFieldHeader
		}
		id := binary.BigEndian.Uint16(payload[i : i+2])
		typ := payload[i+2]
		l := binary.BigEndian.Uint32(payload[i+3 : i+7])
		i += HeaderLen
		if uint64(len(payload)-i) < uint64(l) {
			return nil, ErrShortFieldValue
		}
		fields = append(fields, Field{ID: id, Type: typ, Value: payload[i : i+int(l)]})
		i += int(l)
	}
	return fields, nil
}

// Fields is a decoded record set. Lookups return the first field with a
// matching id.
type Fields []Field

func (fs Fields) Get(id uint16) (Field, bool) {
	for _, f := range fs {
		if f.ID == id {
			return f, true
		}
	}
	return Field{}, false
}

func (fs Fields) lookup(id uint16, typ uint8, size int) (Field, error) {
	f, ok := fs.Get(id)
	if !ok {
		return Field{}, fmt.Errorf("%w: %d", ErrMissingField, id)
	}
	if f.Type != typ {
		return Field{}, fmt.Errorf("%w: field %d got %d want %d", ErrTypeMismatch, id, f.Type, typ)
	}
	if size >= 0 && len(f.Value) != size {
		return Field{}, fmt.Errorf("%w: field %d length %d", ErrInvalidLength, id, len(f.Value))
	}
	return f, nil
}

func (fs Fields) U8(id uint16) (uint8, error) {
	f, err := fs.lookup(id, TypeU8, 1)
	if err != nil {
		return 0, err
	}
	return f.Value[0], nil
}

func (fs Fields) U32(id uint16) (uint32, error) {
	f, err := fs.lookup(id, TypeU32, 4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(f.Value), nil
}

// Bool reads an optional flag; a missing field is false.
func (fs Fields) Bool(id uint16) (bool, error) {
	if _, ok := fs.Get(id); !ok {
		return false, nil
	}
	f, err := fs.lookup(id, TypeBool, 1)
	if err != nil {
		return false, err
	}
	switch f.Value[0] {
	case 0:
		return false, nil
	case 1:
		return true, nil
	default:
		return false, fmt.Errorf("%w: field %d bool value %d", ErrInvalidLength, id, f.Value[0])
	}
}

// String reads an optional string; a missing field is empty.
func (fs Fields) String(id uint16) (string, error) {
	if _, ok := fs.Get(id); !ok {
		return "", nil
	}
	f, err := fs.lookup(id, TypeString, -1)
	if err != nil {
		return "", err
	}
	return string(f.Value), nil
}

func (fs Fields) Bytes(id uint16) ([]byte, error) {
	f, err := fs.lookup(id, TypeBytes, -1)
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), f.Value...), nil
}
