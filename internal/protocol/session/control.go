package session

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/crypto/curve25519"

	"github.com/danmuck/linkmux/internal/protocol/tlv"
)

const (
	controlKindLinkRequest uint8 = 1
	controlKindLinkAck     uint8 = 2

	// MaxControlBytes bounds a handshake envelope body.
	MaxControlBytes = 64 * 1024
)

var (
	ErrInvalidLinkRequest     = errors.New("session: invalid link request")
	ErrInvalidLinkAck         = errors.New("session: invalid link ack")
	ErrControlMessageTooLarge = errors.New("session: control message too large")
)

// LinkRequest opens or resumes one channel of a session. SessionID is empty
// when the Control channel of a new session is being opened.
type LinkRequest struct {
	Token       string
	SessionID   string
	ChannelType ChannelType
	PublicKey   []byte
}

func (r LinkRequest) Validate() error {
	if !r.ChannelType.Valid() {
		return fmt.Errorf("%w: channel_type %d", ErrInvalidLinkRequest, r.ChannelType)
	}
	if len(r.PublicKey) != curve25519.PointSize {
		return fmt.Errorf("%w: public_key length %d", ErrInvalidLinkRequest, len(r.PublicKey))
	}
	sid := strings.TrimSpace(r.SessionID)
	if sid == "" && r.ChannelType != ChannelControl {
		return fmt.Errorf("%w: %s channel requires session_id", ErrInvalidLinkRequest, r.ChannelType)
	}
	if sid != "" {
		if _, err := uuid.Parse(sid); err != nil {
			return fmt.Errorf("%w: session_id: %v", ErrInvalidLinkRequest, err)
		}
	}
	return nil
}

// LinkAck accepts a LinkRequest.
type LinkAck struct {
	SessionID string
	PublicKey []byte
	Resumed   bool
}

func (a LinkAck) Validate() error {
	if _, err := uuid.Parse(strings.TrimSpace(a.SessionID)); err != nil {
		return fmt.Errorf("%w: session_id: %v", ErrInvalidLinkAck, err)
	}
	if len(a.PublicKey) != curve25519.PointSize {
		return fmt.Errorf("%w: public_key length %d", ErrInvalidLinkAck, len(a.PublicKey))
	}
	return nil
}

// Envelope field ids.
const (
	fieldKind uint16 = iota + 1
	fieldToken
	fieldSessionID
	fieldChannelType
	fieldPublicKey
	fieldResumed
)

func EncodeLinkRequest(req LinkRequest) ([]byte, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	return tlv.Encode(
		tlv.U8(fieldKind, controlKindLinkRequest),
		tlv.String(fieldToken, req.Token),
		tlv.String(fieldSessionID, req.SessionID),
		tlv.U8(fieldChannelType, uint8(req.ChannelType)),
		tlv.Bytes(fieldPublicKey, req.PublicKey),
	), nil
}

func DecodeLinkRequest(payload []byte) (LinkRequest, error) {
	fs, err := decodeControl(payload, controlKindLinkRequest)
	if err != nil {
		return LinkRequest{}, fmt.Errorf("%w: %v", ErrInvalidLinkRequest, err)
	}
	var req LinkRequest
	var ct uint8
	if req.Token, err = fs.String(fieldToken); err == nil {
		if req.SessionID, err = fs.String(fieldSessionID); err == nil {
			if ct, err = fs.U8(fieldChannelType); err == nil {
				req.PublicKey, err = fs.Bytes(fieldPublicKey)
			}
		}
	}
	if err != nil {
		return LinkRequest{}, fmt.Errorf("%w: %v", ErrInvalidLinkRequest, err)
	}
	req.ChannelType = ChannelType(ct)
	if err := req.Validate(); err != nil {
		return LinkRequest{}, err
	}
	return req, nil
}

func EncodeLinkAck(ack LinkAck) ([]byte, error) {
	if err := ack.Validate(); err != nil {
		return nil, err
	}
	return tlv.Encode(
		tlv.U8(fieldKind, controlKindLinkAck),
		tlv.String(fieldSessionID, ack.SessionID),
		tlv.Bytes(fieldPublicKey, ack.PublicKey),
		tlv.Bool(fieldResumed, ack.Resumed),
	), nil
}

func DecodeLinkAck(payload []byte) (LinkAck, error) {
	fs, err := decodeControl(payload, controlKindLinkAck)
	if err != nil {
		return LinkAck{}, fmt.Errorf("%w: %v", ErrInvalidLinkAck, err)
	}
	var ack LinkAck
	if ack.SessionID, err = fs.String(fieldSessionID); err == nil {
		if ack.PublicKey, err = fs.Bytes(fieldPublicKey); err == nil {
			ack.Resumed, err = fs.Bool(fieldResumed)
		}
	}
	if err != nil {
		return LinkAck{}, fmt.Errorf("%w: %v", ErrInvalidLinkAck, err)
	}
	if err := ack.Validate(); err != nil {
		return LinkAck{}, err
	}
	return ack, nil
}

func decodeControl(payload []byte, want uint8) (tlv.Fields, error) {
	if len(payload) > MaxControlBytes {
		return nil, ErrControlMessageTooLarge
	}
	fs, err := tlv.Decode(payload)
	if err != nil {
		return nil, err
	}
	kind, err := fs.U8(fieldKind)
	if err != nil {
		return nil, err
	}
	if kind != want {
		return nil, fmt.Errorf("unexpected control kind %d", kind)
	}
	return fs, nil
}
