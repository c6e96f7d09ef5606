package link

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/danmuck/linkmux/internal/bufpool"
	"github.com/danmuck/linkmux/internal/protocol/body"
	"github.com/danmuck/linkmux/internal/protocol/crypt"
	"github.com/danmuck/linkmux/internal/protocol/packet"
	"github.com/danmuck/linkmux/internal/protocol/session"
	"github.com/danmuck/linkmux/internal/protocol/way"
)

var (
	ErrNotVerified = errors.New("link: token not verified")
	ErrNotAccess   = errors.New("link: access denied")
	ErrHandshake   = errors.New("link: handshake failed")
)

// Handshake packets are small; they get their own pool so the first
// handshake does not allocate full-size staging buffers.
var handshakePool = bufpool.New(4 << 10)

func controlCodec(base packet.Codec) packet.Codec {
	c := base
	c.Limits.MaxBodyBytes = session.MaxControlBytes
	return c
}

func requestWay(t session.ChannelType) way.Way {
	if t == session.ChannelControl {
		return way.TokenVerify
	}
	return way.BuildLink
}

func writeControl(conn net.Conn, codec packet.Codec, p *packet.Packet) error {
	h := handshakePool.NewHandle()
	defer h.Release()
	return controlCodec(codec).Write(conn, p, crypt.Plain{}, h.Acquire(), nil)
}

// readControl reads one handshake packet. Only inline bodies are accepted.
func readControl(r *bufio.Reader, codec packet.Codec) (*packet.Packet, []byte, error) {
	h := handshakePool.NewHandle()
	defer h.Release()
	bufs := h.Acquire()
	cc := controlCodec(codec)
	p, hdr, err := cc.ReadHeader(r)
	if err != nil {
		return nil, nil, err
	}
	if p.Body == nil {
		return p, nil, nil
	}
	in, ok := p.Body.(*body.Inline)
	if !ok || hdr.DataLink() {
		return nil, nil, fmt.Errorf("%w: unexpected %s body on %s", ErrHandshake, p.Body.Kind(), p.Way)
	}
	if err := cc.ReadBody(r, p, hdr.BodySize, crypt.Plain{}, bufs, nil); err != nil {
		return nil, nil, err
	}
	return p, in.Bytes(), nil
}

// clientHandshake opens one channel of a session. sessionID is empty for the
// Control channel of a new session. The returned reader holds any bytes
// buffered past the answer and must be used for the channel's reads.
func clientHandshake(conn net.Conn, codec packet.Codec, cfg session.Config, token, sessionID string, typ session.ChannelType) (*bufio.Reader, crypt.Pair, session.LinkAck, error) {
	var zero session.LinkAck
	if err := conn.SetDeadline(time.Now().Add(cfg.HandshakeTimeout)); err != nil {
		return nil, crypt.Pair{}, zero, err
	}
	kp, err := crypt.GenerateKeyPair()
	if err != nil {
		return nil, crypt.Pair{}, zero, err
	}
	payload, err := session.EncodeLinkRequest(session.LinkRequest{
		Token:       token,
		SessionID:   sessionID,
		ChannelType: typ,
		PublicKey:   kp.Public[:],
	})
	if err != nil {
		return nil, crypt.Pair{}, zero, err
	}
	req := packet.Build(requestWay(typ), int32(typ), 0).AttachBody(body.NewInline(payload))
	if err := writeControl(conn, codec, req); err != nil {
		return nil, crypt.Pair{}, zero, err
	}

	r := bufio.NewReader(conn)
	answer, raw, err := readControl(r, codec)
	if err != nil {
		return nil, crypt.Pair{}, zero, err
	}
	switch answer.Way {
	case way.AnswerOK:
	case way.AnswerNotVerify:
		return nil, crypt.Pair{}, zero, fmt.Errorf("%w: %s", ErrNotVerified, reason(raw))
	case way.AnswerNotAccess:
		return nil, crypt.Pair{}, zero, fmt.Errorf("%w: %s", ErrNotAccess, reason(raw))
	default:
		return nil, crypt.Pair{}, zero, fmt.Errorf("%w: %s answer: %s", ErrHandshake, answer.Way, reason(raw))
	}
	ack, err := session.DecodeLinkAck(raw)
	if err != nil {
		return nil, crypt.Pair{}, zero, fmt.Errorf("%w: %w", ErrHandshake, err)
	}
	if sessionID != "" && ack.SessionID != sessionID {
		return nil, crypt.Pair{}, zero, fmt.Errorf("%w: ack for session %q, want %q", ErrHandshake, ack.SessionID, sessionID)
	}
	keys, err := crypt.Derive(kp, ack.PublicKey, crypt.Salt(kp.Public[:], ack.PublicKey), true)
	if err != nil {
		return nil, crypt.Pair{}, zero, err
	}
	pair, err := crypt.NewPair(keys)
	if err != nil {
		return nil, crypt.Pair{}, zero, err
	}
	if err := conn.SetDeadline(time.Time{}); err != nil {
		return nil, crypt.Pair{}, zero, err
	}
	return r, pair, ack, nil
}

func reason(raw []byte) string {
	s := strings.TrimSpace(string(raw))
	if s == "" {
		return "no reason given"
	}
	return s
}

// readLinkRequest reads the opening packet of an inbound channel.
func readLinkRequest(conn net.Conn, r *bufio.Reader, codec packet.Codec, cfg session.Config) (session.LinkRequest, error) {
	if err := conn.SetDeadline(time.Now().Add(cfg.HandshakeTimeout)); err != nil {
		return session.LinkRequest{}, err
	}
	p, raw, err := readControl(r, codec)
	if err != nil {
		return session.LinkRequest{}, err
	}
	if p.Way != way.TokenVerify && p.Way != way.BuildLink {
		return session.LinkRequest{}, fmt.Errorf("%w: opening packet %s", ErrHandshake, p.Way)
	}
	req, err := session.DecodeLinkRequest(raw)
	if err != nil {
		return session.LinkRequest{}, fmt.Errorf("%w: %w", ErrHandshake, err)
	}
	if p.Way != requestWay(req.ChannelType) || p.Type != int32(req.ChannelType) {
		return session.LinkRequest{}, fmt.Errorf("%w: %s does not open %s", ErrHandshake, p.Way, req.ChannelType)
	}
	return req, nil
}

// rejectLink answers a link request with w and a short reason.
func rejectLink(conn net.Conn, codec packet.Codec, w way.Way, why string) error {
	p := &packet.Packet{Way: w, Response: true}
	p.AttachBody(body.NewText(why))
	return writeControl(conn, codec, p)
}

// acceptLink answers req with a fresh server key and returns the channel's
// cipher pair.
func acceptLink(conn net.Conn, codec packet.Codec, req session.LinkRequest, sessionID string, resumed bool) (crypt.Pair, error) {
	kp, err := crypt.GenerateKeyPair()
	if err != nil {
		return crypt.Pair{}, err
	}
	keys, err := crypt.Derive(kp, req.PublicKey, crypt.Salt(req.PublicKey, kp.Public[:]), false)
	if err != nil {
		return crypt.Pair{}, err
	}
	pair, err := crypt.NewPair(keys)
	if err != nil {
		return crypt.Pair{}, err
	}
	payload, err := session.EncodeLinkAck(session.LinkAck{
		SessionID: sessionID,
		PublicKey: kp.Public[:],
		Resumed:   resumed,
	})
	if err != nil {
		return crypt.Pair{}, err
	}
	ok := &packet.Packet{Way: way.AnswerOK, Type: int32(req.ChannelType), Response: true}
	ok.AttachBody(body.NewInline(payload))
	if err := writeControl(conn, codec, ok); err != nil {
		return crypt.Pair{}, err
	}
	if err := conn.SetDeadline(time.Time{}); err != nil {
		return crypt.Pair{}, err
	}
	return pair, nil
}
