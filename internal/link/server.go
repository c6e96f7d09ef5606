package link

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/multierr"

	"github.com/danmuck/linkmux/internal/auth"
	logs "github.com/danmuck/linkmux/internal/logging"
	"github.com/danmuck/linkmux/internal/protocol"
	"github.com/danmuck/linkmux/internal/protocol/packet"
	"github.com/danmuck/linkmux/internal/protocol/session"
	"github.com/danmuck/linkmux/internal/protocol/way"
	"github.com/danmuck/linkmux/internal/transport"
)

// ServerConfig configures a link server.
type ServerConfig struct {
	Session   session.Config
	Validator auth.Validator
	Options   Options
	// OnSession observes every newly opened session.
	OnSession func(*Session)
}

// Server accepts channels and groups them into sessions.
type Server struct {
	cfg   ServerConfig
	codec packet.Codec

	mu       sync.Mutex
	sessions map[string]*Session
	conns    map[net.Conn]struct{}
	closed   bool

	handshaking atomic.Int64
}

func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Validator == nil {
		return nil, errors.New("link: server validator required")
	}
	cfg.Session = cfg.Session.WithDefaults()
	cfg.Options = cfg.Options.withDefaults()
	return &Server{
		cfg:      cfg,
		codec:    cfg.Options.codec(cfg.Session),
		sessions: make(map[string]*Session),
		conns:    make(map[net.Conn]struct{}),
	}, nil
}

// Serve accepts connections on ln until ctx ends or ln fails.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	defer ln.Close()
	go func() {
		<-ctx.Done()
		s.closeHandshaking()
		_ = ln.Close()
	}()
	logs.Infof("link.Server.Serve listening addr=%q", ln.Addr().String())
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		if !s.track(conn) {
			_ = conn.Close()
			return nil
		}
		go s.handleConn(conn)
	}
}

func (s *Server) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[conn] = struct{}{}
	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
}

func (s *Server) closeHandshaking() {
	s.mu.Lock()
	conns := make([]net.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		_ = c.Close()
	}
}

// handleConn runs the handshake on conn and attaches it to a session. The
// connection is owned by the session once attached.
func (s *Server) handleConn(conn net.Conn) {
	defer s.untrack(conn)
	remote := conn.RemoteAddr().String()
	active := s.handshaking.Add(1)
	defer s.handshaking.Add(-1)
	logs.Debugf("link.Server.handleConn remote=%q handshaking=%d", remote, active)

	peer, err := transport.Authenticate(conn, s.cfg.Session)
	if err != nil {
		logs.Warnf("link.Server.handleConn transport auth remote=%q err=%v", remote, err)
		_ = conn.Close()
		return
	}
	r := bufio.NewReader(conn)
	req, err := readLinkRequest(conn, r, s.codec, s.cfg.Session)
	if err != nil {
		logs.Warnf("link.Server.handleConn remote=%q link request err=%v", remote, err)
		if !protocol.IsBreak(err) {
			_ = rejectLink(conn, s.codec, way.AnswerError, "invalid link request")
		}
		_ = conn.Close()
		return
	}
	if err := s.cfg.Validator.Validate(req.Token); err != nil {
		logs.Warnf("link.Server.handleConn remote=%q channel=%s token rejected", remote, req.ChannelType)
		_ = rejectLink(conn, s.codec, way.AnswerNotVerify, "token rejected")
		_ = conn.Close()
		return
	}
	if req.ChannelType == session.ChannelControl {
		err = s.attachControl(conn, r, req)
	} else {
		err = s.attachChannel(conn, r, req)
	}
	if err != nil {
		logs.Warnf("link.Server.handleConn remote=%q peer=%q channel=%s session=%q err=%v", remote, peer.PeerIdentity, req.ChannelType, req.SessionID, err)
		_ = conn.Close()
		return
	}
	logs.Infof("link.Server.handleConn remote=%q peer=%q channel=%s attached", remote, peer.PeerIdentity, req.ChannelType)
}

func (s *Server) deny(conn net.Conn, format string, args ...any) error {
	why := fmt.Sprintf(format, args...)
	_ = rejectLink(conn, s.codec, way.AnswerNotAccess, why)
	return fmt.Errorf("%w: %s", ErrNotAccess, why)
}

func (s *Server) attachControl(conn net.Conn, r *bufio.Reader, req session.LinkRequest) error {
	if req.SessionID == "" {
		return s.openSession(conn, r, req)
	}
	sess := s.Session(req.SessionID)
	if sess == nil {
		return s.deny(conn, "unknown session %s", req.SessionID)
	}
	sess.attachMu.Lock()
	defer sess.attachMu.Unlock()
	switch sess.State() {
	case Failed, Closed:
		return s.deny(conn, "session %s is %s", sess.id, sess.State())
	case Idle:
		// The client saw a break this side has not noticed yet.
		sess.breakLocked(sess.channels[session.ChannelControl], fmt.Errorf("%w: control superseded", protocol.ErrReadBreak), false)
	}
	pair, err := acceptLink(conn, s.codec, req, sess.id, true)
	if err != nil {
		return err
	}
	sess.channels[session.ChannelControl].bind(conn, r, pair)
	if !sess.resumed() {
		_ = sess.channels[session.ChannelControl].detach()
		return fmt.Errorf("link: session %s is %s", sess.id, sess.State())
	}
	return nil
}

func (s *Server) openSession(conn net.Conn, r *bufio.Reader, req session.LinkRequest) error {
	id := uuid.NewString()
	sess := newSession(id, s.cfg.Session, s.cfg.Options)
	// Other channels may attach as soon as the ack is out; they wait on
	// attachMu until Control is bound.
	sess.attachMu.Lock()
	defer sess.attachMu.Unlock()
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return multierr.Append(errors.New("link: server closed"), sess.teardown(protocol.ErrSessionClosed))
	}
	s.sessions[id] = sess
	s.mu.Unlock()
	sess.onDrop = s.drop

	pair, err := acceptLink(conn, s.codec, req, id, false)
	if err != nil {
		return multierr.Append(err, sess.teardown(protocol.ErrSessionClosed))
	}
	sess.channels[session.ChannelControl].bind(conn, r, pair)
	logs.Infof("link.Server.openSession session=%q remote=%q", id, conn.RemoteAddr().String())
	if s.cfg.OnSession != nil {
		s.cfg.OnSession(sess)
	}
	return nil
}

// attachChannel binds a non-Control channel to a live session.
func (s *Server) attachChannel(conn net.Conn, r *bufio.Reader, req session.LinkRequest) error {
	sess := s.Session(req.SessionID)
	if sess == nil {
		return s.deny(conn, "unknown session %s", req.SessionID)
	}
	ch := sess.Channel(req.ChannelType)
	if ch == nil {
		return s.deny(conn, "channel %s not offered", req.ChannelType)
	}
	sess.attachMu.Lock()
	defer sess.attachMu.Unlock()
	if sess.State() != Idle || !sess.channels[session.ChannelControl].bound() {
		return s.deny(conn, "session %s has no live control channel", sess.id)
	}
	pair, err := acceptLink(conn, s.codec, req, sess.id, false)
	if err != nil {
		return err
	}
	ch.bind(conn, r, pair)
	return nil
}

func (s *Server) drop(sess *Session) {
	s.mu.Lock()
	if cur, ok := s.sessions[sess.id]; ok && cur == sess {
		delete(s.sessions, sess.id)
	}
	s.mu.Unlock()
	logs.Infof("link.Server.drop session=%q err=%v", sess.id, sess.Err())
}

// Session returns the live session with id, or nil.
func (s *Server) Session(id string) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions[id]
}

// Sessions returns a snapshot of the live sessions.
func (s *Server) Sessions() []*Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess)
	}
	return out
}

// Close closes every session and rejects further connections.
func (s *Server) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.closeHandshaking()
	var err error
	for _, sess := range s.Sessions() {
		err = multierr.Append(err, sess.Close())
	}
	return err
}
