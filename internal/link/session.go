package link

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"

	"github.com/danmuck/linkmux/internal/bufpool"
	"github.com/danmuck/linkmux/internal/link/task"
	logs "github.com/danmuck/linkmux/internal/logging"
	"github.com/danmuck/linkmux/internal/observability"
	"github.com/danmuck/linkmux/internal/protocol"
	"github.com/danmuck/linkmux/internal/protocol/body"
	"github.com/danmuck/linkmux/internal/protocol/frame"
	"github.com/danmuck/linkmux/internal/protocol/packet"
	"github.com/danmuck/linkmux/internal/protocol/session"
	"github.com/danmuck/linkmux/internal/protocol/way"
)

// SessionState is the reconnection state of a Session.
type SessionState int32

const (
	Idle SessionState = iota
	Reconnecting
	Failed
	Closed
)

func (s SessionState) String() string {
	switch s {
	case Idle:
		return "idle"
	case Reconnecting:
		return "reconnecting"
	case Failed:
		return "failed"
	case Closed:
		return "closed"
	default:
		return fmt.Sprintf("session_state(%d)", int32(s))
	}
}

const (
	inboundQueue = 256
	linkQueue    = 64
	closeLinger  = time.Second
)

// Options are the collaborators shared by clients and servers.
type Options struct {
	Hooks  *Hooks
	Router *Router
	// Clock drives heartbeats, backoff and the resume window.
	Clock clock.Clock
	// Bodies rebuilds inbound bodies; File bodies land in its directory.
	Bodies body.Set
	// Pool hands out the per-worker cipher staging buffers.
	Pool *bufpool.Pool
}

func (o Options) withDefaults() Options {
	if o.Clock == nil {
		o.Clock = clock.New()
	}
	if o.Pool == nil {
		o.Pool = bufpool.Default()
	}
	if o.Router == nil {
		o.Router = NewRouter()
	}
	return o
}

func (o Options) codec(cfg session.Config) packet.Codec {
	c := packet.DefaultCodec()
	if cfg.MaxBodyBytes > 0 {
		c.Limits.MaxBodyBytes = cfg.MaxBodyBytes
	}
	if cfg.MaxInlineBytes > 0 {
		c.Limits.MaxInlineBytes = cfg.MaxInlineBytes
	}
	c.Bodies = o.Bodies
	return c
}

// pendingBody is a data-link header waiting for its body on DataFile. A nil
// pkt marks a rejected header whose body must be discarded.
type pendingBody struct {
	pkt    *packet.Packet
	header frame.Header
}

// reconnectFunc re-runs the handshake on every channel and rebinds them.
type reconnectFunc func(ctx context.Context, s *Session) error

// Session is the set of channels belonging to one peer.
type Session struct {
	id     string
	cfg    session.Config
	clk    clock.Clock
	codec  packet.Codec
	pool   *bufpool.Pool
	hooks  *Hooks
	router *Router
	tasks  *task.Registry

	channels map[session.ChannelType]*Channel
	expect   chan pendingBody
	inbound  chan *packet.Packet

	state     atomic.Int32
	mu        sync.Mutex
	err       error
	resume    *clock.Timer
	reconnect reconnectFunc
	onDrop    func(*Session)
	// attachMu serializes server-side channel attachment.
	attachMu sync.Mutex
	rng      *rand.Rand

	ctx       context.Context
	cancel    context.CancelFunc
	closed    chan struct{}
	closeOnce sync.Once
}

func newSession(id string, cfg session.Config, opts Options) *Session {
	opts = opts.withDefaults()
	codec := opts.codec(cfg)
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:       id,
		cfg:      cfg,
		clk:      opts.Clock,
		codec:    codec,
		pool:     opts.Pool,
		hooks:    opts.Hooks,
		router:   opts.Router,
		tasks:    task.NewRegistry(),
		channels: make(map[session.ChannelType]*Channel, len(cfg.Channels)),
		expect:   make(chan pendingBody, linkQueue),
		inbound:  make(chan *packet.Packet, inboundQueue),
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		ctx:      ctx,
		cancel:   cancel,
		closed:   make(chan struct{}),
	}
	for _, t := range cfg.Channels {
		s.channels[t] = newChannel(s, t)
	}
	go s.dispatchLoop()
	return s
}

func (s *Session) ID() string { return s.id }

func (s *Session) State() SessionState {
	return SessionState(s.state.Load())
}

// Channel returns the channel of type t, or nil when t was not declared.
func (s *Session) Channel(t session.ChannelType) *Channel {
	return s.channels[t]
}

func (s *Session) hasChannel(t session.ChannelType) bool {
	_, ok := s.channels[t]
	return ok
}

// Done is closed once the session is Failed or Closed.
func (s *Session) Done() <-chan struct{} {
	return s.closed
}

// Err returns the terminal error after Done is closed.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Session) usable() error {
	switch s.State() {
	case Idle:
		return nil
	case Reconnecting:
		return protocol.ErrReconnecting
	case Failed:
		if err := s.Err(); err != nil {
			return err
		}
		return protocol.ErrSessionFailed
	default:
		return protocol.ErrSessionClosed
	}
}

func checkOutbound(p *packet.Packet) error {
	if p == nil {
		return errors.New("link: nil packet")
	}
	if p.Response && p.Way.IsAnswer() {
		return nil
	}
	return way.ValidateCustom(p.Way)
}

// Send writes p without waiting for a response. Bodies that do not ride the
// base link go over DataFile when that channel is bound.
func (s *Session) Send(ctx context.Context, p *packet.Packet) error {
	if err := checkOutbound(p); err != nil {
		return err
	}
	return s.send(ctx, p)
}

func (s *Session) send(ctx context.Context, p *packet.Packet) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.usable(); err != nil {
		return err
	}
	ctrl := s.channels[session.ChannelControl]
	data := s.channels[session.ChannelDataFile]
	var err error
	if p.Body != nil && !p.Body.BaseLinkTransfer() && data != nil && data.bound() {
		err = s.sendDataLink(ctrl, data, p)
	} else {
		err = ctrl.send(p, false)
	}
	if err == nil {
		return nil
	}
	if uerr := s.usable(); uerr != nil && protocol.IsBreak(err) {
		return fmt.Errorf("%w: %w", uerr, err)
	}
	return err
}

// sendDataLink writes the header on Control and the body on DataFile. The
// body is opened before either write. The DataFile lock is held across both
// writes so bodies arrive in header order.
func (s *Session) sendDataLink(ctrl, data *Channel, p *packet.Packet) error {
	src, err := p.Body.Open()
	if err != nil {
		return err
	}
	defer src.Close()
	data.writeMu.Lock()
	defer data.writeMu.Unlock()
	if err := ctrl.send(p, true); err != nil {
		return err
	}
	linked := &packet.Packet{Way: way.BodyLink, TaskID: p.TaskID, Body: p.Body}
	return data.sendLocked(linked, false, src)
}

// Dispatch registers t, stamps p with its id and sends p. The caller waits
// on t. A send failure fails t.
func (s *Session) Dispatch(ctx context.Context, p *packet.Packet, t *task.Task) error {
	if err := checkOutbound(p); err != nil {
		t.Fail(err)
		return err
	}
	if err := s.usable(); err != nil {
		t.Fail(err)
		return err
	}
	id, err := s.tasks.Register(t)
	if err != nil {
		return err
	}
	p.TaskID = id
	p.Response = false
	if err := s.send(ctx, p); err != nil {
		s.tasks.Fail(id, err)
		return err
	}
	return nil
}

// Request sends p and waits for one response.
func (s *Session) Request(ctx context.Context, p *packet.Packet) (*packet.Packet, error) {
	resp, err := s.RequestN(ctx, p, 1)
	if err != nil {
		return nil, err
	}
	return resp[0], nil
}

// RequestN sends p and waits for n responses carrying its task id. Without
// a context deadline the configured task timeout applies.
func (s *Session) RequestN(ctx context.Context, p *packet.Packet, n int) ([]*packet.Packet, error) {
	t, err := task.NewSet(n)
	if err != nil {
		return nil, err
	}
	if _, ok := ctx.Deadline(); !ok && s.cfg.TaskTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = s.clk.WithTimeout(ctx, s.cfg.TaskTimeout)
		defer cancel()
	}
	if err := s.Dispatch(ctx, p, t); err != nil {
		return nil, err
	}
	resp, err := t.Wait(ctx)
	s.tasks.Remove(t.ID())
	return resp, err
}

// Pending is the number of tasks waiting for responses.
func (s *Session) Pending() int {
	return s.tasks.Len()
}

// deliver routes one complete inbound packet. It runs on read workers.
func (s *Session) deliver(p *packet.Packet) {
	if p.Response {
		if !s.tasks.Deliver(p) {
			logs.Debugf("link.Session.deliver session=%q unmatched response %s", s.id, p)
		}
		return
	}
	switch {
	case p.Way == way.LinkClose:
		s.peerClosed()
		return
	case p.Way == way.Default:
		return
	case p.Way.Reserved():
		logs.Debugf("link.Session.deliver session=%q dropped control packet %s", s.id, p)
		return
	}
	select {
	case s.inbound <- p:
	case <-s.ctx.Done():
	}
}

func (s *Session) dispatchLoop() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case p := <-s.inbound:
			s.serve(p)
		}
	}
}

func (s *Session) serve(p *packet.Packet) {
	defer func() {
		if r := recover(); r != nil {
			logs.Errf("link.Session.serve session=%q handler panic for %s: %v", s.id, p, r)
		}
	}()
	h := s.router.Lookup(p)
	if h == nil {
		logs.Debugf("link.Session.serve session=%q no route for %s", s.id, p)
		if p.TaskID != 0 {
			reply := p.Reply(way.AnswerError).AttachBody(body.NewText("no route"))
			if err := s.send(s.ctx, reply); err != nil {
				logs.Debugf("link.Session.serve session=%q answer unrouted err=%v", s.id, err)
			}
		}
		return
	}
	h.ServePacket(s.ctx, &responseWriter{sess: s, req: p}, p)
}

type responseWriter struct {
	sess *Session
	req  *packet.Packet
}

func (w *responseWriter) Session() *Session { return w.sess }

func (w *responseWriter) Reply(p *packet.Packet) error {
	if w.req.TaskID != 0 {
		p.TaskID = w.req.TaskID
		p.Response = true
	}
	if err := checkOutbound(p); err != nil {
		return err
	}
	return w.sess.send(w.sess.ctx, p)
}

func (s *Session) expectBody(done <-chan struct{}, pb pendingBody) error {
	select {
	case s.expect <- pb:
		return nil
	case <-done:
		return fmt.Errorf("%w: control unbound while queueing linked body", protocol.ErrChannelBroken)
	}
}

func (s *Session) awaitBody(done <-chan struct{}) (pendingBody, error) {
	select {
	case pb := <-s.expect:
		return pb, nil
	default:
	}
	timer := s.clk.Timer(s.cfg.WriteTimeout)
	defer timer.Stop()
	select {
	case pb := <-s.expect:
		return pb, nil
	case <-done:
		return pendingBody{}, fmt.Errorf("%w: datafile unbound while awaiting header", protocol.ErrChannelBroken)
	case <-timer.C:
		return pendingBody{}, fmt.Errorf("%w: body link without a data-link header", protocol.ErrFraming)
	}
}

func (s *Session) drainExpect() {
	for {
		select {
		case <-s.expect:
		default:
			return
		}
	}
}

func (s *Session) detachAll() error {
	var err error
	for _, c := range s.channels {
		err = multierr.Append(err, c.detach())
	}
	s.drainExpect()
	return err
}

// channelBroken moves an Idle session to Reconnecting after b, the binding
// of c, broke. Breaks of superseded bindings and breaks reported while
// already reconnecting are absorbed.
func (s *Session) channelBroken(c *Channel, b *binding, cause error, write bool) {
	s.attachMu.Lock()
	defer s.attachMu.Unlock()
	if c.binding() != b {
		return
	}
	c.markBroken(cause, write)
	s.breakLocked(c, cause, write)
}

func (s *Session) breakLocked(c *Channel, cause error, write bool) {
	if !s.state.CompareAndSwap(int32(Idle), int32(Reconnecting)) {
		return
	}
	if write {
		s.hooks.writeBreak()
	} else {
		s.hooks.readBreak()
	}
	if err := s.detachAll(); err != nil {
		logs.Debugf("link.Session.channelBroken session=%q detach err=%v", s.id, err)
	}
	logs.Warnf("link.Session.channelBroken session=%q channel=%s state=%s err=%v", s.id, c.typ, Reconnecting, cause)
	if s.reconnect != nil {
		go s.runReconnect(cause)
		return
	}
	s.awaitResume()
}

// runReconnect drives one reconnection cycle. Pending tasks survive a
// successful cycle and fail with the session otherwise.
func (s *Session) runReconnect(cause error) {
	attempts := s.cfg.Attempts()
	last := cause
	for attempt := 1; attempt <= attempts; attempt++ {
		if s.State() != Reconnecting {
			return
		}
		if err := s.sleep(s.cfg.Backoff.Delay(attempt, s.rng)); err != nil {
			return
		}
		ctx, cancel := context.WithTimeout(s.ctx, s.cfg.ConnectTimeout+s.cfg.HandshakeTimeout)
		err := s.reconnect(ctx, s)
		cancel()
		if err == nil {
			if !s.state.CompareAndSwap(int32(Reconnecting), int32(Idle)) {
				_ = s.detachAll()
				return
			}
			logs.Warnf("link.Session.reconnect session=%q attempt=%d reconnected", s.id, attempt)
			observability.RecordReconnection(true)
			s.hooks.reconnection(true)
			s.attachMu.Lock()
			s.recheckLocked()
			s.attachMu.Unlock()
			return
		}
		last = err
		logs.Warnf("link.Session.reconnect session=%q attempt=%d err=%v", s.id, attempt, err)
		if errors.Is(err, ErrNotVerified) || errors.Is(err, ErrNotAccess) {
			break
		}
	}
	if s.State() != Reconnecting {
		return
	}
	observability.RecordReconnection(false)
	s.hooks.reconnection(false)
	s.fail(fmt.Errorf("%w: reconnection exhausted: %w", protocol.ErrSessionFailed, last))
}

func (s *Session) sleep(d time.Duration) error {
	if d <= 0 {
		return s.ctx.Err()
	}
	timer := s.clk.Timer(d)
	defer timer.Stop()
	select {
	case <-s.ctx.Done():
		return s.ctx.Err()
	case <-timer.C:
		return nil
	}
}

// awaitResume holds a server-side session until a new Control channel
// attaches or the resume window expires.
func (s *Session) awaitResume() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.resume != nil {
		s.resume.Stop()
	}
	s.resume = s.clk.AfterFunc(s.cfg.ResumeWindow, func() {
		if s.State() != Reconnecting {
			return
		}
		logs.Warnf("link.Session.resume session=%q window expired", s.id)
		s.fail(fmt.Errorf("%w: resume window expired", protocol.ErrSessionFailed))
	})
}

func (s *Session) stopResume() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.resume != nil {
		s.resume.Stop()
		s.resume = nil
	}
}

// resumed marks a server-side session live again after its Control channel
// was rebound. The caller holds attachMu.
func (s *Session) resumed() bool {
	s.stopResume()
	if !s.state.CompareAndSwap(int32(Reconnecting), int32(Idle)) {
		return s.State() == Idle
	}
	logs.Warnf("link.Session.resume session=%q resumed", s.id)
	observability.RecordReconnection(true)
	s.hooks.reconnection(true)
	s.recheckLocked()
	return true
}

// recheckLocked escalates a channel that broke while the session was still
// Reconnecting, since that break was absorbed by the finished cycle.
func (s *Session) recheckLocked() {
	for _, c := range s.channels {
		if c.bound() && c.State() == Broken {
			s.breakLocked(c, fmt.Errorf("%w: %s broke during reconnection", protocol.ErrReadBreak, c.typ), false)
			return
		}
	}
}

func (s *Session) fail(err error) {
	for {
		cur := SessionState(s.state.Load())
		if cur == Failed || cur == Closed {
			return
		}
		if s.state.CompareAndSwap(int32(cur), int32(Failed)) {
			break
		}
	}
	_ = s.teardown(err)
}

func (s *Session) peerClosed() {
	if !s.markClosed() {
		return
	}
	logs.Warnf("link.Session.peerClosed session=%q", s.id)
	s.hooks.serverClose(true)
	_ = s.teardown(fmt.Errorf("%w: closed by peer", protocol.ErrSessionClosed))
}

// Close tears the session down. A live session first sends LinkClose and
// gives the peer a moment to hang up, so the peer sees a clean close rather
// than a break.
func (s *Session) Close() error {
	live := s.State() == Idle
	if !s.markClosed() {
		return nil
	}
	if live {
		s.sayGoodbye()
	}
	s.hooks.serverClose(false)
	return s.teardown(protocol.ErrSessionClosed)
}

func (s *Session) sayGoodbye() {
	ctrl := s.channels[session.ChannelControl]
	b := ctrl.binding()
	if b == nil {
		return
	}
	if err := ctrl.send(packet.New(way.LinkClose), false); err != nil {
		logs.Debugf("link.Session.Close session=%q link close err=%v", s.id, err)
		return
	}
	linger := s.clk.Timer(closeLinger)
	defer linger.Stop()
	select {
	case <-b.done:
	case <-linger.C:
	}
}

func (s *Session) markClosed() bool {
	for {
		cur := SessionState(s.state.Load())
		if cur == Closed || cur == Failed {
			return false
		}
		if s.state.CompareAndSwap(int32(cur), int32(Closed)) {
			return true
		}
	}
}

func (s *Session) teardown(cause error) error {
	var err error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.err = cause
		s.mu.Unlock()
		s.stopResume()
		if n := s.tasks.Close(cause); n > 0 {
			logs.Debugf("link.Session.teardown session=%q released tasks=%d", s.id, n)
		}
		s.cancel()
		err = s.detachAll()
		close(s.closed)
		if s.onDrop != nil {
			s.onDrop(s)
		}
	})
	return err
}
