package link

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/linkmux/internal/bufpool"
	logs "github.com/danmuck/linkmux/internal/logging"
	"github.com/danmuck/linkmux/internal/observability"
	"github.com/danmuck/linkmux/internal/protocol"
	"github.com/danmuck/linkmux/internal/protocol/body"
	"github.com/danmuck/linkmux/internal/protocol/crypt"
	"github.com/danmuck/linkmux/internal/protocol/frame"
	"github.com/danmuck/linkmux/internal/protocol/packet"
	"github.com/danmuck/linkmux/internal/protocol/session"
	"github.com/danmuck/linkmux/internal/protocol/way"
)

// Heartbeat packet types.
const (
	heartbeatProbe int32 = 0
	heartbeatReply int32 = 1
)

// binding is one live connection attached to a Channel. A reconnection
// replaces the binding; the Channel itself lives as long as its Session.
type binding struct {
	conn     net.Conn
	r        *bufio.Reader
	pair     crypt.Pair
	done     chan struct{}
	interval chan time.Duration

	closeOnce sync.Once
	failOnce  sync.Once
}

func newBinding(conn net.Conn, r *bufio.Reader, pair crypt.Pair) *binding {
	if r == nil {
		r = bufio.NewReader(conn)
	}
	return &binding{
		conn:     conn,
		r:        r,
		pair:     pair,
		done:     make(chan struct{}),
		interval: make(chan time.Duration, 1),
	}
}

func (b *binding) close() error {
	var err error
	b.closeOnce.Do(func() {
		close(b.done)
		err = b.conn.Close()
	})
	return err
}

// Channel is one typed stream of a Session.
type Channel struct {
	typ  session.ChannelType
	sess *Session
	live *Liveness

	interval atomic.Int64

	mu  sync.Mutex
	cur *binding

	// writeMu serializes whole packets on the stream. Data-link sends hold
	// the DataFile writeMu across the Control header and the linked body.
	writeMu   sync.Mutex
	writeBufs *bufpool.Handle

	lastActivity atomic.Int64
}

func newChannel(s *Session, typ session.ChannelType) *Channel {
	c := &Channel{
		typ:       typ,
		sess:      s,
		live:      NewLiveness(),
		writeBufs: s.pool.NewHandle(),
	}
	c.interval.Store(int64(s.cfg.HeartbeatInterval(typ)))
	return c
}

func (c *Channel) Type() session.ChannelType { return c.typ }

func (c *Channel) State() State { return c.live.State() }

// LastActivity is the time of the last inbound traffic on the channel.
func (c *Channel) LastActivity() time.Time {
	return time.Unix(0, c.lastActivity.Load())
}

// HeartbeatInterval returns the current probe period.
func (c *Channel) HeartbeatInterval() time.Duration {
	return time.Duration(c.interval.Load())
}

// SetHeartbeatInterval changes the probe period. A running heartbeat loop
// picks it up on its next wakeup.
func (c *Channel) SetHeartbeatInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	c.interval.Store(int64(d))
	b := c.binding()
	if b == nil {
		return
	}
	select {
	case <-b.interval:
	default:
	}
	select {
	case b.interval <- d:
	default:
	}
}

func (c *Channel) binding() *binding {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cur
}

func (c *Channel) bound() bool {
	return c.binding() != nil
}

// bind attaches a handshaken connection and starts its workers. Any previous
// binding is closed first.
func (c *Channel) bind(conn net.Conn, r *bufio.Reader, pair crypt.Pair) {
	b := newBinding(conn, r, pair)
	c.mu.Lock()
	old := c.cur
	c.cur = b
	c.mu.Unlock()
	if old != nil {
		_ = old.close()
	}
	c.live.Reset()
	c.lastActivity.Store(c.sess.clk.Now().UnixNano())
	observability.RecordLiveness(c.typ.String(), Alive.String())
	logs.Debugf("link.Channel.bind session=%q channel=%s remote=%q", c.sess.id, c.typ, conn.RemoteAddr())
	go c.readLoop(b)
	go c.heartbeatLoop(b)
}

// detach drops the current binding and closes its connection.
func (c *Channel) detach() error {
	c.mu.Lock()
	b := c.cur
	c.cur = nil
	c.mu.Unlock()
	if b == nil {
		return nil
	}
	err := b.close()
	if err != nil && errors.Is(err, net.ErrClosed) {
		err = nil
	}
	return err
}

// broken reports a read or write failure on b. The session decides under
// its attach lock whether b is still current.
func (c *Channel) broken(b *binding, err error, write bool) {
	b.failOnce.Do(func() {
		_ = b.close()
		c.sess.channelBroken(c, b, err, write)
	})
}

// markBroken records a break of the current binding.
func (c *Channel) markBroken(err error, write bool) {
	if c.live.Break() {
		observability.RecordLiveness(c.typ.String(), Broken.String())
	}
	class := "read_break"
	if write {
		class = "write_break"
	}
	observability.RecordTransferError(c.typ.String(), class)
	logs.Warnf("link.Channel.broken session=%q channel=%s write=%v err=%v", c.sess.id, c.typ, write, err)
}

func (c *Channel) observe() {
	c.lastActivity.Store(c.sess.clk.Now().UnixNano())
	if state, changed := c.live.Observe(); changed {
		observability.RecordLiveness(c.typ.String(), state.String())
		logs.Debugf("link.Channel.observe session=%q channel=%s state=%s", c.sess.id, c.typ, state)
	}
}

func (c *Channel) progress(done, total int64) {
	c.observe()
}

// deadlineWriter pushes the write deadline forward on every write so a
// large body fails only when a single chunk stalls.
type deadlineWriter struct {
	conn    net.Conn
	timeout time.Duration
}

func (w deadlineWriter) Write(p []byte) (int, error) {
	if w.timeout > 0 {
		if err := w.conn.SetWriteDeadline(time.Now().Add(w.timeout)); err != nil {
			return 0, err
		}
	}
	return w.conn.Write(p)
}

func (c *Channel) send(p *packet.Packet, dataLink bool) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.sendLocked(p, dataLink, nil)
}

// sendLocked writes p with writeMu held. With dataLink set only the header
// is written and the body is left to the DataFile channel. A non-nil src is
// the already opened body of p.
func (c *Channel) sendLocked(p *packet.Packet, dataLink bool, src io.Reader) error {
	b := c.binding()
	if b == nil {
		return fmt.Errorf("%w: %s not bound", protocol.ErrChannelBroken, c.typ)
	}
	w := deadlineWriter{conn: b.conn, timeout: c.sess.cfg.WriteTimeout}
	var err error
	switch {
	case dataLink:
		err = c.sess.codec.WriteHeader(w, p, true)
	case src != nil:
		err = c.sess.codec.WriteFrom(w, p, src, b.pair.Send, c.writeBufs.Acquire(), nil)
	default:
		err = c.sess.codec.Write(w, p, b.pair.Send, c.writeBufs.Acquire(), nil)
	}
	if err != nil {
		if protocol.IsBreak(err) {
			c.broken(b, err, true)
		}
		return err
	}
	observability.RecordPacket(c.typ.String(), "out", p.Way.Label())
	if p.Body != nil && !dataLink {
		observability.RecordBodyBytes(c.typ.String(), "out", p.Body.Size())
	}
	return nil
}

func (c *Channel) readLoop(b *binding) {
	h := c.sess.pool.NewHandle()
	defer h.Release()
	bufs := h.Acquire()
	framing := 0
	for {
		err := c.readOne(b, bufs)
		switch {
		case err == nil:
			framing = 0
		case protocol.IsBreak(err):
			c.broken(b, err, false)
			return
		case protocol.IsFraming(err):
			framing++
			c.dropped(err)
			if limit := c.sess.cfg.MaxFramingErrors; limit > 0 && framing >= limit {
				c.broken(b, fmt.Errorf("%w: %d consecutive framing errors: %w", protocol.ErrReadBreak, framing, err), false)
				return
			}
		default:
			c.dropped(err)
		}
		select {
		case <-b.done:
			return
		default:
		}
	}
}

func (c *Channel) dropped(err error) {
	class := "body_source"
	switch {
	case errors.Is(err, protocol.ErrSizeMismatch):
		class = "size_mismatch"
	case protocol.IsFraming(err):
		class = "framing"
	case protocol.IsCipher(err):
		class = "cipher"
	}
	observability.RecordTransferError(c.typ.String(), class)
	logs.Warnf("link.Channel.read session=%q channel=%s dropped packet class=%s err=%v", c.sess.id, c.typ, class, err)
}

// readOne reads and handles one inbound packet. Breaks are returned as is;
// any other error means the packet was dropped and the stream is still
// aligned on the next header.
func (c *Channel) readOne(b *binding, bufs *bufpool.Buffers) error {
	codec := c.sess.codec
	p, h, err := codec.ReadHeader(b.r)
	if err != nil {
		if derr := codec.DiscardBody(b.r, h, err, b.pair.Recv, bufs); derr != nil {
			return derr
		}
		c.unlinkRejected(b, h, err)
		return err
	}
	c.observe()
	observability.RecordPacket(c.typ.String(), "in", p.Way.Label())
	logs.Tracef("link.Channel.read session=%q channel=%s packet=%s", c.sess.id, c.typ, p)

	if h.DataLink() {
		return c.expectLinked(b, p, h)
	}
	if p.Way == way.BodyLink {
		return c.readLinked(b, h, bufs)
	}
	if p.Body != nil {
		if err := codec.ReadBody(b.r, p, h.BodySize, b.pair.Recv, bufs, c.progress); err != nil {
			return err
		}
		observability.RecordBodyBytes(c.typ.String(), "in", h.BodySize)
	}
	if p.Way == way.Heartbeat {
		if p.Type == heartbeatProbe {
			go c.answerHeartbeat()
		}
		return nil
	}
	c.sess.deliver(p)
	return nil
}

// unlinkRejected keeps the data-link queue aligned when a header is rejected
// after its body length was known. A rejected data-link header on Control
// still has a body coming on DataFile; a rejected BodyLink on DataFile still
// consumes the entry its header queued.
func (c *Channel) unlinkRejected(b *binding, h frame.Header, err error) {
	if !h.HasBody() || h.BodySize <= 0 {
		return
	}
	if !errors.Is(err, frame.ErrBodyTooLarge) && !errors.Is(err, body.ErrUnknownKind) {
		return
	}
	switch {
	case h.DataLink() && c.typ == session.ChannelControl:
		_ = c.sess.expectBody(b.done, pendingBody{header: h})
	case h.Way == way.BodyLink && c.typ == session.ChannelDataFile:
		_, _ = c.sess.awaitBody(b.done)
	}
}

func (c *Channel) expectLinked(b *binding, p *packet.Packet, h frame.Header) error {
	if c.typ != session.ChannelControl || !c.sess.hasChannel(session.ChannelDataFile) {
		return fmt.Errorf("%w: data-link header on %s", protocol.ErrFraming, c.typ)
	}
	return c.sess.expectBody(b.done, pendingBody{pkt: p, header: h})
}

// readLinked receives a BodyLink body into the packet whose header arrived
// on Control.
func (c *Channel) readLinked(b *binding, h frame.Header, bufs *bufpool.Buffers) error {
	codec := c.sess.codec
	drain := func(cause error) error {
		if h.HasBody() && h.BodySize > 0 {
			if err := body.Discard(b.pair.Recv, b.r, h.BodySize, bufs); protocol.IsBreak(err) {
				return err
			}
		}
		return cause
	}
	if c.typ != session.ChannelDataFile || !h.HasBody() {
		return drain(fmt.Errorf("%w: body link on %s", protocol.ErrFraming, c.typ))
	}
	pend, err := c.sess.awaitBody(b.done)
	if err != nil {
		return drain(err)
	}
	if pend.pkt == nil || pend.header.TaskID != h.TaskID || pend.header.Kind != h.Kind || pend.header.BodySize != h.BodySize {
		return drain(fmt.Errorf("%w: body link task=%d kind=%d size=%d does not match pending header", protocol.ErrFraming, h.TaskID, h.Kind, h.BodySize))
	}
	if err := codec.ReadBody(b.r, pend.pkt, h.BodySize, b.pair.Recv, bufs, c.progress); err != nil {
		return err
	}
	observability.RecordBodyBytes(c.typ.String(), "in", h.BodySize)
	c.sess.deliver(pend.pkt)
	return nil
}

func (c *Channel) answerHeartbeat() {
	reply := packet.Build(way.Heartbeat, heartbeatReply, 0)
	if err := c.send(reply, false); err != nil {
		logs.Debugf("link.Channel.answerHeartbeat session=%q channel=%s err=%v", c.sess.id, c.typ, err)
	}
}

func (c *Channel) heartbeatLoop(b *binding) {
	ticker := c.sess.clk.Ticker(c.HeartbeatInterval())
	defer ticker.Stop()
	for {
		select {
		case <-b.done:
			return
		case d := <-b.interval:
			ticker.Reset(d)
		case <-ticker.C:
			probe, state, changed := c.live.Tick()
			if changed {
				observability.RecordLiveness(c.typ.String(), state.String())
				logs.Debugf("link.Channel.heartbeat session=%q channel=%s state=%s", c.sess.id, c.typ, state)
			}
			if state == Broken {
				idle := c.sess.clk.Since(c.LastActivity())
				c.broken(b, fmt.Errorf("%w: heartbeat lost on %s after %s idle", protocol.ErrReadBreak, c.typ, idle), false)
				return
			}
			if probe {
				if err := c.send(packet.Build(way.Heartbeat, heartbeatProbe, 0), false); err != nil {
					return
				}
			}
		}
	}
}
