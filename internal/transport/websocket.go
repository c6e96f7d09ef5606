package transport

import (
	"context"
	"net"
	"net/http"
	"strings"
	"sync"

	"nhooyr.io/websocket"

	"github.com/danmuck/linkmux/internal/logging"
	"github.com/danmuck/linkmux/internal/protocol/session"
)

// wsReadLimit bounds one WebSocket message. A channel write is at most one
// body chunk plus its headers, well under this.
const wsReadLimit = 1 << 20

// WebSocketDialer opens a binary WebSocket and exposes it as a byte stream.
// Config supplies the security mode; TLS itself comes from a wss URL.
type WebSocketDialer struct {
	URL     string
	Config  session.Config
	Options *websocket.DialOptions
}

func (d WebSocketDialer) Dial(ctx context.Context) (net.Conn, error) {
	if strings.TrimSpace(d.URL) == "" {
		return nil, ErrAddressRequired
	}
	if err := CheckWebSocketURL(d.URL, d.Config); err != nil {
		return nil, err
	}
	c, _, err := websocket.Dial(ctx, d.URL, d.Options)
	if err != nil {
		return nil, err
	}
	c.SetReadLimit(wsReadLimit)
	// The stream outlives ctx, which only bounds the dial.
	return websocket.NetConn(context.Background(), c, websocket.MessageBinary), nil
}

// WebSocketListener is an http.Handler that upgrades requests and hands the
// resulting streams out through Accept, so a link server can serve them like
// TCP connections.
type WebSocketListener struct {
	addr    net.Addr
	options *websocket.AcceptOptions
	conns   chan net.Conn
	closed  chan struct{}
	once    sync.Once
}

func NewWebSocketListener(addr net.Addr, options *websocket.AcceptOptions) *WebSocketListener {
	return &WebSocketListener{
		addr:    addr,
		options: options,
		conns:   make(chan net.Conn),
		closed:  make(chan struct{}),
	}
}

func (l *WebSocketListener) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	select {
	case <-l.closed:
		http.Error(w, "listener closed", http.StatusServiceUnavailable)
		return
	default:
	}
	c, err := websocket.Accept(w, r, l.options)
	if err != nil {
		logging.Warnf("transport.WebSocketListener.ServeHTTP remote=%q accept err=%v", r.RemoteAddr, err)
		return
	}
	c.SetReadLimit(wsReadLimit)
	conn := websocket.NetConn(context.Background(), c, websocket.MessageBinary)
	select {
	case l.conns <- conn:
	case <-l.closed:
		_ = c.Close(websocket.StatusGoingAway, "listener closed")
	case <-r.Context().Done():
		_ = c.Close(websocket.StatusGoingAway, "request canceled")
	}
}

func (l *WebSocketListener) Accept() (net.Conn, error) {
	select {
	case conn := <-l.conns:
		return conn, nil
	case <-l.closed:
		return nil, net.ErrClosed
	}
}

func (l *WebSocketListener) Close() error {
	l.once.Do(func() { close(l.closed) })
	return nil
}

func (l *WebSocketListener) Addr() net.Addr {
	if l.addr == nil {
		return wsAddr{}
	}
	return l.addr
}

type wsAddr struct{}

func (wsAddr) Network() string { return "websocket" }
func (wsAddr) String() string  { return "websocket" }
