package link

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"time"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	logs "github.com/danmuck/linkmux/internal/logging"
	"github.com/danmuck/linkmux/internal/protocol/crypt"
	"github.com/danmuck/linkmux/internal/protocol/session"
	"github.com/danmuck/linkmux/internal/transport"
)

// ClientConfig configures a link client.
type ClientConfig struct {
	Dialer transport.Dialer
	Token  string
	// MaxConnectAttempts bounds Connect; zero retries until ctx ends.
	MaxConnectAttempts int
	Session            session.Config
	Options            Options
}

// Client opens sessions to one server.
type Client struct {
	cfg ClientConfig
	rng *rand.Rand
}

func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.Dialer == nil {
		return nil, errors.New("link: client dialer required")
	}
	cfg.Session = cfg.Session.WithDefaults()
	cfg.Options = cfg.Options.withDefaults()
	return &Client{
		cfg: cfg,
		rng: rand.New(rand.NewSource(time.Now().UnixNano())),
	}, nil
}

// Connect dials every declared channel and returns a live session.
func (c *Client) Connect(ctx context.Context) (*Session, error) {
	var attempt int
	for {
		attempt++
		links, ack, err := c.establish(ctx, "")
		if err == nil {
			s := newSession(ack.SessionID, c.cfg.Session, c.cfg.Options)
			s.reconnect = c.reconnect
			for t, l := range links {
				s.channels[t].bind(l.conn, l.r, l.pair)
			}
			logs.Infof("link.Client.Connect session=%q channels=%d attempt=%d", s.id, len(links), attempt)
			return s, nil
		}
		logs.Warnf("link.Client.Connect attempt=%d err=%v", attempt, err)
		if errors.Is(err, ErrNotVerified) || errors.Is(err, ErrNotAccess) || !c.shouldRetry(attempt) {
			return nil, err
		}
		if err := c.sleepBackoff(ctx, attempt); err != nil {
			return nil, err
		}
	}
}

func (c *Client) shouldRetry(attempt int) bool {
	if c.cfg.MaxConnectAttempts <= 0 {
		return true
	}
	return attempt < c.cfg.MaxConnectAttempts
}

func (c *Client) sleepBackoff(ctx context.Context, attempt int) error {
	delay := c.cfg.Session.Backoff.Delay(attempt, c.rng)
	timer := c.cfg.Options.Clock.Timer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

type established struct {
	conn net.Conn
	r    *bufio.Reader
	pair crypt.Pair
}

// establish handshakes Control first to learn or confirm the session id,
// then the remaining channels concurrently.
func (c *Client) establish(ctx context.Context, sessionID string) (map[session.ChannelType]established, session.LinkAck, error) {
	links := make(map[session.ChannelType]established, len(c.cfg.Session.Channels))
	closeAll := func() {
		for _, l := range links {
			_ = l.conn.Close()
		}
	}
	ctrl, ack, err := c.open(ctx, sessionID, session.ChannelControl)
	if err != nil {
		return nil, ack, err
	}
	links[session.ChannelControl] = ctrl

	rest := c.cfg.Session.Channels[1:]
	opened := make([]established, len(rest))
	g, gctx := errgroup.WithContext(ctx)
	for i, t := range rest {
		i, t := i, t
		g.Go(func() error {
			l, _, err := c.open(gctx, ack.SessionID, t)
			if err != nil {
				return fmt.Errorf("%s: %w", t, err)
			}
			opened[i] = l
			return nil
		})
	}
	err = g.Wait()
	for i, t := range rest {
		if opened[i].conn != nil {
			links[t] = opened[i]
		}
	}
	if err != nil {
		closeAll()
		return nil, ack, err
	}
	return links, ack, nil
}

func (c *Client) open(ctx context.Context, sessionID string, t session.ChannelType) (established, session.LinkAck, error) {
	dctx, cancel := context.WithTimeout(ctx, c.cfg.Session.ConnectTimeout)
	defer cancel()
	conn, err := c.cfg.Dialer.Dial(dctx)
	if err != nil {
		return established{}, session.LinkAck{}, err
	}
	r, pair, ack, err := clientHandshake(conn, c.cfg.Options.codec(c.cfg.Session), c.cfg.Session, c.cfg.Token, sessionID, t)
	if err != nil {
		_ = conn.Close()
		return established{}, ack, err
	}
	logs.Debugf("link.Client.open session=%q channel=%s resumed=%v", ack.SessionID, t, ack.Resumed)
	return established{conn: conn, r: r, pair: pair}, ack, nil
}

// reconnect re-runs the handshake for every channel of s.
func (c *Client) reconnect(ctx context.Context, s *Session) error {
	links, _, err := c.establish(ctx, s.id)
	if err != nil {
		return err
	}
	if s.State() != Reconnecting {
		var cerr error
		for _, l := range links {
			cerr = multierr.Append(cerr, l.conn.Close())
		}
		return multierr.Combine(fmt.Errorf("link: session is %s", s.State()), cerr)
	}
	s.drainExpect()
	for t, l := range links {
		s.channels[t].bind(l.conn, l.r, l.pair)
	}
	return nil
}
