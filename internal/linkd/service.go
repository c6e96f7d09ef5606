// Package linkd is the link server runtime behind cmd/linkd: it accepts
// sessions over TCP or WebSocket and serves the application ways.
package linkd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/danmuck/linkmux/internal/auth"
	"github.com/danmuck/linkmux/internal/config"
	"github.com/danmuck/linkmux/internal/link"
	logs "github.com/danmuck/linkmux/internal/logging"
	"github.com/danmuck/linkmux/internal/observability"
	"github.com/danmuck/linkmux/internal/protocol/body"
	"github.com/danmuck/linkmux/internal/protocol/packet"
	"github.com/danmuck/linkmux/internal/protocol/way"
	"github.com/danmuck/linkmux/internal/transport"
)

const shutdownGrace = 5 * time.Second

// Service owns one link server and its optional HTTP surface.
type Service struct {
	cfg    config.ServerConfig
	server *link.Server
}

func NewService(cfg config.ServerConfig) (*Service, error) {
	validator, err := validatorFor(cfg)
	if err != nil {
		return nil, err
	}
	if cfg.FileDir != "" {
		if err := os.MkdirAll(cfg.FileDir, 0o755); err != nil {
			return nil, fmt.Errorf("linkd: file dir: %w", err)
		}
	}
	router, err := NewRouter()
	if err != nil {
		return nil, err
	}
	server, err := link.NewServer(link.ServerConfig{
		Session:   cfg.Session,
		Validator: validator,
		Options: link.Options{
			Router: router,
			Bodies: body.DefaultSet(cfg.FileDir),
			Hooks: &link.Hooks{
				ServerClose: func(initiative bool) {
					logs.Infof("linkd.session closed initiative=%v", initiative)
				},
				ReadBreak:  func() { logs.Warnf("linkd.session read break") },
				WriteBreak: func() { logs.Warnf("linkd.session write break") },
				Reconnection: func(succeeded bool) {
					logs.Infof("linkd.session resumed succeeded=%v", succeeded)
				},
			},
		},
		OnSession: func(s *link.Session) {
			logs.Infof("linkd.session opened id=%q", s.ID())
		},
	})
	if err != nil {
		return nil, err
	}
	return &Service{cfg: cfg, server: server}, nil
}

// validatorFor prefers the token file when both sources are configured.
func validatorFor(cfg config.ServerConfig) (auth.Validator, error) {
	if path := strings.TrimSpace(cfg.TokenFile); path != "" {
		set, err := auth.LoadTokenFile(path)
		if err != nil {
			return nil, err
		}
		if set.Len() == 0 {
			return nil, fmt.Errorf("linkd: token file %s holds no tokens", path)
		}
		return set, nil
	}
	if len(cfg.Tokens) == 0 {
		return nil, errors.New("linkd: no tokens configured")
	}
	return auth.NewTokenSet(cfg.Tokens...), nil
}

// Server returns the underlying link server.
func (s *Service) Server() *link.Server {
	return s.server
}

// Run blocks until SIGINT or SIGTERM.
func (s *Service) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var ln, httpLn net.Listener
	var err error
	if addr := strings.TrimSpace(s.cfg.ListenAddr); addr != "" {
		if ln, err = transport.Listen(addr, s.cfg.Session); err != nil {
			return err
		}
		logs.Warnf("linkd.Service.Run listening addr=%q", ln.Addr().String())
	}
	if addr := strings.TrimSpace(s.cfg.HTTPAddr); addr != "" {
		if httpLn, err = net.Listen("tcp", addr); err != nil {
			if ln != nil {
				_ = ln.Close()
			}
			return err
		}
		logs.Warnf("linkd.Service.Run http addr=%q websocket=%q metrics=%q",
			httpLn.Addr().String(), s.cfg.WebSocketPath, s.cfg.MetricsPath)
	}
	return s.Serve(ctx, ln, httpLn)
}

// Serve runs the link accept loop on ln and the HTTP surface on httpLn until
// ctx ends. Either listener may be nil.
func (s *Service) Serve(ctx context.Context, ln, httpLn net.Listener) error {
	if ln == nil && httpLn == nil {
		return errors.New("linkd: no listener")
	}
	observability.RegisterMetrics()
	g, ctx := errgroup.WithContext(ctx)

	if ln != nil {
		g.Go(func() error { return s.server.Serve(ctx, ln) })
	}
	if httpLn != nil {
		mux := http.NewServeMux()
		if path := strings.TrimSpace(s.cfg.MetricsPath); path != "" {
			mux.Handle(path, observability.MetricsHandler())
		}
		if path := strings.TrimSpace(s.cfg.WebSocketPath); path != "" {
			wsl := transport.NewWebSocketListener(httpLn.Addr(), nil)
			mux.Handle(path, wsl)
			g.Go(func() error { return s.server.Serve(ctx, wsl) })
		}
		hs := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		g.Go(func() error {
			if err := hs.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
			defer cancel()
			return hs.Shutdown(shutdownCtx)
		})
	}
	g.Go(func() error {
		<-ctx.Done()
		return s.server.Close()
	})
	return g.Wait()
}

// NewRouter serves the application ways: SendData is consumed, RequestData
// is answered with a description of its body, ChangeData is acknowledged
// Extra times and ResetData once.
func NewRouter() (*link.Router, error) {
	r := link.NewRouter()
	if err := r.HandleFunc(link.Route{Way: link.OnWay(way.SendData)}, func(_ context.Context, w link.ResponseWriter, p *packet.Packet) {
		logs.Infof("linkd.SendData session=%q %s", w.Session().ID(), describe(p))
	}); err != nil {
		return nil, err
	}
	if err := r.HandleFunc(link.Route{Way: link.OnWay(way.RequestData)}, func(_ context.Context, w link.ResponseWriter, p *packet.Packet) {
		reply := packet.Build(way.RequestData, p.Type, p.Extra).AttachBody(body.NewText(echo(p)))
		if err := w.Reply(reply); err != nil {
			logs.Warnf("linkd.RequestData session=%q reply err=%v", w.Session().ID(), err)
		}
	}); err != nil {
		return nil, err
	}
	if err := r.HandleFunc(link.Route{Way: link.OnWay(way.ChangeData)}, func(_ context.Context, w link.ResponseWriter, p *packet.Packet) {
		for i := int32(0); i < max(p.Extra, 1); i++ {
			if err := w.Reply(packet.Build(way.AnswerOK, i, p.Extra)); err != nil {
				logs.Warnf("linkd.ChangeData session=%q reply err=%v", w.Session().ID(), err)
				return
			}
		}
	}); err != nil {
		return nil, err
	}
	if err := r.HandleFunc(link.Route{Way: link.OnWay(way.ResetData)}, func(_ context.Context, w link.ResponseWriter, p *packet.Packet) {
		if err := w.Reply(packet.Build(way.AnswerOK, p.Type, 0)); err != nil {
			logs.Warnf("linkd.ResetData session=%q reply err=%v", w.Session().ID(), err)
		}
	}); err != nil {
		return nil, err
	}
	return r, nil
}

func echo(p *packet.Packet) string {
	switch b := p.Body.(type) {
	case *body.Inline:
		return "echo:" + b.String()
	case *body.File:
		return fmt.Sprintf("stored:%s:%d", filepath.Base(b.Path), b.Size())
	case *body.Object:
		return fmt.Sprintf("object:%s", b.Message().ProtoReflect().Descriptor().FullName())
	default:
		return "echo:"
	}
}

func describe(p *packet.Packet) string {
	switch b := p.Body.(type) {
	case *body.Inline:
		return fmt.Sprintf("type=%d text=%q", p.Type, b.String())
	case *body.File:
		return fmt.Sprintf("type=%d file=%q size=%d", p.Type, b.Path, b.Size())
	case *body.Object:
		return fmt.Sprintf("type=%d object=%s", p.Type, b.Message().ProtoReflect().Descriptor().FullName())
	default:
		return fmt.Sprintf("type=%d", p.Type)
	}
}
