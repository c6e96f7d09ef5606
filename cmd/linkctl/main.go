package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/danmuck/linkmux/internal/config"
	"github.com/danmuck/linkmux/internal/link"
	logs "github.com/danmuck/linkmux/internal/logging"
	"github.com/danmuck/linkmux/internal/observability"
	"github.com/danmuck/linkmux/internal/protocol/body"
	"github.com/danmuck/linkmux/internal/protocol/packet"
	"github.com/danmuck/linkmux/internal/protocol/way"
	"github.com/danmuck/linkmux/internal/transport"
)

type options struct {
	config  string
	init    bool
	force   bool
	text    string
	file    string
	request bool
	typ     int
	timeout time.Duration
}

func main() {
	var opts options
	flag.StringVar(&opts.config, "config", "cmd/linkctl/config.toml", "client config path")
	flag.BoolVar(&opts.init, "init", false, "write a config template to -config and exit")
	flag.BoolVar(&opts.force, "force", false, "overwrite an existing config with -init")
	flag.StringVar(&opts.text, "send", "", "text body to send")
	flag.StringVar(&opts.file, "file", "", "file to send over the data link")
	flag.BoolVar(&opts.request, "request", false, "wait for a reply (RequestData) instead of SendData")
	flag.IntVar(&opts.typ, "type", 0, "packet type")
	flag.DurationVar(&opts.timeout, "timeout", 30*time.Second, "overall deadline")
	flag.Parse()

	if err := run(opts); err != nil {
		fmt.Fprintf(os.Stderr, "linkctl: %v\n", err)
		os.Exit(1)
	}
}

func run(opts options) error {
	if opts.init {
		if err := config.WriteTemplate(opts.config, "client", opts.force); err != nil {
			return err
		}
		fmt.Printf("wrote client config template to %s\n", opts.config)
		return nil
	}
	cfg, err := config.LoadClientConfig(opts.config)
	if err != nil {
		return err
	}
	observability.InitLogger("linkctl", cfg.Log)

	p, err := buildPacket(opts)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, opts.timeout)
	defer cancel()

	client, err := link.NewClient(link.ClientConfig{
		Dialer:             dialerFor(cfg),
		Token:              cfg.Token,
		MaxConnectAttempts: cfg.MaxConnectAttempts,
		Session:            cfg.Session,
		Options: link.Options{
			Bodies: body.DefaultSet(cfg.FileDir),
			Hooks: &link.Hooks{
				ServerClose: func(initiative bool) {
					if initiative {
						logs.Warnf("linkctl: server closed the session")
					}
				},
				Reconnection: func(succeeded bool) {
					logs.Infof("linkctl: reconnection succeeded=%v", succeeded)
				},
			},
		},
	})
	if err != nil {
		return err
	}
	sess, err := client.Connect(ctx)
	if err != nil {
		return err
	}
	defer sess.Close()

	if !opts.request {
		return sess.Send(ctx, p)
	}
	reply, err := sess.Request(ctx, p)
	if err != nil {
		return err
	}
	fmt.Println(describe(reply))
	return nil
}

func dialerFor(cfg config.ClientConfig) transport.Dialer {
	if url := strings.TrimSpace(cfg.WebSocketURL); url != "" {
		return transport.WebSocketDialer{URL: url, Config: cfg.Session}
	}
	return transport.TCPDialer{Address: cfg.Address, Config: cfg.Session}
}

func buildPacket(opts options) (*packet.Packet, error) {
	w := way.SendData
	if opts.request {
		w = way.RequestData
	}
	p := packet.Build(w, int32(opts.typ), 0)
	switch {
	case opts.file != "" && opts.text != "":
		return nil, errors.New("use one of -send or -file")
	case opts.file != "":
		f, err := body.OpenFile(opts.file)
		if err != nil {
			return nil, err
		}
		p.AttachBody(f)
	case opts.text != "":
		p.AttachBody(body.NewText(opts.text))
	}
	return p, nil
}

func describe(p *packet.Packet) string {
	switch b := p.Body.(type) {
	case *body.Inline:
		return fmt.Sprintf("%s type=%d %s", p.Way, p.Type, b.String())
	case *body.File:
		return fmt.Sprintf("%s type=%d file=%s size=%d", p.Way, p.Type, b.Path, b.Size())
	default:
		return fmt.Sprintf("%s type=%d extra=%d", p.Way, p.Type, p.Extra)
	}
}
