package transport

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/linkmux/internal/protocol/session"
	"github.com/danmuck/linkmux/internal/testutil/testlog"
	"github.com/danmuck/linkmux/internal/testutil/tlstest"
)

// echoOnce accepts one connection, runs check on it, and echoes 5 bytes.
func echoOnce(t *testing.T, ln net.Listener, check func(net.Conn) error) <-chan error {
	t.Helper()
	done := make(chan error, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			done <- err
			return
		}
		defer conn.Close()
		if check != nil {
			if err := check(conn); err != nil {
				done <- err
				return
			}
		}
		buf := make([]byte, 5)
		if _, err := io.ReadFull(conn, buf); err != nil {
			done <- err
			return
		}
		_, err = conn.Write(buf)
		done <- err
	}()
	return done
}

func roundTrip(t *testing.T, conn net.Conn) {
	t.Helper()
	_ = conn.SetDeadline(time.Now().Add(5 * time.Second))
	if _, err := conn.Write([]byte("hello")); err != nil {
		t.Fatalf("write: %v", err)
	}
	buf := make([]byte, 5)
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(buf) != "hello" {
		t.Fatalf("unexpected echo %q", buf)
	}
}

func TestTCPDialAndListen(t *testing.T) {
	testlog.Start(t)
	cfg := session.DefaultConfig()
	ln, err := Listen("127.0.0.1:0", cfg)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	done := echoOnce(t, ln, func(conn net.Conn) error {
		auth, err := Authenticate(conn, cfg)
		if err != nil {
			return err
		}
		if auth.Authenticated {
			return errors.New("plain connection must not be authenticated")
		}
		return nil
	})

	conn, err := TCPDialer{Address: ln.Addr().String(), Config: cfg}.Dial(context.Background())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	roundTrip(t, conn)
	if err := <-done; err != nil {
		t.Fatalf("server: %v", err)
	}
}

func TestDialRequiresAddress(t *testing.T) {
	testlog.Start(t)
	if _, err := (TCPDialer{Config: session.DefaultConfig()}).Dial(context.Background()); !errors.Is(err, ErrAddressRequired) {
		t.Fatalf("expected ErrAddressRequired, got %v", err)
	}
	if _, err := (WebSocketDialer{}).Dial(context.Background()); !errors.Is(err, ErrAddressRequired) {
		t.Fatalf("expected ErrAddressRequired, got %v", err)
	}
}

func TestMutualTLSExtractsPeerIdentity(t *testing.T) {
	testlog.Start(t)
	ca := tlstest.NewAuthority(t, "linkmux-test-ca")
	serverCfg := session.DefaultConfig()
	serverCfg.TLS = ca.ServerTLS(t, "linkd", true)
	clientCfg := session.DefaultConfig()
	clientCfg.TLS = ca.ClientTLS(t, "client.alpha")

	ln, err := Listen("127.0.0.1:0", serverCfg)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	identity := make(chan string, 1)
	done := echoOnce(t, ln, func(conn net.Conn) error {
		auth, err := Authenticate(conn, serverCfg)
		if err != nil {
			return err
		}
		identity <- auth.PeerIdentity
		return nil
	})

	conn, err := TCPDialer{Address: ln.Addr().String(), Config: clientCfg}.Dial(context.Background())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	roundTrip(t, conn)
	if err := <-done; err != nil {
		t.Fatalf("server: %v", err)
	}
	if got := <-identity; got != "client.alpha" {
		t.Fatalf("unexpected peer identity %q", got)
	}
}

func TestTLSRejectsUntrustedServer(t *testing.T) {
	testlog.Start(t)
	serverCA := tlstest.NewAuthority(t, "server-ca")
	otherCA := tlstest.NewAuthority(t, "other-ca")
	serverCfg := session.DefaultConfig()
	serverCfg.TLS = serverCA.ServerTLS(t, "linkd", false)
	clientCfg := session.DefaultConfig()
	clientCfg.TLS = otherCA.ClientTLS(t, "")

	ln, err := Listen("127.0.0.1:0", serverCfg)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			_, _ = Authenticate(conn, serverCfg)
			_ = conn.Close()
		}
	}()

	if _, err := (TCPDialer{Address: ln.Addr().String(), Config: clientCfg}).Dial(context.Background()); err == nil {
		t.Fatalf("expected verification failure")
	}
}

func TestAuthenticatePlainConnInProductionFails(t *testing.T) {
	testlog.Start(t)
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()
	cfg := session.DefaultConfig()
	cfg.SecurityMode = session.SecurityModeProduction
	if _, err := Authenticate(a, cfg); !errors.Is(err, ErrTLSRequired) {
		t.Fatalf("expected ErrTLSRequired, got %v", err)
	}
}

func TestWebSocketListenerAndDialer(t *testing.T) {
	testlog.Start(t)
	ln := NewWebSocketListener(nil, nil)
	srv := httptest.NewServer(ln)
	defer srv.Close()
	defer ln.Close()
	done := echoOnce(t, ln, nil)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, err := WebSocketDialer{URL: url}.Dial(context.Background())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	roundTrip(t, conn)
	if err := <-done; err != nil {
		t.Fatalf("server: %v", err)
	}
	if ln.Addr().Network() != "websocket" {
		t.Fatalf("unexpected addr network %q", ln.Addr().Network())
	}
}

func TestWebSocketListenerCloseUnblocksAccept(t *testing.T) {
	testlog.Start(t)
	ln := NewWebSocketListener(nil, nil)
	errCh := make(chan error, 1)
	go func() {
		_, err := ln.Accept()
		errCh <- err
	}()
	_ = ln.Close()
	select {
	case err := <-errCh:
		if !errors.Is(err, net.ErrClosed) {
			t.Fatalf("expected net.ErrClosed, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("accept did not return after close")
	}
}
