package linkd

import (
	"context"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/danmuck/linkmux/internal/config"
	"github.com/danmuck/linkmux/internal/link"
	"github.com/danmuck/linkmux/internal/protocol/body"
	"github.com/danmuck/linkmux/internal/protocol/packet"
	"github.com/danmuck/linkmux/internal/protocol/session"
	"github.com/danmuck/linkmux/internal/protocol/way"
	"github.com/danmuck/linkmux/internal/testutil/testlog"
	"github.com/danmuck/linkmux/internal/transport"
)

const testToken = "linkd-test-token"

type running struct {
	addr     string
	httpAddr string
	fileDir  string
}

func startService(t *testing.T) running {
	t.Helper()
	cfg := config.DefaultServerConfig()
	cfg.Tokens = []string{testToken}
	cfg.FileDir = filepath.Join(t.TempDir(), "inbox")
	svc, err := NewService(cfg)
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	httpLn, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- svc.Serve(ctx, ln, httpLn) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-served)
	})
	return running{addr: ln.Addr().String(), httpAddr: httpLn.Addr().String(), fileDir: cfg.FileDir}
}

func connect(t *testing.T, dialer transport.Dialer) *link.Session {
	t.Helper()
	client, err := link.NewClient(link.ClientConfig{
		Dialer:             dialer,
		Token:              testToken,
		MaxConnectAttempts: 1,
		Session:            session.DefaultConfig(),
	})
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	sess, err := client.Connect(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sess.Close() })
	return sess
}

func request(t *testing.T, sess *link.Session, p *packet.Packet) *packet.Packet {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	reply, err := sess.Request(ctx, p)
	require.NoError(t, err)
	return reply
}

func replyText(t *testing.T, p *packet.Packet) string {
	t.Helper()
	in, ok := p.Body.(*body.Inline)
	require.True(t, ok, "reply body %T", p.Body)
	return in.String()
}

func TestServiceEchoesOverTCP(t *testing.T) {
	testlog.Start(t)
	env := startService(t)
	sess := connect(t, transport.TCPDialer{Address: env.addr, Config: session.DefaultConfig()})

	reply := request(t, sess, packet.Build(way.RequestData, 7, 0).AttachBody(body.NewText("hello")))
	require.Equal(t, way.RequestData, reply.Way)
	require.EqualValues(t, 7, reply.Type)
	require.Equal(t, "echo:hello", replyText(t, reply))

	acks, err := sess.RequestN(context.Background(), packet.Build(way.ChangeData, 0, 3), 3)
	require.NoError(t, err)
	for i, ack := range acks {
		require.Equal(t, way.AnswerOK, ack.Way)
		require.EqualValues(t, i, ack.Type)
	}
}

func TestServiceStoresDataLinkFiles(t *testing.T) {
	testlog.Start(t)
	env := startService(t)
	sess := connect(t, transport.TCPDialer{Address: env.addr, Config: session.DefaultConfig()})

	src := filepath.Join(t.TempDir(), "payload.bin")
	require.NoError(t, os.WriteFile(src, []byte(strings.Repeat("linkd", 4096)), 0o644))
	file, err := body.OpenFile(src)
	require.NoError(t, err)

	reply := request(t, sess, packet.New(way.RequestData).AttachBody(file))
	text := replyText(t, reply)
	require.True(t, strings.HasPrefix(text, "stored:"), "reply %q", text)

	name := strings.Split(strings.TrimPrefix(text, "stored:"), ":")[0]
	got, err := os.ReadFile(filepath.Join(env.fileDir, name))
	require.NoError(t, err)
	require.Len(t, got, 5*4096)
}

func TestServiceServesWebSocketAndMetrics(t *testing.T) {
	testlog.Start(t)
	env := startService(t)
	sess := connect(t, transport.WebSocketDialer{URL: "ws://" + env.httpAddr + "/link"})

	reply := request(t, sess, packet.New(way.RequestData).AttachBody(body.NewText("over ws")))
	require.Equal(t, "echo:over ws", replyText(t, reply))

	resp, err := http.Get("http://" + env.httpAddr + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Contains(t, string(raw), "linkmux_channel_packets_total")
}

func TestServiceRejectsUnknownToken(t *testing.T) {
	testlog.Start(t)
	env := startService(t)
	client, err := link.NewClient(link.ClientConfig{
		Dialer:             transport.TCPDialer{Address: env.addr, Config: session.DefaultConfig()},
		Token:              "wrong",
		MaxConnectAttempts: 1,
		Session:            session.DefaultConfig(),
	})
	require.NoError(t, err)
	_, err = client.Connect(context.Background())
	require.ErrorIs(t, err, link.ErrNotVerified)
}

func TestValidatorForPrefersTokenFile(t *testing.T) {
	testlog.Start(t)
	path := filepath.Join(t.TempDir(), "tokens")
	require.NoError(t, os.WriteFile(path, []byte("# linkd\nfrom-file\n"), 0o600))

	v, err := validatorFor(config.ServerConfig{Tokens: []string{"inline"}, TokenFile: path})
	require.NoError(t, err)
	require.NoError(t, v.Validate("from-file"))
	require.Error(t, v.Validate("inline"))

	empty := filepath.Join(t.TempDir(), "empty")
	require.NoError(t, os.WriteFile(empty, []byte("# nothing\n"), 0o600))
	_, err = validatorFor(config.ServerConfig{TokenFile: empty})
	require.Error(t, err)

	_, err = validatorFor(config.ServerConfig{})
	require.Error(t, err)
}
