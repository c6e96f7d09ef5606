// Package transport opens the raw stream connections that link channels run
// over: TCP, TLS, and WebSocket.
package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/danmuck/linkmux/internal/protocol/session"
)

var ErrAddressRequired = errors.New("transport: address required")

// Dialer opens one connection for a channel.
type Dialer interface {
	Dial(ctx context.Context) (net.Conn, error)
}

// DialerFunc adapts a function into a Dialer.
type DialerFunc func(ctx context.Context) (net.Conn, error)

func (f DialerFunc) Dial(ctx context.Context) (net.Conn, error) {
	return f(ctx)
}

// TCPDialer dials Address over TCP, upgrading to TLS when Config.TLS is
// enabled.
type TCPDialer struct {
	Address string
	Config  session.Config
}

func (d TCPDialer) Dial(ctx context.Context) (net.Conn, error) {
	if strings.TrimSpace(d.Address) == "" {
		return nil, ErrAddressRequired
	}
	if err := CheckSecurity(RoleDial, d.Config); err != nil {
		return nil, err
	}

	dialer := net.Dialer{Timeout: d.Config.ConnectTimeout}
	rawConn, err := dialer.DialContext(ctx, "tcp", d.Address)
	if err != nil {
		return nil, err
	}
	if !d.Config.TLS.Enabled {
		return rawConn, nil
	}

	tlsCfg, err := ClientTLSConfig(d.Address, d.Config.TLS)
	if err != nil {
		_ = rawConn.Close()
		return nil, err
	}
	conn := tls.Client(rawConn, tlsCfg)
	timeout := d.Config.HandshakeTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	handshakeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := conn.HandshakeContext(handshakeCtx); err != nil {
		_ = rawConn.Close()
		return nil, err
	}
	return conn, nil
}

// ClientTLSConfig builds the dialing side TLS settings for address.
func ClientTLSConfig(address string, settings session.TLSConfig) (*tls.Config, error) {
	cfg := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: settings.InsecureSkipVerify,
	}

	serverName := strings.TrimSpace(settings.ServerName)
	if serverName == "" {
		host, _, err := net.SplitHostPort(address)
		if err != nil {
			return nil, err
		}
		serverName = host
	}
	cfg.ServerName = serverName

	if caPath := strings.TrimSpace(settings.CAFile); caPath != "" {
		pool, err := loadCertPool(caPath)
		if err != nil {
			return nil, err
		}
		cfg.RootCAs = pool
	}

	if settings.Mutual {
		cert, err := tls.LoadX509KeyPair(settings.CertFile, settings.KeyFile)
		if err != nil {
			return nil, err
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	return cfg, nil
}

// ServerTLSConfig builds the listening side TLS settings. Production mode
// always requires client certificates.
func ServerTLSConfig(sc session.Config) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(sc.TLS.CertFile, sc.TLS.KeyFile)
	if err != nil {
		return nil, err
	}
	cfg := &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{cert},
		ClientAuth:   tls.NoClientCert,
	}

	mode := session.NormalizeSecurityMode(sc.SecurityMode)
	if sc.TLS.Mutual || mode == session.SecurityModeProduction {
		pool, err := loadCertPool(sc.TLS.CAFile)
		if err != nil {
			return nil, err
		}
		cfg.ClientAuth = tls.RequireAndVerifyClientCert
		cfg.ClientCAs = pool
	}
	return cfg, nil
}

// Listen opens a TCP or TLS listener on addr according to sc.
func Listen(addr string, sc session.Config) (net.Listener, error) {
	if err := CheckSecurity(RoleListen, sc); err != nil {
		return nil, err
	}
	if !sc.TLS.Enabled {
		return net.Listen("tcp", addr)
	}
	tlsCfg, err := ServerTLSConfig(sc)
	if err != nil {
		return nil, err
	}
	return tls.Listen("tcp", addr, tlsCfg)
}

// PeerAuth is what the transport learned about the remote peer.
type PeerAuth struct {
	PeerIdentity  string
	Authenticated bool
}

// Authenticate completes a pending TLS handshake on conn and extracts the
// peer identity from its certificate. Plain connections are accepted only
// outside production mode.
func Authenticate(conn net.Conn, sc session.Config) (PeerAuth, error) {
	mode := session.NormalizeSecurityMode(sc.SecurityMode)
	tlsConn, ok := conn.(*tls.Conn)
	if !ok {
		if sc.TLS.Enabled || mode == session.SecurityModeProduction {
			return PeerAuth{}, ErrTLSRequired
		}
		return PeerAuth{}, nil
	}
	timeout := sc.HandshakeTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	_ = tlsConn.SetDeadline(time.Now().Add(timeout))
	defer tlsConn.SetDeadline(time.Time{})
	if err := tlsConn.Handshake(); err != nil {
		return PeerAuth{}, err
	}
	state := tlsConn.ConnectionState()

	needPeer := sc.TLS.Mutual || mode == session.SecurityModeProduction
	if !needPeer && len(state.PeerCertificates) == 0 {
		return PeerAuth{}, nil
	}
	if len(state.PeerCertificates) == 0 {
		return PeerAuth{}, ErrMTLSRequired
	}
	peerID := PeerIdentityFromCert(state.PeerCertificates[0])
	if peerID == "" {
		return PeerAuth{}, fmt.Errorf("transport: empty peer identity from certificate")
	}
	return PeerAuth{PeerIdentity: peerID, Authenticated: true}, nil
}

// PeerIdentityFromCert prefers the subject CN, then the first URI, then the
// first DNS name.
func PeerIdentityFromCert(cert *x509.Certificate) string {
	if cert == nil {
		return ""
	}
	if v := strings.TrimSpace(cert.Subject.CommonName); v != "" {
		return v
	}
	if len(cert.URIs) > 0 {
		if v := strings.TrimSpace(cert.URIs[0].String()); v != "" {
			return v
		}
	}
	if len(cert.DNSNames) > 0 {
		if v := strings.TrimSpace(cert.DNSNames[0]); v != "" {
			return v
		}
	}
	return ""
}

func loadCertPool(path string) (*x509.CertPool, error) {
	caPEM, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	if ok := pool.AppendCertsFromPEM(caPEM); !ok {
		return nil, fmt.Errorf("transport: parse tls ca bundle: %s", path)
	}
	return pool, nil
}
