package transport

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/danmuck/linkmux/internal/protocol/session"
)

var (
	ErrInvalidSecurityMode = errors.New("transport: invalid security mode")
	ErrTLSRequired         = errors.New("transport: tls required")
	ErrMTLSRequired        = errors.New("transport: mtls required")
	ErrCertFileRequired    = errors.New("transport: tls cert file required")
	ErrKeyFileRequired     = errors.New("transport: tls key file required")
	ErrCAFileRequired      = errors.New("transport: tls ca file required")
	ErrInsecureSkipVerify  = errors.New("transport: insecure skip verify not allowed")
)

// Role is the side of a link a config is checked for.
type Role int

const (
	RoleDial Role = iota
	RoleListen
)

func (r Role) String() string {
	if r == RoleListen {
		return "listen"
	}
	return "dial"
}

// CheckSecurity validates sc's TLS settings for role. Production mode
// requires mutual TLS on both sides.
func CheckSecurity(role Role, sc session.Config) error {
	mode := session.NormalizeSecurityMode(sc.SecurityMode)
	if mode != session.SecurityModeDevelopment && mode != session.SecurityModeProduction {
		return fmt.Errorf("%w: %q", ErrInvalidSecurityMode, sc.SecurityMode)
	}
	t := sc.TLS
	prod := mode == session.SecurityModeProduction
	switch {
	case prod && !t.Enabled, t.Mutual && !t.Enabled:
		return ErrTLSRequired
	case prod && !t.Mutual:
		return ErrMTLSRequired
	case prod && role == RoleDial && t.InsecureSkipVerify:
		return ErrInsecureSkipVerify
	}
	if !t.Enabled {
		return nil
	}
	for _, m := range tlsMaterial(role, t) {
		if strings.TrimSpace(m.path) == "" {
			return fmt.Errorf("%w for %s", m.err, role)
		}
	}
	return nil
}

type material struct {
	path string
	err  error
}

// tlsMaterial lists the files role must hold. A listener always presents a
// certificate; a dialer presents one only under mutual TLS. The side that
// verifies a client certificate needs a CA, and so does a mutual dialer
// that still verifies the server.
func tlsMaterial(role Role, t session.TLSConfig) []material {
	var need []material
	if t.Mutual && (role == RoleListen || !t.InsecureSkipVerify) {
		need = append(need, material{t.CAFile, ErrCAFileRequired})
	}
	if role == RoleListen || t.Mutual {
		need = append(need,
			material{t.CertFile, ErrCertFileRequired},
			material{t.KeyFile, ErrKeyFileRequired},
		)
	}
	return need
}

// CheckWebSocketURL validates a WebSocket dial target. Production mode only
// dials wss.
func CheckWebSocketURL(raw string, sc session.Config) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("transport: websocket url: %w", err)
	}
	switch u.Scheme {
	case "ws", "http":
		if session.NormalizeSecurityMode(sc.SecurityMode) == session.SecurityModeProduction {
			return fmt.Errorf("%w: %s", ErrTLSRequired, u.Redacted())
		}
	case "wss", "https":
	default:
		return fmt.Errorf("transport: websocket url scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return ErrAddressRequired
	}
	return nil
}
