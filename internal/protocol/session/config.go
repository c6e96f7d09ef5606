package session

import (
	"fmt"
	"strings"
	"time"
)

// ChannelType names one of the concurrent connections a session holds.
type ChannelType uint8

const (
	ChannelControl  ChannelType = 1
	ChannelDataFile ChannelType = 2
)

func (t ChannelType) String() string {
	switch t {
	case ChannelControl:
		return "control"
	case ChannelDataFile:
		return "datafile"
	default:
		return fmt.Sprintf("channel(%d)", uint8(t))
	}
}

func (t ChannelType) Valid() bool {
	return t == ChannelControl || t == ChannelDataFile
}

// ParseChannelType accepts the names produced by String.
func ParseChannelType(raw string) (ChannelType, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "control":
		return ChannelControl, nil
	case "datafile", "data_file", "data":
		return ChannelDataFile, nil
	default:
		return 0, fmt.Errorf("session: unknown channel type %q", raw)
	}
}

// SecurityMode selects how strictly transport security is enforced.
type SecurityMode string

const (
	SecurityModeDevelopment SecurityMode = "development"
	SecurityModeProduction  SecurityMode = "production"
)

// TLSConfig describes the transport TLS material.
type TLSConfig struct {
	Enabled            bool
	Mutual             bool
	CertFile           string
	KeyFile            string
	CAFile             string
	ServerName         string
	InsecureSkipVerify bool
}

// BackoffConfig defines retry backoff behavior.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
}

// Config defines link and session reliability settings.
type Config struct {
	ConnectTimeout   time.Duration
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration

	// Channels lists the channel types a client opens. Control is always first.
	Channels          []ChannelType
	ControlHeartbeat  time.Duration
	DataFileHeartbeat time.Duration

	// ReconnectAttempts is the number of full handshakes tried after a break.
	// Negative values disable reconnection.
	ReconnectAttempts int
	Backoff           BackoffConfig
	// ResumeWindow is how long a server keeps a session without a live Control channel.
	ResumeWindow time.Duration
	// TaskTimeout bounds Request calls whose context has no deadline. Zero disables it.
	TaskTimeout time.Duration

	MaxFramingErrors int
	MaxBodyBytes     int64
	// MaxInlineBytes caps Inline and Object bodies, which are held in memory.
	MaxInlineBytes int64

	SecurityMode SecurityMode
	TLS          TLSConfig
}

// DefaultConfig returns the runtime defaults.
func DefaultConfig() Config {
	return Config{
		ConnectTimeout:    5 * time.Second,
		HandshakeTimeout:  5 * time.Second,
		WriteTimeout:      15 * time.Second,
		Channels:          []ChannelType{ChannelControl, ChannelDataFile},
		ControlHeartbeat:  5 * time.Second,
		DataFileHeartbeat: 15 * time.Second,
		ReconnectAttempts: 5,
		Backoff: BackoffConfig{
			InitialDelay: 250 * time.Millisecond,
			Multiplier:   2.0,
			MaxDelay:     5 * time.Second,
			Jitter:       true,
		},
		ResumeWindow:     30 * time.Second,
		TaskTimeout:      20 * time.Second,
		MaxFramingErrors: 8,
		MaxBodyBytes:     4 << 30,
		MaxInlineBytes:   8 << 20,
		SecurityMode:     SecurityModeDevelopment,
	}
}

// WithDefaults fills unset fields from DefaultConfig.
func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = def.ConnectTimeout
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = def.HandshakeTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	c.Channels = normalizeChannels(c.Channels, def.Channels)
	if c.ControlHeartbeat <= 0 {
		c.ControlHeartbeat = def.ControlHeartbeat
	}
	if c.DataFileHeartbeat <= 0 {
		c.DataFileHeartbeat = def.DataFileHeartbeat
	}
	if c.ReconnectAttempts == 0 {
		c.ReconnectAttempts = def.ReconnectAttempts
	}
	if c.Backoff.InitialDelay <= 0 && c.Backoff.MaxDelay <= 0 && c.Backoff.Multiplier == 0 {
		c.Backoff = def.Backoff
	}
	if c.ResumeWindow <= 0 {
		c.ResumeWindow = def.ResumeWindow
	}
	if c.MaxFramingErrors <= 0 {
		c.MaxFramingErrors = def.MaxFramingErrors
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = def.MaxBodyBytes
	}
	if c.MaxInlineBytes <= 0 {
		c.MaxInlineBytes = def.MaxInlineBytes
	}
	c.SecurityMode = NormalizeSecurityMode(c.SecurityMode)
	return c
}

// Attempts returns the reconnection attempt budget, zero when disabled.
func (c Config) Attempts() int {
	return max(c.ReconnectAttempts, 0)
}

// HeartbeatInterval returns the configured interval for t.
func (c Config) HeartbeatInterval(t ChannelType) time.Duration {
	if t == ChannelDataFile {
		return c.DataFileHeartbeat
	}
	return c.ControlHeartbeat
}

// HasChannel reports whether t is among the declared channel types.
func (c Config) HasChannel(t ChannelType) bool {
	for _, ct := range c.Channels {
		if ct == t {
			return true
		}
	}
	return false
}

func normalizeChannels(in []ChannelType, def []ChannelType) []ChannelType {
	if len(in) == 0 {
		return append([]ChannelType(nil), def...)
	}
	out := []ChannelType{ChannelControl}
	for _, t := range in {
		if !t.Valid() || t == ChannelControl {
			continue
		}
		dup := false
		for _, seen := range out {
			if seen == t {
				dup = true
				break
			}
		}
		if !dup {
			out = append(out, t)
		}
	}
	return out
}

// NormalizeSecurityMode lowercases mode, defaulting to development.
func NormalizeSecurityMode(mode SecurityMode) SecurityMode {
	if strings.TrimSpace(string(mode)) == "" {
		return SecurityModeDevelopment
	}
	return SecurityMode(strings.ToLower(strings.TrimSpace(string(mode))))
}
