// Package config loads linkd and linkctl TOML files onto runtime defaults.
// Keys absent from a file keep their default value.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/danmuck/linkmux/internal/logging"
	"github.com/danmuck/linkmux/internal/protocol/session"
	"github.com/danmuck/linkmux/internal/transport"
)

// ServerConfig is the resolved linkd configuration.
type ServerConfig struct {
	ListenAddr string
	// HTTPAddr serves the WebSocket endpoint and metrics when set.
	HTTPAddr      string
	WebSocketPath string
	MetricsPath   string
	Tokens        []string
	TokenFile     string
	// FileDir receives inbound file bodies.
	FileDir string
	Log     logging.Config
	Session session.Config
}

// ClientConfig is the resolved linkctl configuration.
type ClientConfig struct {
	Address string
	// WebSocketURL selects the WebSocket transport instead of TCP.
	WebSocketURL       string
	Token              string
	MaxConnectAttempts int
	FileDir            string
	Log                logging.Config
	Session            session.Config
}

func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:    ":7400",
		WebSocketPath: "/link",
		MetricsPath:   "/metrics",
		Log:           logging.Resolve(logging.ProfileRuntime),
		Session:       session.DefaultConfig(),
	}
}

func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Address:            "127.0.0.1:7400",
		MaxConnectAttempts: 3,
		Log:                logging.Resolve(logging.ProfileRuntime),
		Session:            session.DefaultConfig(),
	}
}

// sessionFile holds the session_* keys shared by both binaries. Durations
// are in milliseconds.
type sessionFile struct {
	ConnectTimeoutMS   int64    `toml:"session_connect_timeout_ms"`
	HandshakeTimeoutMS int64    `toml:"session_handshake_timeout_ms"`
	WriteTimeoutMS     int64    `toml:"session_write_timeout_ms"`
	Channels           []string `toml:"session_channels"`
	ControlHeartbeatMS int64    `toml:"session_control_heartbeat_ms"`
	DataHeartbeatMS    int64    `toml:"session_datafile_heartbeat_ms"`
	ReconnectAttempts  int      `toml:"session_reconnect_attempts"`
	BackoffInitialMS   int64    `toml:"session_backoff_initial_ms"`
	BackoffMultiplier  float64  `toml:"session_backoff_multiplier"`
	BackoffMaxMS       int64    `toml:"session_backoff_max_ms"`
	BackoffJitter      bool     `toml:"session_backoff_jitter"`
	ResumeWindowMS     int64    `toml:"session_resume_window_ms"`
	TaskTimeoutMS      int64    `toml:"session_task_timeout_ms"`
	MaxFramingErrors   int      `toml:"session_max_framing_errors"`
	MaxBodyBytes       int64    `toml:"session_max_body_bytes"`
	MaxInlineBytes     int64    `toml:"session_max_inline_bytes"`
	SecurityMode       string   `toml:"session_security_mode"`
	TLSEnabled         bool     `toml:"session_tls_enabled"`
	TLSMutual          bool     `toml:"session_tls_mutual"`
	TLSCertFile        string   `toml:"session_tls_cert_file"`
	TLSKeyFile         string   `toml:"session_tls_key_file"`
	TLSCAFile          string   `toml:"session_tls_ca_file"`
	TLSServerName      string   `toml:"session_tls_server_name"`
	TLSInsecure        bool     `toml:"session_tls_insecure_skip_verify"`
}

type logFile struct {
	LogLevel string `toml:"log_level"`
	LogFile  string `toml:"log_file"`
}

type serverFile struct {
	sessionFile
	logFile
	Addr          string   `toml:"addr"`
	HTTPAddr      string   `toml:"http_addr"`
	WebSocketPath string   `toml:"websocket_path"`
	MetricsPath   string   `toml:"metrics_path"`
	Tokens        []string `toml:"tokens"`
	TokenFile     string   `toml:"token_file"`
	FileDir       string   `toml:"file_dir"`
}

type clientFile struct {
	sessionFile
	logFile
	Addr               string `toml:"addr"`
	WebSocketURL       string `toml:"websocket_url"`
	Token              string `toml:"token"`
	MaxConnectAttempts int    `toml:"max_connect_attempts"`
	FileDir            string `toml:"file_dir"`
}

// LoadServerConfig reads a linkd config file.
func LoadServerConfig(path string) (ServerConfig, error) {
	cfg := DefaultServerConfig()
	var raw serverFile
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return ServerConfig{}, fmt.Errorf("load server config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return ServerConfig{}, fmt.Errorf("load server config: unknown key %q", undecoded[0].String())
	}

	if meta.IsDefined("addr") {
		cfg.ListenAddr = strings.TrimSpace(raw.Addr)
	}
	if meta.IsDefined("http_addr") {
		cfg.HTTPAddr = strings.TrimSpace(raw.HTTPAddr)
	}
	if meta.IsDefined("websocket_path") {
		cfg.WebSocketPath = strings.TrimSpace(raw.WebSocketPath)
	}
	if meta.IsDefined("metrics_path") {
		cfg.MetricsPath = strings.TrimSpace(raw.MetricsPath)
	}
	if meta.IsDefined("tokens") {
		cfg.Tokens = trimAll(raw.Tokens)
	}
	if meta.IsDefined("token_file") {
		cfg.TokenFile = strings.TrimSpace(raw.TokenFile)
	}
	if meta.IsDefined("file_dir") {
		cfg.FileDir = strings.TrimSpace(raw.FileDir)
	}
	if err := applyLog(meta, raw.logFile, &cfg.Log); err != nil {
		return ServerConfig{}, fmt.Errorf("load server config: %w", err)
	}
	if err := applySession(meta, raw.sessionFile, &cfg.Session); err != nil {
		return ServerConfig{}, fmt.Errorf("load server config: %w", err)
	}

	if cfg.ListenAddr == "" && cfg.HTTPAddr == "" {
		return ServerConfig{}, fmt.Errorf("load server config: addr or http_addr is required")
	}
	if len(cfg.Tokens) == 0 && cfg.TokenFile == "" {
		return ServerConfig{}, fmt.Errorf("load server config: tokens or token_file is required")
	}
	if err := transport.CheckSecurity(transport.RoleListen, cfg.Session); err != nil {
		return ServerConfig{}, fmt.Errorf("load server config: %w", err)
	}
	cfg.Session = cfg.Session.WithDefaults()
	return cfg, nil
}

// LoadClientConfig reads a linkctl config file.
func LoadClientConfig(path string) (ClientConfig, error) {
	cfg := DefaultClientConfig()
	var raw clientFile
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return ClientConfig{}, fmt.Errorf("load client config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return ClientConfig{}, fmt.Errorf("load client config: unknown key %q", undecoded[0].String())
	}

	if meta.IsDefined("addr") {
		cfg.Address = strings.TrimSpace(raw.Addr)
	}
	if meta.IsDefined("websocket_url") {
		cfg.WebSocketURL = strings.TrimSpace(raw.WebSocketURL)
	}
	if meta.IsDefined("token") {
		cfg.Token = strings.TrimSpace(raw.Token)
	}
	if meta.IsDefined("max_connect_attempts") {
		cfg.MaxConnectAttempts = raw.MaxConnectAttempts
	}
	if meta.IsDefined("file_dir") {
		cfg.FileDir = strings.TrimSpace(raw.FileDir)
	}
	if err := applyLog(meta, raw.logFile, &cfg.Log); err != nil {
		return ClientConfig{}, fmt.Errorf("load client config: %w", err)
	}
	if err := applySession(meta, raw.sessionFile, &cfg.Session); err != nil {
		return ClientConfig{}, fmt.Errorf("load client config: %w", err)
	}

	if cfg.Address == "" && cfg.WebSocketURL == "" {
		return ClientConfig{}, fmt.Errorf("load client config: addr or websocket_url is required")
	}
	if cfg.Token == "" {
		return ClientConfig{}, fmt.Errorf("load client config: token is required")
	}
	if err := transport.CheckSecurity(transport.RoleDial, cfg.Session); err != nil {
		return ClientConfig{}, fmt.Errorf("load client config: %w", err)
	}
	if cfg.WebSocketURL != "" {
		if err := transport.CheckWebSocketURL(cfg.WebSocketURL, cfg.Session); err != nil {
			return ClientConfig{}, fmt.Errorf("load client config: %w", err)
		}
	}
	cfg.Session = cfg.Session.WithDefaults()
	return cfg, nil
}

func applyLog(meta toml.MetaData, raw logFile, cfg *logging.Config) error {
	if meta.IsDefined("log_level") {
		lvl, ok := logging.ParseLevel(raw.LogLevel)
		if !ok {
			return fmt.Errorf("unknown log_level %q", raw.LogLevel)
		}
		cfg.Level = lvl
	}
	if meta.IsDefined("log_file") {
		cfg.File = strings.TrimSpace(raw.LogFile)
	}
	return nil
}

func applySession(meta toml.MetaData, raw sessionFile, cfg *session.Config) error {
	durations := []struct {
		key string
		ms  int64
		dst *time.Duration
	}{
		{"session_connect_timeout_ms", raw.ConnectTimeoutMS, &cfg.ConnectTimeout},
		{"session_handshake_timeout_ms", raw.HandshakeTimeoutMS, &cfg.HandshakeTimeout},
		{"session_write_timeout_ms", raw.WriteTimeoutMS, &cfg.WriteTimeout},
		{"session_control_heartbeat_ms", raw.ControlHeartbeatMS, &cfg.ControlHeartbeat},
		{"session_datafile_heartbeat_ms", raw.DataHeartbeatMS, &cfg.DataFileHeartbeat},
		{"session_backoff_initial_ms", raw.BackoffInitialMS, &cfg.Backoff.InitialDelay},
		{"session_backoff_max_ms", raw.BackoffMaxMS, &cfg.Backoff.MaxDelay},
		{"session_resume_window_ms", raw.ResumeWindowMS, &cfg.ResumeWindow},
		{"session_task_timeout_ms", raw.TaskTimeoutMS, &cfg.TaskTimeout},
	}
	for _, d := range durations {
		if !meta.IsDefined(d.key) {
			continue
		}
		if d.ms < 0 {
			return fmt.Errorf("%s must not be negative", d.key)
		}
		*d.dst = time.Duration(d.ms) * time.Millisecond
	}

	if meta.IsDefined("session_channels") {
		channels := make([]session.ChannelType, 0, len(raw.Channels))
		for _, name := range raw.Channels {
			t, err := session.ParseChannelType(name)
			if err != nil {
				return err
			}
			channels = append(channels, t)
		}
		cfg.Channels = channels
	}
	if meta.IsDefined("session_reconnect_attempts") {
		cfg.ReconnectAttempts = raw.ReconnectAttempts
	}
	if meta.IsDefined("session_backoff_multiplier") {
		cfg.Backoff.Multiplier = raw.BackoffMultiplier
	}
	if meta.IsDefined("session_backoff_jitter") {
		cfg.Backoff.Jitter = raw.BackoffJitter
	}
	if meta.IsDefined("session_max_framing_errors") {
		cfg.MaxFramingErrors = raw.MaxFramingErrors
	}
	if meta.IsDefined("session_max_body_bytes") {
		cfg.MaxBodyBytes = raw.MaxBodyBytes
	}
	if meta.IsDefined("session_max_inline_bytes") {
		cfg.MaxInlineBytes = raw.MaxInlineBytes
	}
	if meta.IsDefined("session_security_mode") {
		cfg.SecurityMode = session.SecurityMode(strings.TrimSpace(raw.SecurityMode))
	}
	if meta.IsDefined("session_tls_enabled") {
		cfg.TLS.Enabled = raw.TLSEnabled
	}
	if meta.IsDefined("session_tls_mutual") {
		cfg.TLS.Mutual = raw.TLSMutual
	}
	if meta.IsDefined("session_tls_cert_file") {
		cfg.TLS.CertFile = strings.TrimSpace(raw.TLSCertFile)
	}
	if meta.IsDefined("session_tls_key_file") {
		cfg.TLS.KeyFile = strings.TrimSpace(raw.TLSKeyFile)
	}
	if meta.IsDefined("session_tls_ca_file") {
		cfg.TLS.CAFile = strings.TrimSpace(raw.TLSCAFile)
	}
	if meta.IsDefined("session_tls_server_name") {
		cfg.TLS.ServerName = strings.TrimSpace(raw.TLSServerName)
	}
	if meta.IsDefined("session_tls_insecure_skip_verify") {
		cfg.TLS.InsecureSkipVerify = raw.TLSInsecure
	}
	return nil
}

func trimAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
