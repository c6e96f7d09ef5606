package config

import (
	"fmt"
	"os"
	"strings"
)

func Template(kind string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "server", "linkd":
		return serverTemplate, nil
	case "client", "linkctl":
		return clientTemplate, nil
	default:
		return "", fmt.Errorf("unknown config kind: %s", kind)
	}
}

func WriteTemplate(path, kind string, overwrite bool) error {
	template, err := Template(kind)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

const serverTemplate = `addr = ":7400"
http_addr = ":7480"
websocket_path = "/link"
metrics_path = "/metrics"
tokens = ["temp-link-token"]
file_dir = "./received"
log_level = "info"

session_channels = ["control", "datafile"]
session_control_heartbeat_ms = 5000
session_datafile_heartbeat_ms = 15000
session_resume_window_ms = 30000
session_task_timeout_ms = 20000
session_max_framing_errors = 8
session_max_inline_bytes = 8388608
session_security_mode = "development"
session_tls_enabled = false
`

const clientTemplate = `addr = "127.0.0.1:7400"
token = "temp-link-token"
max_connect_attempts = 3
file_dir = "./received"
log_level = "info"

session_channels = ["control", "datafile"]
session_reconnect_attempts = 5
session_backoff_initial_ms = 250
session_backoff_multiplier = 2.0
session_backoff_max_ms = 5000
session_backoff_jitter = true
session_task_timeout_ms = 20000
session_security_mode = "development"
session_tls_enabled = false
`
