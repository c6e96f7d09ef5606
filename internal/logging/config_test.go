package logging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		raw    string
		want   zerolog.Level
		wantOK bool
	}{
		{raw: "", want: zerolog.InfoLevel, wantOK: false},
		{raw: "debug", want: zerolog.DebugLevel, wantOK: true},
		{raw: " WARN ", want: zerolog.WarnLevel, wantOK: true},
		{raw: "off", want: zerolog.Disabled, wantOK: true},
		{raw: "bogus", want: zerolog.InfoLevel, wantOK: false},
	}
	for _, tc := range tests {
		got, ok := ParseLevel(tc.raw)
		if got != tc.want || ok != tc.wantOK {
			t.Fatalf("ParseLevel(%q) = (%v,%v), want (%v,%v)", tc.raw, got, ok, tc.want, tc.wantOK)
		}
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv(EnvLogLevel, "error")
	t.Setenv(EnvLogTimestamp, "false")
	t.Setenv(EnvLogNoColor, "true")
	t.Setenv(EnvLogFile, "/tmp/linkmux.log")

	cfg := DefaultConfig(ProfileRuntime)
	applyEnvOverrides(&cfg)
	if cfg.Level != zerolog.ErrorLevel || cfg.Timestamp || !cfg.NoColor || cfg.File != "/tmp/linkmux.log" {
		t.Fatalf("unexpected config after env overrides: %+v", cfg)
	}
}

func TestApplyWritesRotatingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "linkmux.log")
	cfg := DefaultConfig(ProfileTest)
	cfg.NoColor = true
	cfg.File = path
	Apply(cfg)
	defer Apply(DefaultConfig(ProfileTest))

	Infof("logging.test line=%d", 1)
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if len(data) == 0 {
		t.Fatalf("expected log file to receive output")
	}
}

func TestResolveAppliesEnvToProfile(t *testing.T) {
	t.Setenv(EnvLogLevel, "warn")
	cfg := Resolve(ProfileTest)
	if cfg.Level != zerolog.WarnLevel {
		t.Fatalf("env level not applied: %v", cfg.Level)
	}
	if cfg.Timestamp {
		t.Fatalf("test profile must not stamp times")
	}
}
