package auth

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/danmuck/linkmux/internal/logging"
	"github.com/danmuck/linkmux/internal/testutil/testlog"
)

func TestStaticTokenValidate(t *testing.T) {
	tests := []struct {
		name    string
		stored  string
		input   string
		wantErr error
	}{
		{name: "empty token denied", stored: "", input: "abc", wantErr: ErrUnauthorized},
		{name: "mismatched token denied", stored: "abc", input: "xyz", wantErr: ErrUnauthorized},
		{name: "matching token accepted", stored: "abc", input: "abc", wantErr: nil},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			testlog.Start(t)
			logging.Debugf("auth/static-token: stored=%q input=%q", tc.stored, tc.input)
			err := (StaticToken{Token: tc.stored}).Validate(tc.input)
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("expected err %v, got %v", tc.wantErr, err)
			}
		})
	}
}

func TestTokenSetValidate(t *testing.T) {
	testlog.Start(t)
	set := NewTokenSet("alpha", " ", "beta ")
	if set.Len() != 2 {
		t.Fatalf("blank tokens must be skipped, len=%d", set.Len())
	}
	for _, tok := range []string{"alpha", "beta"} {
		if err := set.Validate(tok); err != nil {
			t.Fatalf("token %q rejected: %v", tok, err)
		}
	}
	if err := set.Validate("gamma"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	if err := (TokenSet{}).Validate(""); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("empty set must reject everything, got %v", err)
	}
}

func TestLoadTokenFile(t *testing.T) {
	testlog.Start(t)
	path := filepath.Join(t.TempDir(), "tokens")
	content := "# clients\nalpha\n\n  beta  \n#gamma\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write tokens: %v", err)
	}
	set, err := LoadTokenFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if set.Len() != 2 || set.Validate("beta") != nil || set.Validate("gamma") == nil {
		t.Fatalf("unexpected token set len=%d", set.Len())
	}
	if _, err := LoadTokenFile(filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestFuncValidator(t *testing.T) {
	testlog.Start(t)
	validator := FuncValidator(func(token string) error {
		if token != "ok" {
			return ErrUnauthorized
		}
		return nil
	})

	if err := validator.Validate("bad"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized for bad token, got %v", err)
	}
	if err := validator.Validate("ok"); err != nil {
		t.Fatalf("expected success for ok token, got %v", err)
	}
}
