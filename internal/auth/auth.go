// Package auth verifies the tokens carried by link handshakes.
//
// It makes no policy decisions beyond accept or reject.
package auth

import (
	"bufio"
	"crypto/subtle"
	"errors"
	"fmt"
	"os"
	"strings"
)

var ErrUnauthorized = errors.New("auth: unauthorized")

// Validator validates a handshake token.
type Validator interface {
	Validate(token string) error
}

// StaticToken accepts a single shared token.
type StaticToken struct {
	Token string
}

func (s StaticToken) Validate(token string) error {
	if s.Token == "" {
		return ErrUnauthorized
	}
	if subtle.ConstantTimeCompare([]byte(s.Token), []byte(token)) != 1 {
		return ErrUnauthorized
	}
	return nil
}

// TokenSet accepts any of several tokens. Every entry is compared so the
// time taken does not depend on which one matched.
type TokenSet struct {
	tokens [][]byte
}

func NewTokenSet(tokens ...string) TokenSet {
	out := TokenSet{}
	for _, tok := range tokens {
		tok = strings.TrimSpace(tok)
		if tok != "" {
			out.tokens = append(out.tokens, []byte(tok))
		}
	}
	return out
}

// LoadTokenFile reads one token per line. Blank lines and lines starting
// with '#' are skipped.
func LoadTokenFile(path string) (TokenSet, error) {
	f, err := os.Open(path)
	if err != nil {
		return TokenSet{}, fmt.Errorf("auth: open token file: %w", err)
	}
	defer f.Close()
	var tokens []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		tokens = append(tokens, line)
	}
	if err := sc.Err(); err != nil {
		return TokenSet{}, fmt.Errorf("auth: read token file: %w", err)
	}
	return NewTokenSet(tokens...), nil
}

func (s TokenSet) Len() int { return len(s.tokens) }

func (s TokenSet) Validate(token string) error {
	match := 0
	for _, want := range s.tokens {
		match |= subtle.ConstantTimeCompare(want, []byte(token))
	}
	if match != 1 {
		return ErrUnauthorized
	}
	return nil
}

// FuncValidator adapts a function into a Validator.
type FuncValidator func(token string) error

func (f FuncValidator) Validate(token string) error {
	return f(token)
}
