package communicator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
)

// ErrAuthMissing means no bearer token is available. Sends are skipped without
// a backoff penalty until the auth collaborator provides one.
var ErrAuthMissing = errors.New("communicator: auth token missing")

// TokenSource is the auth collaborator boundary.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// EnvFileTokens reads the token on every call, first from an environment
// variable and then from a file, so a login performed after startup is picked up.
type EnvFileTokens struct {
	Env  string
	File string
}

func (s EnvFileTokens) Token(_ context.Context) (string, error) {
	if s.Env != "" {
		if tok := strings.TrimSpace(os.Getenv(s.Env)); tok != "" {
			return tok, nil
		}
	}
	if s.File != "" {
		b, err := os.ReadFile(s.File)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return "", fmt.Errorf("read token file: %w", err)
		default:
			if tok := strings.TrimSpace(string(b)); tok != "" {
				return tok, nil
			}
		}
	}
	return "", ErrAuthMissing
}

// StaticToken always returns the same token; empty means missing.
type StaticToken string

func (s StaticToken) Token(_ context.Context) (string, error) {
	if s == "" {
		return "", ErrAuthMissing
	}
	return string(s), nil
}
