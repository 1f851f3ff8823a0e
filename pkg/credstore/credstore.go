// Package credstore persists per-session transport credentials so that a
// process restart does not force re-pairing.
package credstore

import (
	"context"
	"regexp"
	"strings"

	"github.com/pkg/errors"
)

var ErrNotFound = errors.New("credentials not found")

type Store interface {
	// Load returns ErrNotFound when the session has no stored credentials.
	Load(ctx context.Context, sessionID string) ([]byte, error)
	Save(ctx context.Context, sessionID string, data []byte) error
	// Delete is idempotent.
	Delete(ctx context.Context, sessionID string) error
	Close() error
}

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9._-]`)

// safeName maps a session id onto a single path element.
func safeName(sessionID string) (string, error) {
	id := strings.TrimSpace(sessionID)
	if id == "" {
		return "", errors.New("credstore: empty session id")
	}
	name := unsafeChars.ReplaceAllString(id, "_")
	if name == "." || name == ".." {
		return "", errors.Errorf("credstore: invalid session id %q", sessionID)
	}
	return name, nil
}
