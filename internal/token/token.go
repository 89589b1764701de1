// Package token persists and verifies the bearer credentials accepted by the
// gateway.
//
// A credential is a 32-byte random secret, hex encoded, so every stored
// secret has the same length. The stored value is the verifiable secret
// itself; callers see the plaintext exactly once, when Create returns it.
package token

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"io"
	"time"
)

const (
	// SecretBytes is the entropy of every generated secret.
	SecretBytes = 32
	// SecretLength is the encoded length of every generated secret.
	SecretLength = SecretBytes * 2
)

// Token is a single API credential record.
type Token struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	Secret     string     `json:"secret"`
	CreatedAt  time.Time  `json:"created_at"`
	LastUsedAt *time.Time `json:"last_used_at"`
	// ExpiresAt is reserved; nothing enforces it yet.
	ExpiresAt *time.Time `json:"expires_at"`
}

// Store is the credential persistence contract shared by the file and
// Postgres backends.
type Store interface {
	// List returns every record. A missing or unreadable backing file yields
	// an empty list, never an error.
	List(ctx context.Context) ([]Token, error)
	// Create generates and persists a new credential and returns the record
	// together with its plaintext secret.
	Create(ctx context.Context, name string) (Token, string, error)
	// FindBySecret returns the first record whose secret equals candidate.
	FindBySecret(ctx context.Context, candidate string) (Token, bool, error)
	// Destroy removes the record with the given id; missing ids are a no-op.
	Destroy(ctx context.Context, id string) error
	// Touch stamps LastUsedAt on the record with the given id, if present.
	Touch(ctx context.Context, id string) error
}

// Clock returns the current time.
type Clock interface {
	Now() time.Time
}

// IDGenerator produces stable token ids.
type IDGenerator interface {
	NewID() (string, error)
}

// NewSecret draws SecretBytes from r and hex encodes them.
func NewSecret(r io.Reader) (string, error) {
	if r == nil {
		r = rand.Reader
	}
	buf := make([]byte, SecretBytes)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", fmt.Errorf("read random secret: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// SecretsEqual compares two secrets without leaking the position of the
// first differing byte. Length mismatches return early; every stored secret
// has the same length, so the early return only reveals that the candidate
// is malformed.
func SecretsEqual(stored, candidate string) bool {
	if len(stored) != len(candidate) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(stored), []byte(candidate)) == 1
}

// Match scans tokens in order and returns the first whose secret equals
// candidate.
func Match(tokens []Token, candidate string) (Token, bool) {
	if candidate == "" {
		return Token{}, false
	}
	for _, t := range tokens {
		if SecretsEqual(t.Secret, candidate) {
			return t, true
		}
	}
	return Token{}, false
}

// Redacted returns a copy of t with the secret removed, suitable for listing.
func (t Token) Redacted() Token {
	t.Secret = ""
	return t
}
