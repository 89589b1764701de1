package token

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
)

// FileStore keeps every token for one principal in a single JSON array.
//
// Each mutation reads the whole file, edits the in-memory copy, and rewrites
// the whole file. Nothing serializes concurrent writers, so two overlapping
// mutations can lose one of the updates. That is acceptable only because a
// gateway process serves exactly one principal; deployments with several
// writers should use the Postgres store instead.
type FileStore struct {
	path   string
	ids    IDGenerator
	clock  Clock
	random io.Reader
	logger *zap.Logger
}

// NewFileStore returns a store backed by the JSON file at path. The file and
// its parent directory are created on first write.
func NewFileStore(path string, ids IDGenerator, clock Clock, logger *zap.Logger) (*FileStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("token file path is required")
	}
	if ids == nil || clock == nil {
		return nil, fmt.Errorf("id generator and clock are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FileStore{
		path:   filepath.Clean(path),
		ids:    ids,
		clock:  clock,
		random: rand.Reader,
		logger: logger,
	}, nil
}

// Path returns the backing file location.
func (s *FileStore) Path() string {
	return s.path
}

// List returns every stored record, or an empty slice when the file is
// absent or cannot be parsed.
func (s *FileStore) List(_ context.Context) ([]Token, error) {
	return s.load(), nil
}

// Create appends a new record and rewrites the file.
func (s *FileStore) Create(_ context.Context, name string) (Token, string, error) {
	id, err := s.ids.NewID()
	if err != nil {
		return Token{}, "", fmt.Errorf("generate token id: %w", err)
	}
	secret, err := NewSecret(s.random)
	if err != nil {
		return Token{}, "", err
	}
	tok := Token{
		ID:        id,
		Name:      strings.TrimSpace(name),
		Secret:    secret,
		CreatedAt: s.clock.Now(),
	}
	tokens := append(s.load(), tok)
	if err := s.save(tokens); err != nil {
		return Token{}, "", err
	}
	s.logger.Info("token created", zap.String("token_id", id), zap.String("name", tok.Name))
	return tok, secret, nil
}

// FindBySecret scans the stored records for candidate.
func (s *FileStore) FindBySecret(_ context.Context, candidate string) (Token, bool, error) {
	tok, ok := Match(s.load(), candidate)
	return tok, ok, nil
}

// Destroy removes the record with id. Missing ids leave the file untouched.
func (s *FileStore) Destroy(_ context.Context, id string) error {
	tokens := s.load()
	kept := tokens[:0]
	for _, t := range tokens {
		if t.ID != id {
			kept = append(kept, t)
		}
	}
	if len(kept) == len(tokens) {
		return nil
	}
	if err := s.save(kept); err != nil {
		return err
	}
	s.logger.Info("token revoked", zap.String("token_id", id))
	return nil
}

// Touch records the current time as the last use of id.
func (s *FileStore) Touch(_ context.Context, id string) error {
	tokens := s.load()
	for i := range tokens {
		if tokens[i].ID == id {
			now := s.clock.Now()
			tokens[i].LastUsedAt = &now
			return s.save(tokens)
		}
	}
	return nil
}

func (s *FileStore) load() []Token {
	// #nosec G304 -- path comes from operator configuration.
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			s.logger.Warn("token file unreadable; no credentials will be recognized",
				zap.String("path", s.path), zap.Error(err))
		}
		return []Token{}
	}
	var tokens []Token
	if err := json.Unmarshal(data, &tokens); err != nil {
		s.logger.Warn("token file is not valid JSON; no credentials will be recognized",
			zap.String("path", s.path), zap.Error(err))
		return []Token{}
	}
	if tokens == nil {
		tokens = []Token{}
	}
	return tokens
}

func (s *FileStore) save(tokens []Token) error {
	if tokens == nil {
		tokens = []Token{}
	}
	data, err := json.MarshalIndent(tokens, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal tokens: %w", err)
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create token directory: %w", err)
	}
	// CreateTemp opens with 0600, so the record set is never world-readable,
	// not even between write and rename.
	tmp, err := os.CreateTemp(dir, ".tokens-*.json")
	if err != nil {
		return fmt.Errorf("create temp token file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() {
		if rmErr := os.Remove(tmpName); rmErr != nil && !errors.Is(rmErr, fs.ErrNotExist) {
			s.logger.Warn("remove temp token file failed", zap.String("path", tmpName), zap.Error(rmErr))
		}
	}
	if _, err := tmp.Write(append(data, '\n')); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("write token file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close token file: %w", err)
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		cleanup()
		return fmt.Errorf("chmod token file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		cleanup()
		return fmt.Errorf("replace token file: %w", err)
	}
	return nil
}
