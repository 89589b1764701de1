// Package postgres provides a Postgres-backed token store for deployments
// where several gateway processes share one credential set.
package postgres

import (
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/JakeFAU/hpc-gateway/internal/token"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

const defaultTable = "api_tokens"

// Config controls the Postgres connection pool used for token rows.
type Config struct {
	DSN             string
	Table           string
	MaxConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	Close()
}

// Store implements token.Store on a Postgres table. Unlike the file store,
// each mutation is a single statement, so concurrent writers never lose
// updates.
type Store struct {
	pool   pool
	table  string
	ids    token.IDGenerator
	clock  token.Clock
	random io.Reader
	logger *zap.Logger
}

// New connects to Postgres and returns a Store.
func New(
	ctx context.Context,
	cfg Config,
	ids token.IDGenerator,
	clock token.Clock,
	logger *zap.Logger,
) (*Store, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("tokens.postgres.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	store, err := NewWithPool(p, cfg.Table, ids, clock, logger)
	if err != nil {
		p.Close()
		return nil, err
	}
	return store, nil
}

// NewWithPool constructs a store from an existing pool (primarily for testing).
func NewWithPool(p pool, table string, ids token.IDGenerator, clock token.Clock, logger *zap.Logger) (*Store, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if ids == nil || clock == nil {
		return nil, fmt.Errorf("id generator and clock are required")
	}
	if table == "" {
		table = defaultTable
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{pool: p, table: table, ids: ids, clock: clock, random: rand.Reader, logger: logger}, nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// EnsureSchema creates the token table when it does not exist yet.
func (s *Store) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	id           TEXT PRIMARY KEY,
	name         TEXT NOT NULL,
	secret       TEXT NOT NULL,
	created_at   TIMESTAMPTZ NOT NULL,
	last_used_at TIMESTAMPTZ,
	expires_at   TIMESTAMPTZ
)`, s.table)
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create token table: %w", err)
	}
	return nil
}

// List returns every token ordered by creation.
func (s *Store) List(ctx context.Context) ([]token.Token, error) {
	query := fmt.Sprintf(
		`SELECT id, name, secret, created_at, last_used_at, expires_at FROM %s ORDER BY created_at, id`,
		s.table,
	)
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query tokens: %w", err)
	}
	defer rows.Close()

	tokens := []token.Token{}
	for rows.Next() {
		var t token.Token
		if err := rows.Scan(&t.ID, &t.Name, &t.Secret, &t.CreatedAt, &t.LastUsedAt, &t.ExpiresAt); err != nil {
			return nil, fmt.Errorf("scan token: %w", err)
		}
		tokens = append(tokens, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tokens: %w", err)
	}
	return tokens, nil
}

// Create inserts a new token row.
func (s *Store) Create(ctx context.Context, name string) (token.Token, string, error) {
	id, err := s.ids.NewID()
	if err != nil {
		return token.Token{}, "", fmt.Errorf("generate token id: %w", err)
	}
	secret, err := token.NewSecret(s.random)
	if err != nil {
		return token.Token{}, "", err
	}
	tok := token.Token{
		ID:        id,
		Name:      strings.TrimSpace(name),
		Secret:    secret,
		CreatedAt: s.clock.Now(),
	}
	query := fmt.Sprintf(`INSERT INTO %s (id, name, secret, created_at) VALUES ($1, $2, $3, $4)`, s.table)
	if _, err := s.pool.Exec(ctx, query, tok.ID, tok.Name, tok.Secret, tok.CreatedAt); err != nil {
		return token.Token{}, "", fmt.Errorf("insert token: %w", err)
	}
	s.logger.Info("token created", zap.String("token_id", id), zap.String("name", tok.Name))
	return tok, secret, nil
}

// FindBySecret loads every row and compares secrets in constant time. The
// comparison stays in process so the database never sees a timing oracle
// keyed on the secret column.
func (s *Store) FindBySecret(ctx context.Context, candidate string) (token.Token, bool, error) {
	if len(candidate) != token.SecretLength {
		return token.Token{}, false, nil
	}
	tokens, err := s.List(ctx)
	if err != nil {
		return token.Token{}, false, err
	}
	tok, ok := token.Match(tokens, candidate)
	return tok, ok, nil
}

// Destroy deletes the row with id; deleting a missing row is not an error.
func (s *Store) Destroy(ctx context.Context, id string) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, s.table)
	tag, err := s.pool.Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("delete token: %w", err)
	}
	if tag.RowsAffected() > 0 {
		s.logger.Info("token revoked", zap.String("token_id", id))
	}
	return nil
}

// Touch updates last_used_at for id.
func (s *Store) Touch(ctx context.Context, id string) error {
	query := fmt.Sprintf(`UPDATE %s SET last_used_at = $1 WHERE id = $2`, s.table)
	if _, err := s.pool.Exec(ctx, query, s.clock.Now(), id); err != nil {
		return fmt.Errorf("touch token: %w", err)
	}
	return nil
}

var _ token.Store = (*Store)(nil)
