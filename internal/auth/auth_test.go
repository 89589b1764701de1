package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/hpc-gateway/internal/apperr"
	"github.com/JakeFAU/hpc-gateway/internal/token"
)

func TestDelegatedAcceptsTrustedHeader(t *testing.T) {
	t.Parallel()

	d := Delegated{Header: "X-Remote-User"}
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("X-Remote-User", " alice ")

	p, err := d.Authenticate(r)
	require.NoError(t, err)
	assert.Equal(t, Principal{Name: "alice", Strategy: StrategyDelegated}, p)

	r.Header.Set("X-Remote-User", "  ")
	_, err = d.Authenticate(r)
	assert.ErrorIs(t, err, ErrNoCredentials)
}

func TestBearerAcceptsValidTokenAndTouches(t *testing.T) {
	t.Parallel()

	store, clock := newTestStore(t)
	tok, secret, err := store.Create(context.Background(), "cli")
	require.NoError(t, err)
	chain := mustBuild(t, Options{Strategies: []string{"bearer"}, Tokens: store, Principal: "alice"})

	clock.now = clock.now.Add(time.Minute)
	p, err := chain.Authenticate(bearerRequest(secret))
	require.NoError(t, err)
	assert.Equal(t, "alice", p.Name)
	assert.Equal(t, StrategyBearer, p.Strategy)
	assert.Equal(t, tok.ID, p.TokenID)

	tokens, err := store.List(context.Background())
	require.NoError(t, err)
	require.NotNil(t, tokens[0].LastUsedAt)
	assert.True(t, tokens[0].LastUsedAt.Equal(clock.now))
}

func TestBearerRejections(t *testing.T) {
	t.Parallel()

	store, _ := newTestStore(t)
	_, secret, err := store.Create(context.Background(), "cli")
	require.NoError(t, err)
	chain := mustBuild(t, Options{Strategies: []string{"bearer"}, Tokens: store, Principal: "alice"})

	tests := []struct {
		name   string
		header string
	}{
		{name: "missing header", header: ""},
		{name: "wrong scheme", header: "Basic " + secret},
		{name: "empty token", header: "Bearer   "},
		{name: "no separator", header: "Bearer"},
		{name: "unknown token", header: "Bearer " + strings.Repeat("0", token.SecretLength)},
		{name: "truncated token", header: "Bearer " + secret[:10]},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				r.Header.Set("Authorization", tt.header)
			}
			_, err := chain.Authenticate(r)
			require.Error(t, err)
			assert.Equal(t, apperr.Unauthorized, apperr.KindOf(err))
		})
	}
}

func TestBearerSchemeIsCaseInsensitive(t *testing.T) {
	t.Parallel()

	store, _ := newTestStore(t)
	_, secret, err := store.Create(context.Background(), "cli")
	require.NoError(t, err)
	chain := mustBuild(t, Options{Strategies: []string{"bearer"}, Tokens: store, Principal: "alice"})

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Authorization", "bearer "+secret)
	_, err = chain.Authenticate(r)
	require.NoError(t, err)
}

func TestCorruptTokenFileRejectsEverything(t *testing.T) {
	t.Parallel()

	store, _ := newTestStore(t)
	_, secret, err := store.Create(context.Background(), "cli")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(store.Path(), []byte("[{broken"), 0o600))
	chain := mustBuild(t, Options{Strategies: []string{"bearer"}, Tokens: store, Principal: "alice"})

	_, err = chain.Authenticate(bearerRequest(secret))
	require.Error(t, err)
	assert.Equal(t, apperr.Unauthorized, apperr.KindOf(err))
}

func TestStoreErrorsReject(t *testing.T) {
	t.Parallel()

	b, err := NewBearer(failingStore{}, "alice", nil)
	require.NoError(t, err)
	_, err = Chain{b}.Authenticate(bearerRequest(strings.Repeat("a", token.SecretLength)))
	require.Error(t, err)
	assert.Equal(t, apperr.Unauthorized, apperr.KindOf(err))
}

func TestChainPrefersDelegatedThenFallsBackToBearer(t *testing.T) {
	t.Parallel()

	store, _ := newTestStore(t)
	_, secret, err := store.Create(context.Background(), "cli")
	require.NoError(t, err)
	chain := mustBuild(t, Options{
		Strategies:    []string{"delegated", "bearer"},
		TrustedHeader: "X-Remote-User",
		Tokens:        store,
		Principal:     "svc",
	})
	assert.Equal(t, "delegated,bearer", chain.Name())

	r := bearerRequest("garbage")
	r.Header.Set("X-Remote-User", "bob")
	p, err := chain.Authenticate(r)
	require.NoError(t, err)
	assert.Equal(t, "bob", p.Name)

	p, err = chain.Authenticate(bearerRequest(secret))
	require.NoError(t, err)
	assert.Equal(t, "svc", p.Name)
	assert.Equal(t, StrategyBearer, p.Strategy)
}

func TestBuildValidation(t *testing.T) {
	t.Parallel()

	store, _ := newTestStore(t)
	tests := []struct {
		name string
		opts Options
		want string
	}{
		{name: "empty", opts: Options{}, want: "at least one"},
		{name: "unknown", opts: Options{Strategies: []string{"kerberos"}}, want: "unknown auth strategy"},
		{name: "duplicate", opts: Options{Strategies: []string{"bearer", "BEARER"}, Tokens: store, Principal: "a"}, want: "listed twice"},
		{name: "delegated without header", opts: Options{Strategies: []string{"delegated"}}, want: "trusted user header"},
		{name: "bearer without store", opts: Options{Strategies: []string{"bearer"}, Principal: "a"}, want: "token store"},
		{name: "bearer without principal", opts: Options{Strategies: []string{"bearer"}, Tokens: store}, want: "principal"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Build(tt.opts)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestMiddleware(t *testing.T) {
	t.Parallel()

	mw := Middleware(Delegated{Header: "X-Remote-User"}, func(w http.ResponseWriter, _ *http.Request, err error) {
		w.WriteHeader(apperr.KindOf(err).Status())
	})
	var seen Principal
	h := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, ok := FromContext(r.Context())
		require.True(t, ok)
		seen = p
		w.WriteHeader(http.StatusNoContent)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	chained := Middleware(Chain{Delegated{Header: "X-Remote-User"}}, func(w http.ResponseWriter, _ *http.Request, err error) {
		w.WriteHeader(apperr.KindOf(err).Status())
	})(h)
	rec = httptest.NewRecorder()
	chained.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Remote-User", "carol")
	rec = httptest.NewRecorder()
	chained.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "carol", seen.Name)
}

// --- helpers/fakes ---

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

type seqIDs struct {
	n int
}

func (s *seqIDs) NewID() (string, error) {
	s.n++
	return "tok-" + string(rune('a'+s.n)), nil
}

type failingStore struct{}

func (failingStore) List(context.Context) ([]token.Token, error) { return nil, errors.New("db down") }
func (failingStore) Create(context.Context, string) (token.Token, string, error) {
	return token.Token{}, "", errors.New("db down")
}
func (failingStore) FindBySecret(context.Context, string) (token.Token, bool, error) {
	return token.Token{}, false, errors.New("db down")
}
func (failingStore) Destroy(context.Context, string) error { return errors.New("db down") }
func (failingStore) Touch(context.Context, string) error { return errors.New("db down") }

func newTestStore(t *testing.T) (*token.FileStore, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)}
	store, err := token.NewFileStore(filepath.Join(t.TempDir(), "tokens.json"), &seqIDs{}, clock, nil)
	require.NoError(t, err)
	return store, clock
}

func mustBuild(t *testing.T, opts Options) Chain {
	t.Helper()
	chain, err := Build(opts)
	require.NoError(t, err)
	return chain
}

func bearerRequest(secret string) *http.Request {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Authorization", "Bearer "+secret)
	return r
}
