package token

import (
	"context"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileStoreCreateThenFindBySecret(t *testing.T) {
	t.Parallel()

	store := newTestFileStore(t)
	ctx := context.Background()

	tok, secret, err := store.Create(ctx, "laptop")
	require.NoError(t, err)
	require.Equal(t, "tok-1", tok.ID)
	require.Equal(t, secret, tok.Secret)

	found, ok, err := store.FindBySecret(ctx, secret)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, tok.ID, found.ID)
	assert.Equal(t, "laptop", found.Name)
}

func TestFileStoreSecretsAreFixedLengthHex(t *testing.T) {
	t.Parallel()

	store := newTestFileStore(t)
	for i := 0; i < 5; i++ {
		_, secret, err := store.Create(context.Background(), "t")
		require.NoError(t, err)
		require.Len(t, secret, SecretLength)
		raw, err := hex.DecodeString(secret)
		require.NoError(t, err)
		require.Len(t, raw, SecretBytes)
	}
}

func TestFileStoreSingleBitFlipNeverMatches(t *testing.T) {
	t.Parallel()

	store := newTestFileStore(t)
	ctx := context.Background()
	_, secret, err := store.Create(ctx, "ci")
	require.NoError(t, err)

	tokens, err := store.List(ctx)
	require.NoError(t, err)

	for i := 0; i < len(secret); i++ {
		for bit := 0; bit < 8; bit++ {
			mutated := []byte(secret)
			mutated[i] ^= 1 << bit
			_, ok := Match(tokens, string(mutated))
			require.Falsef(t, ok, "byte %d bit %d unexpectedly matched", i, bit)
		}
	}
}

func TestFileStoreRejectsDifferentLengthCandidates(t *testing.T) {
	t.Parallel()

	store := newTestFileStore(t)
	ctx := context.Background()
	_, secret, err := store.Create(ctx, "ci")
	require.NoError(t, err)

	for _, candidate := range []string{"", secret[:SecretLength-1], secret + "0"} {
		_, ok, err := store.FindBySecret(ctx, candidate)
		require.NoError(t, err)
		assert.False(t, ok, "candidate %q", candidate)
	}
}

func TestFileStoreDestroyIsIdempotent(t *testing.T) {
	t.Parallel()

	store := newTestFileStore(t)
	ctx := context.Background()
	keep, _, err := store.Create(ctx, "keep")
	require.NoError(t, err)
	drop, dropSecret, err := store.Create(ctx, "drop")
	require.NoError(t, err)

	require.NoError(t, store.Destroy(ctx, drop.ID))
	first, err := store.List(ctx)
	require.NoError(t, err)

	require.NoError(t, store.Destroy(ctx, drop.ID))
	second, err := store.List(ctx)
	require.NoError(t, err)

	require.Equal(t, first, second)
	require.Len(t, second, 1)
	assert.Equal(t, keep.ID, second[0].ID)

	_, ok, err := store.FindBySecret(ctx, dropSecret)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.Destroy(ctx, "never-existed"))
}

func TestFileStoreTouchStampsLastUsed(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	store := newTestFileStoreWithClock(t, clock)
	ctx := context.Background()
	tok, _, err := store.Create(ctx, "cli")
	require.NoError(t, err)
	require.Nil(t, tok.LastUsedAt)

	clock.now = clock.now.Add(time.Hour)
	require.NoError(t, store.Touch(ctx, tok.ID))
	require.NoError(t, store.Touch(ctx, "missing"))

	tokens, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, tokens, 1)
	require.NotNil(t, tokens[0].LastUsedAt)
	assert.True(t, tokens[0].LastUsedAt.Equal(clock.now))
	assert.True(t, tokens[0].CreatedAt.Equal(clock.now.Add(-time.Hour)))
}

func TestFileStoreListMissingFileIsEmpty(t *testing.T) {
	t.Parallel()

	store := newTestFileStore(t)
	tokens, err := store.List(context.Background())
	require.NoError(t, err)
	require.NotNil(t, tokens)
	require.Empty(t, tokens)
}

func TestFileStoreCorruptFileRecognizesNothing(t *testing.T) {
	t.Parallel()

	store := newTestFileStore(t)
	require.NoError(t, os.MkdirAll(filepath.Dir(store.Path()), 0o700))
	require.NoError(t, os.WriteFile(store.Path(), []byte("{not json"), 0o600))

	tokens, err := store.List(context.Background())
	require.NoError(t, err)
	require.Empty(t, tokens)

	_, ok, err := store.FindBySecret(context.Background(), string(make([]byte, SecretLength)))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestFileStoreWritesOwnerOnlyFile(t *testing.T) {
	t.Parallel()

	store := newTestFileStore(t)
	_, _, err := store.Create(context.Background(), "perm")
	require.NoError(t, err)

	info, err := os.Stat(store.Path())
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	entries, err := os.ReadDir(filepath.Dir(store.Path()))
	require.NoError(t, err)
	require.Len(t, entries, 1, "temporary files must not be left behind")
}

func TestFileStoreCreatePropagatesGeneratorErrors(t *testing.T) {
	t.Parallel()

	store, err := NewFileStore(
		filepath.Join(t.TempDir(), "tokens.json"),
		&fakeIDGen{err: errors.New("entropy exhausted")},
		&fakeClock{now: time.Unix(0, 0).UTC()},
		nil,
	)
	require.NoError(t, err)

	_, _, err = store.Create(context.Background(), "x")
	require.ErrorContains(t, err, "entropy exhausted")
	_, statErr := os.Stat(store.Path())
	require.True(t, os.IsNotExist(statErr))
}

func TestNewFileStoreValidatesArguments(t *testing.T) {
	t.Parallel()

	_, err := NewFileStore(" ", &fakeIDGen{}, &fakeClock{}, nil)
	require.Error(t, err)
	_, err = NewFileStore("/tmp/x.json", nil, &fakeClock{}, nil)
	require.Error(t, err)
}

func TestSecretsEqual(t *testing.T) {
	t.Parallel()

	assert.True(t, SecretsEqual("abcd", "abcd"))
	assert.False(t, SecretsEqual("abcd", "abce"))
	assert.False(t, SecretsEqual("abcd", "abc"))
	assert.False(t, SecretsEqual("", "a"))
}

// --- helpers/fakes ---

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	return c.now
}

type fakeIDGen struct {
	mu  sync.Mutex
	n   int
	err error
}

func (f *fakeIDGen) NewID() (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.n++
	return "tok-" + string(rune('0'+f.n)), nil
}

func newTestFileStore(t *testing.T) *FileStore {
	t.Helper()
	return newTestFileStoreWithClock(t, &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)})
}

func newTestFileStoreWithClock(t *testing.T, clock Clock) *FileStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config", "tokens.json")
	store, err := NewFileStore(path, &fakeIDGen{}, clock, nil)
	require.NoError(t, err)
	return store
}
