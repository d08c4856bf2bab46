package store

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/majorcontext/credgate/internal/token"
)

// plantLock writes a lock file as if another process held it.
func plantLock(t *testing.T, path string, info lockInfo) {
	t.Helper()
	data, err := json.Marshal(info)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o600))
}

func testKey(t *testing.T) []byte {
	t.Helper()
	key := make([]byte, 32)
	_, err := rand.Read(key)
	require.NoError(t, err)
	return key
}

func newTestFileStore(t *testing.T) *FileStore {
	t.Helper()
	fs, err := NewFileStore(t.TempDir(), testKey(t))
	require.NoError(t, err)
	return fs
}

func TestFileStoreRoundTrip(t *testing.T) {
	fs := newTestFileStore(t)
	ctx := context.Background()
	key := token.NewKey("github", "prod")

	tok := &token.Token{
		AccessToken:  "at",
		Expiry:       1700000000,
		RefreshToken: "rt",
	}
	require.NoError(t, fs.Save(ctx, key, tok))

	got, err := fs.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, tok, got)
}

func TestFileStoreMissingToken(t *testing.T) {
	fs := newTestFileStore(t)
	_, err := fs.Get(context.Background(), token.NewKey("ghost", ""))
	assert.ErrorIs(t, err, token.ErrNotFound)
}

func TestFileStoreWrongKeyFails(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	slot := token.NewKey("github", "")

	fs1, err := NewFileStore(dir, testKey(t))
	require.NoError(t, err)
	require.NoError(t, fs1.Save(ctx, slot, &token.Token{AccessToken: "at"}))

	fs2, err := NewFileStore(dir, testKey(t))
	require.NoError(t, err)
	_, err = fs2.Get(ctx, slot)
	assert.Error(t, err)
	assert.NotErrorIs(t, err, token.ErrNotFound)
}

func TestFileStoreShortKeyRejected(t *testing.T) {
	_, err := NewFileStore(t.TempDir(), []byte("short"))
	assert.Error(t, err)
}

func TestFileStoreRemove(t *testing.T) {
	fs := newTestFileStore(t)
	ctx := context.Background()
	slot := token.NewKey("github", "")

	require.NoError(t, fs.Save(ctx, slot, &token.Token{AccessToken: "at"}))
	require.NoError(t, fs.Remove(ctx, slot))
	_, err := fs.Get(ctx, slot)
	assert.ErrorIs(t, err, token.ErrNotFound)

	// Removing an absent slot succeeds.
	assert.NoError(t, fs.Remove(ctx, slot))
}

func TestFileStoreListings(t *testing.T) {
	fs := newTestFileStore(t)
	ctx := context.Background()

	for _, k := range []token.Key{
		token.NewKey("github", "default"),
		token.NewKey("github", "work"),
		token.NewKey("openai", "default"),
	} {
		require.NoError(t, fs.Save(ctx, k, &token.Token{AccessToken: "at"}))
	}

	providers, err := fs.Providers(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"github", "openai"}, providers)

	buckets, err := fs.Buckets(ctx, "github")
	require.NoError(t, err)
	assert.Equal(t, []string{"default", "work"}, buckets)
}

func TestFileStoreSlotNamesEscaped(t *testing.T) {
	fs := newTestFileStore(t)
	ctx := context.Background()

	// Separator characters in names must not collide or escape the dir.
	odd := token.NewKey("pro__vider", "buck/et")
	require.NoError(t, fs.Save(ctx, odd, &token.Token{AccessToken: "at"}))

	got, err := fs.Get(ctx, odd)
	require.NoError(t, err)
	assert.Equal(t, "at", got.AccessToken)
}

func TestFileStoreAPIKeys(t *testing.T) {
	fs := newTestFileStore(t)
	ctx := context.Background()
	slot := token.NewKey("anthropic", "")

	require.NoError(t, fs.SetAPIKey(slot, "sk-secret"))

	value, err := fs.APIKey(ctx, slot)
	require.NoError(t, err)
	assert.Equal(t, "sk-secret", value)

	names, err := fs.APIKeys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"anthropic:default"}, names)

	require.NoError(t, fs.RemoveAPIKey(slot))
	_, err = fs.APIKey(ctx, slot)
	assert.ErrorIs(t, err, token.ErrNotFound)
}

func TestFileStoreKeysAndTokensAreSeparate(t *testing.T) {
	fs := newTestFileStore(t)
	ctx := context.Background()
	slot := token.NewKey("acme", "")

	require.NoError(t, fs.SetAPIKey(slot, "sk-1"))
	_, err := fs.Get(ctx, slot)
	assert.ErrorIs(t, err, token.ErrNotFound)

	providers, err := fs.Providers(ctx)
	require.NoError(t, err)
	assert.Empty(t, providers)
}

func TestFileLockerExcludes(t *testing.T) {
	dir := t.TempDir()
	l, err := NewFileLocker(dir)
	require.NoError(t, err)
	slot := token.NewKey("github", "")
	ctx := context.Background()

	unlock, err := l.Acquire(ctx, slot)
	require.NoError(t, err)

	// A second acquire must block until the first unlock.
	blockedCtx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
	defer cancel()
	_, err = l.Acquire(blockedCtx, slot)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	unlock()

	unlock2, err := l.Acquire(ctx, slot)
	require.NoError(t, err)
	unlock2()
}

func TestFileLockerIndependentKeys(t *testing.T) {
	l, err := NewFileLocker(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	u1, err := l.Acquire(ctx, token.NewKey("a", ""))
	require.NoError(t, err)
	defer u1()

	u2, err := l.Acquire(ctx, token.NewKey("b", ""))
	require.NoError(t, err)
	u2()
}

func TestFileLockerReclaimsDeadHolder(t *testing.T) {
	dir := t.TempDir()
	l, err := NewFileLocker(dir)
	require.NoError(t, err)
	slot := token.NewKey("github", "")

	// Plant a lock file naming a pid that cannot be alive.
	plantLock(t, l.path(slot), lockInfo{
		PID:        1 << 30,
		AcquiredAt: time.Now(),
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	unlock, err := l.Acquire(ctx, slot)
	require.NoError(t, err, "lock held by dead process was not reclaimed")
	unlock()
}

func TestFileLockerReclaimsStaleLock(t *testing.T) {
	dir := t.TempDir()
	l, err := NewFileLocker(dir)
	require.NoError(t, err)
	slot := token.NewKey("github", "")

	// A live pid but an ancient timestamp: stale by age.
	plantLock(t, l.path(slot), lockInfo{
		PID:        os.Getpid(),
		AcquiredAt: time.Now().Add(-time.Hour),
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	unlock, err := l.Acquire(ctx, slot)
	require.NoError(t, err, "stale lock was not reclaimed")
	unlock()
}
