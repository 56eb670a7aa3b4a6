package cache

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aegisreview/aegis/internal/storage"
)

func newTestCache(t *testing.T, ttl time.Duration) *Cache {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "aegis.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	c, err := New(db, 16, ttl, nil)
	require.NoError(t, err)
	return c
}

func TestPutThenGetValid(t *testing.T) {
	c := newTestCache(t, time.Hour)
	ctx := context.Background()

	put, err := c.Put(ctx, "repo-1", "comprehensive", "abc123", []byte(`{"findings":[]}`), map[string]string{"tier": "comprehensive"}, 0)
	require.NoError(t, err)
	assert.True(t, put.CachedUntil.After(put.ProducedAt), "cachedUntil must exceed producedAt")

	got, ok := c.GetValid(ctx, "repo-1", "comprehensive", "abc123")
	require.True(t, ok)
	assert.Equal(t, put.AnalysisData, got.AnalysisData)
	assert.Equal(t, "comprehensive", got.Metadata["tier"])
}

func TestGetValidExpiresWithTTL(t *testing.T) {
	c := newTestCache(t, time.Hour)
	ctx := context.Background()

	_, err := c.Put(ctx, "repo-1", "quick", "abc123", []byte("{}"), nil, 30*time.Millisecond)
	require.NoError(t, err)

	_, ok := c.GetValid(ctx, "repo-1", "quick", "abc123")
	require.True(t, ok, "fresh record is valid")

	time.Sleep(50 * time.Millisecond)
	_, ok = c.GetValid(ctx, "repo-1", "quick", "abc123")
	assert.False(t, ok, "record must expire once past its TTL")
}

func TestGetLatestIgnoresValidity(t *testing.T) {
	c := newTestCache(t, time.Hour)
	ctx := context.Background()

	_, err := c.Put(ctx, "repo-1", "security", "abc", []byte("old"), nil, 10*time.Millisecond)
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)

	latest, err := c.GetLatest(ctx, "repo-1", "security")
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, []byte("old"), latest.AnalysisData)

	_, ok := c.GetValid(ctx, "repo-1", "security", "abc")
	assert.False(t, ok)
}

func TestNewestRowWins(t *testing.T) {
	c := newTestCache(t, time.Hour)
	ctx := context.Background()

	_, err := c.Put(ctx, "repo-1", "comprehensive", "sha-1", []byte("first"), nil, 0)
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)
	_, err = c.Put(ctx, "repo-1", "comprehensive", "sha-2", []byte("second"), nil, 0)
	require.NoError(t, err)

	latest, err := c.GetLatest(ctx, "repo-1", "comprehensive")
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, []byte("second"), latest.AnalysisData, "append-mostly: only the newest row is consulted")
}

func TestMissForUnknownKey(t *testing.T) {
	c := newTestCache(t, time.Hour)

	latest, err := c.GetLatest(context.Background(), "nope", "comprehensive")
	require.NoError(t, err)
	assert.Nil(t, latest)

	_, ok := c.GetValid(context.Background(), "nope", "comprehensive", "fp")
	assert.False(t, ok)
}

func TestInvalidateTombstonesRows(t *testing.T) {
	c := newTestCache(t, time.Hour)
	ctx := context.Background()

	_, err := c.Put(ctx, "repo-1", "patterns", "fp", []byte("{}"), nil, 0)
	require.NoError(t, err)
	_, err = c.Put(ctx, "repo-1", "security", "fp", []byte("{}"), nil, 0)
	require.NoError(t, err)

	require.NoError(t, c.Invalidate(ctx, "repo-1", "patterns"))

	_, ok := c.GetValid(ctx, "repo-1", "patterns", "fp")
	assert.False(t, ok, "invalidated analyzer is no longer valid")
	_, ok = c.GetValid(ctx, "repo-1", "security", "fp")
	assert.True(t, ok, "other analyzers are untouched")

	// The tombstoned row is retained for audit.
	latest, err := c.GetLatest(ctx, "repo-1", "patterns")
	require.NoError(t, err)
	assert.NotNil(t, latest)
}

func TestInvalidateAllAnalyzers(t *testing.T) {
	c := newTestCache(t, time.Hour)
	ctx := context.Background()

	_, err := c.Put(ctx, "repo-1", "patterns", "fp", []byte("{}"), nil, 0)
	require.NoError(t, err)
	_, err = c.Put(ctx, "repo-1", "security", "fp", []byte("{}"), nil, 0)
	require.NoError(t, err)

	require.NoError(t, c.Invalidate(ctx, "repo-1", ""))

	_, ok := c.GetValid(ctx, "repo-1", "patterns", "fp")
	assert.False(t, ok)
	_, ok = c.GetValid(ctx, "repo-1", "security", "fp")
	assert.False(t, ok)
}

func TestKeyIsStable(t *testing.T) {
	assert.Equal(t, Key("r", "a", "f"), Key("r", "a", "f"))
	assert.NotEqual(t, Key("r", "a", "f"), Key("r", "a", "g"))
	assert.Len(t, Key("r", "a", "f"), 32)
}
