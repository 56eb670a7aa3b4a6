package storage

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aegisreview/aegis/internal/model"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "nested", "aegis.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpenCreatesDirectoryAndSchema(t *testing.T) {
	s := openTestStore(t)

	// The base schema tables exist.
	for _, table := range []string{"repository_analysis", "repository_schedules", "schedule_runs", "selector_configs", "repositories"} {
		var name string
		err := s.DB().QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
		require.NoError(t, err, "table %s must exist", table)
	}
}

func TestOpenIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "aegis.db")
	s1, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s1.Close())

	s2, err := Open(path)
	require.NoError(t, err)
	assert.NoError(t, s2.Close())
}

func TestRepositoryUpsertCreatesThenUpdates(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	repo := &model.Repository{
		Identity:        model.RepositoryIdentity{Provider: "github", Owner: "acme", Name: "api"},
		URL:             "https://github.com/acme/api",
		Private:         true,
		PrimaryLanguage: "go",
		Languages:       map[string]int64{"go": 2048},
		SizeBytes:       2048,
		Size:            model.SizeSmall,
		DefaultBranch:   "main",
	}
	require.NoError(t, s.UpsertRepository(ctx, repo))
	require.NotEmpty(t, repo.ID)

	got, err := s.GetRepository(ctx, repo.Identity)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, repo.ID, got.ID)
	assert.True(t, got.Private)
	assert.Equal(t, int64(2048), got.Languages["go"])
	assert.Equal(t, "main", got.DefaultBranch)

	// A metadata refresh updates in place; identity keeps the same row.
	repo.PrimaryLanguage = "typescript"
	repo.Languages["typescript"] = 4096
	require.NoError(t, s.UpsertRepository(ctx, repo))

	got, err = s.GetRepositoryByID(ctx, repo.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "typescript", got.PrimaryLanguage)
	assert.Equal(t, int64(4096), got.Languages["typescript"])
}

func TestGetRepositoryMisses(t *testing.T) {
	s := openTestStore(t)

	got, err := s.GetRepository(context.Background(), model.RepositoryIdentity{Provider: "github", Owner: "no", Name: "pe"})
	require.NoError(t, err)
	assert.Nil(t, got)

	got, err = s.GetRepositoryByID(context.Background(), "missing")
	require.NoError(t, err)
	assert.Nil(t, got)
}
