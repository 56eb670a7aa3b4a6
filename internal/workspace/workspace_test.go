package workspace

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/apimachinery/pkg/api/resource"

	"github.com/aegisreview/aegis/internal/model"
)

func newSource(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "pkg"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "main.go"), []byte("package main\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "pkg", "util.go"), []byte("package pkg\n"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, ".git"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".git", "HEAD"), []byte("ref: refs/heads/main\n"), 0o644))
	return dir
}

func TestMaterializeCopiesTreeWithoutGitDir(t *testing.T) {
	m, err := NewManager(t.TempDir())
	require.NoError(t, err)

	ws, err := m.Materialize(context.Background(), newSource(t), model.ResourceLimits{})
	require.NoError(t, err)
	defer ws.Release()

	_, err = os.Stat(filepath.Join(ws.Path, "main.go"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(ws.Path, "pkg", "util.go"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(ws.Path, ".git"))
	assert.True(t, os.IsNotExist(err), ".git must not be materialized")
}

func TestReleaseRemovesDirectory(t *testing.T) {
	m, err := NewManager(t.TempDir())
	require.NoError(t, err)

	ws, err := m.Materialize(context.Background(), newSource(t), model.ResourceLimits{})
	require.NoError(t, err)
	require.Equal(t, 1, m.ActiveCount())

	ws.Release()
	_, statErr := os.Stat(ws.Path)
	assert.True(t, os.IsNotExist(statErr), "workspace directory must be removed")
	assert.Equal(t, 0, m.ActiveCount())

	ws.Release() // second release is a no-op
	assert.Equal(t, 0, m.ActiveCount())
}

func TestReleaseOnEveryExitPath(t *testing.T) {
	m, err := NewManager(t.TempDir())
	require.NoError(t, err)
	source := newSource(t)

	// Panic path: the deferred release still runs.
	ws, err := m.Materialize(context.Background(), source, model.ResourceLimits{})
	require.NoError(t, err)
	func() {
		defer func() { _ = recover() }()
		defer ws.Release()
		panic("tool exploded")
	}()
	_, statErr := os.Stat(ws.Path)
	assert.True(t, os.IsNotExist(statErr))
	assert.Equal(t, 0, m.ActiveCount())
}

func TestMaterializeRejectsCancelledContext(t *testing.T) {
	m, err := NewManager(t.TempDir())
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = m.Materialize(ctx, newSource(t), model.ResourceLimits{})
	assert.Error(t, err)
	assert.Equal(t, 0, m.ActiveCount())
}

func TestPruneRemovesUntrackedDirectories(t *testing.T) {
	root := t.TempDir()
	m, err := NewManager(root)
	require.NoError(t, err)

	// A leftover from a previous process that exited uncleanly.
	require.NoError(t, os.MkdirAll(filepath.Join(root, "stale-run"), 0o755))

	ws, err := m.Materialize(context.Background(), newSource(t), model.ResourceLimits{})
	require.NoError(t, err)
	defer ws.Release()

	pruned, err := m.Prune()
	require.NoError(t, err)
	assert.Equal(t, 1, pruned)
	_, statErr := os.Stat(ws.Path)
	assert.NoError(t, statErr, "active workspace must survive pruning")
}

func TestDiskLimitEnforced(t *testing.T) {
	m, err := NewManager(t.TempDir())
	require.NoError(t, err)
	source := newSource(t)

	_, err = m.Materialize(context.Background(), source, model.ResourceLimits{
		Disk: resource.MustParse("10"), // bytes; the source tree is larger
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk limit")
	assert.Equal(t, 0, m.ActiveCount())

	ws, err := m.Materialize(context.Background(), source, model.ResourceLimits{
		Disk: resource.MustParse("1Mi"),
	})
	require.NoError(t, err)
	ws.Release()
}

func TestDeadlineFromLimits(t *testing.T) {
	m, err := NewManager(t.TempDir())
	require.NoError(t, err)
	ws, err := m.Materialize(context.Background(), newSource(t), model.ResourceLimits{TimeoutSeconds: 1})
	require.NoError(t, err)
	defer ws.Release()

	ctx, cancel := ws.Deadline(context.Background())
	defer cancel()
	deadline, ok := ctx.Deadline()
	require.True(t, ok)
	assert.False(t, deadline.IsZero())
}
