// Package workspace materializes the isolated, resource-bounded scratch
// directories that tool executions run inside. Every execution gets its own
// directory; a workspace is released on every exit path.
package workspace

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/aegisreview/aegis/internal/model"
	"github.com/aegisreview/aegis/internal/telemetry"
)

// Manager materializes and releases isolated workspaces under a root
// directory, enforcing the ResourceLimits attached to each Tool.
type Manager struct {
	root   string
	active sync.Map // workspace path -> struct{}
}

// NewManager creates a Manager rooted at root, creating it if absent.
func NewManager(root string) (*Manager, error) {
	if root == "" {
		return nil, fmt.Errorf("workspace root must not be empty")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("creating workspace root %s: %w", root, err)
	}
	return &Manager{root: root}, nil
}

// Workspace is a single checked-out, resource-bounded scratch directory.
type Workspace struct {
	Path    string
	Limits  model.ResourceLimits
	manager *Manager
	done    int32
}

// Materialize copies the given source tree (typically a worktree checkout
// produced by internal/gitmeta) into a fresh isolated directory and returns
// a handle that must be released on every exit path, including panics,
// timeouts and cancellations.
func (m *Manager) Materialize(ctx context.Context, sourceDir string, limits model.ResourceLimits) (*Workspace, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	name := uuid.NewString()
	dst := filepath.Join(m.root, name)

	budget := int64(-1) // unlimited
	if !limits.Disk.IsZero() {
		budget = limits.Disk.Value()
	}
	if err := copyTree(sourceDir, dst, &budget); err != nil {
		_ = os.RemoveAll(dst)
		return nil, fmt.Errorf("materializing workspace from %s: %w", sourceDir, err)
	}
	m.active.Store(dst, struct{}{})
	telemetry.WorkspacesActive.Inc()
	return &Workspace{Path: dst, Limits: limits, manager: m}, nil
}

// Release removes the workspace directory. Safe to call more than once and
// safe to defer immediately after Materialize succeeds.
func (w *Workspace) Release() {
	if w == nil || !atomic.CompareAndSwapInt32(&w.done, 0, 1) {
		return
	}
	_ = os.RemoveAll(w.Path)
	if w.manager != nil {
		w.manager.active.Delete(w.Path)
		telemetry.WorkspacesActive.Dec()
	}
}

// Deadline returns the context deadline implied by Limits.TimeoutSeconds,
// falling back to the parent context's own deadline when unset.
func (w *Workspace) Deadline(ctx context.Context) (context.Context, context.CancelFunc) {
	if w.Limits.TimeoutSeconds <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, time.Duration(w.Limits.TimeoutSeconds)*time.Second)
}

// ActiveCount returns the number of workspaces currently checked out.
func (m *Manager) ActiveCount() int {
	count := 0
	m.active.Range(func(_, _ any) bool {
		count++
		return true
	})
	return count
}

// Prune removes any workspace directories under root not tracked as active,
// guarding against leaks from a prior process that exited uncleanly.
func (m *Manager) Prune() (int, error) {
	entries, err := os.ReadDir(m.root)
	if err != nil {
		return 0, fmt.Errorf("reading workspace root: %w", err)
	}
	pruned := 0
	for _, e := range entries {
		path := filepath.Join(m.root, e.Name())
		if _, tracked := m.active.Load(path); tracked {
			continue
		}
		if err := os.RemoveAll(path); err == nil {
			pruned++
		}
	}
	return pruned, nil
}

// copyTree stages src into dst, skipping .git and charging every file
// against the remaining disk budget (-1 means unlimited).
func copyTree(src, dst string, budget *int64) error {
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return err
	}
	entries, err := os.ReadDir(src)
	if err != nil {
		return err
	}
	for _, e := range entries {
		srcPath := filepath.Join(src, e.Name())
		dstPath := filepath.Join(dst, e.Name())
		if e.IsDir() {
			if e.Name() == ".git" {
				continue
			}
			if err := copyTree(srcPath, dstPath, budget); err != nil {
				return err
			}
			continue
		}
		data, err := os.ReadFile(srcPath)
		if err != nil {
			return err
		}
		if *budget >= 0 {
			*budget -= int64(len(data))
			if *budget < 0 {
				return fmt.Errorf("disk limit exceeded staging %s", srcPath)
			}
		}
		info, err := e.Info()
		if err != nil {
			return err
		}
		if err := os.WriteFile(dstPath, data, info.Mode()); err != nil {
			return err
		}
	}
	return nil
}
