// Package registry is the catalog of available analyzer tools, indexed by
// id, role and language behind one read-write mutex.
package registry

import (
	"context"
	"fmt"
	"sync"

	"github.com/aegisreview/aegis/internal/model"
)

// UniversalLanguage is the language-index key for tools applying to every
// language.
const UniversalLanguage = "*"

// HealthChecker is implemented by tools that can report their own liveness.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Registry is the mutex-guarded catalog of registered tools. All three
// indices are rebuilt under the write lock, so readers never observe a
// partially-updated index.
type Registry struct {
	mu         sync.RWMutex
	tools      map[string]*model.Tool
	byRole     map[model.AgentRole]map[string]struct{}
	byLanguage map[string]map[string]struct{}
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{
		tools:      make(map[string]*model.Tool),
		byRole:     make(map[model.AgentRole]map[string]struct{}),
		byLanguage: make(map[string]map[string]struct{}),
	}
}

// Register adds or replaces a tool by ID, updating every index in one
// logical step. Registration is idempotent by id.
func (r *Registry) Register(t *model.Tool) {
	if r == nil || t == nil || t.ID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dropLocked(t.ID)
	r.tools[t.ID] = t
	for _, role := range t.SupportedRoles {
		if r.byRole[role] == nil {
			r.byRole[role] = make(map[string]struct{})
		}
		r.byRole[role][t.ID] = struct{}{}
	}
	languages := t.SupportedLanguages
	if t.Universal() {
		languages = []string{UniversalLanguage}
	}
	for _, lang := range languages {
		if r.byLanguage[lang] == nil {
			r.byLanguage[lang] = make(map[string]struct{})
		}
		r.byLanguage[lang][t.ID] = struct{}{}
	}
}

// Unregister removes a tool from all indices.
func (r *Registry) Unregister(id string) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dropLocked(id)
}

func (r *Registry) dropLocked(id string) {
	delete(r.tools, id)
	for role, ids := range r.byRole {
		delete(ids, id)
		if len(ids) == 0 {
			delete(r.byRole, role)
		}
	}
	for lang, ids := range r.byLanguage {
		delete(ids, id)
		if len(ids) == 0 {
			delete(r.byLanguage, lang)
		}
	}
}

// Get returns a tool by ID.
func (r *Registry) Get(id string) (*model.Tool, bool) {
	if r == nil {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[id]
	return t, ok
}

// List returns a snapshot of every registered tool.
func (r *Registry) List() []*model.Tool {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*model.Tool, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t)
	}
	return out
}

// ToolsForRole returns the tools registered for a role, via the role index.
func (r *Registry) ToolsForRole(role model.AgentRole) []*model.Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*model.Tool, 0, len(r.byRole[role]))
	for id := range r.byRole[role] {
		out = append(out, r.tools[id])
	}
	return out
}

// ToolsForLanguage returns the tools applicable to a language: those indexed
// under it plus the universal set.
func (r *Registry) ToolsForLanguage(language string) []*model.Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[string]struct{})
	var out []*model.Tool
	for _, key := range []string{language, UniversalLanguage} {
		for id := range r.byLanguage[key] {
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, r.tools[id])
		}
	}
	return out
}

// ToolsFor intersects the role and language indices.
func (r *Registry) ToolsFor(role model.AgentRole, language string) []*model.Tool {
	var out []*model.Tool
	for _, t := range r.ToolsForRole(role) {
		if t.SupportsLanguage(language) {
			out = append(out, t)
		}
	}
	return out
}

// Compatible reports whether a tool applies to the given analysis context,
// checking role, language and the file-count requirements.
func (r *Registry) Compatible(t *model.Tool, role model.AgentRole, language string, fileCount int) bool {
	if t == nil {
		return false
	}
	if !t.SupportsRole(role) || !t.SupportsLanguage(language) {
		return false
	}
	if t.Requirements.MinFiles > 0 && fileCount < t.Requirements.MinFiles {
		return false
	}
	if t.Requirements.MaxFiles > 0 && fileCount > t.Requirements.MaxFiles {
		return false
	}
	return true
}

// UnderprovisionedRoles returns the roles registered with fewer than two
// tools. Every role needs at least two so selection can degrade to a
// fallback.
func (r *Registry) UnderprovisionedRoles() []model.AgentRole {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []model.AgentRole
	for role, ids := range r.byRole {
		if len(ids) < 2 {
			out = append(out, role)
		}
	}
	return out
}

// HealthCheck probes every registered tool that has a checker, outside the
// registry lock so liveness probes never serialize on it; it returns the
// set of tool IDs that failed.
func (r *Registry) HealthCheck(ctx context.Context, checkers map[string]HealthChecker) map[string]error {
	registered := make(map[string]struct{})
	for _, t := range r.List() {
		registered[t.ID] = struct{}{}
	}

	failures := make(map[string]error)
	for id, hc := range checkers {
		if _, ok := registered[id]; !ok {
			continue
		}
		if err := hc.HealthCheck(ctx); err != nil {
			failures[id] = fmt.Errorf("tool %s failed health check: %w", id, err)
		}
	}
	return failures
}

// Count returns the number of registered tools.
func (r *Registry) Count() int {
	if r == nil {
		return 0
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}
