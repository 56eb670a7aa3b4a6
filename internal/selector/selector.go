// Package selector resolves which tool and model configuration applies to
// an analysis context, walking a lookup chain from the most specific
// configuration to the universal default.
package selector

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/aegisreview/aegis/internal/aerrors"
	"github.com/aegisreview/aegis/internal/model"
	"github.com/aegisreview/aegis/internal/storage"
)

// Selection is the resolved configuration for one context: the primary tool
// and model plus an ordered fallback list.
type Selection struct {
	ToolID    string
	ModelID   string
	Fallbacks []string
	Source    string // "override", "stored", "role-default", "universal-default"
}

// Selector resolves a Selection through the chain: per-request override ->
// stored row keyed by (role, language, size) -> role default -> universal
// default. It never fabricates configuration.
type Selector struct {
	db               *storage.Store
	roleDefaults     map[model.AgentRole]Selection
	universalDefault *Selection
}

// New creates a Selector backed by db, with the given role defaults and an
// optional universal fallback.
func New(db *storage.Store, roleDefaults map[model.AgentRole]Selection, universalDefault *Selection) *Selector {
	return &Selector{db: db, roleDefaults: roleDefaults, universalDefault: universalDefault}
}

// Resolve returns the Selection for (role, language, size). When no link of
// the chain matches, the caller receives NoConfigurationForContext and the
// run aborts.
func (s *Selector) Resolve(ctx context.Context, role model.AgentRole, language string, size model.SizeBucket, override *Selection) (Selection, error) {
	if override != nil {
		sel := *override
		sel.Source = "override"
		return sel, nil
	}

	if sel, ok, err := s.lookupStored(ctx, role, language, size); err != nil {
		return Selection{}, err
	} else if ok {
		sel.Source = "stored"
		return sel, nil
	}

	if sel, ok := s.roleDefaults[role]; ok {
		sel.Source = "role-default"
		return sel, nil
	}

	if s.universalDefault == nil {
		return Selection{}, aerrors.New(aerrors.CodeNoConfigurationForContext, "no configuration resolved for context").
			WithContext("role", string(role)).
			WithContext("language", language).
			WithContext("size", string(size))
	}
	sel := *s.universalDefault
	sel.Source = "universal-default"
	return sel, nil
}

func (s *Selector) lookupStored(ctx context.Context, role model.AgentRole, language string, size model.SizeBucket) (Selection, bool, error) {
	var sel Selection
	var fallbacks string
	row := s.db.DB().QueryRowContext(ctx,
		`SELECT tool_id, model_id, fallbacks FROM selector_configs
		 WHERE role = ? AND language = ? AND size = ?`,
		string(role), language, string(size))
	switch err := row.Scan(&sel.ToolID, &sel.ModelID, &fallbacks); {
	case err == nil:
		sel.Fallbacks = splitList(fallbacks)
		return sel, true, nil
	case errors.Is(err, sql.ErrNoRows):
		return Selection{}, false, nil
	default:
		return Selection{}, false, fmt.Errorf("looking up stored selector config: %w", err)
	}
}

// Store persists a (role, language, size) configuration row, taking priority
// over role and universal defaults on future Resolve calls.
func (s *Selector) Store(ctx context.Context, role model.AgentRole, language string, size model.SizeBucket, sel Selection) error {
	_, err := s.db.DB().ExecContext(ctx, `
		INSERT INTO selector_configs (id, role, language, size, tool_id, model_id, fallbacks)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(role, language, size) DO UPDATE SET
			tool_id = excluded.tool_id, model_id = excluded.model_id, fallbacks = excluded.fallbacks`,
		string(role)+"/"+language+"/"+string(size), string(role), language, string(size),
		sel.ToolID, sel.ModelID, joinList(sel.Fallbacks))
	if err != nil {
		return fmt.Errorf("storing selector config: %w", err)
	}
	return nil
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}

func joinList(parts []string) string {
	return strings.Join(parts, ",")
}
