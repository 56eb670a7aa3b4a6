package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/aegisreview/aegis/internal/model"
)

// UpsertRepository creates a repository on first observation or refreshes
// its metadata on subsequent ones. The core never deletes a repository row.
func (s *Store) UpsertRepository(ctx context.Context, repo *model.Repository) error {
	if repo.ID == "" {
		repo.ID = ulid.Make().String()
	}
	languages, err := json.Marshal(repo.Languages)
	if err != nil {
		return fmt.Errorf("marshaling language map: %w", err)
	}
	now := time.Now()
	repo.UpdatedAt = now
	if repo.CreatedAt.IsZero() {
		repo.CreatedAt = now
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE repositories SET url = ?, private = ?, primary_language = ?, languages = ?,
			size_bytes = ?, size_bucket = ?, default_branch = ?, is_production = ?,
			last_metadata_refresh_at = ?, updated_at = ?
		WHERE id = ?`,
		repo.URL, repo.Private, repo.PrimaryLanguage, string(languages), repo.SizeBytes,
		repo.Size, repo.DefaultBranch, repo.IsProduction, nullableTime(repo.LastMetadataRefreshAt),
		repo.UpdatedAt, repo.ID)
	if err != nil {
		return fmt.Errorf("updating repository: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		return nil
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO repositories (id, provider, owner, name, url, private, primary_language,
			languages, size_bytes, size_bucket, default_branch, is_production,
			last_metadata_refresh_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(provider, owner, name) DO UPDATE SET
			url = excluded.url, private = excluded.private,
			primary_language = excluded.primary_language, languages = excluded.languages,
			size_bytes = excluded.size_bytes, size_bucket = excluded.size_bucket,
			default_branch = excluded.default_branch, is_production = excluded.is_production,
			last_metadata_refresh_at = excluded.last_metadata_refresh_at,
			updated_at = excluded.updated_at`,
		repo.ID, repo.Identity.Provider, repo.Identity.Owner, repo.Identity.Name, repo.URL,
		repo.Private, repo.PrimaryLanguage, string(languages), repo.SizeBytes, repo.Size,
		repo.DefaultBranch, repo.IsProduction, nullableTime(repo.LastMetadataRefreshAt),
		repo.CreatedAt, repo.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upserting repository: %w", err)
	}
	return nil
}

// GetRepository looks a repository up by identity, returning nil when it has
// not been observed yet.
func (s *Store) GetRepository(ctx context.Context, identity model.RepositoryIdentity) (*model.Repository, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, provider, owner, name, url, private, primary_language, languages,
			size_bytes, size_bucket, default_branch, is_production,
			last_metadata_refresh_at, created_at, updated_at
		FROM repositories WHERE provider = ? AND owner = ? AND name = ?`,
		identity.Provider, identity.Owner, identity.Name)
	return scanRepository(row)
}

// GetRepositoryByID looks a repository up by its primary key.
func (s *Store) GetRepositoryByID(ctx context.Context, id string) (*model.Repository, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, provider, owner, name, url, private, primary_language, languages,
			size_bytes, size_bucket, default_branch, is_production,
			last_metadata_refresh_at, created_at, updated_at
		FROM repositories WHERE id = ?`, id)
	return scanRepository(row)
}

func scanRepository(row *sql.Row) (*model.Repository, error) {
	var (
		repo          model.Repository
		languagesJSON string
		refreshedAt   sql.NullTime
	)
	err := row.Scan(&repo.ID, &repo.Identity.Provider, &repo.Identity.Owner, &repo.Identity.Name,
		&repo.URL, &repo.Private, &repo.PrimaryLanguage, &languagesJSON, &repo.SizeBytes,
		&repo.Size, &repo.DefaultBranch, &repo.IsProduction, &refreshedAt,
		&repo.CreatedAt, &repo.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scanning repository: %w", err)
	}
	if err := json.Unmarshal([]byte(languagesJSON), &repo.Languages); err != nil {
		return nil, fmt.Errorf("unmarshaling language map: %w", err)
	}
	if refreshedAt.Valid {
		repo.LastMetadataRefreshAt = refreshedAt.Time
	}
	return &repo, nil
}

func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
