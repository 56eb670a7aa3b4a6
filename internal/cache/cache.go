// Package cache is the analysis cache layer: an LRU hot path keyed by
// (repository, analyzer, content fingerprint) in front of the SQLite-backed
// durable store, which appends one row per write and serves the newest row
// for a (repository, analyzer) pair.
package cache

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/aegisreview/aegis/internal/logging"
	"github.com/aegisreview/aegis/internal/model"
	"github.com/aegisreview/aegis/internal/storage"
	"github.com/aegisreview/aegis/internal/telemetry"
)

// DefaultTTL is the default validity window for new cache entries.
const DefaultTTL = 24 * time.Hour

// Cache fronts the durable store with an in-memory LRU of recently read
// rows, avoiding a SQLite round trip for repeated lookups within one run.
type Cache struct {
	store *storage.Store
	hot   *lru.Cache[string, *model.CachedAnalysis]
	ttl   time.Duration
	log   *logging.Logger
}

// New creates a Cache with the given durable store, hot-path capacity and
// default TTL for new entries.
func New(store *storage.Store, hotCapacity int, ttl time.Duration, log *logging.Logger) (*Cache, error) {
	if hotCapacity <= 0 {
		hotCapacity = 256
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	hot, err := lru.New[string, *model.CachedAnalysis](hotCapacity)
	if err != nil {
		return nil, fmt.Errorf("creating LRU hot path: %w", err)
	}
	return &Cache{store: store, hot: hot, ttl: ttl, log: log}, nil
}

// Key derives the cache key for a (repository, analyzer) pair at a given
// content fingerprint, typically the repository's current commit SHA.
func Key(repositoryID, analyzer, fingerprint string) string {
	sum := sha256.Sum256([]byte(repositoryID + "|" + analyzer + "|" + fingerprint))
	return fmt.Sprintf("%x", sum)[:32]
}

// GetLatest returns the newest cached row for (repositoryID, analyzer)
// regardless of expiry, for audit/debugging use.
func (c *Cache) GetLatest(ctx context.Context, repositoryID, analyzer string) (*model.CachedAnalysis, error) {
	row := c.store.DB().QueryRowContext(ctx,
		`SELECT id, repository_id, analyzer, analysis_data, metadata, cached_until, produced_at
		 FROM repository_analysis WHERE repository_id = ? AND analyzer = ?
		 ORDER BY produced_at DESC LIMIT 1`, repositoryID, analyzer)
	return scanCachedAnalysis(row)
}

// GetValid returns the newest cached row for (repositoryID, analyzer) if it
// is still valid at the current instant, consulting the hot path first.
func (c *Cache) GetValid(ctx context.Context, repositoryID, analyzer, fingerprint string) (*model.CachedAnalysis, bool) {
	key := Key(repositoryID, analyzer, fingerprint)
	if cached, ok := c.hot.Get(key); ok && cached.Valid(time.Now()) {
		telemetry.RecordCacheLookup(true)
		if c.log != nil {
			c.log.CacheHit(repositoryID, analyzer)
		}
		return cached, true
	}

	cached, err := c.GetLatest(ctx, repositoryID, analyzer)
	if err != nil || cached == nil || !cached.Valid(time.Now()) {
		telemetry.RecordCacheLookup(false)
		if c.log != nil {
			c.log.CacheMiss(repositoryID, analyzer)
		}
		return nil, false
	}
	c.hot.Add(key, cached)
	telemetry.RecordCacheLookup(true)
	if c.log != nil {
		c.log.CacheHit(repositoryID, analyzer)
	}
	return cached, true
}

// Put inserts a new cached analysis row, valid for the cache's default TTL
// unless validFor overrides it.
func (c *Cache) Put(ctx context.Context, repositoryID, analyzer, fingerprint string, data []byte, metadata map[string]string, validFor time.Duration) (*model.CachedAnalysis, error) {
	if validFor <= 0 {
		validFor = c.ttl
	}
	now := time.Now()
	meta, err := json.Marshal(metadata)
	if err != nil {
		return nil, fmt.Errorf("marshaling cache metadata: %w", err)
	}
	id := Key(repositoryID, analyzer, fmt.Sprintf("%s-%d", fingerprint, now.UnixNano()))
	cached := &model.CachedAnalysis{
		ID:           id,
		RepositoryID: repositoryID,
		Analyzer:     analyzer,
		AnalysisData: data,
		Metadata:     metadata,
		CachedUntil:  now.Add(validFor),
		ProducedAt:   now,
	}
	_, err = c.store.DB().ExecContext(ctx,
		`INSERT INTO repository_analysis (id, repository_id, analyzer, analysis_data, metadata, cached_until, produced_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		cached.ID, cached.RepositoryID, cached.Analyzer, cached.AnalysisData, string(meta), cached.CachedUntil, cached.ProducedAt)
	if err != nil {
		return nil, fmt.Errorf("inserting cached analysis: %w", err)
	}
	c.hot.Add(Key(repositoryID, analyzer, fingerprint), cached)
	return cached, nil
}

// Invalidate lazily tombstones the matching durable rows by setting
// cached_until to now, and purges the hot path. Rows are retained for audit
//; an empty analyzer matches every analyzer of the
// repository.
func (c *Cache) Invalidate(ctx context.Context, repositoryID, analyzer string) error {
	now := time.Now()
	var err error
	if analyzer == "" {
		_, err = c.store.DB().ExecContext(ctx,
			`UPDATE repository_analysis SET cached_until = ? WHERE repository_id = ? AND cached_until > ?`,
			now, repositoryID, now)
	} else {
		_, err = c.store.DB().ExecContext(ctx,
			`UPDATE repository_analysis SET cached_until = ? WHERE repository_id = ? AND analyzer = ? AND cached_until > ?`,
			now, repositoryID, analyzer, now)
	}
	if err != nil {
		return fmt.Errorf("invalidating cached analyses: %w", err)
	}
	c.hot.Purge()
	return nil
}

func scanCachedAnalysis(row *sql.Row) (*model.CachedAnalysis, error) {
	var (
		c        model.CachedAnalysis
		metaJSON string
	)
	if err := row.Scan(&c.ID, &c.RepositoryID, &c.Analyzer, &c.AnalysisData, &metaJSON, &c.CachedUntil, &c.ProducedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("scanning cached analysis: %w", err)
	}
	if metaJSON != "" {
		if err := json.Unmarshal([]byte(metaJSON), &c.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshaling cache metadata: %w", err)
		}
	}
	return &c, nil
}
