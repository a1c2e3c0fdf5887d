package schedconfig

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vmgrid/vmgrid/internal/metrics"
)

// DefaultCacheTTL is how long a loaded config is served from memory before
// the next read goes back to the database.
const DefaultCacheTTL = 5 * time.Minute

// cacheEntry is the single cache slot. It is published through an atomic
// pointer so cache-hit reads never take a lock.
type cacheEntry struct {
	cfg      *SchedulingConfig
	loadedAt time.Time
}

// Service is the scheduling-config store: a validated, versioned record with
// a single-slot TTL cache in front of SQLite. With a nil DB the service runs
// degraded: purely in-memory, no history.
type Service struct {
	db  *sql.DB
	ttl time.Duration

	// loadMu is the single-holder critical section for cache fill and
	// updates. Readers enter it only on miss or expiry and double-check the
	// slot inside.
	loadMu sync.Mutex
	cache  atomic.Pointer[cacheEntry]
}

// NewService creates the config service. db may be nil for degraded
// in-memory operation. ttl <= 0 selects DefaultCacheTTL.
func NewService(db *sql.DB, ttl time.Duration) *Service {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &Service{db: db, ttl: ttl}
}

// GetConfig returns the current scheduling config. Cache hits are lock-free
// and never touch the database; on miss or expiry exactly one caller reloads
// while the rest wait and reuse its result.
func (s *Service) GetConfig(ctx context.Context) (*SchedulingConfig, error) {
	if e := s.cache.Load(); e != nil && time.Since(e.loadedAt) < s.ttl {
		return e.cfg.Clone(), nil
	}

	s.loadMu.Lock()
	defer s.loadMu.Unlock()

	// Double-check: another caller may have filled the slot while we waited.
	if e := s.cache.Load(); e != nil && time.Since(e.loadedAt) < s.ttl {
		return e.cfg.Clone(), nil
	}

	cfg, err := s.loadLocked(ctx)
	if err != nil {
		return nil, err
	}
	s.cache.Store(&cacheEntry{cfg: cfg, loadedAt: time.Now()})
	metrics.ConfigVersion.Set(float64(cfg.Version))
	return cfg.Clone(), nil
}

// loadLocked fetches the live row, bootstrapping defaults when none exists.
// Callers must hold loadMu.
func (s *Service) loadLocked(ctx context.Context) (*SchedulingConfig, error) {
	if s.db == nil {
		// Degraded mode: serve the expired slot if present, else defaults.
		if e := s.cache.Load(); e != nil {
			metrics.ConfigLoads.WithLabelValues("memory").Inc()
			return e.cfg, nil
		}
		metrics.ConfigLoads.WithLabelValues("memory").Inc()
		return DefaultConfig(), nil
	}

	var payload, updatedBy, updatedAt string
	var version int64
	err := s.db.QueryRowContext(ctx,
		"SELECT version, payload, updated_at, updated_by FROM sched_config WHERE id = 1",
	).Scan(&version, &payload, &updatedAt, &updatedBy)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return s.bootstrapLocked(ctx)
	case err != nil:
		return nil, fmt.Errorf("loading scheduling config: %w", err)
	}

	cfg := &SchedulingConfig{}
	if err := json.Unmarshal([]byte(payload), cfg); err != nil {
		return nil, fmt.Errorf("decoding scheduling config v%d: %w", version, err)
	}
	cfg.Version = version
	metrics.ConfigLoads.WithLabelValues("db").Inc()
	return cfg, nil
}

// bootstrapLocked writes the canonical defaults as the first live row.
func (s *Service) bootstrapLocked(ctx context.Context) (*SchedulingConfig, error) {
	cfg := DefaultConfig()
	payload, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("encoding default config: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		"INSERT INTO sched_config (id, version, payload, updated_at, updated_by) VALUES (1, ?, ?, ?, ?)",
		cfg.Version, string(payload), cfg.UpdatedAt.Format(time.RFC3339Nano), cfg.UpdatedBy,
	)
	if err != nil {
		return nil, fmt.Errorf("bootstrapping default config: %w", err)
	}
	slog.Info("schedconfig: bootstrapped default configuration", "version", cfg.Version)
	metrics.ConfigLoads.WithLabelValues("bootstrap").Inc()
	return cfg, nil
}

// UpdateConfig validates candidate, archives the current live row as
// history, bumps Version by exactly one, persists atomically, and refreshes
// the cache so the writer's next read observes its own write.
func (s *Service) UpdateConfig(ctx context.Context, candidate *SchedulingConfig, updatedBy string) (*SchedulingConfig, error) {
	next := candidate.Clone()
	if err := next.Validate(); err != nil {
		metrics.ConfigUpdates.WithLabelValues("rejected").Inc()
		return nil, fmt.Errorf("invalid scheduling config: %w", err)
	}

	s.loadMu.Lock()
	defer s.loadMu.Unlock()

	current, err := s.loadLocked(ctx)
	if err != nil {
		metrics.ConfigUpdates.WithLabelValues("error").Inc()
		return nil, err
	}

	now := time.Now().UTC()
	next.Version = current.Version + 1
	next.CreatedAt = current.CreatedAt
	next.UpdatedAt = now
	next.UpdatedBy = updatedBy

	if s.db == nil {
		slog.Warn("schedconfig: no persistent backing, update applied in-memory only",
			"version", next.Version, "updatedBy", updatedBy)
	} else if err := s.persistUpdateLocked(ctx, current, next); err != nil {
		metrics.ConfigUpdates.WithLabelValues("error").Inc()
		return nil, err
	}

	s.cache.Store(&cacheEntry{cfg: next, loadedAt: time.Now()})
	metrics.ConfigUpdates.WithLabelValues("applied").Inc()
	metrics.ConfigVersion.Set(float64(next.Version))
	slog.Info("schedconfig: configuration updated",
		"version", next.Version, "updatedBy", updatedBy)
	return next.Clone(), nil
}

func (s *Service) persistUpdateLocked(ctx context.Context, current, next *SchedulingConfig) error {
	currentPayload, err := json.Marshal(current)
	if err != nil {
		return fmt.Errorf("encoding config v%d for history: %w", current.Version, err)
	}
	nextPayload, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("encoding config v%d: %w", next.Version, err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting config update: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC().Format(time.RFC3339Nano)
	if _, err := tx.ExecContext(ctx,
		"INSERT OR REPLACE INTO sched_config_history (version, payload, archived_at) VALUES (?, ?, ?)",
		current.Version, string(currentPayload), now,
	); err != nil {
		return fmt.Errorf("archiving config v%d: %w", current.Version, err)
	}

	res, err := tx.ExecContext(ctx,
		"UPDATE sched_config SET version = ?, payload = ?, updated_at = ?, updated_by = ? WHERE id = 1 AND version = ?",
		next.Version, string(nextPayload), next.UpdatedAt.Format(time.RFC3339Nano), next.UpdatedBy, current.Version,
	)
	if err != nil {
		return fmt.Errorf("writing config v%d: %w", next.Version, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Guarded update lost a race with another process on the same file.
		return fmt.Errorf("config version changed concurrently, expected v%d", current.Version)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing config v%d: %w", next.Version, err)
	}
	return nil
}

// ReloadConfig invalidates the cache; the next GetConfig forces a fresh
// load from the database.
func (s *Service) ReloadConfig() {
	s.cache.Store(nil)
}

// GetConfigHistory returns up to limit archived config rows, most recent
// first. In degraded mode (nil DB) history is always empty.
func (s *Service) GetConfigHistory(ctx context.Context, limit int) ([]*SchedulingConfig, error) {
	if s.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 20
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT version, payload FROM sched_config_history ORDER BY version DESC LIMIT ?", limit)
	if err != nil {
		return nil, fmt.Errorf("querying config history: %w", err)
	}
	defer rows.Close()

	var history []*SchedulingConfig
	for rows.Next() {
		var version int64
		var payload string
		if err := rows.Scan(&version, &payload); err != nil {
			return nil, fmt.Errorf("scanning config history row: %w", err)
		}
		cfg := &SchedulingConfig{}
		if err := json.Unmarshal([]byte(payload), cfg); err != nil {
			slog.Warn("schedconfig: skipping undecodable history row", "version", version, "error", err)
			continue
		}
		cfg.Version = version
		history = append(history, cfg)
	}
	return history, rows.Err()
}
