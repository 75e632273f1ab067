// Package resultcache persists the results of expensive determinations
// across runs. Entries are keyed by a function name and its canonically
// serialized arguments.
package resultcache

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/jmoiron/sqlx"
	"github.com/openmined/vaultsync/internal/db"
)

const (
	DefaultExpireAfter = 7 * 24 * time.Hour
	DefaultStaleAfter  = 60 * 24 * time.Hour
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS results (
		key         TEXT PRIMARY KEY,
		function    TEXT NOT NULL,
		value       TEXT NOT NULL,
		created_at  INTEGER NOT NULL,
		last_access INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_results_last_access ON results (last_access)`,
	`CREATE INDEX IF NOT EXISTS idx_results_function ON results (function)`,
}

type Options struct {
	// Path of the database file. Empty keeps the cache in memory.
	Path string

	// ExpireAfter drops entries not read for this long.
	ExpireAfter time.Duration

	// StaleAfter counts entries not read for this long as stale rather than
	// expired. They are removed first and reported apart.
	StaleAfter time.Duration

	Now func() time.Time
}

// PruneStats counts the entries removed by Prune.
type PruneStats struct {
	Corrupt int64
	Stale   int64
	Expired int64
}

func (s PruneStats) Total() int64 {
	return s.Corrupt + s.Stale + s.Expired
}

type Cache struct {
	db   *sqlx.DB
	opts Options

	mu      sync.Mutex
	touched map[string]int64
}

type row struct {
	Key        string `db:"key"`
	Function   string `db:"function"`
	Value      string `db:"value"`
	CreatedAt  int64  `db:"created_at"`
	LastAccess int64  `db:"last_access"`
}

// Open opens the cache and prunes it.
func Open(opts Options) (*Cache, error) {
	if opts.ExpireAfter <= 0 {
		opts.ExpireAfter = DefaultExpireAfter
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = DefaultStaleAfter
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	dbOpts := []db.SqliteOption{db.WithSchema(schema...)}
	if opts.Path != "" {
		dbOpts = append(dbOpts, db.WithPath(opts.Path))
	}
	conn, err := db.NewSqliteDB(dbOpts...)
	if err != nil {
		return nil, fmt.Errorf("open result cache: %w", err)
	}

	c := &Cache{
		db:      conn,
		opts:    opts,
		touched: make(map[string]int64),
	}

	stats, err := c.Prune()
	if err != nil {
		conn.Close()
		return nil, err
	}
	if stats.Total() > 0 {
		slog.Debug("result cache pruned", "corrupt", stats.Corrupt, "stale", stats.Stale, "expired", stats.Expired)
	}
	return c, nil
}

// Key serializes a call. Struct fields keep declaration order and map keys are
// sorted by the encoder, so equal arguments give equal keys.
func Key(function string, args ...any) (string, error) {
	raw, err := json.Marshal(args)
	if err != nil {
		return "", fmt.Errorf("cache key for %s: %w", function, err)
	}
	return function + ":" + string(raw), nil
}

// Get decodes the cached result of function(args) into out.
func (c *Cache) Get(out any, function string, args ...any) (bool, error) {
	key, err := Key(function, args...)
	if err != nil {
		return false, err
	}

	var value string
	err = c.db.Get(&value, `SELECT value FROM results WHERE key = ?`, key)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read cache: %w", err)
	}

	if err := json.Unmarshal([]byte(value), out); err != nil {
		// a shape we can no longer read is a miss, and the entry goes
		c.db.Exec(`DELETE FROM results WHERE key = ?`, key)
		return false, nil
	}

	c.mu.Lock()
	c.touched[key] = c.opts.Now().UnixMilli()
	c.mu.Unlock()
	return true, nil
}

// Put stores value as the result of function(args).
func (c *Cache) Put(value any, function string, args ...any) error {
	key, err := Key(function, args...)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode cache value: %w", err)
	}

	now := c.opts.Now().UnixMilli()
	_, err = c.db.Exec(`
		INSERT INTO results (key, function, value, created_at, last_access)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value, created_at = excluded.created_at, last_access = excluded.last_access`,
		key, function, string(raw), now, now)
	if err != nil {
		return fmt.Errorf("write cache: %w", err)
	}

	c.mu.Lock()
	delete(c.touched, key)
	c.mu.Unlock()
	return nil
}

// Delete forgets the result of function(args).
func (c *Cache) Delete(function string, args ...any) error {
	key, err := Key(function, args...)
	if err != nil {
		return err
	}
	_, err = c.db.Exec(`DELETE FROM results WHERE key = ?`, key)
	return err
}

// Len returns the number of stored entries.
func (c *Cache) Len() (int, error) {
	var n int
	err := c.db.Get(&n, `SELECT COUNT(*) FROM results`)
	return n, err
}

// Prune removes corrupt, stale and expired entries.
func (c *Cache) Prune() (PruneStats, error) {
	var stats PruneStats
	if err := c.Flush(); err != nil {
		return stats, err
	}

	now := c.opts.Now()
	res, err := c.db.Exec(`DELETE FROM results WHERE last_access < ?`, now.Add(-c.opts.StaleAfter).UnixMilli())
	if err != nil {
		return stats, fmt.Errorf("prune stale: %w", err)
	}
	stats.Stale, _ = res.RowsAffected()

	res, err = c.db.Exec(`DELETE FROM results WHERE last_access < ?`, now.Add(-c.opts.ExpireAfter).UnixMilli())
	if err != nil {
		return stats, fmt.Errorf("prune expired: %w", err)
	}
	stats.Expired, _ = res.RowsAffected()

	corrupt, err := c.corruptKeys()
	if err != nil {
		return stats, err
	}
	for _, key := range corrupt {
		if _, err := c.db.Exec(`DELETE FROM results WHERE key = ?`, key); err != nil {
			return stats, fmt.Errorf("prune corrupt: %w", err)
		}
		stats.Corrupt++
	}
	return stats, nil
}

func (c *Cache) corruptKeys() ([]string, error) {
	rows, err := c.db.Queryx(`SELECT key, function, value, created_at, last_access FROM results`)
	if err != nil {
		return nil, fmt.Errorf("scan cache: %w", err)
	}
	defer rows.Close()

	var corrupt []string
	for rows.Next() {
		var r row
		if err := rows.StructScan(&r); err != nil {
			return nil, fmt.Errorf("scan cache: %w", err)
		}
		if !validRow(r) {
			corrupt = append(corrupt, r.Key)
		}
	}
	return corrupt, rows.Err()
}

func validRow(r row) bool {
	if r.Function == "" || len(r.Key) <= len(r.Function) || r.Key[:len(r.Function)+1] != r.Function+":" {
		return false
	}
	return json.Valid([]byte(r.Value)) && json.Valid([]byte(r.Key[len(r.Function)+1:]))
}

// Flush writes batched access times.
func (c *Cache) Flush() error {
	c.mu.Lock()
	touched := c.touched
	c.touched = make(map[string]int64)
	c.mu.Unlock()

	if len(touched) == 0 {
		return nil
	}

	tx, err := c.db.Beginx()
	if err != nil {
		return err
	}
	for key, at := range touched {
		if _, err := tx.Exec(`UPDATE results SET last_access = ? WHERE key = ?`, at, key); err != nil {
			tx.Rollback()
			return fmt.Errorf("flush access times: %w", err)
		}
	}
	return tx.Commit()
}

func (c *Cache) Close() error {
	return errors.Join(c.Flush(), c.db.Close())
}

// CallOptions tune a single Memoize call.
type CallOptions[T any] struct {
	// SkipCache ignores any stored result; a fresh result is still stored.
	SkipCache bool

	// DontCache reports results that must never be written.
	DontCache func(T) bool
}

// Memoize returns the cached result of function(args) or computes and stores it.
// Cache failures are logged and never fail the call.
func Memoize[T any](c *Cache, opts CallOptions[T], compute func() (T, error), function string, args ...any) (T, error) {
	if c != nil && !opts.SkipCache {
		var cached T
		ok, err := c.Get(&cached, function, args...)
		if err != nil {
			slog.Warn("result cache read failed", "function", function, "error", err)
		} else if ok {
			return cached, nil
		}
	}

	value, err := compute()
	if err != nil {
		return value, err
	}

	if c != nil && (opts.DontCache == nil || !opts.DontCache(value)) {
		if err := c.Put(value, function, args...); err != nil {
			slog.Warn("result cache write failed", "function", function, "error", err)
		}
	}
	return value, nil
}
