// Package workfolder persists where the working copy of a remote folder
// lives on disk. A mapping on a folder applies to everything below it.
package workfolder

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/openmined/vaultsync/internal/db"
	"github.com/openmined/vaultsync/internal/vaultpath"
)

const schema = `
CREATE TABLE IF NOT EXISTS work_folders (
    path_key   TEXT PRIMARY KEY,
    path       TEXT NOT NULL,
    local_dir  TEXT NOT NULL,
    updated_at TEXT NOT NULL -- RFC3339
);
`

// Mapping is one stored working folder.
type Mapping struct {
	Path      string    `db:"path" json:"path"`
	LocalDir  string    `db:"local_dir" json:"localDir"`
	UpdatedAt time.Time `db:"-" json:"updatedAt"`
}

type dbMapping struct {
	Path      string `db:"path"`
	LocalDir  string `db:"local_dir"`
	UpdatedAt string `db:"updated_at"`
}

type Store struct {
	db *sqlx.DB
}

// Open opens the store at path; an empty path keeps it in memory.
func Open(path string) (*Store, error) {
	opts := []db.SqliteOption{db.WithSchema(schema), db.WithMaxOpenConns(1)}
	if path != "" {
		opts = append(opts, db.WithPath(path))
	}
	conn, err := db.NewSqliteDB(opts...)
	if err != nil {
		return nil, fmt.Errorf("open work folders: %w", err)
	}
	return &Store{db: conn}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Get returns the local directory mapped exactly at folder, or "".
func (s *Store) Get(ctx context.Context, folder string) (string, error) {
	var dir string
	err := s.db.GetContext(ctx, &dir, `SELECT local_dir FROM work_folders WHERE path_key = ?`, key(folder))
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("query work folder %s: %w", folder, err)
	}
	return dir, nil
}

// Set maps folder to dir. An empty dir removes the mapping.
func (s *Store) Set(ctx context.Context, folder, dir string) error {
	if dir == "" {
		_, err := s.db.ExecContext(ctx, `DELETE FROM work_folders WHERE path_key = ?`, key(folder))
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO work_folders (path_key, path, local_dir, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (path_key) DO UPDATE SET path = excluded.path, local_dir = excluded.local_dir, updated_at = excluded.updated_at`,
		key(folder), vaultpath.AsFolder(folder), filepath.Clean(dir), time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("save work folder %s: %w", folder, err)
	}
	return nil
}

// Resolve maps a remote path to a local path through the nearest mapped
// ancestor folder.
func (s *Store) Resolve(ctx context.Context, remotePath string) (string, bool, error) {
	target := vaultpath.Normalize(remotePath)
	for _, ancestor := range vaultpath.Ancestors(target) {
		if !vaultpath.IsFolder(ancestor) {
			continue
		}
		dir, err := s.Get(ctx, ancestor)
		if err != nil {
			return "", false, err
		}
		if dir == "" {
			continue
		}
		rel, _ := vaultpath.Rel(ancestor, target)
		if rel == "" {
			return dir, true, nil
		}
		return filepath.Join(dir, filepath.FromSlash(rel)), true, nil
	}
	return "", false, nil
}

// List returns every mapping ordered by path.
func (s *Store) List(ctx context.Context) ([]Mapping, error) {
	var rows []dbMapping
	if err := s.db.SelectContext(ctx, &rows, `SELECT path, local_dir, updated_at FROM work_folders ORDER BY path_key`); err != nil {
		return nil, fmt.Errorf("list work folders: %w", err)
	}

	out := make([]Mapping, 0, len(rows))
	for _, r := range rows {
		updated, err := time.Parse(time.RFC3339, r.UpdatedAt)
		if err != nil {
			slog.Warn("work folder has a bad timestamp", "path", r.Path, "value", r.UpdatedAt)
		}
		out = append(out, Mapping{Path: r.Path, LocalDir: r.LocalDir, UpdatedAt: updated})
	}
	return out, nil
}

func key(folder string) string {
	return vaultpath.Key(vaultpath.AsFolder(folder))
}
