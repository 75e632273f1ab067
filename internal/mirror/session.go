// Package mirror runs a mirroring session: it owns the workspace lock, the
// scope configuration of one repository and the local caches, and copies the
// part of the vault the scope selects onto the local disk.
package mirror

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/openmined/vaultsync/internal/crawler"
	"github.com/openmined/vaultsync/internal/filestatus"
	"github.com/openmined/vaultsync/internal/localfs"
	"github.com/openmined/vaultsync/internal/remote"
	"github.com/openmined/vaultsync/internal/resultcache"
	"github.com/openmined/vaultsync/internal/resumelog"
	"github.com/openmined/vaultsync/internal/scope"
	"github.com/openmined/vaultsync/internal/vaultconfig"
	"github.com/openmined/vaultsync/internal/vaultpath"
	"github.com/openmined/vaultsync/internal/workfolder"
	"github.com/openmined/vaultsync/internal/workspace"
)

type Session struct {
	ID     string
	cfg    Config
	repoID string

	ws         *workspace.Workspace
	svc        remote.Service
	fs         *localfs.FS
	cache      *resultcache.Cache
	folders    *workfolder.Store
	resume     *resumelog.Log
	comparator *filestatus.Comparator

	mu     sync.Mutex
	doc    *vaultconfig.Document
	format vaultconfig.Format
}

// Open locks the workspace, undoes whatever an interrupted session left
// redirected and loads the scope configuration. A migrated configuration is
// backed up and rewritten in the current format.
func Open(ctx context.Context, cfg *Config, svc remote.Service) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	c := cfg.withDefaults()

	ws, err := workspace.NewWorkspace(c.MirrorDir, c.StateDir)
	if err != nil {
		return nil, err
	}
	if err := ws.Setup(); err != nil {
		return nil, err
	}

	s := &Session{
		ID:     uuid.NewString(),
		cfg:    c,
		repoID: c.RepositoryID(),
		ws:     ws,
		svc:    svc,
		fs:     c.FS,
	}
	if err := s.open(ctx); err != nil {
		s.Close()
		return nil, err
	}

	slog.Info("session open", "id", s.ID, "repository", s.repoID, "config", s.format)
	return s, nil
}

func (s *Session) open(ctx context.Context) error {
	var err error

	s.folders, err = workfolder.Open(s.ws.WorkFoldersPath)
	if err != nil {
		return err
	}

	s.resume = resumelog.New(s.ws.ResumePath, s.ID)
	if n, err := s.resume.Replay(ctx, s.folders); err != nil {
		slog.Warn("resume log replay incomplete", "restored", n, "error", err)
	} else if n > 0 {
		slog.Info("resume log replayed", "restored", n)
	}

	res, err := vaultconfig.Load(s.ws.ConfigPath, s.repoID)
	if err != nil {
		return err
	}
	s.doc, s.format = res.Document, res.Format
	if res.Migrated() {
		backup, err := vaultconfig.Backup(s.ws.ConfigPath, res.Format)
		if err != nil {
			return err
		}
		if err := vaultconfig.Save(s.ws.ConfigPath, s.doc); err != nil {
			return fmt.Errorf("save migrated config: %w", err)
		}
		slog.Info("config upgraded", "from", res.Format, "backup", backup)
	}

	s.cache, err = resultcache.Open(resultcache.Options{
		Path:        s.ws.ResultsPath,
		ExpireAfter: s.cfg.CacheExpireAfter,
		StaleAfter:  s.cfg.CacheStaleAfter,
	})
	if err != nil {
		return err
	}

	s.comparator = filestatus.NewComparator(s.fs, s.cache, filestatus.Options{
		OlderVersions: s.cfg.OlderVersions,
	})

	// the vault root maps to the mirror dir until told otherwise
	dir, err := s.folders.Get(ctx, vaultpath.Root)
	if err != nil {
		return err
	}
	if dir == "" {
		return s.folders.Set(ctx, vaultpath.Root, s.ws.MirrorDir)
	}
	return nil
}

func (s *Session) Close() error {
	var errs []error
	if s.cache != nil {
		errs = append(errs, s.cache.Close())
	}
	if s.folders != nil {
		errs = append(errs, s.folders.Close())
	}
	errs = append(errs, s.ws.Unlock())
	return errors.Join(errs...)
}

func (s *Session) RepositoryID() string {
	return s.repoID
}

func (s *Session) Workspace() *workspace.Workspace {
	return s.ws
}

func (s *Session) Cache() *resultcache.Cache {
	return s.cache
}

func (s *Session) WorkFolders() *workfolder.Store {
	return s.folders
}

// ConfigFormat is the format the configuration was read in.
func (s *Session) ConfigFormat() vaultconfig.Format {
	return s.format
}

// LoadScopeTable returns a copy of the scope table stored for repositoryID.
// An empty id means this session's repository.
func (s *Session) LoadScopeTable(repositoryID string) *scope.Table {
	if repositoryID == "" {
		repositoryID = s.repoID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc.Table(repositoryID).Clone()
}

// ResolveState returns the effective state of path under the stored scope.
func (s *Session) ResolveState(path string) scope.SyncState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc.Table(s.repoID).GetImplicitState(path)
}

// SaveScopeTable stores table for this repository and persists the document.
func (s *Session) SaveScopeTable(table *scope.Table) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.doc.SetTable(s.repoID, table.Clone())
	if err := vaultconfig.Save(s.ws.ConfigPath, s.doc); err != nil {
		return fmt.Errorf("save scope table: %w", err)
	}
	s.format = vaultconfig.FormatV3
	return nil
}

// OverwriteLocallyModified reports whether locally modified files may be replaced.
func (s *Session) OverwriteLocallyModified() bool {
	if s.cfg.OverwriteLocal != nil {
		return *s.cfg.OverwriteLocal
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc.OverwriteLocallyModifiedFiles
}

// Crawl enumerates everything table includes. The remote ids found on the way
// are written into table.
func (s *Session) Crawl(ctx context.Context, table *scope.Table, stop *crawler.StopFlag) (*crawler.Result, error) {
	c, err := s.newCrawler(table, stop)
	if err != nil {
		return nil, err
	}
	return c.Crawl(ctx)
}

func (s *Session) newCrawler(table *scope.Table, stop *crawler.StopFlag) (*crawler.Crawler, error) {
	return crawler.New(s.svc, table, crawler.Options{
		Retry:  s.cfg.Retry,
		Stop:   stop,
		Ignore: s.cfg.Ignore,
	})
}

// Repair follows moved folders and files in the stored scope table and saves it.
func (s *Session) Repair(ctx context.Context) (*scope.RepairReport, error) {
	table := s.LoadScopeTable("")
	report, err := table.Repair(ctx, s.svc)
	if err != nil {
		return nil, err
	}
	if err := s.SaveScopeTable(table); err != nil {
		return report, err
	}
	return report, nil
}

// LocalPath maps a vault path to the local disk. A local path override in the
// scope table wins, then the nearest mapped work folder.
func (s *Session) LocalPath(ctx context.Context, remotePath string) (string, error) {
	return s.localPath(ctx, s.LoadScopeTable(""), remotePath)
}

func (s *Session) localPath(ctx context.Context, table *scope.Table, remotePath string) (string, error) {
	p := vaultpath.Normalize(remotePath)
	if dir, ok := table.GetLocalPathOverride(p); ok {
		return dir, nil
	}
	dir, ok, err := s.folders.Resolve(ctx, p)
	if err != nil {
		return "", err
	}
	if ok {
		return dir, nil
	}
	return s.defaultPath(p), nil
}

// defaultPath places p below the mirror directory.
func (s *Session) defaultPath(p string) string {
	return s.ws.MirrorPath(strings.TrimSuffix(strings.TrimPrefix(p, vaultpath.Root), "/"))
}
