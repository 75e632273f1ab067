package mirror

import (
	"errors"
	"runtime"
	"time"

	"github.com/openmined/vaultsync/internal/crawler"
	"github.com/openmined/vaultsync/internal/localfs"
	"github.com/openmined/vaultsync/internal/resultcache"
	"github.com/openmined/vaultsync/internal/vaultconfig"
)

const (
	AutoDetectWorkers = 0
	maxWorkers        = 16
)

var (
	ErrNoRepository = errors.New("repository name is required")
	ErrNoServerURL  = errors.New("server url is required")
	ErrNoMirrorDir  = errors.New("mirror dir is required")
)

type Config struct {
	RepositoryName string
	ServerURL      string
	MirrorDir      string

	// StateDir holds the config document, caches and the resume record.
	// Empty means ".vaultsync" inside MirrorDir.
	StateDir string

	Retry            crawler.RetryPolicy
	CacheExpireAfter time.Duration
	CacheStaleAfter  time.Duration
	OlderVersions    int
	DownloadWorkers  int
	Ignore           []string

	// OverwriteLocal overrides OverwriteLocallyModifiedFiles from the config document.
	OverwriteLocal *bool

	// FS defaults to the OS file system.
	FS *localfs.FS
}

func (c *Config) Validate() error {
	if c.RepositoryName == "" {
		return ErrNoRepository
	}
	if c.ServerURL == "" {
		return ErrNoServerURL
	}
	if c.MirrorDir == "" {
		return ErrNoMirrorDir
	}
	return nil
}

// RepositoryID is the key the scope table of this repository is stored under.
func (c *Config) RepositoryID() string {
	return vaultconfig.RepositoryID(c.RepositoryName, c.ServerURL)
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.Retry == (crawler.RetryPolicy{}) {
		out.Retry = crawler.DefaultRetryPolicy
	}
	if out.CacheExpireAfter <= 0 {
		out.CacheExpireAfter = resultcache.DefaultExpireAfter
	}
	if out.CacheStaleAfter <= 0 {
		out.CacheStaleAfter = resultcache.DefaultStaleAfter
	}
	if out.DownloadWorkers <= AutoDetectWorkers {
		out.DownloadWorkers = min(runtime.NumCPU(), maxWorkers)
	}
	if out.FS == nil {
		out.FS = localfs.OS()
	}
	return out
}
