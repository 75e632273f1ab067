package filestatus

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/openmined/vaultsync/internal/localfs"
	"github.com/openmined/vaultsync/internal/remote"
	"github.com/openmined/vaultsync/internal/resultcache"
)

const compareFunction = "filestatus.Compare"

const (
	DefaultOlderVersions = 3
	defaultHashEntries   = 4096
	defaultHashTTL       = 10 * time.Minute
)

type Options struct {
	// OlderVersions is how many previous remote versions are checked for a
	// cached Identical before comparing content.
	OlderVersions int
	HashEntries   int
	HashTTL       time.Duration
}

// localKey identifies the local content being compared without reading it.
type localKey struct {
	Path    string `json:"path"`
	Size    int64  `json:"size"`
	ModTime int64  `json:"mtime"`
}

type Comparator struct {
	fs     *localfs.FS
	cache  *resultcache.Cache
	hashes *expirable.LRU[localKey, string]
	opts   Options
}

// NewComparator returns a comparator. cache may be nil.
func NewComparator(fs *localfs.FS, cache *resultcache.Cache, opts Options) *Comparator {
	if opts.OlderVersions < 0 {
		opts.OlderVersions = 0
	} else if opts.OlderVersions == 0 {
		opts.OlderVersions = DefaultOlderVersions
	}
	if opts.HashEntries <= 0 {
		opts.HashEntries = defaultHashEntries
	}
	if opts.HashTTL <= 0 {
		opts.HashTTL = defaultHashTTL
	}
	return &Comparator{
		fs:     fs,
		cache:  cache,
		hashes: expirable.NewLRU[localKey, string](opts.HashEntries, nil, opts.HashTTL),
		opts:   opts,
	}
}

// Compare returns the status of the local file at localPath against file.
// With skipCache the stored results are ignored but a fresh result is stored.
func (c *Comparator) Compare(localPath string, file remote.File, skipCache bool) (Status, error) {
	meta, err := c.fs.Stat(localPath)
	if err != nil {
		return Unknown, err
	}
	if !meta.Exists {
		return Missing, nil
	}
	key := localKey{Path: localPath, Size: meta.Size, ModTime: meta.ModTime.UnixNano()}

	if !skipCache && c.matchesOlderVersion(key, file) {
		return OutOfDate, nil
	}

	return resultcache.Memoize(c.cache,
		resultcache.CallOptions[Status]{
			SkipCache: skipCache,
			DontCache: func(s Status) bool { return s == Unknown },
		},
		func() (Status, error) { return c.compare(key, meta, file) },
		compareFunction, key, file.MasterID, file.Version,
	)
}

// matchesOlderVersion reports whether the unchanged local file was already
// found identical to one of the previous remote versions, which makes it out
// of date without reading it.
func (c *Comparator) matchesOlderVersion(key localKey, file remote.File) bool {
	if c.cache == nil {
		return false
	}
	for v := file.Version - 1; v >= 1 && v >= file.Version-c.opts.OlderVersions; v-- {
		var status Status
		ok, err := c.cache.Get(&status, compareFunction, key, file.MasterID, v)
		if err != nil {
			slog.Debug("older version lookup failed", "path", key.Path, "version", v, "error", err)
			continue
		}
		if ok && status == Identical {
			return true
		}
	}
	return false
}

func (c *Comparator) compare(key localKey, meta localfs.Metadata, file remote.File) (Status, error) {
	if file.Checksum == "" {
		return Unknown, nil
	}

	sum, err := c.hash(key)
	if err != nil {
		return Unknown, fmt.Errorf("hash %s: %w", key.Path, err)
	}
	if sum == file.Checksum {
		return Identical, nil
	}
	if meta.ModTime.After(file.Modified) {
		return LocallyModified, nil
	}
	return OutOfDate, nil
}

func (c *Comparator) hash(key localKey) (string, error) {
	if sum, ok := c.hashes.Get(key); ok {
		return sum, nil
	}
	sum, err := c.fs.Hash(key.Path)
	if err != nil {
		return "", err
	}
	c.hashes.Add(key, sum)
	return sum, nil
}

// Record stores Identical for a file that was just written from file.
func (c *Comparator) Record(localPath string, file remote.File) error {
	meta, err := c.fs.Stat(localPath)
	if err != nil {
		return err
	}
	if !meta.Exists {
		return fmt.Errorf("record %s: file missing", localPath)
	}
	key := localKey{Path: localPath, Size: meta.Size, ModTime: meta.ModTime.UnixNano()}
	if file.Checksum != "" {
		c.hashes.Add(key, file.Checksum)
	}
	if c.cache == nil {
		return nil
	}
	return c.cache.Put(Identical, compareFunction, key, file.MasterID, file.Version)
}
