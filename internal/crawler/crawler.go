// Package crawler enumerates the part of a remote vault selected by a scope
// table. Child folders are fetched level by level with one bulk call per
// level, so a tree of depth D costs at most D listing calls.
package crawler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"

	"github.com/bmatcuk/doublestar/v4"
	mapset "github.com/deckarep/golang-set/v2"
	"github.com/openmined/vaultsync/internal/remote"
	"github.com/openmined/vaultsync/internal/scope"
	"github.com/openmined/vaultsync/internal/vaultpath"
)

// Options configure a Crawler.
type Options struct {
	Retry RetryPolicy
	Stop  *StopFlag

	// Ignore holds doublestar patterns. A file is skipped when a pattern
	// matches its name or its path below "$/".
	Ignore []string
}

// FileFolder is an accepted folder with the files it contributes.
type FileFolder struct {
	Folder remote.Folder
	Files  []remote.File
}

// Failure records a part of the tree that could not be enumerated.
type Failure struct {
	Path string
	Err  error
}

func (f Failure) Error() string {
	return fmt.Sprintf("%s: %v", f.Path, f.Err)
}

// Result is everything a crawl produced. A failure in one subtree never hides
// the items of another.
type Result struct {
	Items    []FileFolder
	Failures []Failure
}

// FileCount returns the number of accepted files.
func (r *Result) FileCount() int {
	n := 0
	for _, item := range r.Items {
		n += len(item.Files)
	}
	return n
}

// Progress is a snapshot of a running crawl.
type Progress struct {
	FoldersVisited  int64
	FoldersAccepted int64
	FilesAccepted   int64
	ListingCalls    int64
}

type Crawler struct {
	svc   remote.Service
	table *scope.Table
	opts  Options

	foldersVisited  atomic.Int64
	foldersAccepted atomic.Int64
	filesAccepted   atomic.Int64
	listingCalls    atomic.Int64
}

func New(svc remote.Service, table *scope.Table, opts Options) (*Crawler, error) {
	for _, pattern := range opts.Ignore {
		if !doublestar.ValidatePattern(pattern) {
			return nil, fmt.Errorf("invalid ignore pattern %q", pattern)
		}
	}
	return &Crawler{
		svc:   svc,
		table: table,
		opts:  opts,
	}, nil
}

// Progress can be called from another goroutine while Crawl runs.
func (c *Crawler) Progress() Progress {
	return Progress{
		FoldersVisited:  c.foldersVisited.Load(),
		FoldersAccepted: c.foldersAccepted.Load(),
		FilesAccepted:   c.filesAccepted.Load(),
		ListingCalls:    c.listingCalls.Load(),
	}
}

// walk state for a single Crawl call
type walk struct {
	accepted []remote.Folder
	fileOnly []remote.Folder
	listed   mapset.Set[remote.FolderID]
	failures []Failure
	visited  mapset.Set[remote.FolderID]
	children *BatchProcessor[remote.FolderID, []remote.Folder]
	stack    []remote.Folder
	deferred []remote.Folder
}

// Crawl enumerates every included folder and file. It returns ErrStopped when
// the context is cancelled or the stop flag is raised; remote failures are
// reported per path in the result.
func (c *Crawler) Crawl(ctx context.Context) (*Result, error) {
	w := &walk{
		listed:  mapset.NewThreadUnsafeSet[remote.FolderID](),
		visited: mapset.NewThreadUnsafeSet[remote.FolderID](),
	}
	w.children = NewBatchProcessor(func(ctx context.Context, ids []remote.FolderID) (map[remote.FolderID][]remote.Folder, error) {
		var out map[remote.FolderID][]remote.Folder
		err := c.retry(ctx, "list child folders", func(ctx context.Context) error {
			c.listingCalls.Add(1)
			var err error
			out, err = c.svc.ListChildFolders(ctx, ids)
			return err
		})
		return out, err
	})

	if err := c.seed(ctx, w); err != nil {
		return nil, err
	}
	if err := c.expand(ctx, w); err != nil {
		return nil, err
	}

	result := &Result{}
	for _, folder := range append(w.accepted, w.fileOnly...) {
		item, err := c.listFiles(ctx, folder)
		if err != nil {
			if errors.Is(err, ErrStopped) {
				return nil, err
			}
			w.failures = append(w.failures, Failure{Path: folder.Path, Err: err})
			continue
		}
		result.Items = append(result.Items, item)
	}
	result.Failures = w.failures

	slog.Debug("crawl finished",
		"folders", len(w.accepted),
		"files", result.FileCount(),
		"failures", len(result.Failures),
		"listingCalls", c.listingCalls.Load(),
	)
	return result, nil
}

func (c *Crawler) retry(ctx context.Context, op string, fn func(context.Context) error) error {
	return c.opts.Retry.Do(ctx, c.opts.Stop, op, fn)
}

// seed resolves the crawl roots. Roots already reachable by recursion from
// another root are skipped.
func (c *Crawler) seed(ctx context.Context, w *walk) error {
	roots := c.table.Roots()
	var seeds []remote.Folder
	for _, root := range roots {
		if c.reachableFromOther(root, roots) {
			continue
		}
		folder, err := c.resolveFolder(ctx, root)
		if err != nil {
			if errors.Is(err, ErrStopped) {
				return err
			}
			w.failures = append(w.failures, Failure{Path: root, Err: err})
			continue
		}
		seeds = append(seeds, folder)
	}
	c.push(w, seeds)

	// Explicit file entries whose folder is not mirrored still need their
	// parent listed.
	for _, entry := range c.table.Entries() {
		if vaultpath.IsFolder(entry.Path) || !c.table.ShouldIncludeFile(entry.Path) {
			continue
		}
		parent := vaultpath.Parent(entry.Path)
		if c.table.ShouldIncludeFolder(parent) {
			continue
		}
		folder, err := c.resolveFolder(ctx, parent)
		if err != nil {
			if errors.Is(err, ErrStopped) {
				return err
			}
			w.failures = append(w.failures, Failure{Path: entry.Path, Err: err})
			continue
		}
		if !w.listed.Contains(folder.ID) {
			w.listed.Add(folder.ID)
			w.fileOnly = append(w.fileOnly, folder)
		}
	}
	return nil
}

func (c *Crawler) reachableFromOther(root string, roots []string) bool {
	if vaultpath.IsRoot(root) {
		return false
	}
	for p := vaultpath.Parent(root); p != ""; p = vaultpath.Parent(p) {
		if !c.table.ShouldRecurse(p) {
			return false
		}
		for _, other := range roots {
			if vaultpath.Equal(other, p) {
				return true
			}
		}
	}
	return false
}

func (c *Crawler) resolveFolder(ctx context.Context, path string) (remote.Folder, error) {
	var folder remote.Folder
	err := c.retry(ctx, "resolve folder "+path, func(ctx context.Context) error {
		var err error
		if vaultpath.IsRoot(path) {
			folder, err = c.svc.ListRootFolder(ctx)
		} else {
			folder, err = c.svc.ResolveFolderByPath(ctx, path)
		}
		return err
	})
	return folder, err
}

// expand drains the work stack. Folders whose children are unknown are
// deferred until the next bulk call resolves the whole frontier at once.
func (c *Crawler) expand(ctx context.Context, w *walk) error {
	for {
		for len(w.stack) > 0 {
			if err := checkStop(ctx, c.opts.Stop); err != nil {
				return err
			}

			folder := w.stack[len(w.stack)-1]
			w.stack = w.stack[:len(w.stack)-1]
			if w.visited.Contains(folder.ID) {
				continue
			}
			w.visited.Add(folder.ID)
			c.foldersVisited.Add(1)
			c.visit(w, folder)
		}

		if w.children.Pending() == 0 {
			return nil
		}
		if err := checkStop(ctx, c.opts.Stop); err != nil {
			return err
		}

		missing, err := w.children.PerformQueuedCalls(ctx)
		if err != nil && errors.Is(err, ErrStopped) {
			return err
		}
		failed := make(map[remote.FolderID]error, len(missing))
		for _, id := range missing {
			if err != nil {
				failed[id] = err
			} else {
				failed[id] = ErrInconsistentResponse
			}
		}

		deferred := w.deferred
		w.deferred = nil
		for _, folder := range deferred {
			if ferr, ok := failed[folder.ID]; ok {
				slog.Warn("listing child folders failed", "path", folder.Path, "error", ferr)
				w.failures = append(w.failures, Failure{Path: folder.Path, Err: ferr})
				continue
			}
			children, _ := w.children.Get(folder.ID)
			c.push(w, children)
		}
	}
}

func (c *Crawler) visit(w *walk, folder remote.Folder) {
	path := vaultpath.AsFolder(folder.Path)

	if c.table.ShouldIncludeFolder(path) {
		c.table.SetRemoteID(path, int64(folder.ID))
		if !w.listed.Contains(folder.ID) {
			w.listed.Add(folder.ID)
			w.accepted = append(w.accepted, folder)
			c.foldersAccepted.Add(1)
		}
	}

	if !c.table.ShouldRecurse(path) {
		return
	}
	if children, ok := w.children.Get(folder.ID); ok {
		c.push(w, children)
		return
	}
	w.children.Enqueue(folder.ID)
	w.deferred = append(w.deferred, folder)
}

func (c *Crawler) push(w *walk, children []remote.Folder) {
	// reversed so the stack pops them in listing order
	for i := len(children) - 1; i >= 0; i-- {
		if !w.visited.Contains(children[i].ID) {
			w.stack = append(w.stack, children[i])
		}
	}
}

func (c *Crawler) listFiles(ctx context.Context, folder remote.Folder) (FileFolder, error) {
	var listing map[remote.FolderID][]remote.File
	err := c.retry(ctx, "list files "+folder.Path, func(ctx context.Context) error {
		c.listingCalls.Add(1)
		var err error
		listing, err = c.svc.ListFilesInFolders(ctx, []remote.FolderID{folder.ID})
		return err
	})
	if err != nil {
		return FileFolder{}, err
	}

	files, ok := listing[folder.ID]
	if !ok {
		return FileFolder{}, ErrInconsistentResponse
	}

	item := FileFolder{Folder: folder}
	for _, file := range files {
		path := vaultpath.Normalize(file.Path)
		if !c.table.ShouldIncludeFile(path) || c.ignored(path) {
			continue
		}
		c.table.SetRemoteID(path, file.MasterID)
		item.Files = append(item.Files, file)
	}
	c.filesAccepted.Add(int64(len(item.Files)))
	return item, nil
}

func (c *Crawler) ignored(path string) bool {
	rel := strings.TrimPrefix(path, vaultpath.Root)
	name := vaultpath.Name(path)
	for _, pattern := range c.opts.Ignore {
		if ok, _ := doublestar.Match(pattern, name); ok {
			return true
		}
		if ok, _ := doublestar.Match(pattern, rel); ok {
			return true
		}
	}
	return false
}
