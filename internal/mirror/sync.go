package mirror

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/openmined/vaultsync/internal/crawler"
	"github.com/openmined/vaultsync/internal/filestatus"
	"github.com/openmined/vaultsync/internal/remote"
	"github.com/openmined/vaultsync/internal/resumelog"
	"github.com/openmined/vaultsync/internal/scope"
	"github.com/openmined/vaultsync/internal/vaultpath"
	"golang.org/x/sync/errgroup"
)

// SyncReport summarizes a Sync run.
type SyncReport struct {
	Folders    int
	Files      int
	Downloaded int
	UpToDate   int
	Kept       int
	Bytes      int64
	Failures   []crawler.Failure
	Duration   time.Duration
}

func (r *SyncReport) String() string {
	return fmt.Sprintf("%d folders, %d files: %d downloaded (%s), %d up to date, %d kept, %d failed in %s",
		r.Folders, r.Files, r.Downloaded, humanize.Bytes(uint64(r.Bytes)), r.UpToDate, r.Kept,
		len(r.Failures), r.Duration.Round(time.Millisecond))
}

// syncJob is one file of the crawl and where it goes locally.
type syncJob struct {
	file      remote.File
	localPath string
}

// Sync crawls the stored scope and brings the local copies up to date.
// Per-item failures are reported and do not stop the run; a raised stop
// flag or a cancelled context returns crawler.ErrStopped.
func (s *Session) Sync(ctx context.Context, stop *crawler.StopFlag) (*SyncReport, error) {
	start := time.Now()
	table := s.LoadScopeTable("")

	result, err := s.Crawl(ctx, table, stop)
	if err != nil {
		return nil, err
	}

	redirects, err := s.redirectOverrides(ctx, table)
	defer s.release(redirects)
	if err != nil {
		return nil, err
	}

	report := &SyncReport{
		Folders:  len(result.Items),
		Files:    result.FileCount(),
		Failures: append([]crawler.Failure(nil), result.Failures...),
	}

	var jobs []syncJob
	for _, item := range result.Items {
		dir, err := s.syncPath(ctx, table, item.Folder.Path)
		if err != nil {
			return nil, err
		}
		if err := s.fs.MkdirAll(dir); err != nil {
			report.Failures = append(report.Failures, crawler.Failure{Path: item.Folder.Path, Err: err})
			continue
		}
		for _, file := range item.Files {
			local, err := s.syncPath(ctx, table, file.Path)
			if err != nil {
				return nil, err
			}
			jobs = append(jobs, syncJob{file: file, localPath: local})
		}
	}

	if err := s.mirrorFiles(ctx, stop, jobs, report); err != nil {
		return nil, err
	}

	// remote ids learned while crawling
	if err := s.SaveScopeTable(table); err != nil {
		return nil, err
	}
	if err := s.cache.Flush(); err != nil {
		slog.Warn("result cache flush failed", "error", err)
	}

	report.Duration = time.Since(start)
	slog.Info("sync finished",
		"folders", report.Folders,
		"files", report.Files,
		"downloaded", report.Downloaded,
		"bytes", humanize.Bytes(uint64(report.Bytes)),
		"failures", len(report.Failures),
		"took", report.Duration,
	)
	return report, nil
}

// redirectOverrides points the work folder of every folder entry that carries
// a local path override at that override for the duration of the run.
func (s *Session) redirectOverrides(ctx context.Context, table *scope.Table) ([]*resumelog.Redirection, error) {
	var redirects []*resumelog.Redirection
	for _, entry := range table.Entries() {
		if entry.Info.LocalPathOverride == "" || !vaultpath.IsFolder(entry.Path) {
			continue
		}
		dir, _ := table.GetLocalPathOverride(entry.Path)
		r, err := s.resume.Redirect(ctx, s.folders, entry.Path, dir)
		if err != nil {
			return redirects, err
		}
		redirects = append(redirects, r)
	}
	return redirects, nil
}

// syncPath maps a vault path to the local disk while a run holds its
// redirections. Folder overrides are already in the work folder store, so only
// an override on the file entry itself is read from the table.
func (s *Session) syncPath(ctx context.Context, table *scope.Table, remotePath string) (string, error) {
	p := vaultpath.Normalize(remotePath)
	if info, ok := table.Get(p); ok && info.LocalPathOverride != "" && !vaultpath.IsFolder(p) {
		dir, _ := table.GetLocalPathOverride(p)
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

func (s *Session) release(redirects []*resumelog.Redirection) {
	// a cancelled run still restores its mappings
	ctx := context.Background()
	failed := false
	for i := len(redirects) - 1; i >= 0; i-- {
		if err := redirects[i].Release(ctx); err != nil {
			failed = true
			slog.Error("restore work folder", "target", redirects[i].Target(), "error", err)
		}
	}
	if len(redirects) == 0 || failed {
		return
	}
	// Every mapping is back, so replaying now restores nothing and only clears
	// the record. A crash before this point leaves it for the next Open.
	if _, err := s.resume.Replay(ctx, s.folders); err != nil {
		slog.Warn("clear resume log", "error", err)
	}
}

func (s *Session) mirrorFiles(ctx context.Context, stop *crawler.StopFlag, jobs []syncJob, report *SyncReport) error {
	overwrite := s.OverwriteLocallyModified()

	var (
		mu         sync.Mutex
		downloaded atomic.Int64
		upToDate   atomic.Int64
		kept       atomic.Int64
		written    atomic.Int64
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.DownloadWorkers)
	for _, job := range jobs {
		if stop.Stopped() || gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			status, n, err := s.mirrorFile(gctx, stop, job, overwrite)
			if err != nil {
				if crawler.IsStopped(err) {
					return crawler.ErrStopped
				}
				slog.Warn("mirror file failed", "path", job.file.Path, "error", err)
				mu.Lock()
				report.Failures = append(report.Failures, crawler.Failure{Path: job.file.Path, Err: err})
				mu.Unlock()
				return nil
			}
			switch {
			case n >= 0:
				downloaded.Add(1)
				written.Add(n)
			case status == filestatus.Identical:
				upToDate.Add(1)
			default:
				kept.Add(1)
			}
			return nil
		})
	}
	err := g.Wait()

	report.Downloaded = int(downloaded.Load())
	report.UpToDate = int(upToDate.Load())
	report.Kept = int(kept.Load())
	report.Bytes = written.Load()

	if err != nil {
		return err
	}
	if stop.Stopped() || ctx.Err() != nil {
		return crawler.ErrStopped
	}
	return nil
}

// mirrorFile compares one file and downloads it when needed. It returns the
// number of bytes written, or -1 when the local copy was left alone.
func (s *Session) mirrorFile(ctx context.Context, stop *crawler.StopFlag, job syncJob, overwrite bool) (filestatus.Status, int64, error) {
	status, err := s.comparator.Compare(job.localPath, job.file, false)
	if err != nil {
		return status, -1, err
	}
	if !status.NeedsDownload(overwrite) {
		if status == filestatus.LocallyModified {
			slog.Info("keeping locally modified file", "path", job.localPath)
		}
		return status, -1, nil
	}

	var n int64
	err = s.cfg.Retry.Do(ctx, stop, "download "+job.file.Path, func(ctx context.Context) error {
		var err error
		n, err = s.download(ctx, job)
		return err
	})
	if err != nil {
		return status, -1, err
	}

	if err := s.comparator.Record(job.localPath, job.file); err != nil {
		slog.Warn("record file status", "path", job.localPath, "error", err)
	}
	slog.Debug("downloaded", "path", job.file.Path, "version", job.file.Version, "status", status, "bytes", n)
	return status, n, nil
}

// download streams the remote content straight into an atomic local write.
func (s *Session) download(ctx context.Context, job syncJob) (int64, error) {
	pr, pw := io.Pipe()
	go func() {
		pw.CloseWithError(s.svc.DownloadFile(ctx, job.file, pw))
	}()

	n, err := s.fs.WriteAtomic(job.localPath, pr, job.file.Modified)
	pr.Close()
	if err != nil {
		return n, err
	}
	if job.file.Size > 0 && n != job.file.Size {
		return n, fmt.Errorf("short download of %s: got %d of %d bytes", job.file.Path, n, job.file.Size)
	}
	return n, nil
}
