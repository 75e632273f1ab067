// Package localfs is the mirror's view of the local disk. Writes go to a
// temporary file first and replace the target with a rename, so a crashed
// download never leaves a half written file under its real name.
package localfs

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path/filepath"
	"time"

	"github.com/openmined/vaultsync/internal/utils"
	"github.com/spf13/afero"
)

const (
	dirMode  = 0o755
	fileMode = 0o644
)

// Metadata is what the comparator needs to know about a local file.
type Metadata struct {
	Path     string
	Exists   bool
	Size     int64
	ModTime  time.Time
	ReadOnly bool
}

type FS struct {
	fs afero.Fs
}

func New(fs afero.Fs) *FS {
	return &FS{fs: fs}
}

// OS returns an FS over the real disk.
func OS() *FS {
	return New(afero.NewOsFs())
}

func (l *FS) Afero() afero.Fs {
	return l.fs
}

// Stat never fails for a missing file; it reports Exists=false instead.
func (l *FS) Stat(path string) (Metadata, error) {
	info, err := l.fs.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Metadata{Path: path}, nil
	}
	if err != nil {
		return Metadata{}, err
	}
	if info.IsDir() {
		return Metadata{}, fmt.Errorf("%s is a directory", path)
	}
	return Metadata{
		Path:     path,
		Exists:   true,
		Size:     info.Size(),
		ModTime:  info.ModTime(),
		ReadOnly: info.Mode().Perm()&0o200 == 0,
	}, nil
}

// Hash returns the hex MD5 of the file content.
func (l *FS) Hash(path string) (string, error) {
	f, err := l.fs.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	return utils.ReaderHash(f)
}

func (l *FS) MkdirAll(dir string) error {
	return l.fs.MkdirAll(dir, dirMode)
}

// WriteAtomic streams r into path and stamps it with modTime. A read-only
// target is made writable and the replace retried once.
func (l *FS) WriteAtomic(path string, r io.Reader, modTime time.Time) (int64, error) {
	dir := filepath.Dir(path)
	if err := l.fs.MkdirAll(dir, dirMode); err != nil {
		return 0, fmt.Errorf("create parent: %w", err)
	}

	tmp, err := afero.TempFile(l.fs, dir, "."+filepath.Base(path)+".*.part")
	if err != nil {
		return 0, fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	written, err := io.Copy(tmp, r)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		l.fs.Remove(tmpPath)
		return written, fmt.Errorf("write %s: %w", path, err)
	}

	if err := l.fs.Chmod(tmpPath, fileMode); err != nil {
		l.fs.Remove(tmpPath)
		return written, fmt.Errorf("set file mode: %w", err)
	}
	if !modTime.IsZero() {
		if err := l.fs.Chtimes(tmpPath, time.Now(), modTime); err != nil {
			l.fs.Remove(tmpPath)
			return written, fmt.Errorf("set file modtime: %w", err)
		}
	}

	if err := l.withWritable(path, func() error { return l.fs.Rename(tmpPath, path) }); err != nil {
		l.fs.Remove(tmpPath)
		return written, fmt.Errorf("replace %s: %w", path, err)
	}
	return written, nil
}

// Remove deletes path. A missing file is not an error.
func (l *FS) Remove(path string) error {
	err := l.withWritable(path, func() error { return l.fs.Remove(path) })
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

// Rename moves oldPath to newPath, creating the parent of newPath.
func (l *FS) Rename(oldPath, newPath string) error {
	if err := l.fs.MkdirAll(filepath.Dir(newPath), dirMode); err != nil {
		return fmt.Errorf("create parent: %w", err)
	}
	return l.withWritable(oldPath, func() error { return l.fs.Rename(oldPath, newPath) })
}

// withWritable runs op and, if it fails with a permission error while target
// is read-only, clears the read-only bit and runs it again.
func (l *FS) withWritable(target string, op func() error) error {
	err := op()
	if err == nil || !errors.Is(err, fs.ErrPermission) {
		return err
	}

	info, statErr := l.fs.Stat(target)
	if statErr != nil || info.Mode().Perm()&0o200 != 0 {
		return err
	}
	if chmodErr := l.fs.Chmod(target, info.Mode().Perm()|0o200); chmodErr != nil {
		return errors.Join(err, chmodErr)
	}
	return op()
}

// Exists reports whether anything is at path.
func (l *FS) Exists(path string) bool {
	_, err := l.fs.Stat(path)
	return err == nil
}

// ReadFile is a convenience for tests and small state files.
func (l *FS) ReadFile(path string) ([]byte, error) {
	return afero.ReadFile(l.fs, path)
}
