package localfs

import (
	"bytes"
	"io/fs"
	"os"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// lockedFs refuses to touch read-only files, like a real disk would on Windows.
type lockedFs struct {
	afero.Fs
}

func (l lockedFs) denied(name string) bool {
	info, err := l.Fs.Stat(name)
	return err == nil && info.Mode().Perm()&0o200 == 0
}

func (l lockedFs) Rename(oldname, newname string) error {
	if l.denied(newname) || l.denied(oldname) {
		return &os.LinkError{Op: "rename", Old: oldname, New: newname, Err: fs.ErrPermission}
	}
	return l.Fs.Rename(oldname, newname)
}

func (l lockedFs) Remove(name string) error {
	if l.denied(name) {
		return &os.PathError{Op: "remove", Path: name, Err: fs.ErrPermission}
	}
	return l.Fs.Remove(name)
}

func TestWriteAtomic(t *testing.T) {
	l := New(afero.NewMemMapFs())
	modTime := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	n, err := l.WriteAtomic("/mirror/A/b.txt", bytes.NewBufferString("hello"), modTime)
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)

	meta, err := l.Stat("/mirror/A/b.txt")
	require.NoError(t, err)
	assert.True(t, meta.Exists)
	assert.Equal(t, int64(5), meta.Size)
	assert.True(t, meta.ModTime.Equal(modTime))
	assert.False(t, meta.ReadOnly)

	sum, err := l.Hash("/mirror/A/b.txt")
	require.NoError(t, err)
	assert.Equal(t, "5d41402abc4b2a76b9719d911017c592", sum)

	// no temp files left behind
	entries, err := afero.ReadDir(l.Afero(), "/mirror/A")
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestWriteAtomic_ReplacesReadOnlyFile(t *testing.T) {
	mem := afero.NewMemMapFs()
	l := New(lockedFs{mem})
	require.NoError(t, afero.WriteFile(mem, "/m/report.pdf", []byte("old"), 0o444))

	_, err := l.WriteAtomic("/m/report.pdf", bytes.NewBufferString("new"), time.Time{})
	require.NoError(t, err)

	data, err := l.ReadFile("/m/report.pdf")
	require.NoError(t, err)
	assert.Equal(t, "new", string(data))
}

func TestRemove(t *testing.T) {
	mem := afero.NewMemMapFs()
	l := New(lockedFs{mem})
	require.NoError(t, afero.WriteFile(mem, "/m/locked.txt", []byte("x"), 0o444))

	require.NoError(t, l.Remove("/m/locked.txt"))
	assert.False(t, l.Exists("/m/locked.txt"))
	assert.NoError(t, l.Remove("/m/never-existed.txt"))
}

func TestRename(t *testing.T) {
	mem := afero.NewMemMapFs()
	l := New(mem)
	require.NoError(t, afero.WriteFile(mem, "/m/a.txt", []byte("x"), 0o644))

	require.NoError(t, l.Rename("/m/a.txt", "/m/sub/b.txt"))
	assert.False(t, l.Exists("/m/a.txt"))
	assert.True(t, l.Exists("/m/sub/b.txt"))
}

func TestStat_Missing(t *testing.T) {
	l := New(afero.NewMemMapFs())
	meta, err := l.Stat("/nope")
	require.NoError(t, err)
	assert.False(t, meta.Exists)

	require.NoError(t, l.MkdirAll("/dir"))
	_, err = l.Stat("/dir")
	assert.Error(t, err)
}
