// Package remotetest provides an in-memory remote vault for tests.
package remotetest

import (
	"bytes"
	"context"
	"crypto/md5"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/openmined/vaultsync/internal/remote"
	"github.com/openmined/vaultsync/internal/vaultpath"
)

// ErrTransient is the error injected by FailTimes when no other error is given.
var ErrTransient = errors.New("remotetest: transient failure")

const (
	MethodListRoot       = "ListRootFolder"
	MethodListChildren   = "ListChildFolders"
	MethodListFiles      = "ListFilesInFolders"
	MethodFolderByPath   = "ResolveFolderByPath"
	MethodFileByPath     = "ResolveLatestFileByPath"
	MethodFolderByID     = "ResolveFolderByID"
	MethodFileByMasterID = "ResolveFileByMasterID"
	MethodDownload       = "DownloadFile"
)

type failure struct {
	times int
	err   error
}

// Vault is an in-memory remote.Service. Files keep every version's content.
type Vault struct {
	mu       sync.Mutex
	nextID   int64
	folders  map[remote.FolderID]*remote.Folder
	children map[remote.FolderID][]remote.FolderID
	files    map[remote.FolderID][]*remote.File
	content  map[int64][]byte
	calls    map[string]int
	failures map[string]*failure
	dropped  map[remote.FolderID]bool
	now      time.Time
}

var _ remote.Service = (*Vault)(nil)

func NewVault() *Vault {
	v := &Vault{
		nextID:   1,
		folders:  make(map[remote.FolderID]*remote.Folder),
		children: make(map[remote.FolderID][]remote.FolderID),
		files:    make(map[remote.FolderID][]*remote.File),
		content:  make(map[int64][]byte),
		calls:    make(map[string]int),
		failures: make(map[string]*failure),
		dropped:  make(map[remote.FolderID]bool),
		now:      time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	v.folders[1] = &remote.Folder{ID: 1, Path: vaultpath.Root, Name: ""}
	return v
}

// RootID returns the id of "$/".
func (v *Vault) RootID() remote.FolderID {
	return 1
}

// AddFolder creates the folder at path and any missing parents.
func (v *Vault) AddFolder(path string) remote.Folder {
	v.mu.Lock()
	defer v.mu.Unlock()
	return *v.ensureFolder(vaultpath.AsFolder(path))
}

func (v *Vault) ensureFolder(path string) *remote.Folder {
	if path == "" || path == vaultpath.Root {
		return v.folders[1]
	}
	if f := v.folderByPath(path); f != nil {
		return f
	}
	parent := v.ensureFolder(vaultpath.Parent(path))
	v.nextID++
	f := &remote.Folder{
		ID:       remote.FolderID(v.nextID),
		ParentID: parent.ID,
		Path:     path,
		Name:     vaultpath.Name(path),
	}
	v.folders[f.ID] = f
	v.children[parent.ID] = append(v.children[parent.ID], f.ID)
	return f
}

func (v *Vault) folderByPath(path string) *remote.Folder {
	key := vaultpath.Key(path)
	for _, f := range v.folders {
		if vaultpath.Key(f.Path) == key {
			return f
		}
	}
	return nil
}

// AddFile checks in content at path. An existing file gets a new version.
func (v *Vault) AddFile(path string, content []byte) remote.File {
	v.mu.Lock()
	defer v.mu.Unlock()

	path = vaultpath.Normalize(path)
	folder := v.ensureFolder(vaultpath.Parent(path))
	v.now = v.now.Add(time.Minute)
	v.nextID++

	sum := md5.Sum(content)
	file := &remote.File{
		ID:       v.nextID,
		MasterID: v.nextID,
		FolderID: folder.ID,
		Path:     path,
		Name:     vaultpath.Name(path),
		Version:  1,
		Size:     int64(len(content)),
		Checksum: fmt.Sprintf("%x", sum),
		Modified: v.now,
	}

	list := v.files[folder.ID]
	for i, existing := range list {
		if vaultpath.Equal(existing.Path, path) {
			file.MasterID = existing.MasterID
			file.Version = existing.Version + 1
			list[i] = file
			v.content[file.ID] = append([]byte(nil), content...)
			return *file
		}
	}
	v.files[folder.ID] = append(list, file)
	v.content[file.ID] = append([]byte(nil), content...)
	return *file
}

// MoveFolder renames a folder and rewrites the paths of everything below it.
func (v *Vault) MoveFolder(oldPath, newPath string) {
	v.mu.Lock()
	defer v.mu.Unlock()

	oldPath = vaultpath.AsFolder(oldPath)
	newPath = vaultpath.AsFolder(newPath)
	moved := v.folderByPath(oldPath)
	if moved == nil {
		return
	}
	newParent := v.ensureFolder(vaultpath.Parent(newPath))
	if newParent.ID != moved.ParentID {
		v.children[moved.ParentID] = removeID(v.children[moved.ParentID], moved.ID)
		v.children[newParent.ID] = append(v.children[newParent.ID], moved.ID)
		moved.ParentID = newParent.ID
	}

	for _, f := range v.folders {
		if rel, ok := vaultpath.Rel(oldPath, f.Path); ok {
			f.Path = vaultpath.Join(newPath, rel, true)
			f.Name = vaultpath.Name(f.Path)
		}
	}
	for _, list := range v.files {
		for _, file := range list {
			if rel, ok := vaultpath.Rel(oldPath, file.Path); ok {
				file.Path = vaultpath.Join(newPath, rel, false)
			}
		}
	}
}

// MoveFile renames a file, keeping its master id.
func (v *Vault) MoveFile(oldPath, newPath string) {
	v.mu.Lock()
	defer v.mu.Unlock()

	newPath = vaultpath.Normalize(newPath)
	target := v.ensureFolder(vaultpath.Parent(newPath))
	for folderID, list := range v.files {
		for i, file := range list {
			if !vaultpath.Equal(file.Path, oldPath) {
				continue
			}
			v.files[folderID] = append(list[:i:i], list[i+1:]...)
			file.Path = newPath
			file.Name = vaultpath.Name(newPath)
			file.FolderID = target.ID
			v.files[target.ID] = append(v.files[target.ID], file)
			return
		}
	}
}

// BuildTree creates a tree below base with the given number of folder levels
// and child folders per folder. Every folder gets one file.
func (v *Vault) BuildTree(base string, depth, branching int) int {
	count := 0
	var build func(path string, level int)
	build = func(path string, level int) {
		v.AddFolder(path)
		v.AddFile(vaultpath.Join(path, "readme.txt", false), []byte(path))
		count++
		if level >= depth {
			return
		}
		for i := 0; i < branching; i++ {
			build(vaultpath.Join(path, fmt.Sprintf("d%d", i), true), level+1)
		}
	}
	build(vaultpath.AsFolder(base), 1)
	return count
}

// FailTimes makes the next n calls to method fail with err (ErrTransient if nil).
func (v *Vault) FailTimes(method string, n int, err error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err == nil {
		err = ErrTransient
	}
	v.failures[method] = &failure{times: n, err: err}
}

// DropFromListing makes bulk listings omit the given folder, simulating a
// response with the wrong cardinality.
func (v *Vault) DropFromListing(id remote.FolderID) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.dropped[id] = true
}

// Calls returns how often method was called.
func (v *Vault) Calls(method string) int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.calls[method]
}

func (v *Vault) enter(method string) error {
	v.calls[method]++
	if f, ok := v.failures[method]; ok && f.times > 0 {
		f.times--
		return f.err
	}
	return nil
}

func (v *Vault) ListRootFolder(ctx context.Context) (remote.Folder, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.enter(MethodListRoot); err != nil {
		return remote.Folder{}, err
	}
	return *v.folders[1], nil
}

func (v *Vault) ListChildFolders(ctx context.Context, ids []remote.FolderID) (map[remote.FolderID][]remote.Folder, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.enter(MethodListChildren); err != nil {
		return nil, err
	}

	out := make(map[remote.FolderID][]remote.Folder, len(ids))
	for _, id := range ids {
		if v.dropped[id] {
			continue
		}
		children := make([]remote.Folder, 0, len(v.children[id]))
		for _, childID := range v.children[id] {
			children = append(children, *v.folders[childID])
		}
		sort.Slice(children, func(i, j int) bool { return children[i].Path < children[j].Path })
		out[id] = children
	}
	return out, nil
}

func (v *Vault) ListFilesInFolders(ctx context.Context, ids []remote.FolderID) (map[remote.FolderID][]remote.File, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.enter(MethodListFiles); err != nil {
		return nil, err
	}

	out := make(map[remote.FolderID][]remote.File, len(ids))
	for _, id := range ids {
		if v.dropped[id] {
			continue
		}
		files := make([]remote.File, 0, len(v.files[id]))
		for _, f := range v.files[id] {
			files = append(files, *f)
		}
		out[id] = files
	}
	return out, nil
}

func (v *Vault) ResolveFolderByPath(ctx context.Context, path string) (remote.Folder, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.enter(MethodFolderByPath); err != nil {
		return remote.Folder{}, err
	}
	if f := v.folderByPath(vaultpath.AsFolder(path)); f != nil {
		return *f, nil
	}
	return remote.Folder{}, remote.ErrNotFound
}

func (v *Vault) ResolveLatestFileByPath(ctx context.Context, path string) (remote.File, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.enter(MethodFileByPath); err != nil {
		return remote.File{}, err
	}
	for _, list := range v.files {
		for _, f := range list {
			if vaultpath.Equal(f.Path, path) {
				return *f, nil
			}
		}
	}
	return remote.File{}, remote.ErrNotFound
}

func (v *Vault) ResolveFolderByID(ctx context.Context, id remote.FolderID) (remote.Folder, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.enter(MethodFolderByID); err != nil {
		return remote.Folder{}, err
	}
	if f, ok := v.folders[id]; ok {
		return *f, nil
	}
	return remote.Folder{}, remote.ErrNotFound
}

func (v *Vault) ResolveFileByMasterID(ctx context.Context, masterID int64) (remote.File, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.enter(MethodFileByMasterID); err != nil {
		return remote.File{}, err
	}
	for _, list := range v.files {
		for _, f := range list {
			if f.MasterID == masterID {
				return *f, nil
			}
		}
	}
	return remote.File{}, remote.ErrNotFound
}

func (v *Vault) DownloadFile(ctx context.Context, file remote.File, w io.Writer) error {
	v.mu.Lock()
	err := v.enter(MethodDownload)
	data, ok := v.content[file.ID]
	v.mu.Unlock()

	if err != nil {
		return err
	}
	if !ok {
		return remote.ErrNotFound
	}
	_, err = io.Copy(w, bytes.NewReader(data))
	return err
}

func removeID(ids []remote.FolderID, id remote.FolderID) []remote.FolderID {
	out := ids[:0]
	for _, x := range ids {
		if x != id {
			out = append(out, x)
		}
	}
	return out
}

// Paths lists every folder path in the vault, sorted.
func (v *Vault) Paths() []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]string, 0, len(v.folders))
	for _, f := range v.folders {
		out = append(out, f.Path)
	}
	sort.Strings(out)
	return out
}
