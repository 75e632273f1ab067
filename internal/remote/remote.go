// Package remote defines the repository service the mirror talks to and the
// folder and file records it returns.
package remote

import (
	"context"
	"errors"
	"io"
	"time"
)

var (
	// ErrNotFound is returned when a path or id does not resolve to a remote object.
	ErrNotFound = errors.New("remote: not found")
)

type FolderID int64

// Folder is a folder in the remote vault. Path always ends in "/".
type Folder struct {
	ID       FolderID `json:"id"`
	ParentID FolderID `json:"parentId"`
	Path     string   `json:"path"`
	Name     string   `json:"name"`
}

// File is one version of a file in the remote vault.
// ID identifies the version, MasterID the file across all its versions.
type File struct {
	ID       int64     `json:"id"`
	MasterID int64     `json:"masterId"`
	FolderID FolderID  `json:"folderId"`
	Path     string    `json:"path"`
	Name     string    `json:"name"`
	Version  int       `json:"version"`
	Size     int64     `json:"size"`
	Checksum string    `json:"checksum,omitempty"`
	Modified time.Time `json:"modified"`
}

// Service is the remote repository. Implementations are not required to be
// safe for concurrent use except DownloadFile.
type Service interface {
	ListRootFolder(ctx context.Context) (Folder, error)

	// ListChildFolders returns the direct child folders of every requested id in one call.
	ListChildFolders(ctx context.Context, ids []FolderID) (map[FolderID][]Folder, error)

	// ListFilesInFolders returns the latest file versions of every requested folder.
	ListFilesInFolders(ctx context.Context, ids []FolderID) (map[FolderID][]File, error)

	ResolveFolderByPath(ctx context.Context, path string) (Folder, error)
	ResolveLatestFileByPath(ctx context.Context, path string) (File, error)
	ResolveFolderByID(ctx context.Context, id FolderID) (Folder, error)
	ResolveFileByMasterID(ctx context.Context, masterID int64) (File, error)

	// DownloadFile streams the content of the given file version into w.
	DownloadFile(ctx context.Context, file File, w io.Writer) error
}
