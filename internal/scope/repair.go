package scope

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/openmined/vaultsync/internal/remote"
	"github.com/openmined/vaultsync/internal/vaultpath"
)

// RemoteLookup is the subset of the repository service needed by Repair.
type RemoteLookup interface {
	ResolveFolderByPath(ctx context.Context, path string) (remote.Folder, error)
	ResolveLatestFileByPath(ctx context.Context, path string) (remote.File, error)
	ResolveFolderByID(ctx context.Context, id remote.FolderID) (remote.Folder, error)
	ResolveFileByMasterID(ctx context.Context, masterID int64) (remote.File, error)
}

// RepairReport summarizes a Repair run.
type RepairReport struct {
	Moved      map[string]string // old path -> new path
	Refreshed  int
	Unresolved []string
}

// Repair re-resolves every entry whose path no longer exists remotely using its
// last known remote id. A new location is accepted only when the leaf name or
// the parent folder is unchanged; the entry is then re-keyed in place.
func (t *Table) Repair(ctx context.Context, lookup RemoteLookup) (*RepairReport, error) {
	report := &RepairReport{Moved: make(map[string]string)}
	unresolved := mapset.NewThreadUnsafeSet[string]()

	for _, entry := range t.Entries() {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		id, exists, err := resolveByPath(ctx, lookup, entry.Path)
		if err != nil {
			return report, fmt.Errorf("repair %s: %w", entry.Path, err)
		}
		if exists {
			if id != entry.Info.LastKnownRemoteID {
				t.SetRemoteID(entry.Path, id)
				report.Refreshed++
			}
			continue
		}

		if entry.Info.LastKnownRemoteID == UnknownRemoteID {
			unresolved.Add(entry.Path)
			continue
		}

		newPath, err := resolveByID(ctx, lookup, entry.Path, entry.Info.LastKnownRemoteID)
		if errors.Is(err, remote.ErrNotFound) {
			unresolved.Add(entry.Path)
			continue
		}
		if err != nil {
			return report, fmt.Errorf("repair %s: %w", entry.Path, err)
		}

		if !plausibleMove(entry.Path, newPath) {
			slog.Warn("scope repair rejected candidate", "path", entry.Path, "candidate", newPath)
			unresolved.Add(entry.Path)
			continue
		}

		if _, taken := t.Get(newPath); taken {
			slog.Warn("scope repair target already configured", "path", entry.Path, "candidate", newPath)
			unresolved.Add(entry.Path)
			continue
		}

		t.Rename(entry.Path, newPath)
		report.Moved[entry.Path] = newPath
		slog.Info("scope repair", "from", entry.Path, "to", newPath)
	}

	report.Unresolved = unresolved.ToSlice()
	return report, nil
}

func resolveByPath(ctx context.Context, lookup RemoteLookup, path string) (int64, bool, error) {
	var (
		id  int64
		err error
	)
	if vaultpath.IsFolder(path) {
		var folder remote.Folder
		folder, err = lookup.ResolveFolderByPath(ctx, path)
		id = int64(folder.ID)
	} else {
		var file remote.File
		file, err = lookup.ResolveLatestFileByPath(ctx, path)
		id = file.MasterID
	}
	if errors.Is(err, remote.ErrNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return id, true, nil
}

func resolveByID(ctx context.Context, lookup RemoteLookup, path string, id int64) (string, error) {
	if vaultpath.IsFolder(path) {
		folder, err := lookup.ResolveFolderByID(ctx, remote.FolderID(id))
		if err != nil {
			return "", err
		}
		return vaultpath.AsFolder(folder.Path), nil
	}
	file, err := lookup.ResolveFileByMasterID(ctx, id)
	if err != nil {
		return "", err
	}
	return vaultpath.Normalize(file.Path), nil
}

// plausibleMove accepts a rename within the same folder or a move that keeps the name.
func plausibleMove(oldPath, newPath string) bool {
	if strings.EqualFold(vaultpath.Name(oldPath), vaultpath.Name(newPath)) {
		return true
	}
	return vaultpath.Equal(vaultpath.Parent(oldPath), vaultpath.Parent(newPath))
}
