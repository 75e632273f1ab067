package scope

import (
	"os"
	"path/filepath"

	"github.com/openmined/vaultsync/internal/vaultpath"
)

// GetExplicitState returns the state configured directly on path, without inheritance.
func (t *Table) GetExplicitState(path string) (SyncState, bool) {
	info, ok := t.Get(path)
	if !ok {
		return Exclude, false
	}
	return info.State, true
}

// GetImplicitState resolves the effective state of path by walking its
// ancestor chain, nearest first. It never fails and defaults to Exclude.
func (t *Table) GetImplicitState(path string) SyncState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.implicitState(path)
}

func (t *Table) implicitState(path string) SyncState {
	target := vaultpath.Normalize(path)
	isFolder := vaultpath.IsFolder(target)

	for i, ancestor := range vaultpath.Ancestors(target) {
		entry, ok := t.entries[vaultpath.Key(ancestor)]
		if !ok {
			continue
		}

		state := entry.Info.State
		if state == FromParent {
			continue
		}
		if !state.IsSpecial() {
			return state
		}
		return resolveSpecial(state, i+1, isFolder)
	}

	return Exclude
}

// resolveSpecial applies the distance and type sensitive tie-breaks of the bulk
// inclusion states. distance is 1 for the target itself, 2 for its parent.
func resolveSpecial(state SyncState, distance int, isFolder bool) SyncState {
	switch {
	case distance == 1 && state == IncludeOnlyDirectChildFolders && isFolder:
		return IncludeOnlyFolders
	case distance == 1 && isFolder:
		return state
	case state == IncludeOnlyFolders && isFolder:
		return IncludeOnlyFolders
	case distance == 2 && state == IncludeOnlyDirectChildFolders && isFolder:
		return IncludeSingleFolder
	case distance == 2 && state == IncludeOnlyFiles && !isFolder:
		return Include
	default:
		return Exclude
	}
}

// IsIncluded reports whether path resolves to anything but Exclude.
func (t *Table) IsIncluded(path string) bool {
	return t.GetImplicitState(path) != Exclude
}

// ShouldIncludeFolder reports whether the folder itself is mirrored.
func (t *Table) ShouldIncludeFolder(path string) bool {
	return t.IsIncluded(vaultpath.AsFolder(path))
}

// ShouldRecurse reports whether the crawler needs the children of folder path.
func (t *Table) ShouldRecurse(path string) bool {
	switch t.GetImplicitState(vaultpath.AsFolder(path)) {
	case Exclude, IncludeSingleFolder, IncludeOnlyFiles:
		return false
	}
	return true
}

// ShouldIncludeFile reports whether the file at path is mirrored.
func (t *Table) ShouldIncludeFile(path string) bool {
	return !vaultpath.IsFolder(path) && t.IsIncluded(path)
}

// GetLocalPathOverride returns the local directory path maps to when it or one
// of its ancestors carries an override. Environment variables in the override
// are expanded and the remaining path below that ancestor is appended.
func (t *Table) GetLocalPathOverride(path string) (string, bool) {
	target := vaultpath.Normalize(path)

	t.mu.RLock()
	defer t.mu.RUnlock()

	for _, ancestor := range vaultpath.Ancestors(target) {
		entry, ok := t.entries[vaultpath.Key(ancestor)]
		if !ok || entry.Info.LocalPathOverride == "" {
			continue
		}

		base := os.ExpandEnv(entry.Info.LocalPathOverride)
		rel, _ := vaultpath.Rel(ancestor, target)
		if rel == "" {
			return filepath.Clean(base), true
		}
		return filepath.Join(base, filepath.FromSlash(rel)), true
	}
	return "", false
}

// Roots returns the explicit folder entries the crawler must start from: every
// folder whose own resolved state is not Exclude. Explicit entries beneath an
// excluded subtree are only reachable this way.
func (t *Table) Roots() []string {
	var roots []string
	for _, e := range t.Entries() {
		if !vaultpath.IsFolder(e.Path) || e.Info.State == Exclude {
			continue
		}
		if t.IsIncluded(e.Path) {
			roots = append(roots, e.Path)
		}
	}
	return roots
}
