// Package scope holds the synchronization scope table: explicit per-path rules
// and the inheritance algorithm that decides whether any remote path is mirrored.
package scope

import (
	"fmt"
	"sort"
	"sync"

	"github.com/goccy/go-json"
	"github.com/openmined/vaultsync/internal/vaultpath"
)

// UnknownRemoteID marks an entry whose remote object id has not been observed yet.
const UnknownRemoteID int64 = -1

// SyncInfo is the rule attached to one explicit path.
type SyncInfo struct {
	State             SyncState `json:"State" yaml:"state"`
	LastKnownRemoteID int64     `json:"LastKnownRemoteId" yaml:"lastKnownRemoteId"`
	LocalPathOverride string    `json:"LocalPathOverride,omitempty" yaml:"localPathOverride,omitempty"`
}

// NewSyncInfo returns a rule with the given state and no remote id.
func NewSyncInfo(state SyncState) SyncInfo {
	return SyncInfo{State: state, LastKnownRemoteID: UnknownRemoteID}
}

// UnmarshalJSON defaults a missing remote id to UnknownRemoteID.
func (i *SyncInfo) UnmarshalJSON(data []byte) error {
	type alias SyncInfo
	var raw struct {
		alias
		LastKnownRemoteID *int64 `json:"LastKnownRemoteId"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*i = SyncInfo(raw.alias)
	i.LastKnownRemoteID = UnknownRemoteID
	if raw.LastKnownRemoteID != nil {
		i.LastKnownRemoteID = *raw.LastKnownRemoteID
	}
	return nil
}

// Entry is an explicit path and its rule.
type Entry struct {
	Path string
	Info SyncInfo
}

// Table maps vault paths to rules. Keys are compared case-insensitively.
// It is safe for concurrent use.
type Table struct {
	mu      sync.RWMutex
	entries map[string]*Entry
}

func NewTable() *Table {
	return &Table{
		entries: make(map[string]*Entry),
	}
}

// Set replaces the rule for path.
func (t *Table) Set(path string, info SyncInfo) error {
	path = vaultpath.Normalize(path)
	if path == "" {
		return fmt.Errorf("scope: empty path")
	}
	if !info.State.Valid() {
		return fmt.Errorf("scope: invalid state %d for %s", info.State, path)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[vaultpath.Key(path)] = &Entry{Path: path, Info: info}
	return nil
}

// SetState sets the state for path, keeping any remote id or override already recorded.
func (t *Table) SetState(path string, state SyncState) error {
	info, ok := t.Get(path)
	if !ok {
		info = NewSyncInfo(state)
	}
	info.State = state
	return t.Set(path, info)
}

// SetLocalPathOverride sets the local directory for an existing entry.
func (t *Table) SetLocalPathOverride(path, dir string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.entries[vaultpath.Key(path)]
	if !ok {
		return false
	}
	entry.Info.LocalPathOverride = dir
	return true
}

// SetRemoteID records the latest observed remote id for an existing entry.
func (t *Table) SetRemoteID(path string, id int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.entries[vaultpath.Key(path)]
	if !ok {
		return false
	}
	entry.Info.LastKnownRemoteID = id
	return true
}

// Get returns the explicit rule for path.
func (t *Table) Get(path string) (SyncInfo, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	entry, ok := t.entries[vaultpath.Key(path)]
	if !ok {
		return SyncInfo{}, false
	}
	return entry.Info, true
}

// Remove deletes the explicit rule for path.
func (t *Table) Remove(path string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := vaultpath.Key(path)
	if _, ok := t.entries[key]; !ok {
		return false
	}
	delete(t.entries, key)
	return true
}

// Rename moves the rule at oldPath to newPath. An existing rule at newPath is replaced.
func (t *Table) Rename(oldPath, newPath string) bool {
	newPath = vaultpath.Normalize(newPath)

	t.mu.Lock()
	defer t.mu.Unlock()

	oldKey := vaultpath.Key(oldPath)
	entry, ok := t.entries[oldKey]
	if !ok || newPath == "" {
		return false
	}
	delete(t.entries, oldKey)
	t.entries[vaultpath.Key(newPath)] = &Entry{Path: newPath, Info: entry.Info}
	return true
}

func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

// Entries returns a snapshot of all explicit rules ordered by path.
func (t *Table) Entries() []Entry {
	t.mu.RLock()
	out := make([]Entry, 0, len(t.entries))
	for _, e := range t.entries {
		out = append(out, *e)
	}
	t.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return vaultpath.Key(out[i].Path) < vaultpath.Key(out[j].Path)
	})
	return out
}

// Clone returns an independent copy of the table.
func (t *Table) Clone() *Table {
	clone := NewTable()
	for _, e := range t.Entries() {
		clone.entries[vaultpath.Key(e.Path)] = &Entry{Path: e.Path, Info: e.Info}
	}
	return clone
}

func (t *Table) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.asMap())
}

func (t *Table) UnmarshalJSON(data []byte) error {
	var raw map[string]SyncInfo
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	t.mu.Lock()
	t.entries = make(map[string]*Entry, len(raw))
	t.mu.Unlock()

	for path, info := range raw {
		if err := t.Set(path, info); err != nil {
			return err
		}
	}
	return nil
}

func (t *Table) MarshalYAML() (any, error) {
	return t.asMap(), nil
}

func (t *Table) asMap() map[string]SyncInfo {
	entries := t.Entries()
	out := make(map[string]SyncInfo, len(entries))
	for _, e := range entries {
		out[e.Path] = e.Info
	}
	return out
}
