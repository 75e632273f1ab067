package scope

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/goccy/go-json"
)

// SyncState describes how a path participates in synchronization.
// Values are persisted by number; new states are only ever appended.
type SyncState int

const (
	Exclude SyncState = iota
	Include
	IncludeOnlyFolders
	IncludeOnlyFiles
	IncludeOnlyDirectChildFolders
	IncludeSingleFolder
	FromParent
)

var stateNames = map[SyncState]string{
	Exclude:                       "Exclude",
	Include:                       "Include",
	IncludeOnlyFolders:            "IncludeOnlyFolders",
	IncludeOnlyFiles:              "IncludeOnlyFiles",
	IncludeOnlyDirectChildFolders: "IncludeOnlyDirectChildFolders",
	IncludeSingleFolder:           "IncludeSingleFolder",
	FromParent:                    "FromParent",
}

// AllStates lists every state in persisted order.
func AllStates() []SyncState {
	return []SyncState{
		Exclude,
		Include,
		IncludeOnlyFolders,
		IncludeOnlyFiles,
		IncludeOnlyDirectChildFolders,
		IncludeSingleFolder,
		FromParent,
	}
}

func (s SyncState) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "SyncState(" + strconv.Itoa(int(s)) + ")"
}

// Valid reports whether s is a known state.
func (s SyncState) Valid() bool {
	_, ok := stateNames[s]
	return ok
}

// IsSpecial reports whether s is one of the bulk folder-inclusion states that
// resolve differently for direct children and deeper descendants.
func (s SyncState) IsSpecial() bool {
	switch s {
	case IncludeOnlyFolders, IncludeOnlyFiles, IncludeOnlyDirectChildFolders, IncludeSingleFolder:
		return true
	}
	return false
}

// ParseState parses a state name (case-insensitive) or its number.
func ParseState(raw string) (SyncState, error) {
	raw = strings.TrimSpace(raw)
	if n, err := strconv.Atoi(raw); err == nil {
		s := SyncState(n)
		if !s.Valid() {
			return 0, fmt.Errorf("invalid sync state %d", n)
		}
		return s, nil
	}
	for s, name := range stateNames {
		if strings.EqualFold(name, raw) {
			return s, nil
		}
	}
	return 0, fmt.Errorf("invalid sync state %q", raw)
}

func (s SyncState) MarshalJSON() ([]byte, error) {
	return json.Marshal(int(s))
}

func (s *SyncState) UnmarshalJSON(data []byte) error {
	var n int
	if err := json.Unmarshal(data, &n); err == nil {
		state := SyncState(n)
		if !state.Valid() {
			return fmt.Errorf("invalid sync state %d", n)
		}
		*s = state
		return nil
	}

	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return fmt.Errorf("sync state must be a number or name: %w", err)
	}
	state, err := ParseState(name)
	if err != nil {
		return err
	}
	*s = state
	return nil
}

func (s SyncState) MarshalYAML() (any, error) {
	return s.String(), nil
}
