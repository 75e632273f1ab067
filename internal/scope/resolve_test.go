package scope

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tableWith(t *testing.T, rules map[string]SyncState) *Table {
	t.Helper()
	table := NewTable()
	for path, state := range rules {
		require.NoError(t, table.SetState(path, state))
	}
	return table
}

func TestImplicitState_EmptyTableExcludes(t *testing.T) {
	table := NewTable()
	assert.Equal(t, Exclude, table.GetImplicitState("$/"))
	assert.Equal(t, Exclude, table.GetImplicitState("$/A/b.txt"))
	assert.False(t, table.IsIncluded("$/A/"))
}

func TestImplicitState_IncludeExcludeInheritance(t *testing.T) {
	table := tableWith(t, map[string]SyncState{
		"$/A/":   Include,
		"$/A/B/": Exclude,
	})

	assert.Equal(t, Include, table.GetImplicitState("$/A/"))
	assert.Equal(t, Include, table.GetImplicitState("$/A/x.txt"))
	assert.Equal(t, Include, table.GetImplicitState("$/A/C/D/"))
	assert.Equal(t, Exclude, table.GetImplicitState("$/A/B/"))
	assert.Equal(t, Exclude, table.GetImplicitState("$/A/B/C/y.txt"))
	assert.Equal(t, Exclude, table.GetImplicitState("$/Z/"))
}

func TestImplicitState_IsCaseInsensitive(t *testing.T) {
	table := tableWith(t, map[string]SyncState{"$/Projects/": Include})
	assert.Equal(t, Include, table.GetImplicitState("$/PROJECTS/plant/"))
}

func TestImplicitState_FromParentDefers(t *testing.T) {
	table := tableWith(t, map[string]SyncState{
		"$/":       FromParent,
		"$/A/":     FromParent,
		"$/A/B/":   FromParent,
		"$/A/B/C/": FromParent,
	})
	assert.Equal(t, Exclude, table.GetImplicitState("$/A/B/C/"))
	assert.Equal(t, Exclude, table.GetImplicitState("$/A/B/C/f.txt"))

	require.NoError(t, table.SetState("$/A/", Include))
	assert.Equal(t, Include, table.GetImplicitState("$/A/B/C/"))
	assert.Equal(t, Include, table.GetImplicitState("$/A/B/f.txt"))
}

func TestImplicitState_DirectChildFolders(t *testing.T) {
	table := tableWith(t, map[string]SyncState{"$/A/": IncludeOnlyDirectChildFolders})

	assert.Equal(t, IncludeOnlyFolders, table.GetImplicitState("$/A/"))
	assert.Equal(t, IncludeSingleFolder, table.GetImplicitState("$/A/B/"))
	assert.Equal(t, Exclude, table.GetImplicitState("$/A/B/C/"))
	assert.Equal(t, Exclude, table.GetImplicitState("$/A/f.txt"))
}

func TestImplicitState_OnlyFiles(t *testing.T) {
	table := tableWith(t, map[string]SyncState{"$/A/": IncludeOnlyFiles})

	assert.Equal(t, IncludeOnlyFiles, table.GetImplicitState("$/A/"))
	assert.Equal(t, Include, table.GetImplicitState("$/A/f.txt"))
	assert.Equal(t, Exclude, table.GetImplicitState("$/A/B/"))
	assert.Equal(t, Exclude, table.GetImplicitState("$/A/B/g.txt"))
}

func TestImplicitState_OnlyFolders(t *testing.T) {
	table := tableWith(t, map[string]SyncState{"$/A/": IncludeOnlyFolders})

	assert.Equal(t, IncludeOnlyFolders, table.GetImplicitState("$/A/"))
	assert.Equal(t, IncludeOnlyFolders, table.GetImplicitState("$/A/B/"))
	assert.Equal(t, IncludeOnlyFolders, table.GetImplicitState("$/A/B/C/D/"))
	assert.Equal(t, Exclude, table.GetImplicitState("$/A/f.txt"))
	assert.Equal(t, Exclude, table.GetImplicitState("$/A/B/f.txt"))
}

func TestImplicitState_SingleFolder(t *testing.T) {
	table := tableWith(t, map[string]SyncState{"$/A/": IncludeSingleFolder})

	assert.Equal(t, IncludeSingleFolder, table.GetImplicitState("$/A/"))
	assert.Equal(t, Exclude, table.GetImplicitState("$/A/B/"))
	assert.Equal(t, Exclude, table.GetImplicitState("$/A/f.txt"))
}

func TestImplicitState_NearestAncestorWins(t *testing.T) {
	table := tableWith(t, map[string]SyncState{
		"$/":       Include,
		"$/A/":     IncludeOnlyFiles,
		"$/A/B/":   FromParent,
		"$/A/B/C/": Include,
	})

	// FromParent on B defers to A, which only includes its direct files.
	assert.Equal(t, Exclude, table.GetImplicitState("$/A/B/"))
	assert.Equal(t, Include, table.GetImplicitState("$/A/B/C/"))
	assert.Equal(t, Include, table.GetImplicitState("$/Other/"))
}

func TestImplicitState_IsPure(t *testing.T) {
	table := tableWith(t, map[string]SyncState{
		"$/A/":   IncludeOnlyDirectChildFolders,
		"$/A/B/": FromParent,
	})
	for _, p := range []string{"$/A/", "$/A/B/", "$/A/B/C/", "$/A/f.txt"} {
		assert.Equal(t, table.GetImplicitState(p), table.GetImplicitState(p), p)
	}
}

func TestExplicitState(t *testing.T) {
	table := tableWith(t, map[string]SyncState{"$/A/": Include})

	state, ok := table.GetExplicitState("$/a/")
	assert.True(t, ok)
	assert.Equal(t, Include, state)

	_, ok = table.GetExplicitState("$/A/B/")
	assert.False(t, ok)
}

func TestCrawlPredicates(t *testing.T) {
	table := tableWith(t, map[string]SyncState{
		"$/All/":    Include,
		"$/Files/":  IncludeOnlyFiles,
		"$/Direct/": IncludeOnlyDirectChildFolders,
		"$/Single/": IncludeSingleFolder,
		"$/Off/":    Exclude,
	})

	tests := []struct {
		path    string
		include bool
		recurse bool
	}{
		{"$/All/", true, true},
		{"$/Files/", true, false},
		{"$/Direct/", true, true},
		{"$/Direct/child/", true, false},
		{"$/Single/", true, false},
		{"$/Off/", false, false},
		{"$/Unknown/", false, false},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			assert.Equal(t, tt.include, table.ShouldIncludeFolder(tt.path))
			assert.Equal(t, tt.recurse, table.ShouldRecurse(tt.path))
		})
	}

	assert.True(t, table.ShouldIncludeFile("$/Files/a.txt"))
	assert.False(t, table.ShouldIncludeFile("$/Files/"))
}

func TestRoots(t *testing.T) {
	table := tableWith(t, map[string]SyncState{
		"$/A/":     Include,
		"$/A/B/":   Exclude,
		"$/A/B/C/": Include,
		"$/D/":     FromParent,
		"$/E.txt":  Include,
	})
	assert.Equal(t, []string{"$/A/", "$/A/B/C/"}, table.Roots())
}

func TestGetLocalPathOverride(t *testing.T) {
	t.Setenv("VAULTSYNC_TEST_ROOT", filepath.FromSlash("/data/mirror"))

	table := NewTable()
	require.NoError(t, table.Set("$/A/", SyncInfo{
		State:             Include,
		LastKnownRemoteID: UnknownRemoteID,
		LocalPathOverride: "$VAULTSYNC_TEST_ROOT/a",
	}))

	got, ok := table.GetLocalPathOverride("$/A/B/f.txt")
	require.True(t, ok)
	assert.Equal(t, filepath.Join(os.ExpandEnv("$VAULTSYNC_TEST_ROOT/a"), "B", "f.txt"), got)

	got, ok = table.GetLocalPathOverride("$/A/")
	require.True(t, ok)
	assert.Equal(t, filepath.Clean(os.ExpandEnv("$VAULTSYNC_TEST_ROOT/a")), got)

	_, ok = table.GetLocalPathOverride("$/Z/f.txt")
	assert.False(t, ok)
}
