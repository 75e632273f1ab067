package scope

import (
	"context"
	"testing"

	"github.com/goccy/go-json"
	"github.com/openmined/vaultsync/internal/remote/remotetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestTable_KeysAreCaseInsensitive(t *testing.T) {
	table := NewTable()
	require.NoError(t, table.SetState("$/Docs/", Include))
	require.NoError(t, table.SetState("$/DOCS/", Exclude))

	assert.Equal(t, 1, table.Len())
	info, ok := table.Get("$/docs/")
	require.True(t, ok)
	assert.Equal(t, Exclude, info.State)
	assert.Equal(t, UnknownRemoteID, info.LastKnownRemoteID)
}

func TestTable_SetStateKeepsRemoteIDAndOverride(t *testing.T) {
	table := NewTable()
	require.NoError(t, table.Set("$/A/", SyncInfo{State: Include, LastKnownRemoteID: 42, LocalPathOverride: "/tmp/a"}))
	require.NoError(t, table.SetState("$/A/", IncludeOnlyFiles))

	info, _ := table.Get("$/A/")
	assert.Equal(t, IncludeOnlyFiles, info.State)
	assert.Equal(t, int64(42), info.LastKnownRemoteID)
	assert.Equal(t, "/tmp/a", info.LocalPathOverride)
}

func TestTable_RejectsInvalidInput(t *testing.T) {
	table := NewTable()
	assert.Error(t, table.Set("", NewSyncInfo(Include)))
	assert.Error(t, table.Set("$/A/", SyncInfo{State: SyncState(99)}))
}

func TestTable_JSONRoundTrip(t *testing.T) {
	table := NewTable()
	require.NoError(t, table.Set("$/A/", SyncInfo{State: IncludeOnlyDirectChildFolders, LastKnownRemoteID: 7}))
	require.NoError(t, table.Set("$/A/f.txt", SyncInfo{State: FromParent, LastKnownRemoteID: -1, LocalPathOverride: "~/x"}))

	data, err := json.Marshal(table)
	require.NoError(t, err)

	loaded := NewTable()
	require.NoError(t, json.Unmarshal(data, loaded))
	assert.Equal(t, table.Entries(), loaded.Entries())
}

func TestTable_MissingRemoteIDIsUnknown(t *testing.T) {
	loaded := NewTable()
	require.NoError(t, json.Unmarshal([]byte(`{"$/A/":{"State":1},"$/B/":{"State":1,"LastKnownRemoteId":0}}`), loaded))

	info, ok := loaded.Get("$/A/")
	require.True(t, ok)
	assert.Equal(t, UnknownRemoteID, info.LastKnownRemoteID)

	info, ok = loaded.Get("$/B/")
	require.True(t, ok)
	assert.Equal(t, int64(0), info.LastKnownRemoteID)
}

func TestTable_StateAcceptsNames(t *testing.T) {
	loaded := NewTable()
	require.NoError(t, json.Unmarshal([]byte(`{"$/A/":{"State":"includeOnlyFiles","LastKnownRemoteId":-1}}`), loaded))
	state, ok := loaded.GetExplicitState("$/A/")
	require.True(t, ok)
	assert.Equal(t, IncludeOnlyFiles, state)

	assert.Error(t, json.Unmarshal([]byte(`{"$/A/":{"State":12}}`), NewTable()))
}

func TestTable_YAMLUsesStateNames(t *testing.T) {
	table := NewTable()
	require.NoError(t, table.SetState("$/A/", IncludeSingleFolder))

	out, err := yaml.Marshal(table)
	require.NoError(t, err)
	assert.Contains(t, string(out), "state: IncludeSingleFolder")
}

func TestTable_CloneIsIndependent(t *testing.T) {
	table := NewTable()
	require.NoError(t, table.SetState("$/A/", Include))

	clone := table.Clone()
	require.NoError(t, clone.SetState("$/B/", Include))
	assert.Equal(t, 1, table.Len())
	assert.Equal(t, 2, clone.Len())
}

func TestParseState(t *testing.T) {
	s, err := ParseState("IncludeOnlyDirectChildFolders")
	require.NoError(t, err)
	assert.Equal(t, IncludeOnlyDirectChildFolders, s)

	s, err = ParseState("6")
	require.NoError(t, err)
	assert.Equal(t, FromParent, s)

	_, err = ParseState("sometimes")
	assert.Error(t, err)
}

func TestRepair(t *testing.T) {
	ctx := context.Background()
	vault := remotetest.NewVault()
	renamed := vault.AddFolder("$/Projects/Old/")
	moved := vault.AddFolder("$/Projects/Pump/")
	wild := vault.AddFolder("$/Projects/Valve/")
	stable := vault.AddFolder("$/Projects/Stable/")
	vault.AddFolder("$/Archive/")

	table := NewTable()
	require.NoError(t, table.Set("$/Projects/Old/", SyncInfo{State: Include, LastKnownRemoteID: int64(renamed.ID)}))
	require.NoError(t, table.Set("$/Projects/Pump/", SyncInfo{State: Include, LastKnownRemoteID: int64(moved.ID)}))
	require.NoError(t, table.Set("$/Projects/Valve/", SyncInfo{State: Include, LastKnownRemoteID: int64(wild.ID)}))
	require.NoError(t, table.Set("$/Projects/Stable/", SyncInfo{State: Include, LastKnownRemoteID: UnknownRemoteID}))
	require.NoError(t, table.Set("$/Gone/", NewSyncInfo(Exclude)))

	vault.MoveFolder("$/Projects/Old/", "$/Projects/New/")     // same parent
	vault.MoveFolder("$/Projects/Pump/", "$/Archive/Pump/")    // same name
	vault.MoveFolder("$/Projects/Valve/", "$/Archive/Gauges/") // neither

	report, err := table.Repair(ctx, vault)
	require.NoError(t, err)

	assert.Equal(t, map[string]string{
		"$/Projects/Old/":  "$/Projects/New/",
		"$/Projects/Pump/": "$/Archive/Pump/",
	}, report.Moved)
	assert.ElementsMatch(t, []string{"$/Projects/Valve/", "$/Gone/"}, report.Unresolved)
	assert.Equal(t, 1, report.Refreshed)

	info, ok := table.Get("$/Projects/New/")
	require.True(t, ok)
	assert.Equal(t, int64(renamed.ID), info.LastKnownRemoteID)

	info, ok = table.Get("$/Projects/Stable/")
	require.True(t, ok)
	assert.Equal(t, int64(stable.ID), info.LastKnownRemoteID)

	_, ok = table.Get("$/Projects/Valve/")
	assert.True(t, ok, "rejected candidates keep their entry")
}

func TestRepair_Files(t *testing.T) {
	ctx := context.Background()
	vault := remotetest.NewVault()
	file := vault.AddFile("$/A/drawing.pdf", []byte("v1"))

	table := NewTable()
	require.NoError(t, table.Set("$/A/drawing.pdf", SyncInfo{State: Include, LastKnownRemoteID: file.MasterID}))
	vault.MoveFile("$/A/drawing.pdf", "$/A/drawing-rev2.pdf")

	report, err := table.Repair(ctx, vault)
	require.NoError(t, err)
	assert.Equal(t, "$/A/drawing-rev2.pdf", report.Moved["$/A/drawing.pdf"])
}
