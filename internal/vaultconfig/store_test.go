package vaultconfig

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/openmined/vaultsync/internal/scope"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testRepo = RepositoryID("Engineering", "https://vault.example.com/")

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "vaultsync.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestRepositoryID(t *testing.T) {
	assert.Equal(t, "engineering@https://vault.example.com", testRepo)
	assert.Equal(t, testRepo, RepositoryID(" ENGINEERING ", "HTTPS://vault.example.com"))
}

func TestSniff(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    Format
		wantErr bool
	}{
		{"empty", "", FormatNone, false},
		{"garbage", "hello world\n", FormatNone, false},
		{"v0", "# rules\n+$/A\n", FormatV0, false},
		{"v1", `{"repo":{"$/A/":{"State":1}}}`, FormatV1, false},
		{"v2", `{"ConfigVersion":"1.1","Repositories":{}}`, FormatV2, false},
		{"v3", `{"ConfigVersion":"2.0","Repositories":{}}`, FormatV3, false},
		{"future", `{"ConfigVersion":"9.0"}`, FormatNone, true},
		{"broken json", `{"ConfigVersion":`, FormatNone, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Sniff([]byte(tt.content))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestLoad_V0(t *testing.T) {
	path := writeConfig(t, "+$/A\n-$/A/B\n\n# comment\n")

	res, err := Load(path, testRepo)
	require.NoError(t, err)
	assert.Equal(t, FormatV0, res.Format)
	assert.True(t, res.Migrated())

	table := res.Document.Table(testRepo)
	require.Equal(t, 2, table.Len())

	info, ok := table.Get("$/A/")
	require.True(t, ok)
	assert.Equal(t, scope.Include, info.State)
	assert.Equal(t, scope.UnknownRemoteID, info.LastKnownRemoteID)

	info, ok = table.Get("$/A/B/")
	require.True(t, ok)
	assert.Equal(t, scope.Exclude, info.State)

	assert.True(t, res.Document.OverwriteLocallyModifiedFiles)
	assert.Equal(t, CurrentConfigVersion, res.Document.ConfigVersion)
}

func TestLoad_V1(t *testing.T) {
	path := writeConfig(t, `{
		"engineering@https://vault.example.com": {
			"$/A/": {"State": 2},
			"$/A/B/": {"State": 0}
		}
	}`)

	res, err := Load(path, "ignored")
	require.NoError(t, err)
	assert.Equal(t, FormatV1, res.Format)

	table := res.Document.Table(testRepo)
	state, ok := table.GetExplicitState("$/A/")
	require.True(t, ok)
	assert.Equal(t, scope.IncludeOnlyFolders, state)
	assert.True(t, res.Document.OverwriteLocallyModifiedFiles)
}

func TestLoad_V1RejectsStateOutsideItsVersion(t *testing.T) {
	path := writeConfig(t, `{"repo":{"$/A/":{"State":4}}}`)

	_, err := Load(path, testRepo)
	var cfgErr *ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.ErrorIs(t, err, ErrUnknownState)
}

func TestLoad_V2(t *testing.T) {
	path := writeConfig(t, `{
		"ConfigVersion": "1.1",
		"OverwriteLocallyModifiedFiles": false,
		"Repositories": {
			"Engineering@https://vault.example.com": {
				"$/A/": {"State": 4, "LastKnownRemoteId": 17},
				"$/B/": {"State": 5}
			}
		}
	}`)

	res, err := Load(path, testRepo)
	require.NoError(t, err)
	assert.Equal(t, FormatV2, res.Format)
	assert.False(t, res.Document.OverwriteLocallyModifiedFiles)

	table := res.Document.Table(testRepo)
	info, ok := table.Get("$/A/")
	require.True(t, ok)
	assert.Equal(t, scope.IncludeOnlyDirectChildFolders, info.State)
	assert.Equal(t, int64(17), info.LastKnownRemoteID)

	info, ok = table.Get("$/B/")
	require.True(t, ok)
	assert.Equal(t, scope.IncludeSingleFolder, info.State)
	assert.Equal(t, scope.UnknownRemoteID, info.LastKnownRemoteID)
}

func TestLoad_V2DefaultsOverwriteToTrue(t *testing.T) {
	path := writeConfig(t, `{"ConfigVersion":"1.1","Repositories":{}}`)

	res, err := Load(path, testRepo)
	require.NoError(t, err)
	assert.True(t, res.Document.OverwriteLocallyModifiedFiles)
}

func TestLoad_V3(t *testing.T) {
	path := writeConfig(t, `{
		"ConfigVersion": "2.0",
		"OverwriteLocallyModifiedFiles": false,
		"Repositories": {
			"engineering@https://vault.example.com": {
				"$/A/": {"State": 6, "LastKnownRemoteId": -1, "LocalPathOverride": "D:\\Work"},
				"$/B/": {"State": 1}
			}
		}
	}`)

	res, err := Load(path, testRepo)
	require.NoError(t, err)
	assert.Equal(t, FormatV3, res.Format)
	assert.False(t, res.Migrated())

	info, ok := res.Document.Table(testRepo).Get("$/A/")
	require.True(t, ok)
	assert.Equal(t, scope.FromParent, info.State)
	assert.Equal(t, `D:\Work`, info.LocalPathOverride)

	info, ok = res.Document.Table(testRepo).Get("$/B/")
	require.True(t, ok)
	assert.Equal(t, scope.Include, info.State)
	assert.Equal(t, scope.UnknownRemoteID, info.LastKnownRemoteID)
}

func TestLoad_MissingFileIsEmpty(t *testing.T) {
	res, err := Load(filepath.Join(t.TempDir(), "nope.json"), testRepo)
	require.NoError(t, err)
	assert.Equal(t, FormatNone, res.Format)
	assert.Empty(t, res.Document.Repositories)
}

func TestLoad_CorruptFile(t *testing.T) {
	path := writeConfig(t, `{"ConfigVersion": "2.0", "Repositories": {`)

	_, err := Load(path, testRepo)
	var cfgErr *ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, path, cfgErr.Path)

	doc := LoadBestEffort(path, testRepo)
	require.NotNil(t, doc)
	assert.Empty(t, doc.Repositories)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "vaultsync.json")

	doc := NewDocument()
	doc.OverwriteLocallyModifiedFiles = false
	table := doc.Table(testRepo)
	require.NoError(t, table.Set("$/A/", scope.SyncInfo{State: scope.IncludeOnlyFiles, LastKnownRemoteID: 3, LocalPathOverride: "$HOME/a"}))
	require.NoError(t, table.SetState("$/A/B/", scope.FromParent))

	require.NoError(t, Save(path, doc))
	_, err := os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))

	res, err := Load(path, testRepo)
	require.NoError(t, err)
	assert.Equal(t, FormatV3, res.Format)
	assert.False(t, res.Document.OverwriteLocallyModifiedFiles)
	assert.Equal(t, table.Entries(), res.Document.Table(testRepo).Entries())
}

func TestMigrateThenSave(t *testing.T) {
	path := writeConfig(t, "+$/Projects\n")

	res, err := Load(path, testRepo)
	require.NoError(t, err)
	require.True(t, res.Migrated())

	backup, err := Backup(path, res.Format)
	require.NoError(t, err)
	assert.Equal(t, path+".v0.bak", backup)
	require.NoError(t, Save(path, res.Document))

	again, err := Load(path, "other-repo")
	require.NoError(t, err)
	assert.Equal(t, FormatV3, again.Format)
	assert.True(t, again.Document.Table(testRepo).IsIncluded("$/Projects/Sub/"))

	old, err := os.ReadFile(backup)
	require.NoError(t, err)
	assert.Equal(t, "+$/Projects\n", string(old))
}

func TestDocument_SetTable(t *testing.T) {
	doc := NewDocument()
	table := scope.NewTable()
	require.NoError(t, table.SetState("$/A/", scope.Include))

	doc.SetTable(" Engineering@https://vault.example.com", table)
	assert.True(t, doc.HasTable(testRepo))
	assert.Same(t, table, doc.Table(testRepo))

	doc.SetTable(testRepo, nil)
	assert.False(t, doc.HasTable(testRepo))
}
