package mirror

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/openmined/vaultsync/internal/crawler"
	"github.com/openmined/vaultsync/internal/remote/remotetest"
	"github.com/openmined/vaultsync/internal/scope"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSyncVault() *remotetest.Vault {
	vault := remotetest.NewVault()
	vault.AddFile("$/A/part.txt", []byte("part v1"))
	vault.AddFile("$/A/notes.md", []byte("notes"))
	vault.AddFile("$/A/B/hidden.txt", []byte("hidden"))
	vault.AddFile("$/C/other.txt", []byte("other"))
	return vault
}

func includeA(t *testing.T, s *Session) {
	t.Helper()
	table := s.LoadScopeTable("")
	require.NoError(t, table.SetState("$/A/", scope.Include))
	require.NoError(t, table.SetState("$/A/B/", scope.Exclude))
	require.NoError(t, s.SaveScopeTable(table))
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}

func TestSync_MirrorsIncludedFiles(t *testing.T) {
	vault := newSyncVault()
	cfg := testConfig(t)
	s := openSession(t, cfg, vault)
	includeA(t, s)

	report, err := s.Sync(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, report.Failures)
	assert.Equal(t, 1, report.Folders)
	assert.Equal(t, 2, report.Files)
	assert.Equal(t, 2, report.Downloaded)
	assert.Equal(t, int64(len("part v1")+len("notes")), report.Bytes)
	assert.Contains(t, report.String(), "2 downloaded")

	assert.Equal(t, "part v1", readFile(t, filepath.Join(cfg.MirrorDir, "A", "part.txt")))
	assert.Equal(t, "notes", readFile(t, filepath.Join(cfg.MirrorDir, "A", "notes.md")))
	assert.NoFileExists(t, filepath.Join(cfg.MirrorDir, "A", "B", "hidden.txt"))
	assert.NoDirExists(t, filepath.Join(cfg.MirrorDir, "C"))

	info, ok := s.LoadScopeTable("").Get("$/A/")
	require.True(t, ok)
	assert.NotEqual(t, scope.UnknownRemoteID, info.LastKnownRemoteID, "remote ids are saved")
}

func TestSync_SecondRunIsUpToDate(t *testing.T) {
	vault := newSyncVault()
	s := openSession(t, testConfig(t), vault)
	includeA(t, s)

	_, err := s.Sync(context.Background(), nil)
	require.NoError(t, err)
	downloads := vault.Calls(remotetest.MethodDownload)

	report, err := s.Sync(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Downloaded)
	assert.Equal(t, 2, report.UpToDate)
	assert.Equal(t, downloads, vault.Calls(remotetest.MethodDownload))
}

func TestSync_NewVersionReplacesCopy(t *testing.T) {
	vault := newSyncVault()
	cfg := testConfig(t)
	s := openSession(t, cfg, vault)
	includeA(t, s)

	_, err := s.Sync(context.Background(), nil)
	require.NoError(t, err)

	vault.AddFile("$/A/part.txt", []byte("part v2, longer"))

	report, err := s.Sync(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Downloaded)
	assert.Equal(t, 1, report.UpToDate)
	assert.Equal(t, "part v2, longer", readFile(t, filepath.Join(cfg.MirrorDir, "A", "part.txt")))
}

func TestSync_LocallyModifiedFiles(t *testing.T) {
	tests := []struct {
		name      string
		overwrite bool
		want      string
	}{
		{"kept", false, "my edits"},
		{"overwritten", true, "part v1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			vault := newSyncVault()
			cfg := testConfig(t)
			cfg.OverwriteLocal = &tt.overwrite
			s := openSession(t, cfg, vault)
			includeA(t, s)

			_, err := s.Sync(context.Background(), nil)
			require.NoError(t, err)

			local := filepath.Join(cfg.MirrorDir, "A", "part.txt")
			require.NoError(t, os.WriteFile(local, []byte("my edits"), 0o644))

			report, err := s.Sync(context.Background(), nil)
			require.NoError(t, err)
			assert.Equal(t, tt.want, readFile(t, local))
			if tt.overwrite {
				assert.Equal(t, 1, report.Downloaded)
			} else {
				assert.Equal(t, 1, report.Kept)
			}
		})
	}
}

func TestSync_OverrideRedirectsWorkFolder(t *testing.T) {
	vault := newSyncVault()
	cfg := testConfig(t)
	s := openSession(t, cfg, vault)

	override := filepath.Join(t.TempDir(), "parts")
	table := s.LoadScopeTable("")
	require.NoError(t, table.Set("$/A/", scope.SyncInfo{State: scope.IncludeOnlyFiles, LocalPathOverride: override}))
	require.NoError(t, s.SaveScopeTable(table))

	report, err := s.Sync(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Downloaded)
	assert.Equal(t, "part v1", readFile(t, filepath.Join(override, "part.txt")))
	assert.NoFileExists(t, filepath.Join(cfg.MirrorDir, "A", "part.txt"))

	// the redirection ends with the run
	dir, err := s.WorkFolders().Get(context.Background(), "$/A/")
	require.NoError(t, err)
	assert.Empty(t, dir)
	assert.NoFileExists(t, s.Workspace().ResumePath)
}

func TestSync_OverrideWinsOverMappedWorkFolder(t *testing.T) {
	ctx := context.Background()
	vault := newSyncVault()
	cfg := testConfig(t)
	s := openSession(t, cfg, vault)

	mapped := filepath.Join(t.TempDir(), "mapped")
	require.NoError(t, s.WorkFolders().Set(ctx, "$/A/", mapped))

	override := filepath.Join(t.TempDir(), "parts")
	table := s.LoadScopeTable("")
	require.NoError(t, table.Set("$/A/", scope.SyncInfo{State: scope.IncludeOnlyFiles, LocalPathOverride: override}))
	require.NoError(t, s.SaveScopeTable(table))

	_, err := s.Sync(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, "part v1", readFile(t, filepath.Join(override, "part.txt")))
	assert.NoFileExists(t, filepath.Join(mapped, "part.txt"))

	dir, err := s.WorkFolders().Get(ctx, "$/A/")
	require.NoError(t, err)
	assert.Equal(t, mapped, dir)
	assert.NoFileExists(t, s.Workspace().ResumePath)
}

func TestSync_DownloadFailureIsReported(t *testing.T) {
	vault := remotetest.NewVault()
	vault.AddFile("$/A/part.txt", []byte("part"))
	cfg := testConfig(t)
	s := openSession(t, cfg, vault)
	includeA(t, s)

	vault.FailTimes(remotetest.MethodDownload, 10, nil)

	report, err := s.Sync(context.Background(), nil)
	require.NoError(t, err)
	require.Len(t, report.Failures, 1)
	assert.Equal(t, "$/A/part.txt", report.Failures[0].Path)
	assert.ErrorIs(t, report.Failures[0].Err, remotetest.ErrTransient)
	assert.Equal(t, 0, report.Downloaded)
	assert.Equal(t, 2, vault.Calls(remotetest.MethodDownload), "one try plus one retry")
	assert.NoFileExists(t, filepath.Join(cfg.MirrorDir, "A", "part.txt"))
}

func TestSync_TransientDownloadFailureIsRetried(t *testing.T) {
	vault := remotetest.NewVault()
	vault.AddFile("$/A/part.txt", []byte("part"))
	cfg := testConfig(t)
	s := openSession(t, cfg, vault)
	includeA(t, s)

	vault.FailTimes(remotetest.MethodDownload, 1, nil)

	report, err := s.Sync(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, report.Failures)
	assert.Equal(t, 1, report.Downloaded)
	assert.Equal(t, "part", readFile(t, filepath.Join(cfg.MirrorDir, "A", "part.txt")))
}

func TestSync_Stopped(t *testing.T) {
	vault := newSyncVault()
	s := openSession(t, testConfig(t), vault)
	includeA(t, s)

	stop := &crawler.StopFlag{}
	stop.Stop()
	_, err := s.Sync(context.Background(), stop)
	assert.ErrorIs(t, err, crawler.ErrStopped)
	assert.Equal(t, 0, vault.Calls(remotetest.MethodDownload))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = s.Sync(ctx, nil)
	assert.ErrorIs(t, err, crawler.ErrStopped)
}
