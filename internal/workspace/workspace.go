// Package workspace lays out the mirror directory and the state directory
// beside it, and guards them against a second running instance.
package workspace

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
	"github.com/openmined/vaultsync/internal/utils"
)

const (
	lockFile        = "vaultsync.lock"
	configFile      = "vaultsync.json"
	resultsFile     = "results.db"
	resumeFile      = "resume.json"
	workFoldersFile = "workfolders.db"
	logsDir         = "logs"
)

var (
	ErrWorkspaceLocked = errors.New("workspace locked by another process")
)

type Workspace struct {
	MirrorDir       string
	StateDir        string
	ConfigPath      string
	ResultsPath     string
	ResumePath      string
	WorkFoldersPath string
	LogsDir         string

	flock *flock.Flock
}

// NewWorkspace resolves both directories. An empty stateDir defaults to
// ".vaultsync" inside the mirror.
func NewWorkspace(mirrorDir, stateDir string) (*Workspace, error) {
	mirror, err := utils.ResolvePath(mirrorDir)
	if err != nil {
		return nil, fmt.Errorf("resolve mirror dir %q: %w", mirrorDir, err)
	}

	if stateDir == "" {
		stateDir = filepath.Join(mirror, ".vaultsync")
	}
	state, err := utils.ResolvePath(stateDir)
	if err != nil {
		return nil, fmt.Errorf("resolve state dir %q: %w", stateDir, err)
	}

	return &Workspace{
		MirrorDir:       mirror,
		StateDir:        state,
		ConfigPath:      filepath.Join(state, configFile),
		ResultsPath:     filepath.Join(state, resultsFile),
		ResumePath:      filepath.Join(state, resumeFile),
		WorkFoldersPath: filepath.Join(state, workFoldersFile),
		LogsDir:         filepath.Join(state, logsDir),
		flock:           flock.New(filepath.Join(state, lockFile)),
	}, nil
}

// Lock takes the workspace lock without waiting.
func (w *Workspace) Lock() error {
	if err := utils.EnsureDir(w.StateDir); err != nil {
		return fmt.Errorf("create state dir %s: %w", w.StateDir, err)
	}

	locked, err := w.flock.TryLock()
	if err != nil {
		return fmt.Errorf("lock workspace: %w", err)
	}
	if !locked {
		return ErrWorkspaceLocked
	}
	return nil
}

func (w *Workspace) Unlock() error {
	// only the holder removes the lock file
	if !w.flock.Locked() {
		return nil
	}
	if err := w.flock.Unlock(); err != nil {
		return fmt.Errorf("unlock workspace: %w", err)
	}
	return os.Remove(w.flock.Path())
}

// Setup locks the workspace and creates its directories.
func (w *Workspace) Setup() error {
	if err := w.Lock(); err != nil {
		return err
	}

	for _, dir := range []string{w.MirrorDir, w.LogsDir} {
		if err := utils.EnsureDir(dir); err != nil {
			w.Unlock()
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}

	slog.Info("workspace", "mirror", w.MirrorDir, "state", w.StateDir)
	return nil
}

// MirrorPath maps a relative vault path (no "$/" prefix, "/" separators)
// below the mirror directory.
func (w *Workspace) MirrorPath(rel string) string {
	return filepath.Join(w.MirrorDir, filepath.FromSlash(rel))
}
