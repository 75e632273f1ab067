package vaultconfig

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/goccy/go-json"
	"github.com/openmined/vaultsync/internal/utils"
)

// LoadResult is a loaded document and the format it was stored in.
type LoadResult struct {
	Document *Document
	Format   Format
}

// Migrated reports whether the stored file is older than the current format
// and should be written back.
func (r *LoadResult) Migrated() bool {
	return r.Format != FormatNone && r.Format != FormatV3
}

// Load reads the configuration at path and upgrades it to the current format.
// A missing file yields an empty document. Unreadable or unmigratable content
// is reported as a *ConfigError.
func Load(path, repositoryID string) (*LoadResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &LoadResult{Document: NewDocument(), Format: FormatNone}, nil
		}
		return nil, &ConfigError{Path: path, Err: err}
	}

	doc, format, err := Parse(data, repositoryID)
	if err != nil {
		return nil, &ConfigError{Path: path, Err: err}
	}

	if format != FormatV3 && format != FormatNone {
		slog.Info("config migrated", "path", path, "from", format, "to", FormatV3)
	}
	return &LoadResult{Document: doc, Format: format}, nil
}

// LoadBestEffort is Load for auxiliary lookups: any failure yields an empty document.
func LoadBestEffort(path, repositoryID string) *Document {
	res, err := Load(path, repositoryID)
	if err != nil {
		slog.Warn("config unreadable, using empty scope", "path", path, "error", err)
		return NewDocument()
	}
	return res.Document
}

// Save replaces the document at path atomically.
func Save(path string, doc *Document) error {
	if doc == nil {
		return fmt.Errorf("config is nil")
	}
	doc.ConfigVersion = CurrentConfigVersion

	raw, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}

	if err := utils.EnsureParent(path); err != nil {
		return err
	}

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, raw, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpPath, path)
}

// Backup copies the file at path next to itself, tagged with its format, before
// a migrated document overwrites it.
func Backup(path string, format Format) (string, error) {
	backupPath := fmt.Sprintf("%s.%s.bak", path, format)
	if err := utils.CopyFile(path, backupPath); err != nil {
		return "", fmt.Errorf("backup config: %w", err)
	}
	return backupPath, nil
}
