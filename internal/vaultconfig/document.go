// Package vaultconfig reads, migrates and writes the scope configuration document.
//
// Four on-disk formats exist. The line-oriented V0 format and the JSON formats
// V1, V2 and V3 are detected automatically and upgraded one step at a time to
// the current V3 document.
package vaultconfig

import (
	"errors"
	"fmt"
	"strings"

	"github.com/openmined/vaultsync/internal/scope"
)

const (
	// ConfigVersion written by this release.
	CurrentConfigVersion = "2.0"

	v2ConfigVersion = "1.1"
)

var (
	ErrUnsupportedVersion = errors.New("vaultconfig: unsupported config version")
	ErrUnknownState       = errors.New("vaultconfig: unknown sync state")
)

// ConfigError reports a configuration file that could not be read or migrated.
type ConfigError struct {
	Path string
	Err  error
}

func (e *ConfigError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("config read: %v", e.Err)
	}
	return fmt.Sprintf("config read '%s': %v", e.Path, e.Err)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// Document is the persisted root of all scope configuration.
type Document struct {
	ConfigVersion                 string                  `json:"ConfigVersion"`
	OverwriteLocallyModifiedFiles bool                    `json:"OverwriteLocallyModifiedFiles"`
	Repositories                  map[string]*scope.Table `json:"Repositories"`
}

func NewDocument() *Document {
	return &Document{
		ConfigVersion:                 CurrentConfigVersion,
		OverwriteLocallyModifiedFiles: true,
		Repositories:                  make(map[string]*scope.Table),
	}
}

// Table returns the scope table of a repository, creating an empty one if needed.
func (d *Document) Table(repositoryID string) *scope.Table {
	if d.Repositories == nil {
		d.Repositories = make(map[string]*scope.Table)
	}
	key := normalizeRepositoryKey(repositoryID)
	if t, ok := d.Repositories[key]; ok && t != nil {
		return t
	}
	t := scope.NewTable()
	d.Repositories[key] = t
	return t
}

// SetTable replaces the scope table of a repository. A nil table removes it.
func (d *Document) SetTable(repositoryID string, t *scope.Table) {
	key := normalizeRepositoryKey(repositoryID)
	if t == nil {
		delete(d.Repositories, key)
		return
	}
	if d.Repositories == nil {
		d.Repositories = make(map[string]*scope.Table)
	}
	d.Repositories[key] = t
}

// HasTable reports whether the document holds rules for the repository.
func (d *Document) HasTable(repositoryID string) bool {
	t, ok := d.Repositories[normalizeRepositoryKey(repositoryID)]
	return ok && t != nil
}

// RepositoryID builds the identity key of a repository instance from its
// display name and connection URI.
func RepositoryID(name, uri string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	uri = strings.ToLower(strings.TrimRight(strings.TrimSpace(uri), "/"))
	return name + "@" + uri
}

func normalizeRepositoryKey(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}
