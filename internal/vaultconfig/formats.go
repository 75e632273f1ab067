package vaultconfig

import (
	"bufio"
	"bytes"
	"fmt"
	"log/slog"
	"strings"

	"github.com/goccy/go-json"
	"github.com/openmined/vaultsync/internal/scope"
	"github.com/openmined/vaultsync/internal/vaultpath"
)

// Format identifies an on-disk configuration layout.
type Format int

const (
	FormatNone Format = iota // empty, missing or unrecognized content
	FormatV0                 // "+path" / "-path" lines
	FormatV1                 // repository -> path -> {State}
	FormatV2                 // ConfigVersion "1.1"
	FormatV3                 // ConfigVersion "2.0"
)

func (f Format) String() string {
	switch f {
	case FormatV0:
		return "v0"
	case FormatV1:
		return "v1"
	case FormatV2:
		return "v2"
	case FormatV3:
		return "v3"
	}
	return "none"
}

// Sniff detects the format of raw configuration content.
func Sniff(data []byte) (Format, error) {
	if bytes.ContainsRune(data, '{') {
		var head map[string]json.RawMessage
		if err := json.Unmarshal(data, &head); err != nil {
			return FormatNone, fmt.Errorf("parse structured config: %w", err)
		}

		raw, ok := lookupField(head, "ConfigVersion")
		if !ok {
			return FormatV1, nil
		}

		var version string
		if err := json.Unmarshal(raw, &version); err != nil {
			return FormatNone, fmt.Errorf("parse ConfigVersion: %w", err)
		}
		switch strings.TrimSpace(version) {
		case v2ConfigVersion:
			return FormatV2, nil
		case CurrentConfigVersion:
			return FormatV3, nil
		}
		return FormatNone, fmt.Errorf("%w %q", ErrUnsupportedVersion, version)
	}

	if hasMarkerLines(data) {
		return FormatV0, nil
	}
	return FormatNone, nil
}

func lookupField(head map[string]json.RawMessage, name string) (json.RawMessage, bool) {
	if raw, ok := head[name]; ok {
		return raw, true
	}
	for k, raw := range head {
		if strings.EqualFold(k, name) {
			return raw, true
		}
	}
	return nil, false
}

func hasMarkerLines(data []byte) bool {
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if strings.HasPrefix(line, "+") || strings.HasPrefix(line, "-") {
			return true
		}
	}
	return false
}

// Parse decodes configuration content of any known format and upgrades it to
// the current document. repositoryID is the identity of the repository being
// connected to; V0 content has no repository concept and is attached to it.
func Parse(data []byte, repositoryID string) (*Document, Format, error) {
	format, err := Sniff(data)
	if err != nil {
		return nil, FormatNone, err
	}

	switch format {
	case FormatNone:
		return NewDocument(), format, nil

	case FormatV0:
		v1, err := parseV0(data, repositoryID)
		if err != nil {
			return nil, format, err
		}
		doc, err := upgradeFromV1(v1)
		return doc, format, err

	case FormatV1:
		var v1 v1Document
		if err := json.Unmarshal(data, &v1); err != nil {
			return nil, format, fmt.Errorf("parse v1 config: %w", err)
		}
		doc, err := upgradeFromV1(v1)
		return doc, format, err

	case FormatV2:
		var v2 v2Document
		if err := json.Unmarshal(data, &v2); err != nil {
			return nil, format, fmt.Errorf("parse v2 config: %w", err)
		}
		doc, err := upgradeV2(&v2)
		return doc, format, err

	default:
		var v3 v3Document
		if err := json.Unmarshal(data, &v3); err != nil {
			return nil, format, fmt.Errorf("parse v3 config: %w", err)
		}
		return v3.document(), format, nil
	}
}

func upgradeFromV1(v1 v1Document) (*Document, error) {
	v2, err := upgradeV1(v1)
	if err != nil {
		return nil, err
	}
	return upgradeV2(v2)
}

// V0: one rule per line, the path of a folder prefixed by + or -.

func parseV0(data []byte, repositoryID string) (v1Document, error) {
	rules := make(map[string]v1Info)
	scanner := bufio.NewScanner(bytes.NewReader(data))
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		var state v1State
		switch line[0] {
		case '+':
			state = v1Include
		case '-':
			state = v1Exclude
		default:
			slog.Warn("config v0 line ignored", "line", lineNo, "content", line)
			continue
		}

		path := strings.TrimSpace(line[1:])
		if path == "" {
			continue
		}
		rules[vaultpath.AsFolder(path)] = v1Info{State: state}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("parse v0 config: %w", err)
	}

	return v1Document{repositoryID: rules}, nil
}

// V1: repository -> path -> {State} with three states.

type v1State int

const (
	v1Exclude v1State = iota
	v1Include
	v1IncludeOnlyFolders
)

type v1Info struct {
	State v1State `json:"State"`
}

type v1Document map[string]map[string]v1Info

var v1ToV2States = map[v1State]v2State{
	v1Exclude:            v2Exclude,
	v1Include:            v2Include,
	v1IncludeOnlyFolders: v2IncludeOnlyFolders,
}

func upgradeV1(v1 v1Document) (*v2Document, error) {
	overwrite := true
	out := &v2Document{
		ConfigVersion:                 v2ConfigVersion,
		OverwriteLocallyModifiedFiles: &overwrite,
		Repositories:                  make(map[string]map[string]v2Info, len(v1)),
	}
	for repo, rules := range v1 {
		converted := make(map[string]v2Info, len(rules))
		for path, info := range rules {
			state, ok := v1ToV2States[info.State]
			if !ok {
				return nil, fmt.Errorf("%w %d at %s (v1)", ErrUnknownState, info.State, path)
			}
			converted[path] = v2Info{State: state}
		}
		out.Repositories[repo] = converted
	}
	return out, nil
}

// V2: adds remote ids and document flags, widens the state set.

type v2State int

const (
	v2Exclude v2State = iota
	v2Include
	v2IncludeOnlyFolders
	v2IncludeOnlyFiles
	v2IncludeOnlyDirectChildFolders
	v2IncludeSingleFolder
)

type v2Info struct {
	State             v2State `json:"State"`
	LastKnownRemoteID *int64  `json:"LastKnownRemoteId,omitempty"`
}

type v2Document struct {
	ConfigVersion                 string                       `json:"ConfigVersion"`
	OverwriteLocallyModifiedFiles *bool                        `json:"OverwriteLocallyModifiedFiles,omitempty"`
	Repositories                  map[string]map[string]v2Info `json:"Repositories"`
}

var v2ToV3States = map[v2State]scope.SyncState{
	v2Exclude:                       scope.Exclude,
	v2Include:                       scope.Include,
	v2IncludeOnlyFolders:            scope.IncludeOnlyFolders,
	v2IncludeOnlyFiles:              scope.IncludeOnlyFiles,
	v2IncludeOnlyDirectChildFolders: scope.IncludeOnlyDirectChildFolders,
	v2IncludeSingleFolder:           scope.IncludeSingleFolder,
}

func upgradeV2(v2 *v2Document) (*Document, error) {
	doc := NewDocument()
	if v2.OverwriteLocallyModifiedFiles != nil {
		doc.OverwriteLocallyModifiedFiles = *v2.OverwriteLocallyModifiedFiles
	}

	for repo, rules := range v2.Repositories {
		table := doc.Table(repo)
		for path, info := range rules {
			state, ok := v2ToV3States[info.State]
			if !ok {
				return nil, fmt.Errorf("%w %d at %s (v2)", ErrUnknownState, info.State, path)
			}
			converted := scope.NewSyncInfo(state)
			if info.LastKnownRemoteID != nil {
				converted.LastKnownRemoteID = *info.LastKnownRemoteID
			}
			if err := table.Set(path, converted); err != nil {
				return nil, err
			}
		}
	}
	return doc, nil
}

// V3 is the current document; only the overwrite default needs care.

type v3Document struct {
	ConfigVersion                 string                  `json:"ConfigVersion"`
	OverwriteLocallyModifiedFiles *bool                   `json:"OverwriteLocallyModifiedFiles,omitempty"`
	Repositories                  map[string]*scope.Table `json:"Repositories"`
}

func (v3 *v3Document) document() *Document {
	doc := NewDocument()
	if v3.OverwriteLocallyModifiedFiles != nil {
		doc.OverwriteLocallyModifiedFiles = *v3.OverwriteLocallyModifiedFiles
	}
	for repo, table := range v3.Repositories {
		if table == nil {
			continue
		}
		doc.Repositories[normalizeRepositoryKey(repo)] = table
	}
	return doc
}
