// Package filestatus decides whether a local file matches a remote file
// version. Results are memoized in the result cache, keyed by the local
// file's size and timestamp so any local edit invalidates them.
package filestatus

import (
	"fmt"
	"strings"
)

type Status int

const (
	// Unknown means the comparison could not be made. It is never cached.
	Unknown Status = iota
	Identical
	OutOfDate
	LocallyModified
	Missing
)

var statusNames = map[Status]string{
	Unknown:         "unknown",
	Identical:       "identical",
	OutOfDate:       "out-of-date",
	LocallyModified: "locally-modified",
	Missing:         "missing",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

// NeedsDownload reports whether the remote version should be fetched. Files
// that may hold local edits are only replaced when overwrite is set.
func (s Status) NeedsDownload(overwrite bool) bool {
	switch s {
	case OutOfDate, Missing:
		return true
	case LocallyModified, Unknown:
		return overwrite
	}
	return false
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Status) UnmarshalText(text []byte) error {
	for status, name := range statusNames {
		if strings.EqualFold(name, string(text)) {
			*s = status
			return nil
		}
	}
	return fmt.Errorf("unknown file status %q", text)
}
