// Package vaultpath implements the path model used for remote vault paths.
//
// A vault path uses "/" separators and always starts at the root marker "$/".
// A trailing "/" marks a folder, anything else is a file. Comparisons are
// case-insensitive; use Key to obtain the canonical comparison form.
package vaultpath

import (
	"strings"
)

const (
	// Root is the root folder of every vault.
	Root = "$/"

	rootMarker = "$"
	sep        = "/"
)

// Normalize cleans up a vault path: backslashes become slashes, duplicate
// separators collapse and the root marker is enforced. The folder/file
// distinction (trailing separator) is preserved.
func Normalize(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return ""
	}
	p = strings.ReplaceAll(p, "\\", sep)
	isFolder := strings.HasSuffix(p, sep)

	parts := strings.Split(p, sep)
	clean := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" || part == "." {
			continue
		}
		clean = append(clean, part)
	}

	if len(clean) == 0 || clean[0] != rootMarker {
		clean = append([]string{rootMarker}, clean...)
	}
	if len(clean) == 1 {
		return Root
	}

	out := strings.Join(clean, sep)
	if isFolder {
		out += sep
	}
	return out
}

// Key returns the case-folded, normalized form of p used for map keys and comparisons.
func Key(p string) string {
	return strings.ToLower(Normalize(p))
}

// Equal reports whether two paths address the same vault object.
func Equal(a, b string) bool {
	return Key(a) == Key(b)
}

// IsFolder reports whether p denotes a folder.
func IsFolder(p string) bool {
	return strings.HasSuffix(p, sep)
}

// IsRoot reports whether p is the vault root.
func IsRoot(p string) bool {
	return Normalize(p) == Root
}

// AsFolder returns p with a trailing separator.
func AsFolder(p string) string {
	p = Normalize(p)
	if p == "" || IsFolder(p) {
		return p
	}
	return p + sep
}

// Parent returns the folder containing p, or "" for the root.
func Parent(p string) string {
	p = Normalize(p)
	if p == "" || p == Root {
		return ""
	}
	trimmed := strings.TrimSuffix(p, sep)
	idx := strings.LastIndex(trimmed, sep)
	if idx < 0 {
		return ""
	}
	return trimmed[:idx+1]
}

// Name returns the last segment of p without any trailing separator.
func Name(p string) string {
	p = Normalize(p)
	if p == "" || p == Root {
		return ""
	}
	trimmed := strings.TrimSuffix(p, sep)
	return trimmed[strings.LastIndex(trimmed, sep)+1:]
}

// Ancestors returns p followed by each enclosing folder up to and including the root.
// The first element is p itself (distance 1), the second its parent (distance 2), and so on.
func Ancestors(p string) []string {
	p = Normalize(p)
	if p == "" {
		return nil
	}
	chain := []string{p}
	for cur := Parent(p); cur != ""; cur = Parent(cur) {
		chain = append(chain, cur)
	}
	return chain
}

// Depth returns the number of segments below the root. The root has depth 0.
func Depth(p string) int {
	return len(Ancestors(p)) - 1
}

// Join appends a child name to a folder path.
func Join(folder, name string, isFolder bool) string {
	folder = AsFolder(folder)
	name = strings.Trim(strings.ReplaceAll(name, "\\", sep), sep)
	if name == "" {
		return folder
	}
	p := Normalize(folder + name)
	if isFolder {
		p += sep
	}
	return p
}

// Rel returns the suffix of p below ancestor, using "/" separators.
// It returns "" if p equals ancestor and ok=false if ancestor does not contain p.
func Rel(ancestor, p string) (string, bool) {
	ancestor = AsFolder(ancestor)
	p = Normalize(p)
	if Key(ancestor) == Key(AsFolder(p)) {
		return "", true
	}
	if !strings.HasPrefix(strings.ToLower(p), strings.ToLower(ancestor)) {
		return "", false
	}
	return strings.TrimSuffix(p[len(ancestor):], sep), true
}

// IsWithin reports whether p equals folder or lies beneath it.
func IsWithin(folder, p string) bool {
	_, ok := Rel(folder, p)
	return ok
}
