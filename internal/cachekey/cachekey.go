// Package cachekey maps an artifact identity to its cache directory and
// download location. Everything here is pure: no filesystem or network access.
package cachekey

import (
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
)

// ErrInvalidKey is returned for keys with an empty field.
var ErrInvalidKey = errors.New("invalid cache key")

// Key identifies one versioned, target-specific prebuilt artifact.
type Key struct {
	Project  string // e.g. "dxcompiler"
	Version  string // release version, e.g. "2024.03.09+d19dd6d.1"
	Target   string // target triple, e.g. "x86_64-linux-gnu"
	Optimize string // optimize mode, e.g. "Debug" or "ReleaseFast"
}

// Validate reports whether every field of the key is set.
func (k Key) Validate() error {
	for _, f := range []struct{ name, val string }{
		{"project", k.Project},
		{"version", k.Version},
		{"target", k.Target},
		{"optimize", k.Optimize},
	} {
		if f.val == "" {
			return fmt.Errorf("%w: %s is empty", ErrInvalidKey, f.name)
		}
	}
	return nil
}

func (k Key) String() string {
	return fmt.Sprintf("%s@%s/%s/%s", k.Project, k.Version, k.Target, k.Optimize)
}

// Resolve returns the cache entry directory for k under root.
//
// Each field becomes exactly one path component after escaping, so two keys
// that differ in any field never share a directory.
func Resolve(root string, k Key) string {
	return filepath.Join(root,
		component(k.Project),
		component(k.Version),
		component(k.Target),
		component(k.Optimize))
}

// component escapes s into a single, non-special path element.
func component(s string) string {
	switch s {
	case "":
		return "%"
	case ".":
		return "%2E"
	case "..":
		return "%2E%2E"
	}
	return url.PathEscape(s)
}

// DefaultURLTemplate is the release location used when no template is configured.
const DefaultURLTemplate = "https://pkg.machengine.org/{project}/{version}/{target}_{optimize}_lib.tar.gz"

// URL expands the placeholders {project}, {version}, {target} and {optimize}
// in tmpl with the escaped key fields.
func URL(tmpl string, k Key) string {
	if tmpl == "" {
		tmpl = DefaultURLTemplate
	}
	r := strings.NewReplacer(
		"{project}", url.PathEscape(k.Project),
		"{version}", url.PathEscape(k.Version),
		"{target}", url.PathEscape(k.Target),
		"{optimize}", url.PathEscape(k.Optimize),
	)
	return r.Replace(tmpl)
}
