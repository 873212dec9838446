// Package cache stores extracted artifacts keyed by cachekey.Key.
//
// An entry counts as present only after a fill completed without error; an
// interrupted or failed fill leaves an entry that the next Populate discards
// and rebuilds.
package cache

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"path"
	"strings"

	"shaderkit/internal/cachekey"
)

// ErrUnsafePath is returned by a Writer for names that would land outside
// the entry root.
var ErrUnsafePath = errors.New("path escapes cache entry")

// Writer receives the contents of one cache entry. Names are slash separated
// and relative to the entry root.
type Writer interface {
	MkdirAll(name string) error
	WriteFile(name string, r io.Reader, mode fs.FileMode) error
	Symlink(target, name string) error
}

// FillFunc populates a fresh entry through w.
type FillFunc func(ctx context.Context, w Writer) error

// Store is the artifact cache.
type Store interface {
	// Path is where consumers find the entry's contents.
	Path(key cachekey.Key) string
	// Exists reports whether a complete entry is present.
	Exists(key cachekey.Key) (bool, error)
	// Populate fills the entry for key while holding its exclusive lock.
	// It returns false without calling fill when another caller completed the
	// entry first.
	Populate(ctx context.Context, key cachekey.Key, fill FillFunc) (bool, error)
}

// cleanName validates and normalizes an entry-relative name.
func cleanName(name string) (string, error) {
	name = strings.TrimPrefix(name, "./")
	if name == "" || path.IsAbs(name) || strings.Contains(name, `\`) {
		return "", &fs.PathError{Op: "write", Path: name, Err: ErrUnsafePath}
	}
	clean := path.Clean(name)
	if clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", &fs.PathError{Op: "write", Path: name, Err: ErrUnsafePath}
	}
	return clean, nil
}
