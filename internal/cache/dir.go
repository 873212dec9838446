package cache

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"shaderkit/internal/cachekey"
	"shaderkit/internal/ctxlog"
	"shaderkit/internal/lockmap"
)

const (
	markerSuffix = ".complete"
	lockSuffix   = ".lock"
)

// DirStore keeps entries on disk under Root, laid out by cachekey.Resolve.
// Completion is recorded in a sibling "<entry>.complete" marker so the entry
// directory itself holds nothing but the artifact.
type DirStore struct {
	Root  string
	locks *lockmap.Map
}

// NewDirStore returns a store rooted at root.
func NewDirStore(root string) *DirStore {
	return &DirStore{Root: root, locks: lockmap.New()}
}

func (s *DirStore) Path(key cachekey.Key) string {
	return cachekey.Resolve(s.Root, key)
}

func (s *DirStore) Exists(key cachekey.Key) (bool, error) {
	_, err := os.Stat(s.Path(key) + markerSuffix)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, fmt.Errorf("failed to stat cache marker for %s: %w", key, err)
}

func (s *DirStore) Populate(ctx context.Context, key cachekey.Key, fill FillFunc) (bool, error) {
	if err := key.Validate(); err != nil {
		return false, err
	}
	logger := ctxlog.FromContext(ctx).With("key", key.String())
	dir := s.Path(key)

	release, err := s.locks.Guard(ctx, dir, dir+lockSuffix)
	if err != nil {
		return false, err
	}
	defer release()

	// Another worker or process may have finished while we waited for the lock.
	if ok, err := s.Exists(key); err != nil || ok {
		if ok {
			logger.Debug("Cache entry appeared after acquiring lock.")
		}
		return false, err
	}

	if _, err := os.Lstat(dir); err == nil {
		logger.Debug("Removing incomplete cache entry.", "dir", dir)
		if err := os.RemoveAll(dir); err != nil {
			return false, fmt.Errorf("failed to remove incomplete cache entry %s: %w", dir, err)
		}
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return false, fmt.Errorf("failed to create cache directory %s: %w", dir, err)
	}

	if err := fill(ctx, &dirWriter{root: dir}); err != nil {
		return false, err
	}

	marker := fmt.Sprintf("%s\n%s\n", key, time.Now().UTC().Format(time.RFC3339))
	if err := os.WriteFile(dir+markerSuffix, []byte(marker), 0o644); err != nil {
		return false, fmt.Errorf("failed to write cache marker for %s: %w", key, err)
	}
	logger.Debug("Cache entry completed.", "dir", dir)
	return true, nil
}

// dirWriter writes entry contents below root.
type dirWriter struct {
	root string
}

func (w *dirWriter) target(name string) (string, error) {
	clean, err := cleanName(name)
	if err != nil {
		return "", err
	}
	return filepath.Join(w.root, filepath.FromSlash(clean)), nil
}

func (w *dirWriter) MkdirAll(name string) error {
	p, err := w.target(name)
	if err != nil {
		return err
	}
	return os.MkdirAll(p, 0o755)
}

func (w *dirWriter) WriteFile(name string, r io.Reader, mode fs.FileMode) error {
	p, err := w.target(name)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(p, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode.Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func (w *dirWriter) Symlink(target, name string) error {
	p, err := w.target(name)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return err
	}
	_ = os.Remove(p)
	return os.Symlink(target, p)
}
