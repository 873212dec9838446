package cache

import (
	"bytes"
	"context"
	"io"
	"io/fs"
	"sync"

	"shaderkit/internal/cachekey"
	"shaderkit/internal/lockmap"
)

// MemEntry is the in-memory image of one cache entry.
type MemEntry struct {
	Files    map[string][]byte
	Modes    map[string]fs.FileMode
	Dirs     map[string]bool
	Links    map[string]string
	Complete bool
}

func newMemEntry() *MemEntry {
	return &MemEntry{
		Files: make(map[string][]byte),
		Modes: make(map[string]fs.FileMode),
		Dirs:  make(map[string]bool),
		Links: make(map[string]string),
	}
}

// MemStore is a Store that never touches the filesystem.
type MemStore struct {
	mu      sync.Mutex
	entries map[cachekey.Key]*MemEntry
	locks   *lockmap.Map
}

// NewMemStore returns an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		entries: make(map[cachekey.Key]*MemEntry),
		locks:   lockmap.New(),
	}
}

func (s *MemStore) Path(key cachekey.Key) string {
	return "mem://" + key.String()
}

func (s *MemStore) Exists(key cachekey.Key) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	return ok && e.Complete, nil
}

// Entry returns the entry for key, complete or not, or nil.
func (s *MemStore) Entry(key cachekey.Key) *MemEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entries[key]
}

func (s *MemStore) Populate(ctx context.Context, key cachekey.Key, fill FillFunc) (bool, error) {
	if err := key.Validate(); err != nil {
		return false, err
	}
	unlock, err := s.locks.Lock(ctx, key.String())
	if err != nil {
		return false, err
	}
	defer unlock()

	if ok, _ := s.Exists(key); ok {
		return false, nil
	}

	e := newMemEntry()
	s.mu.Lock()
	s.entries[key] = e
	s.mu.Unlock()

	if err := fill(ctx, &memWriter{store: s, entry: e}); err != nil {
		return false, err
	}

	s.mu.Lock()
	e.Complete = true
	s.mu.Unlock()
	return true, nil
}

type memWriter struct {
	store *MemStore
	entry *MemEntry
}

func (w *memWriter) MkdirAll(name string) error {
	clean, err := cleanName(name)
	if err != nil {
		return err
	}
	w.store.mu.Lock()
	w.entry.Dirs[clean] = true
	w.store.mu.Unlock()
	return nil
}

func (w *memWriter) WriteFile(name string, r io.Reader, mode fs.FileMode) error {
	clean, err := cleanName(name)
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, r); err != nil {
		return err
	}
	w.store.mu.Lock()
	w.entry.Files[clean] = buf.Bytes()
	w.entry.Modes[clean] = mode.Perm()
	w.store.mu.Unlock()
	return nil
}

func (w *memWriter) Symlink(target, name string) error {
	clean, err := cleanName(name)
	if err != nil {
		return err
	}
	w.store.mu.Lock()
	w.entry.Links[clean] = target
	w.store.mu.Unlock()
	return nil
}
