// Package lockmap provides per-resource exclusive locks. A Map serializes
// goroutines of one process on a string key; FileLock extends that to other
// processes sharing the same cache through flock(2) on a sibling lock file.
package lockmap

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// Map hands out one mutex per key. Entries are reference counted and dropped
// once nobody holds or waits for them, so the map does not grow with the
// number of distinct resources ever touched.
type Map struct {
	mu      sync.Mutex
	entries map[string]*entry
}

type entry struct {
	ch   chan struct{} // buffered(1): holding the token means holding the lock
	refs int
}

// New returns an empty lock map.
func New() *Map {
	return &Map{entries: make(map[string]*entry)}
}

// Lock blocks until the lock for key is acquired or ctx is done. The returned
// func releases the lock and must be called exactly once.
func (m *Map) Lock(ctx context.Context, key string) (func(), error) {
	m.mu.Lock()
	e, ok := m.entries[key]
	if !ok {
		e = &entry{ch: make(chan struct{}, 1)}
		m.entries[key] = e
	}
	e.refs++
	m.mu.Unlock()

	select {
	case e.ch <- struct{}{}:
	case <-ctx.Done():
		m.release(key, e, false)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() { m.release(key, e, true) })
	}, nil
}

func (m *Map) release(key string, e *entry, held bool) {
	if held {
		<-e.ch
	}
	m.mu.Lock()
	e.refs--
	if e.refs == 0 {
		delete(m.entries, key)
	}
	m.mu.Unlock()
}

// Len returns the number of keys currently held or waited on.
func (m *Map) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// lockRetry is how often FileLock retries a lock held by another process.
const lockRetry = 50 * time.Millisecond

// FileLock takes an exclusive flock on path, creating the file and its parent
// directory if needed. While another process holds the lock it retries until
// ctx is done. The returned func unlocks and closes the file; when remove is
// true the lock file is deleted first.
func FileLock(ctx context.Context, path string) (unlock func(remove bool), err error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create lock directory for %s: %w", path, err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file %s: %w", path, err)
	}
	ticker := time.NewTicker(lockRetry)
	defer ticker.Stop()
	for {
		err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
		if err == nil {
			break
		}
		if !errors.Is(err, unix.EWOULDBLOCK) && !errors.Is(err, unix.EINTR) {
			f.Close()
			return nil, fmt.Errorf("failed to acquire lock %s: %w", path, err)
		}
		select {
		case <-ctx.Done():
			f.Close()
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
	return func(remove bool) {
		if remove {
			_ = os.Remove(path)
		}
		_ = unix.Flock(int(f.Fd()), unix.LOCK_UN)
		_ = f.Close()
	}, nil
}

// Guard combines both levels: the in-process lock for key, then the file lock
// at lockPath. It returns a single release func.
func (m *Map) Guard(ctx context.Context, key, lockPath string) (func(), error) {
	unlock, err := m.Lock(ctx, key)
	if err != nil {
		return nil, err
	}
	funlock, err := FileLock(ctx, lockPath)
	if err != nil {
		unlock()
		return nil, err
	}
	return func() {
		funlock(false)
		unlock()
	}, nil
}
