package lockmap

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLockSerializesSameKey(t *testing.T) {
	m := New()
	var inside, maxInside atomic.Int32
	var wg sync.WaitGroup

	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := m.Lock(context.Background(), "same")
			if !assert.NoError(t, err) {
				return
			}
			n := inside.Add(1)
			for {
				cur := maxInside.Load()
				if n <= cur || maxInside.CompareAndSwap(cur, n) {
					break
				}
			}
			time.Sleep(2 * time.Millisecond)
			inside.Add(-1)
			unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxInside.Load())
	assert.Equal(t, 0, m.Len(), "entries are dropped after release")
}

func TestLockDifferentKeysIndependent(t *testing.T) {
	m := New()
	unlockA, err := m.Lock(context.Background(), "a")
	require.NoError(t, err)
	defer unlockA()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	unlockB, err := m.Lock(ctx, "b")
	require.NoError(t, err, "key b must not wait for key a")
	unlockB()
}

func TestLockHonoursContext(t *testing.T) {
	m := New()
	unlock, err := m.Lock(context.Background(), "k")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = m.Lock(ctx, "k")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	unlock()
	unlock() // idempotent
	assert.Equal(t, 0, m.Len())
}

func TestGuardCreatesLockFile(t *testing.T) {
	m := New()
	lockPath := filepath.Join(t.TempDir(), "nested", "entry.lock")

	release, err := m.Guard(context.Background(), "entry", lockPath)
	require.NoError(t, err)
	assert.FileExists(t, lockPath)
	release()

	release, err = m.Guard(context.Background(), "entry", lockPath)
	require.NoError(t, err, "lock can be re-acquired after release")
	release()
}

func TestFileLockHonoursContext(t *testing.T) {
	lockPath := filepath.Join(t.TempDir(), "entry.lock")
	held, err := FileLock(context.Background(), lockPath)
	require.NoError(t, err)

	// A second open file description conflicts with the first, as another
	// process sharing the cache would.
	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err = FileLock(ctx, lockPath)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 5*time.Second)

	held(false)
	unlock, err := FileLock(context.Background(), lockPath)
	require.NoError(t, err, "lock is free once the holder releases it")
	unlock(true)
	assert.NoFileExists(t, lockPath)
}
