package syncutil

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLockContext_MutualExclusion(t *testing.T) {
	m := NewContextShardedMutex()
	var (
		inside  atomic.Int32
		maxSeen atomic.Int32
		wg      sync.WaitGroup
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := m.LockContext(context.Background(), "listing_1")
			require.NoError(t, err)
			n := inside.Add(1)
			if n > maxSeen.Load() {
				maxSeen.Store(n)
			}
			time.Sleep(100 * time.Microsecond)
			inside.Add(-1)
			unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxSeen.Load())
}

func TestLockContext_Cancelled(t *testing.T) {
	m := NewContextShardedMutex()
	unlock, err := m.LockContext(context.Background(), "listing_1")
	require.NoError(t, err)
	defer unlock()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = m.LockContext(ctx, "listing_1")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestLockTimeout_Expires(t *testing.T) {
	m := NewContextShardedMutex()
	unlock, err := m.LockContext(context.Background(), "listing_1")
	require.NoError(t, err)

	start := time.Now()
	_, err = m.LockTimeout(context.Background(), "listing_1", 20*time.Millisecond)
	assert.ErrorIs(t, err, ErrLockTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)

	unlock()
	unlock2, err := m.LockTimeout(context.Background(), "listing_1", 20*time.Millisecond)
	require.NoError(t, err)
	unlock2()
}

func TestLockContext_SingleShardSerializesAllKeys(t *testing.T) {
	m := NewContextShardedMutexSize(1)
	unlock, err := m.LockContext(context.Background(), "a")
	require.NoError(t, err)
	defer unlock()

	_, err = m.LockTimeout(context.Background(), "b", 5*time.Millisecond)
	assert.ErrorIs(t, err, ErrLockTimeout)
}
