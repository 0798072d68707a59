// Package syncutil provides keyed locks whose acquisition can be abandoned.
package syncutil

import (
	"context"
	"errors"
	"hash/fnv"
	"time"
)

// ErrLockTimeout is returned when a bounded wait for a key expires.
var ErrLockTimeout = errors.New("timed out waiting for lock")

const defaultShards = 256

// ContextShardedMutex is a fixed pool of channel-based mutexes keyed by
// string. Memory stays bounded however many keys are seen, at the cost of
// occasional false sharing between keys that hash to the same shard.
type ContextShardedMutex struct {
	shards []chan struct{}
}

// NewContextShardedMutex creates a pool of 256 shards.
func NewContextShardedMutex() *ContextShardedMutex {
	return NewContextShardedMutexSize(defaultShards)
}

// NewContextShardedMutexSize creates a pool with n shards.
func NewContextShardedMutexSize(n int) *ContextShardedMutex {
	if n <= 0 {
		n = defaultShards
	}
	m := &ContextShardedMutex{shards: make([]chan struct{}, n)}
	for i := range m.shards {
		m.shards[i] = make(chan struct{}, 1)
		m.shards[i] <- struct{}{} // unlocked
	}
	return m
}

// LockContext acquires the lock for key or returns ctx.Err(). On success the
// caller must call the returned unlock function exactly once.
func (m *ContextShardedMutex) LockContext(ctx context.Context, key string) (func(), error) {
	shard := m.shards[m.shardIdx(key)]
	select {
	case <-shard:
		return func() { shard <- struct{}{} }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// LockTimeout is LockContext with an additional upper bound on the wait.
// Expiry of the bound yields ErrLockTimeout; cancellation of ctx itself
// yields ctx.Err().
func (m *ContextShardedMutex) LockTimeout(ctx context.Context, key string, wait time.Duration) (func(), error) {
	shard := m.shards[m.shardIdx(key)]
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-shard:
		return func() { shard <- struct{}{} }, nil
	case <-timer.C:
		return nil, ErrLockTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *ContextShardedMutex) shardIdx(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % uint32(len(m.shards))
}
