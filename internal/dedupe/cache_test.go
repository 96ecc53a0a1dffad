// ABOUTME: Tests for the idempotency cache used to prevent duplicate message appends.
// ABOUTME: Validates claim states, TTL expiration, size limits, cleanup, and concurrency safety.

package dedupe

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock lets tests move time without sleeping
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func newTestCache(t *testing.T, ttl time.Duration, maxSize int) (*Cache, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	c := New(ttl, maxSize)
	c.now = clock.Now
	t.Cleanup(c.Close)
	return c, clock
}

func TestCache_Begin_NewKey(t *testing.T) {
	c, _ := newTestCache(t, time.Minute, 10)

	ids, status := c.Begin("key-1")
	assert.Equal(t, StatusNew, status)
	assert.Nil(t, ids)
}

func TestCache_Begin_InFlight(t *testing.T) {
	c, _ := newTestCache(t, time.Minute, 10)

	_, status := c.Begin("key-1")
	require.Equal(t, StatusNew, status)

	_, status = c.Begin("key-1")
	assert.Equal(t, StatusInFlight, status)
}

func TestCache_Complete_ReturnsIDs(t *testing.T) {
	c, _ := newTestCache(t, time.Minute, 10)

	c.Begin("key-1")
	c.Complete("key-1", []int64{7, 8})

	ids, status := c.Begin("key-1")
	assert.Equal(t, StatusDone, status)
	assert.Equal(t, []int64{7, 8}, ids)

	// Returned slice is a copy
	ids[0] = 99
	again, _ := c.Begin("key-1")
	assert.Equal(t, []int64{7, 8}, again)
}

func TestCache_Release_AllowsRetry(t *testing.T) {
	c, _ := newTestCache(t, time.Minute, 10)

	c.Begin("key-1")
	c.Release("key-1")

	_, status := c.Begin("key-1")
	assert.Equal(t, StatusNew, status)
}

func TestCache_Release_KeepsCompleted(t *testing.T) {
	c, _ := newTestCache(t, time.Minute, 10)

	c.Begin("key-1")
	c.Complete("key-1", []int64{1})
	c.Release("key-1")

	_, status := c.Begin("key-1")
	assert.Equal(t, StatusDone, status)
}

func TestCache_Expiry(t *testing.T) {
	c, clock := newTestCache(t, time.Minute, 10)

	c.Begin("key-1")
	c.Complete("key-1", []int64{1})

	clock.Advance(2 * time.Minute)
	_, status := c.Begin("key-1")
	assert.Equal(t, StatusNew, status, "expired keys are claimable again")
}

func TestCache_EvictsOldestAtCapacity(t *testing.T) {
	c, _ := newTestCache(t, time.Hour, 2)

	c.Begin("a")
	c.Complete("a", []int64{1})
	c.Begin("b")
	c.Complete("b", []int64{2})
	c.Begin("c")
	c.Complete("c", []int64{3})

	assert.Equal(t, 2, c.Len())
	_, status := c.Begin("a")
	assert.Equal(t, StatusNew, status, "oldest key was evicted")
}

func TestCache_RunCleanup(t *testing.T) {
	c, clock := newTestCache(t, time.Minute, 10)

	c.Begin("old")
	clock.Advance(2 * time.Minute)
	c.Begin("fresh")

	c.runCleanup()
	assert.Equal(t, 1, c.Len())
}

func TestCache_CloseIdempotent(t *testing.T) {
	c := New(time.Minute, 10)
	c.Close()
	assert.NotPanics(t, c.Close)
}

func TestCache_ConcurrentBeginSingleOwner(t *testing.T) {
	c, _ := newTestCache(t, time.Minute, 1000)

	var owners atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, status := c.Begin("shared"); status == StatusNew {
				owners.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), owners.Load())
}

func TestCache_ConcurrentDistinctKeys(t *testing.T) {
	c, _ := newTestCache(t, time.Minute, 1000)

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := fmt.Sprintf("key-%d", i)
			c.Begin(key)
			c.Complete(key, []int64{int64(i)})
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 100, c.Len())
}
