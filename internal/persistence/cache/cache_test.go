package cache

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T, cfg Config) *Cache {
	c, err := New(cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close(context.Background()) })
	return c
}

func TestPutThenGet_HitsL1(t *testing.T) {
	c := newTestCache(t, Config{L1Size: 4, L2Size: 4})
	c.Put("player-1", "alice", KindActive)

	v, src := c.Get("player-1")
	assert.Equal(t, SourceL1, src)
	assert.Equal(t, "alice", v)
}

func TestGet_MissReturnsMissSource(t *testing.T) {
	c := newTestCache(t, Config{L1Size: 4, L2Size: 4})
	v, src := c.Get("nope")
	assert.Equal(t, SourceMiss, src)
	assert.Nil(t, v)
}

func TestEviction_PrefersCleanEntryOverDirty(t *testing.T) {
	c := newTestCache(t, Config{L1Size: 2, L2Size: 4})
	c.Put("a", 1, KindActive)
	c.Put("b", 2, KindActive)

	// mark "a" clean by simulating a successful flush directly.
	c.mu.Lock()
	c.index["a"].Value.(*l1Entry).dirty = false
	c.mu.Unlock()

	c.Put("c", 3, KindActive) // should evict "a" (clean), not "b" (dirty)

	valA, srcA := c.Get("a")
	_, srcB := c.Get("b")
	_, srcC := c.Get("c")
	assert.Equal(t, SourceL2, srcA, "a clean eviction demotes into L2 rather than being dropped")
	assert.Equal(t, 1, valA)
	assert.Equal(t, SourceL1, srcB)
	assert.Equal(t, SourceL1, srcC)
}

func TestEviction_AllDirtyBlocksOnFlushingOldest(t *testing.T) {
	var flushed int64
	cfg := Config{
		L1Size:      1,
		L2Size:      4,
		WriteDelay:  time.Hour, // never due via the scheduled scan
		FlushPeriod: time.Second,
		Flush: func(ctx context.Context, key string, value any) error {
			atomic.AddInt64(&flushed, 1)
			return nil
		},
	}
	c := newTestCache(t, cfg)
	c.Put("only", 1, KindActive) // dirty, and it's the only (and oldest) entry

	c.Put("next", 2, KindActive) // forces a synchronous flush-then-evict of "only"

	assert.Equal(t, int64(1), atomic.LoadInt64(&flushed))
	_, src := c.Get("only")
	assert.Equal(t, SourceL2, src, "once flushed, the evicted entry is clean and demoted to L2")
	_, src = c.Get("next")
	assert.Equal(t, SourceL1, src)
}

func TestWriteBehind_FlushesAfterDelayAndClearsDirty(t *testing.T) {
	var gotKey string
	var gotValue any
	done := make(chan struct{}, 1)

	cfg := Config{
		L1Size:      4,
		L2Size:      4,
		WriteDelay:  10 * time.Millisecond,
		FlushPeriod: time.Second, // the minimum scan period setDefaults allows
		Flush: func(ctx context.Context, key string, value any) error {
			gotKey, gotValue = key, value
			select {
			case done <- struct{}{}:
			default:
			}
			return nil
		},
	}
	c := newTestCache(t, cfg)
	c.Put("player-9", "bob", KindActive)

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("write-behind worker did not flush in time")
	}

	assert.Equal(t, "player-9", gotKey)
	assert.Equal(t, "bob", gotValue)
}

func TestWriteBehind_CoalescesRepeatedWritesToLatestValue(t *testing.T) {
	flushedValues := make(chan any, 8)

	cfg := Config{
		L1Size:      4,
		L2Size:      4,
		WriteDelay:  20 * time.Millisecond,
		FlushPeriod: time.Second, // the minimum scan period setDefaults allows
		Flush: func(ctx context.Context, key string, value any) error {
			flushedValues <- value
			return nil
		},
	}
	c := newTestCache(t, cfg)
	c.Put("k", "v1", KindActive)
	time.Sleep(5 * time.Millisecond)
	c.Put("k", "v2", KindActive) // resets last-modified, coalescing the pending write

	select {
	case v := <-flushedValues:
		assert.Equal(t, "v2", v, "flush should carry only the latest value")
	case <-time.After(3 * time.Second):
		t.Fatal("write-behind worker did not flush in time")
	}

	select {
	case v := <-flushedValues:
		t.Fatalf("unexpected second flush with stale value %v", v)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestFlush_ExhaustsRetriesAndFiresAlert(t *testing.T) {
	var alerted int64
	cfg := Config{
		L1Size:      4,
		L2Size:      4,
		WriteDelay:  5 * time.Millisecond,
		FlushPeriod: time.Second, // the minimum scan period setDefaults allows
		MaxRetries:  2,
		Flush: func(ctx context.Context, key string, value any) error {
			return assert.AnError
		},
		OnFlushAlert: func(key string, value any, lastErr error) {
			atomic.AddInt64(&alerted, 1)
		},
	}
	c := newTestCache(t, cfg)
	c.Put("k", "v", KindActive)

	require.Eventually(t, func() bool {
		return atomic.LoadInt64(&alerted) > 0
	}, 3*time.Second, 5*time.Millisecond)

	_, src := c.Get("k")
	assert.Equal(t, SourceL1, src, "entry stays dirty and present after exhausting retries")
}

func TestInvalidate_FlushesDirtyThenRemovesFromBothTiers(t *testing.T) {
	var flushed int64
	cfg := Config{
		L1Size:      4,
		L2Size:      4,
		WriteDelay:  time.Hour,
		FlushPeriod: time.Second,
		Flush: func(ctx context.Context, key string, value any) error {
			atomic.AddInt64(&flushed, 1)
			return nil
		},
	}
	c := newTestCache(t, cfg)
	c.Put("k", "v", KindActive)

	c.Invalidate(context.Background(), "k")

	assert.Equal(t, int64(1), atomic.LoadInt64(&flushed))
	_, src := c.Get("k")
	assert.Equal(t, SourceMiss, src)
}

func TestGetOrLoad_SingleFlightDeduplicatesConcurrentLoads(t *testing.T) {
	c := newTestCache(t, Config{L1Size: 4, L2Size: 4})
	var loadCount int64

	load := func(ctx context.Context) (any, error) {
		atomic.AddInt64(&loadCount, 1)
		time.Sleep(20 * time.Millisecond)
		return "loaded", nil
	}

	results := make(chan any, 4)
	for i := 0; i < 4; i++ {
		go func() {
			v, _, err := c.GetOrLoad(context.Background(), "shared", KindActive, load)
			require.NoError(t, err)
			results <- v
		}()
	}
	for i := 0; i < 4; i++ {
		assert.Equal(t, "loaded", <-results)
	}
	assert.Equal(t, int64(1), atomic.LoadInt64(&loadCount))
}

func TestGet_ExpiredEntryIsTreatedAsMiss(t *testing.T) {
	cfg := Config{L1Size: 4, L2Size: 4, TTLs: TTLTable{KindActive: time.Millisecond}}
	c := newTestCache(t, cfg)
	c.Put("k", "v", KindActive)

	time.Sleep(5 * time.Millisecond)
	_, src := c.Get("k")
	assert.Equal(t, SourceMiss, src)
}
