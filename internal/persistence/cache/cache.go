// Package cache implements the two-tier (L1 hot / L2 warm) entity cache
// with write-behind persistence. Reads check L1 first, then L2 with
// promotion back to L1 on hit; writes land in L1 immediately and are
// flushed to the backing store asynchronously by a write-behind worker
// that coalesces repeated writes to the same key into the latest value.
package cache

import (
	"container/list"
	"context"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"github.com/outpost-games/worldserver/infrastructure/logging"
)

// Source identifies which tier satisfied a Get, or that it missed both.
type Source int

const (
	SourceMiss Source = iota
	SourceL1
	SourceL2
)

func (s Source) String() string {
	switch s {
	case SourceL1:
		return "l1"
	case SourceL2:
		return "l2"
	default:
		return "miss"
	}
}

// DataKind selects a TTL profile at Put time. Spec calls out active,
// inactive, offline, and static (long-lived reference data) tiers.
type DataKind int

const (
	KindActive DataKind = iota
	KindInactive
	KindOffline
	KindStatic
)

// TTLTable maps a DataKind to its time-to-live. Zero means "no expiry".
type TTLTable map[DataKind]time.Duration

// DefaultTTLTable mirrors the reference player cache's active/inactive/
// offline split, plus a static tier for long-lived reference data such
// as item templates.
func DefaultTTLTable() TTLTable {
	return TTLTable{
		KindActive:   5 * time.Minute,
		KindInactive: time.Hour,
		KindOffline:  24 * time.Hour,
		KindStatic:   0,
	}
}

// FlushFunc persists one dirty entry to the backing store (typically via
// the partition router and a connection pool guard). A non-nil error
// leaves the entry dirty and counts toward its retry budget.
type FlushFunc func(ctx context.Context, key string, value any) error

// AlertFunc is invoked when an entry exhausts its flush retry budget and
// still cannot be written back. The entry stays dirty and in L1 so no
// data is lost, but callers should page an operator.
type AlertFunc func(key string, value any, lastErr error)

// Config configures a Cache.
type Config struct {
	L1Size int // hot tier capacity, entries
	L2Size int // warm tier capacity, entries

	TTLs TTLTable

	WriteDelay   time.Duration // how long an entry must sit dirty before flushing
	FlushPeriod  time.Duration // how often the write-behind worker scans (>= 1s)
	MaxRetries   int
	Flush        FlushFunc
	OnFlushAlert AlertFunc
}

func (c *Config) setDefaults() {
	if c.L1Size <= 0 {
		c.L1Size = 10_000
	}
	if c.L2Size <= 0 {
		c.L2Size = 100_000
	}
	if c.TTLs == nil {
		c.TTLs = DefaultTTLTable()
	}
	if c.WriteDelay <= 0 {
		c.WriteDelay = 30 * time.Second
	}
	if c.FlushPeriod < time.Second {
		c.FlushPeriod = time.Second
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 5
	}
}

// l1Entry is a node in the hot tier's LRU list. Writes always land here;
// the write-behind worker flushes dirty entries and clears the flag, but
// never evicts them before that happens.
type l1Entry struct {
	key          string
	value        any
	expiresAt    time.Time // zero means no expiry
	dirty        bool
	lastModified time.Time
	retries      int
}

func (e *l1Entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// l2Entry is a plain warm-tier value; L2 never tracks dirtiness because
// all writes go through L1 first.
type l2Entry struct {
	value     any
	expiresAt time.Time
}

func (e l2Entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// Cache is a two-tier cache with write-behind persistence.
type Cache struct {
	cfg Config
	log *logging.Logger

	mu       sync.Mutex
	capacity int
	order    *list.List               // MRU at front, LRU at back
	index    map[string]*list.Element // key -> element (element.Value is *l1Entry)

	l2 *lru.Cache[string, l2Entry]

	loads singleflight.Group

	stop chan struct{}
	done sync.WaitGroup
}

// New builds a Cache and starts its write-behind worker. Call Close to
// stop the worker and flush whatever remains dirty.
func New(cfg Config, log *logging.Logger) (*Cache, error) {
	cfg.setDefaults()

	l2, err := lru.New[string, l2Entry](cfg.L2Size)
	if err != nil {
		return nil, err
	}

	c := &Cache{
		cfg:      cfg,
		log:      log,
		capacity: cfg.L1Size,
		order:    list.New(),
		index:    make(map[string]*list.Element, cfg.L1Size),
		l2:       l2,
		stop:     make(chan struct{}),
	}

	if cfg.Flush != nil {
		c.done.Add(1)
		go c.writeBehindLoop()
	}
	return c, nil
}

// Get looks up key, checking L1 then L2. An L2 hit is promoted to L1.
func (c *Cache) Get(key string) (any, Source) {
	now := time.Now()

	c.mu.Lock()
	if el, ok := c.index[key]; ok {
		e := el.Value.(*l1Entry)
		if e.expired(now) {
			c.removeL1Locked(el)
		} else {
			c.order.MoveToFront(el)
			v := e.value
			c.mu.Unlock()
			return v, SourceL1
		}
	}
	c.mu.Unlock()

	if v, ok := c.l2.Get(key); ok {
		if v.expired(now) {
			c.l2.Remove(key)
			return nil, SourceMiss
		}
		c.promote(key, v.value, v.expiresAt)
		return v.value, SourceL2
	}

	return nil, SourceMiss
}

// GetOrLoad performs Get, and on a miss calls load exactly once across
// concurrent callers for the same key (stampede control), caching the
// result under kind's TTL before returning it.
func (c *Cache) GetOrLoad(ctx context.Context, key string, kind DataKind, load func(ctx context.Context) (any, error)) (any, Source, error) {
	if v, src := c.Get(key); src != SourceMiss {
		return v, src, nil
	}

	v, err, _ := c.loads.Do(key, func() (any, error) {
		if cached, src := c.Get(key); src != SourceMiss {
			return cached, nil
		}
		loaded, err := load(ctx)
		if err != nil {
			return nil, err
		}
		c.Put(key, loaded, kind)
		return loaded, nil
	})
	if err != nil {
		return nil, SourceMiss, err
	}
	return v, SourceMiss, nil
}

// Put writes value into L1 under the TTL configured for kind, marking it
// dirty so the write-behind worker picks it up. Size eviction prefers a
// clean LRU entry; if every hot entry is dirty, Put blocks on flushing
// the single oldest dirty entry to make room.
func (c *Cache) Put(key string, value any, kind DataKind) {
	ttl := c.cfg.TTLs[kind]
	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = time.Now().Add(ttl)
	}

	c.mu.Lock()
	if el, ok := c.index[key]; ok {
		e := el.Value.(*l1Entry)
		e.value = value
		e.expiresAt = expiresAt
		e.dirty = true
		e.lastModified = time.Now()
		e.retries = 0
		c.order.MoveToFront(el)
		c.mu.Unlock()
	} else {
		for c.order.Len() >= c.capacity {
			if !c.evictOneLocked() {
				// every hot entry is dirty; flush the oldest out-of-band and retry.
				oldest := c.order.Back()
				c.mu.Unlock()
				c.flushOne(oldest.Value.(*l1Entry))
				c.mu.Lock()
				continue
			}
		}

		e := &l1Entry{key: key, value: value, expiresAt: expiresAt, dirty: true, lastModified: time.Now()}
		el := c.order.PushFront(e)
		c.index[key] = el
		c.mu.Unlock()
	}

	// Static (long-lived reference) entries are policy-marked important:
	// write them through to L2 immediately so a later L1 eviction isn't
	// the only path that keeps them around.
	if kind == KindStatic {
		c.l2.Add(key, l2Entry{value: value, expiresAt: expiresAt})
	}
}

// evictOneLocked drops the LRU entry whose dirty flag is clear, demoting it
// into L2 so a subsequent Get can still promote it back to L1. Returns
// false if no clean entry exists to evict (caller must flush one). Must be
// called with c.mu held.
func (c *Cache) evictOneLocked() bool {
	for el := c.order.Back(); el != nil; el = el.Prev() {
		e := el.Value.(*l1Entry)
		if !e.dirty {
			c.l2.Add(e.key, l2Entry{value: e.value, expiresAt: e.expiresAt})
			c.removeL1Locked(el)
			return true
		}
	}
	return false
}

func (c *Cache) removeL1Locked(el *list.Element) {
	e := el.Value.(*l1Entry)
	delete(c.index, e.key)
	c.order.Remove(el)
}

func (c *Cache) promote(key string, value any, expiresAt time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.index[key]; ok {
		return
	}
	for c.order.Len() >= c.capacity {
		if !c.evictOneLocked() {
			break // let the next Put deal with an all-dirty hot tier
		}
	}
	e := &l1Entry{key: key, value: value, expiresAt: expiresAt}
	el := c.order.PushFront(e)
	c.index[key] = el
}

// Invalidate flushes key if dirty, then removes it from both tiers.
func (c *Cache) Invalidate(ctx context.Context, key string) {
	c.mu.Lock()
	el, ok := c.index[key]
	var toFlush *l1Entry
	if ok {
		e := el.Value.(*l1Entry)
		if e.dirty {
			toFlush = e
		}
		c.removeL1Locked(el)
	}
	c.mu.Unlock()

	if toFlush != nil {
		c.flushOneCtx(ctx, toFlush)
	}
	c.l2.Remove(key)
}

// Len reports the current L1 occupancy.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Close stops the write-behind worker and flushes any remaining dirty
// entries synchronously.
func (c *Cache) Close(ctx context.Context) {
	if c.cfg.Flush != nil {
		close(c.stop)
		c.done.Wait()
	}
	c.flushAllDirty(ctx)
}

func (c *Cache) writeBehindLoop() {
	defer c.done.Done()

	ticker := time.NewTicker(c.cfg.FlushPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case now := <-ticker.C:
			c.scanAndFlush(now)
		}
	}
}

func (c *Cache) scanAndFlush(now time.Time) {
	var due []*l1Entry

	c.mu.Lock()
	for el := c.order.Front(); el != nil; el = el.Next() {
		e := el.Value.(*l1Entry)
		if e.dirty && now.Sub(e.lastModified) >= c.cfg.WriteDelay {
			due = append(due, e)
		}
	}
	c.mu.Unlock()

	for _, e := range due {
		c.flushOne(e)
	}
}

func (c *Cache) flushOne(e *l1Entry) {
	c.flushOneCtx(context.Background(), e)
}

// flushOneCtx writes e back to the store. Coalescing falls naturally out
// of reading e.value under the lock at flush time: any Put between when
// the entry was marked due and now already updated e.value in place, so
// the flush always carries the latest write rather than a stale one.
func (c *Cache) flushOneCtx(ctx context.Context, e *l1Entry) {
	if c.cfg.Flush == nil {
		return
	}

	c.mu.Lock()
	key, value := e.key, e.value
	c.mu.Unlock()

	err := c.cfg.Flush(ctx, key, value)

	c.mu.Lock()
	if err != nil {
		e.retries++
		if e.retries >= c.cfg.MaxRetries {
			c.mu.Unlock()
			if c.cfg.OnFlushAlert != nil {
				c.cfg.OnFlushAlert(key, value, err)
			}
			if c.log != nil {
				c.log.WithError(err).WithFields(map[string]any{"key": key, "retries": e.retries}).
					Error("write-behind flush exhausted retries, entry remains dirty")
			}
			return
		}
		c.mu.Unlock()
		return
	}
	e.dirty = false
	e.retries = 0
	c.mu.Unlock()
}

func (c *Cache) flushAllDirty(ctx context.Context) {
	if c.cfg.Flush == nil {
		return
	}
	c.mu.Lock()
	var dirty []*l1Entry
	for el := c.order.Front(); el != nil; el = el.Next() {
		e := el.Value.(*l1Entry)
		if e.dirty {
			dirty = append(dirty, e)
		}
	}
	c.mu.Unlock()

	for _, e := range dirty {
		c.flushOneCtx(ctx, e)
	}
}
