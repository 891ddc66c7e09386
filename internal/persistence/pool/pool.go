// Package pool implements the connection pool: an LRU-ordered set of
// sessions to one storage endpoint, acquired with a timeout and released
// back (or discarded) by the caller, with background idle-validation and
// eviction workers.
package pool

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/outpost-games/worldserver/infrastructure/errors"
	"github.com/outpost-games/worldserver/infrastructure/logging"
)

// Session is one pooled connection. Callers obtain a *Session via Acquire
// and must Release it on every exit path; use Guard for that.
type Session struct {
	Conn any // concrete driver connection (e.g. *sql.Conn)

	createdAt    time.Time
	lastUsedAt   time.Time
	broken       bool
	discarded    bool
	discardedErr error
}

// MarkBroken flags the session as unusable; Release will discard it
// instead of returning it to the pool.
func (s *Session) MarkBroken(err error) {
	s.broken = true
	s.discardedErr = err
}

// Config parameterizes one pool instance.
type Config struct {
	Min, Max, Initial          int
	AcquireTimeout, IdleTimeout time.Duration
	MaxLifetime                time.Duration
	ValidationInterval          time.Duration
	TestOnBorrow, TestOnReturn  bool
	TestWhileIdle               bool
	ValidationQuery             string

	// Factory creates a new underlying connection.
	Factory func(ctx context.Context) (any, error)
	// Validate checks a connection is still usable, e.g. via a ping or the
	// configured validation query.
	Validate func(ctx context.Context, conn any) error
	// Close releases the underlying connection's resources.
	Close func(conn any) error
}

// Pool maintains sessions bounded by [Min, Max], LRU-ordered by last use.
type Pool struct {
	cfg Config
	log *logging.Logger

	mu       sync.Mutex
	idle     *list.List // of *Session, front = most recently released
	size     int
	waiters  []chan *Session
	shutdown bool

	stopWorkers chan struct{}
	workersDone sync.WaitGroup
}

// New creates a pool and starts its background workers. Call Shutdown to
// stop them and close every session.
func New(cfg Config, log *logging.Logger) (*Pool, error) {
	if cfg.Max <= 0 {
		return nil, errors.InvalidState("pool max connections must be positive")
	}
	if cfg.Min > cfg.Max {
		return nil, errors.InvalidState("pool min connections exceeds max")
	}
	p := &Pool{
		cfg:         cfg,
		log:         log,
		idle:        list.New(),
		stopWorkers: make(chan struct{}),
	}

	for i := 0; i < cfg.Initial; i++ {
		s, err := p.create(context.Background())
		if err != nil {
			break
		}
		p.idle.PushFront(s)
	}

	p.workersDone.Add(2)
	go p.idleValidator()
	go p.evictor()
	return p, nil
}

func (p *Pool) create(ctx context.Context) (*Session, error) {
	conn, err := p.cfg.Factory(ctx)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	p.size++
	return &Session{Conn: conn, createdAt: now, lastUsedAt: now}, nil
}

// Acquire waits up to timeout for a free session. Returns (nil, nil) on
// timeout or shutdown rather than blocking forever; callers must treat a
// nil session as a retryable failure for reads and a failure-now for
// writes.
func (p *Pool) Acquire(ctx context.Context, timeout time.Duration) (*Session, error) {
	if timeout <= 0 {
		timeout = p.cfg.AcquireTimeout
	}
	deadline := time.Now().Add(timeout)

	p.mu.Lock()
	if p.shutdown {
		p.mu.Unlock()
		return nil, nil
	}
	if s := p.popIdleLocked(); s != nil {
		p.mu.Unlock()
		return p.validateOnBorrow(ctx, s)
	}
	if p.size < p.cfg.Max {
		s, err := p.create(ctx)
		p.mu.Unlock()
		if err != nil {
			return nil, errors.Wrap(errors.KindUnreachable, "create pooled connection", err)
		}
		return s, nil
	}

	wait := make(chan *Session, 1)
	p.waiters = append(p.waiters, wait)
	p.mu.Unlock()

	select {
	case s, ok := <-wait:
		if !ok || s == nil {
			return nil, nil
		}
		return p.validateOnBorrow(ctx, s)
	case <-time.After(time.Until(deadline)):
		return nil, nil
	case <-ctx.Done():
		return nil, nil
	}
}

func (p *Pool) validateOnBorrow(ctx context.Context, s *Session) (*Session, error) {
	if p.cfg.TestOnBorrow && p.cfg.Validate != nil {
		if err := p.cfg.Validate(ctx, s.Conn); err != nil {
			p.discard(s)
			return p.Acquire(ctx, p.cfg.AcquireTimeout)
		}
	}
	s.lastUsedAt = time.Now()
	return s, nil
}

func (p *Pool) popIdleLocked() *Session {
	elem := p.idle.Front()
	if elem == nil {
		return nil
	}
	p.idle.Remove(elem)
	return elem.Value.(*Session)
}

// Release returns s to the pool head, unless it is broken, expired past
// MaxLifetime, or fails validate-on-return — in which case it is
// discarded and a replacement may be created lazily to satisfy a waiter.
// Release is idempotent: releasing an already-discarded session is a
// no-op.
func (p *Pool) Release(ctx context.Context, s *Session) {
	if s == nil || s.discarded {
		return
	}
	if s.broken || (p.cfg.MaxLifetime > 0 && time.Since(s.createdAt) > p.cfg.MaxLifetime) {
		p.discard(s)
		p.replenishForWaiter(ctx)
		return
	}
	if p.cfg.TestOnReturn && p.cfg.Validate != nil {
		if err := p.cfg.Validate(ctx, s.Conn); err != nil {
			p.discard(s)
			p.replenishForWaiter(ctx)
			return
		}
	}

	p.mu.Lock()
	if p.shutdown {
		p.mu.Unlock()
		p.closeSession(s)
		return
	}
	if len(p.waiters) > 0 {
		w := p.waiters[0]
		p.waiters = p.waiters[1:]
		p.mu.Unlock()
		s.lastUsedAt = time.Now()
		w <- s
		return
	}
	s.lastUsedAt = time.Now()
	p.idle.PushFront(s)
	p.mu.Unlock()
}

func (p *Pool) discard(s *Session) {
	s.discarded = true
	p.mu.Lock()
	p.size--
	p.mu.Unlock()
	p.closeSession(s)
}

func (p *Pool) closeSession(s *Session) {
	if p.cfg.Close != nil {
		_ = p.cfg.Close(s.Conn)
	}
}

// replenishForWaiter creates one replacement connection and hands it
// directly to the oldest waiter, if any, after a session was discarded.
func (p *Pool) replenishForWaiter(ctx context.Context) {
	p.mu.Lock()
	if len(p.waiters) == 0 || p.size >= p.cfg.Max {
		p.mu.Unlock()
		return
	}
	w := p.waiters[0]
	p.waiters = p.waiters[1:]
	p.mu.Unlock()

	s, err := p.create(ctx)
	if err != nil {
		w <- nil
		return
	}
	w <- s
}

// Shutdown wakes every acquirer with a nil session and closes every idle
// session. Safe to call more than once.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	if p.shutdown {
		p.mu.Unlock()
		return
	}
	p.shutdown = true
	waiters := p.waiters
	p.waiters = nil
	var idleSessions []*Session
	for e := p.idle.Front(); e != nil; e = e.Next() {
		idleSessions = append(idleSessions, e.Value.(*Session))
	}
	p.idle.Init()
	p.mu.Unlock()

	for _, w := range waiters {
		close(w)
	}
	for _, s := range idleSessions {
		p.closeSession(s)
	}
	close(p.stopWorkers)
	p.workersDone.Wait()
}

// idleValidator periodically validates idle sessions when TestWhileIdle is
// configured, discarding any that fail.
func (p *Pool) idleValidator() {
	defer p.workersDone.Done()
	if !p.cfg.TestWhileIdle || p.cfg.ValidationInterval <= 0 || p.cfg.Validate == nil {
		return
	}
	ticker := time.NewTicker(p.cfg.ValidationInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopWorkers:
			return
		case <-ticker.C:
			p.validateIdleOnce()
		}
	}
}

func (p *Pool) validateIdleOnce() {
	p.mu.Lock()
	var candidates []*Session
	for e := p.idle.Front(); e != nil; e = e.Next() {
		candidates = append(candidates, e.Value.(*Session))
	}
	p.mu.Unlock()

	ctx := context.Background()
	for _, s := range candidates {
		if err := p.cfg.Validate(ctx, s.Conn); err != nil {
			p.removeIdle(s)
			p.discard(s)
			if p.log != nil {
				p.log.WithError(err).Warn("idle session failed validation, discarded")
			}
		}
	}
}

// evictor drops idle sessions past IdleTimeout or MaxLifetime.
func (p *Pool) evictor() {
	defer p.workersDone.Done()
	interval := p.cfg.IdleTimeout
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopWorkers:
			return
		case <-ticker.C:
			p.evictOnce()
		}
	}
}

func (p *Pool) evictOnce() {
	now := time.Now()
	p.mu.Lock()
	var expired []*Session
	for e := p.idle.Front(); e != nil; {
		next := e.Next()
		s := e.Value.(*Session)
		idleFor := now.Sub(s.lastUsedAt)
		age := now.Sub(s.createdAt)
		belowMin := p.size-len(expired) <= p.cfg.Min
		if !belowMin && ((p.cfg.IdleTimeout > 0 && idleFor > p.cfg.IdleTimeout) ||
			(p.cfg.MaxLifetime > 0 && age > p.cfg.MaxLifetime)) {
			p.idle.Remove(e)
			expired = append(expired, s)
		}
		e = next
	}
	p.size -= len(expired)
	p.mu.Unlock()

	for _, s := range expired {
		p.closeSession(s)
	}
}

func (p *Pool) removeIdle(target *Session) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for e := p.idle.Front(); e != nil; e = e.Next() {
		if e.Value.(*Session) == target {
			p.idle.Remove(e)
			return
		}
	}
}

// Size reports the current total number of sessions (idle + in use).
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.size
}

// Idle reports the number of currently idle sessions.
func (p *Pool) Idle() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.idle.Len()
}
