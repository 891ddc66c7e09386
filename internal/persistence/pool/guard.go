package pool

import (
	"context"
	"sync"
	"time"

	"github.com/outpost-games/worldserver/infrastructure/errors"
)

// Guard encapsulates acquire-then-automatic-release for a single Session
// across all exit paths. A Guard must not be copied: copying it would let
// two call sites release the same session, double-releasing it. Pass it
// by pointer (or let Go's escape analysis keep it on the stack) and call
// Release exactly once, typically via defer immediately after Acquire
// succeeds.
type Guard struct {
	pool *Pool
	sess *Session
	once sync.Once

	noCopy noCopy
}

// noCopy triggers `go vet`'s copylocks check if a Guard is copied by
// value; it has no runtime behavior of its own.
type noCopy struct{}

func (*noCopy) Lock()   {}
func (*noCopy) Unlock() {}

// Acquire obtains a session and wraps it in a Guard. When the pool
// returns no session (timeout or shutdown), Acquire returns a nil *Guard
// and an exhausted error rather than a Guard without a session.
func Acquire(ctx context.Context, p *Pool, timeout time.Duration) (*Guard, error) {
	s, err := p.Acquire(ctx, timeout)
	if err != nil {
		return nil, err
	}
	if s == nil {
		return nil, errors.Exhausted("connection pool")
	}
	return &Guard{pool: p, sess: s}, nil
}

// Session returns the underlying connection handle.
func (g *Guard) Session() *Session {
	return g.sess
}

// MarkBroken flags the held session as unusable so Release discards it
// instead of returning it to the pool.
func (g *Guard) MarkBroken(err error) {
	g.sess.MarkBroken(err)
}

// Release returns the session to the pool. Safe to call more than once;
// only the first call has effect.
func (g *Guard) Release(ctx context.Context) {
	g.once.Do(func() {
		g.pool.Release(ctx, g.sess)
	})
}
