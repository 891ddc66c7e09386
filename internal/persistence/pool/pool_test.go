package pool

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	id     int64
	closed bool
}

func fakeConfig(max int) (Config, *int64, *int64) {
	var created, closedCount int64
	return Config{
		Min:            0,
		Max:            max,
		Initial:        0,
		AcquireTimeout: 50 * time.Millisecond,
		Factory: func(ctx context.Context) (any, error) {
			id := atomic.AddInt64(&created, 1)
			return &fakeConn{id: id}, nil
		},
		Close: func(conn any) error {
			conn.(*fakeConn).closed = true
			atomic.AddInt64(&closedCount, 1)
			return nil
		},
	}, &created, &closedCount
}

func TestPool_AcquireCreatesUpToMax(t *testing.T) {
	cfg, created, _ := fakeConfig(2)
	p, err := New(cfg, nil)
	require.NoError(t, err)
	defer p.Shutdown()

	s1, err := p.Acquire(context.Background(), 0)
	require.NoError(t, err)
	require.NotNil(t, s1)

	s2, err := p.Acquire(context.Background(), 0)
	require.NoError(t, err)
	require.NotNil(t, s2)

	assert.Equal(t, int64(2), atomic.LoadInt64(created))
}

func TestPool_AcquireTimesOutReturningNilSession(t *testing.T) {
	cfg, _, _ := fakeConfig(1)
	p, err := New(cfg, nil)
	require.NoError(t, err)
	defer p.Shutdown()

	s1, err := p.Acquire(context.Background(), 0)
	require.NoError(t, err)
	require.NotNil(t, s1)

	s2, err := p.Acquire(context.Background(), 20*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, s2)
}

func TestPool_ReleaseReturnsSessionForReuse(t *testing.T) {
	cfg, created, _ := fakeConfig(1)
	p, err := New(cfg, nil)
	require.NoError(t, err)
	defer p.Shutdown()

	s1, err := p.Acquire(context.Background(), 0)
	require.NoError(t, err)
	p.Release(context.Background(), s1)

	s2, err := p.Acquire(context.Background(), 0)
	require.NoError(t, err)
	assert.Same(t, s1, s2)
	assert.Equal(t, int64(1), atomic.LoadInt64(created))
}

func TestPool_ReleaseDiscardsBrokenSession(t *testing.T) {
	cfg, created, closedCount := fakeConfig(1)
	p, err := New(cfg, nil)
	require.NoError(t, err)
	defer p.Shutdown()

	s1, err := p.Acquire(context.Background(), 0)
	require.NoError(t, err)
	s1.MarkBroken(assert.AnError)
	p.Release(context.Background(), s1)

	assert.Equal(t, int64(1), atomic.LoadInt64(closedCount))

	s2, err := p.Acquire(context.Background(), 0)
	require.NoError(t, err)
	require.NotNil(t, s2)
	assert.Equal(t, int64(2), atomic.LoadInt64(created))
}

func TestPool_ShutdownWakesWaitersWithNil(t *testing.T) {
	cfg, _, _ := fakeConfig(1)
	p, err := New(cfg, nil)
	require.NoError(t, err)

	s1, err := p.Acquire(context.Background(), 0)
	require.NoError(t, err)
	_ = s1

	waitErrCh := make(chan error, 1)
	waitSessCh := make(chan *Session, 1)
	go func() {
		s, err := p.Acquire(context.Background(), time.Second)
		waitErrCh <- err
		waitSessCh <- s
	}()

	time.Sleep(10 * time.Millisecond)
	p.Shutdown()

	require.NoError(t, <-waitErrCh)
	assert.Nil(t, <-waitSessCh)
}

func TestPool_ReleaseIsIdempotentForDiscardedSession(t *testing.T) {
	cfg, _, closedCount := fakeConfig(1)
	p, err := New(cfg, nil)
	require.NoError(t, err)
	defer p.Shutdown()

	s1, err := p.Acquire(context.Background(), 0)
	require.NoError(t, err)
	s1.MarkBroken(assert.AnError)
	p.Release(context.Background(), s1)
	p.Release(context.Background(), s1)

	assert.Equal(t, int64(1), atomic.LoadInt64(closedCount))
}

func TestGuard_ReleaseOnlyOnce(t *testing.T) {
	cfg, _, _ := fakeConfig(1)
	p, err := New(cfg, nil)
	require.NoError(t, err)
	defer p.Shutdown()

	g, err := Acquire(context.Background(), p, 0)
	require.NoError(t, err)
	require.NotNil(t, g.Session())

	g.Release(context.Background())
	g.Release(context.Background())

	assert.Equal(t, 1, p.Idle())
}
