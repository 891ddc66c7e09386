package replica

import (
	"context"
	"sync"
	"time"

	"github.com/outpost-games/worldserver/infrastructure/errors"
	"github.com/outpost-games/worldserver/infrastructure/logging"
)

// Target names which physical connection a routed query should use.
type Target int

const (
	TargetPrimary Target = iota
	TargetReplica
)

// Decision is the outcome of routing one query.
type Decision struct {
	Target  Target
	Replica *Replica // set only when Target == TargetReplica
}

// Executor runs a query against whatever the router decided to use.
// Implementations typically wrap a pool.Guard acquired from either the
// primary pool or a replica's own pool.
type Executor func(ctx context.Context, target Target, r *Replica, query string, args ...any) (any, error)

// SessionLSN tracks, per logical session, the primary write-LSN a caller
// must observe on a replica before read-your-writes reads may use it.
// Routed reads under ConsistencyReadYourWrites go to primary until the
// chosen replica's replicated LSN catches up, at which point subsequent
// reads may use the replica again.
type SessionLSN struct {
	mu       sync.Mutex
	watermark map[string]int64
}

func NewSessionLSN() *SessionLSN {
	return &SessionLSN{watermark: make(map[string]int64)}
}

// RecordWrite stores the LSN a write produced on primary for session.
func (s *SessionLSN) RecordWrite(session string, lsn int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if lsn > s.watermark[session] {
		s.watermark[session] = lsn
	}
}

// Satisfied reports whether replicaLSN has caught up to the last write
// this session observed (no prior write means trivially satisfied).
func (s *SessionLSN) Satisfied(session string, replicaLSN int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return replicaLSN >= s.watermark[session]
}

// Router ties query classification, consistency routing, and the
// replica pool's load policy together, with one retry against primary
// on a failed replica query.
type Router struct {
	Pool    *Pool
	log     *logging.Logger
	lsn     *SessionLSN
	replicaLSN func(r *Replica) int64 // returns the replica's currently observed LSN
}

// NewRouter builds a Router over pool. replicaLSN, if non-nil, is
// consulted to decide whether a replica satisfies read-your-writes for
// a session; if nil, read-your-writes always routes to primary.
func NewRouter(pool *Pool, log *logging.Logger, replicaLSN func(r *Replica) int64) *Router {
	return &Router{Pool: pool, log: log, lsn: NewSessionLSN(), replicaLSN: replicaLSN}
}

// RecordPrimaryWrite should be called after a write commits on primary,
// so later read-your-writes reads on the same session route correctly.
func (r *Router) RecordPrimaryWrite(session string, lsn int64) {
	r.lsn.RecordWrite(session, lsn)
}

// Route decides where query should execute. maxLagMS applies only to
// bounded-staleness reads (0 for other consistency levels means no
// bound beyond each replica's own configured MaxAllowedLagMS).
func (r *Router) Route(session, query string, consistency Consistency, maxLagMS int) Decision {
	qt := ClassifyQuery(query)

	if ShouldRouteToPrimary(qt, consistency) {
		return Decision{Target: TargetPrimary}
	}

	if consistency == ConsistencyReadYourWrites {
		rep := r.Pool.Pick(query, 0)
		if rep != nil && r.replicaLSN != nil && r.lsn.Satisfied(session, r.replicaLSN(rep)) {
			return Decision{Target: TargetReplica, Replica: rep}
		}
		return Decision{Target: TargetPrimary}
	}

	bound := maxLagMS
	if consistency == ConsistencyEventual {
		bound = 0
	}
	rep := r.Pool.Pick(query, bound)
	if rep == nil {
		return Decision{Target: TargetPrimary}
	}
	return Decision{Target: TargetReplica, Replica: rep}
}

// Execute runs query via exec, retrying once on primary if a replica
// attempt fails (and bumping that replica's failure counter).
func (r *Router) Execute(ctx context.Context, session, query string, consistency Consistency, maxLagMS int, exec Executor, args ...any) (any, error) {
	decision := r.Route(session, query, consistency, maxLagMS)

	if decision.Target == TargetPrimary {
		return exec(ctx, TargetPrimary, nil, query, args...)
	}

	start := time.Now()
	result, err := exec(ctx, TargetReplica, decision.Replica, query, args...)
	if err == nil {
		decision.Replica.RecordSuccess(float64(time.Since(start).Milliseconds()), time.Now())
		return result, nil
	}

	decision.Replica.RecordFailure(time.Now())
	if r.log != nil {
		r.log.WithError(err).WithFields(map[string]any{"replica": decision.Replica.Config.Name}).
			Warn("replica query failed, retrying on primary")
	}

	result, err = exec(ctx, TargetPrimary, nil, query, args...)
	if err != nil {
		return nil, errors.Wrap(errors.KindUnreachable, "replica query failed and primary retry also failed", err)
	}
	return result, nil
}
