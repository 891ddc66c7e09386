package replica

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRouter_WriteAlwaysGoesToPrimary(t *testing.T) {
	pool := NewPool(PolicyRoundRobin)
	pool.Add(NewReplica(Config{Name: "r1"}, 3, 2))
	r := NewRouter(pool, nil, nil)

	d := r.Route("sess-1", "UPDATE players SET hp = 1", ConsistencyEventual, 0)
	assert.Equal(t, TargetPrimary, d.Target)
}

func TestRouter_BoundedStalenessFallsBackToPrimaryWhenNoReplicaQualifies(t *testing.T) {
	pool := NewPool(PolicyRoundRobin)
	laggy := NewReplica(Config{Name: "r1", MaxAllowedLagMS: 10000}, 3, 2)
	laggy.SetLag(5000, time.Now())
	pool.Add(laggy)
	r := NewRouter(pool, nil, nil)

	d := r.Route("sess-1", "SELECT * FROM players", ConsistencyBoundedStaleness, 1000)
	assert.Equal(t, TargetPrimary, d.Target)
}

func TestRouter_EventualReadUsesReplica(t *testing.T) {
	pool := NewPool(PolicyRoundRobin)
	pool.Add(NewReplica(Config{Name: "r1"}, 3, 2))
	r := NewRouter(pool, nil, nil)

	d := r.Route("sess-1", "SELECT * FROM players", ConsistencyEventual, 0)
	assert.Equal(t, TargetReplica, d.Target)
	require.NotNil(t, d.Replica)
	assert.Equal(t, "r1", d.Replica.Config.Name)
}

func TestRouter_ReadYourWritesUsesPrimaryUntilReplicaCatchesUp(t *testing.T) {
	pool := NewPool(PolicyRoundRobin)
	pool.Add(NewReplica(Config{Name: "r1"}, 3, 2))
	observedLSN := int64(0)
	r := NewRouter(pool, nil, func(rep *Replica) int64 { return observedLSN })

	r.RecordPrimaryWrite("sess-1", 100)

	d := r.Route("sess-1", "SELECT * FROM players", ConsistencyReadYourWrites, 0)
	assert.Equal(t, TargetPrimary, d.Target, "replica has not observed LSN 100 yet")

	observedLSN = 100
	d = r.Route("sess-1", "SELECT * FROM players", ConsistencyReadYourWrites, 0)
	assert.Equal(t, TargetReplica, d.Target, "replica has caught up to the session's last write")
}

func TestRouter_ExecuteRetriesOnPrimaryAfterReplicaFailure(t *testing.T) {
	pool := NewPool(PolicyRoundRobin)
	pool.Add(NewReplica(Config{Name: "r1"}, 1, 1))
	r := NewRouter(pool, nil, nil)

	var primaryCalled bool
	exec := func(ctx context.Context, target Target, rep *Replica, query string, args ...any) (any, error) {
		if target == TargetReplica {
			return nil, assert.AnError
		}
		primaryCalled = true
		return "ok", nil
	}

	result, err := r.Execute(context.Background(), "sess-1", "SELECT * FROM players", ConsistencyEventual, 0, exec)
	require.NoError(t, err)
	assert.Equal(t, "ok", result)
	assert.True(t, primaryCalled)

	// the replica should now be marked failed after a single failure with threshold 1
	assert.Equal(t, HealthFailed, pool.Replicas()[0].Health())
}

func TestRouter_ExecuteSucceedsDirectlyOnReplica(t *testing.T) {
	pool := NewPool(PolicyRoundRobin)
	pool.Add(NewReplica(Config{Name: "r1"}, 3, 2))
	r := NewRouter(pool, nil, nil)

	exec := func(ctx context.Context, target Target, rep *Replica, query string, args ...any) (any, error) {
		assert.Equal(t, TargetReplica, target)
		return "replica-result", nil
	}

	result, err := r.Execute(context.Background(), "sess-1", "SELECT 1", ConsistencyEventual, 0, exec)
	require.NoError(t, err)
	assert.Equal(t, "replica-result", result)
}
