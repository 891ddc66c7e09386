package replica

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPool_RoundRobinCyclesThroughEligible(t *testing.T) {
	p := NewPool(PolicyRoundRobin)
	p.Add(NewReplica(Config{Name: "r1"}, 3, 2))
	p.Add(NewReplica(Config{Name: "r2"}, 3, 2))

	first := p.Pick("select 1", 0)
	second := p.Pick("select 1", 0)
	third := p.Pick("select 1", 0)
	require.NotNil(t, first)
	require.NotNil(t, second)
	assert.NotEqual(t, first.Config.Name, second.Config.Name)
	assert.Equal(t, first.Config.Name, third.Config.Name)
}

func TestPool_ExcludesUnhealthyReplicas(t *testing.T) {
	p := NewPool(PolicyRoundRobin)
	healthy := NewReplica(Config{Name: "healthy"}, 1, 1)
	failed := NewReplica(Config{Name: "failed"}, 1, 1)
	failed.RecordFailure(time.Now())
	p.Add(healthy)
	p.Add(failed)

	for i := 0; i < 5; i++ {
		picked := p.Pick("select 1", 0)
		require.NotNil(t, picked)
		assert.Equal(t, "healthy", picked.Config.Name)
	}
}

func TestPool_ExcludesLagBeyondBound(t *testing.T) {
	p := NewPool(PolicyRoundRobin)
	r := NewReplica(Config{Name: "laggy", MaxAllowedLagMS: 5000}, 3, 2)
	r.SetLag(2000, time.Now())
	p.Add(r)

	picked := p.Pick("select 1", 1000) // bounded-staleness(1000ms)
	assert.Nil(t, picked, "replica lag exceeds the caller's bound even though below its own threshold")
}

func TestPool_LeastConnectionsPrefersFewerActive(t *testing.T) {
	p := NewPool(PolicyLeastConnections)
	busy := NewReplica(Config{Name: "busy"}, 3, 2)
	busy.IncrementConnections(10)
	idle := NewReplica(Config{Name: "idle"}, 3, 2)
	p.Add(busy)
	p.Add(idle)

	picked := p.Pick("select 1", 0)
	require.NotNil(t, picked)
	assert.Equal(t, "idle", picked.Config.Name)
}

func TestPool_WeightedPrefersHigherWeight(t *testing.T) {
	p := NewPool(PolicyWeighted)
	p.Add(NewReplica(Config{Name: "light", Weight: 10}, 3, 2))
	p.Add(NewReplica(Config{Name: "heavy", Weight: 90}, 3, 2))

	picked := p.Pick("select 1", 0)
	require.NotNil(t, picked)
	assert.Equal(t, "heavy", picked.Config.Name)
}

func TestPool_LatencyBasedPrefersLowerLatency(t *testing.T) {
	p := NewPool(PolicyLatencyBased)
	slow := NewReplica(Config{Name: "slow"}, 3, 2)
	slow.RecordSuccess(200, time.Now())
	fast := NewReplica(Config{Name: "fast"}, 3, 2)
	fast.RecordSuccess(5, time.Now())
	p.Add(slow)
	p.Add(fast)

	picked := p.Pick("select 1", 0)
	require.NotNil(t, picked)
	assert.Equal(t, "fast", picked.Config.Name)
}

func TestPool_ConsistentHashIsStableForSameKey(t *testing.T) {
	p := NewPool(PolicyConsistentHash)
	p.Add(NewReplica(Config{Name: "r1"}, 3, 2))
	p.Add(NewReplica(Config{Name: "r2"}, 3, 2))
	p.Add(NewReplica(Config{Name: "r3"}, 3, 2))

	first := p.Pick("player-42", 0)
	second := p.Pick("player-42", 0)
	require.NotNil(t, first)
	assert.Equal(t, first.Config.Name, second.Config.Name)
}

func TestPool_DedicatedPatternOverridesPolicy(t *testing.T) {
	p := NewPool(PolicyRoundRobin)
	p.Add(NewReplica(Config{Name: "general"}, 3, 2))
	p.Add(NewReplica(Config{Name: "analytics", DedicatedPatterns: []string{"report_"}}, 3, 2))

	picked := p.Pick("SELECT * FROM report_daily_active", 0)
	require.NotNil(t, picked)
	assert.Equal(t, "analytics", picked.Config.Name)
}

func TestPool_PickReturnsNilWhenNoneEligible(t *testing.T) {
	p := NewPool(PolicyRoundRobin)
	assert.Nil(t, p.Pick("select 1", 0))
}
