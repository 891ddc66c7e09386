package replica

import (
	"hash/fnv"
	"sort"
	"strings"
	"sync"
	"time"
)

// LoadPolicy selects how Pool.Pick ranks candidate replicas.
type LoadPolicy int

const (
	PolicyRoundRobin LoadPolicy = iota
	PolicyLeastConnections
	PolicyWeighted
	PolicyLatencyBased
	PolicyConsistentHash
)

// Config describes one replica's static configuration.
type Config struct {
	Name             string
	Weight           int      // for PolicyWeighted, larger wins more often
	DedicatedPatterns []string // substrings; a matching query routes here while this replica is usable and within the lag bounds
	MaxAllowedLagMS  int
}

// Replica tracks one replica's live state: health, measured lag,
// connection count, and latency, alongside its static Config.
type Replica struct {
	Config Config

	mu           sync.Mutex
	health       *HealthTracker
	lagMS        int
	activeConns  int
	avgLatencyMS float64
}

// NewReplica builds a Replica starting healthy with zero load.
func NewReplica(cfg Config, failThreshold, recoverThreshold int) *Replica {
	return &Replica{Config: cfg, health: NewHealthTracker(failThreshold, recoverThreshold)}
}

func (r *Replica) Health() Health {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.health.State()
}

func (r *Replica) LagMS() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lagMS
}

// SetLag updates the measured replication lag, marking the replica
// lagging if it now exceeds its own configured threshold.
func (r *Replica) SetLag(lagMS int, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lagMS = lagMS
	if r.Config.MaxAllowedLagMS > 0 && lagMS > r.Config.MaxAllowedLagMS {
		r.health.SetLagging(now)
	}
}

func (r *Replica) RecordSuccess(latencyMS float64, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.health.ObserveSuccess(now)
	r.avgLatencyMS = ewma(r.avgLatencyMS, latencyMS, 0.2)
}

func (r *Replica) RecordFailure(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.health.ObserveFailure(now)
}

func (r *Replica) IncrementConnections(delta int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.activeConns += delta
}

func (r *Replica) snapshot() (health Health, lagMS, conns int, latencyMS float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.health.State(), r.lagMS, r.activeConns, r.avgLatencyMS
}

func ewma(prev, sample, alpha float64) float64 {
	if prev == 0 {
		return sample
	}
	return alpha*sample + (1-alpha)*prev
}

// Pool holds one named group of read replicas sharing a load policy.
type Pool struct {
	Policy LoadPolicy

	mu        sync.Mutex
	replicas  []*Replica
	rrCursor  int
}

// NewPool builds an empty pool with the given load policy.
func NewPool(policy LoadPolicy) *Pool {
	return &Pool{Policy: policy}
}

// Add registers a replica with the pool.
func (p *Pool) Add(r *Replica) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.replicas = append(p.replicas, r)
}

// Remove drops a replica by name.
func (p *Pool) Remove(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, r := range p.replicas {
		if r.Config.Name == name {
			p.replicas = append(p.replicas[:i], p.replicas[i+1:]...)
			return
		}
	}
}

// Replicas returns a snapshot slice of every registered replica.
func (p *Pool) Replicas() []*Replica {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Replica, len(p.replicas))
	copy(out, p.replicas)
	return out
}

// eligible returns replicas whose health is usable and whose lag is
// within maxLagMS (0 means no bound) and within the replica's own
// MaxAllowedLagMS (0 means no bound), sorted by name for determinism
// before a policy re-orders or filters them further.
func (p *Pool) eligible(maxLagMS int) []*Replica {
	var out []*Replica
	for _, r := range p.replicas {
		health, lag, _, _ := r.snapshot()
		if !health.Usable() {
			continue
		}
		if maxLagMS > 0 && lag > maxLagMS {
			continue
		}
		if r.Config.MaxAllowedLagMS > 0 && lag > r.Config.MaxAllowedLagMS {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Config.Name < out[j].Config.Name })
	return out
}

// Pick selects one replica for a query, honoring the dedicated-pattern
// override before falling back to the pool's load policy. maxLagMS
// bounds acceptable lag for bounded-staleness reads; pass 0 for no bound
// (eventual consistency). Returns nil if no replica qualifies.
func (p *Pool) Pick(query string, maxLagMS int) *Replica {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, r := range p.replicas {
		for _, pattern := range r.Config.DedicatedPatterns {
			if pattern != "" && strings.Contains(strings.ToLower(query), strings.ToLower(pattern)) {
				health, lag, _, _ := r.snapshot()
				if health.Usable() && (maxLagMS == 0 || lag <= maxLagMS) &&
					(r.Config.MaxAllowedLagMS == 0 || lag <= r.Config.MaxAllowedLagMS) {
					return r
				}
			}
		}
	}

	candidates := p.eligible(maxLagMS)
	if len(candidates) == 0 {
		return nil
	}

	switch p.Policy {
	case PolicyLeastConnections:
		return p.pickLeastConnections(candidates)
	case PolicyWeighted:
		return p.pickWeighted(candidates)
	case PolicyLatencyBased:
		return p.pickLatency(candidates)
	case PolicyConsistentHash:
		return p.pickConsistentHash(candidates, query)
	default:
		return p.pickRoundRobin(candidates)
	}
}

func (p *Pool) pickRoundRobin(candidates []*Replica) *Replica {
	r := candidates[p.rrCursor%len(candidates)]
	p.rrCursor++
	return r
}

func (p *Pool) pickLeastConnections(candidates []*Replica) *Replica {
	best := candidates[0]
	_, _, bestConns, _ := best.snapshot()
	for _, r := range candidates[1:] {
		_, _, conns, _ := r.snapshot()
		if conns < bestConns {
			best, bestConns = r, conns
		}
	}
	return best
}

func (p *Pool) pickWeighted(candidates []*Replica) *Replica {
	best := candidates[0]
	bestWeight := best.Config.Weight
	for _, r := range candidates[1:] {
		if r.Config.Weight > bestWeight {
			best, bestWeight = r, r.Config.Weight
		}
	}
	return best
}

func (p *Pool) pickLatency(candidates []*Replica) *Replica {
	best := candidates[0]
	_, _, _, bestLatency := best.snapshot()
	for _, r := range candidates[1:] {
		_, _, _, latency := r.snapshot()
		if latency > 0 && (bestLatency == 0 || latency < bestLatency) {
			best, bestLatency = r, latency
		}
	}
	return best
}

// pickConsistentHash implements highest-random-weight hashing over the
// candidate set: the candidate whose combined (key, name) hash is
// largest wins, so a candidate's selection is stable as long as it
// stays in the candidate set, and only keys hashing nearest the removed
// node's slots move when a replica leaves.
func (p *Pool) pickConsistentHash(candidates []*Replica, key string) *Replica {
	var best *Replica
	var bestScore uint64
	for _, r := range candidates {
		score := hashPair(key, r.Config.Name)
		if best == nil || score > bestScore {
			best, bestScore = r, score
		}
	}
	return best
}

func hashPair(key, node string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(key))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(node))
	return h.Sum64()
}
