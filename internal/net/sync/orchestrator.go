// Package sync implements the per-tick sync orchestrator (C11): for each
// connection it refreshes the interest set from the spatial index, computes
// per-entity priority and update cadence, builds a delta or full snapshot
// against the connection's acknowledged baseline, and enqueues the result
// into the connection's send pipeline.
package sync

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/outpost-games/worldserver/internal/net/delta"
	"github.com/outpost-games/worldserver/internal/net/sendpipe"
	"github.com/outpost-games/worldserver/internal/world/ecs"
	"github.com/outpost-games/worldserver/internal/world/spatial"
)

// interest-level update cadences, keyed by the upper bound of a distance
// band. Bands are checked in order; the first satisfied band wins.
type cadenceBand struct {
	maxDistance float64
	hz          int
}

// ackedReliability reports whether reliability carries an application-level
// ack back through the pipeline (ReliableSequenced/Reliable do; the
// unreliable modes never acknowledge, so their baseline is updated
// immediately on send rather than waiting for an ack that will never come).
func ackedReliability(r sendpipe.Reliability) bool {
	return r == sendpipe.Reliable || r == sendpipe.ReliableOrdered || r == sendpipe.ReliableSequenced
}

// cadenceBands returns the discrete distance-to-update-rate bands, with
// maxView as the outer "still in view but sparse" boundary.
func cadenceBands(maxView float64) []cadenceBand {
	return []cadenceBand{
		{maxDistance: 20, hz: 30},
		{maxDistance: 50, hz: 15},
		{maxDistance: 100, hz: 10},
		{maxDistance: 150, hz: 5},
		{maxDistance: maxView, hz: 2},
	}
}

// UpdateRateHz returns the update cadence for an entity at distance from its
// observer, given the connection's current max view distance. Distance
// exactly equal to maxView or beyond yields 0 Hz (excluded from interest).
func UpdateRateHz(distance, maxView float64) int {
	if distance >= maxView {
		return 0
	}
	for _, band := range cadenceBands(maxView) {
		if distance <= band.maxDistance {
			return band.hz
		}
	}
	return 0
}

// EntityKind mirrors the subset of ecs.EntityCategory that affects sync
// priority and reliability selection.
type EntityKind = ecs.EntityCategory

// MessageCategory distinguishes how an entity's updates should be
// replicated; each maps to a fixed reliability mode.
type MessageCategory int

const (
	CategoryPosition MessageCategory = iota
	CategoryCombatOrInventory
	CategoryEffect
)

// ReliabilityFor returns the fixed reliability mode for a message category.
func ReliabilityFor(c MessageCategory) sendpipe.Reliability {
	switch c {
	case CategoryPosition:
		return sendpipe.ReliableSequenced
	case CategoryCombatOrInventory:
		return sendpipe.Reliable
	default:
		return sendpipe.Unreliable
	}
}

// NetworkConditions summarizes a connection's recent link quality, used
// alongside entity kind to weight priority.
type NetworkConditions struct {
	LossFraction float64
	LatencyMS    float64
}

// EntityPriority computes the send-pipeline priority for one entity given
// its kind, distance from the observer, and the observing connection's
// network conditions. Player and boss kinds are boosted a tier; poor
// network conditions push everything but player/boss down a tier so the
// most valuable updates still get through under pressure.
func EntityPriority(kind EntityKind, distance float64, cond NetworkConditions) sendpipe.Priority {
	base := sendpipe.PriorityNormal
	switch {
	case distance <= 20:
		base = sendpipe.PriorityHigh
	case distance <= 100:
		base = sendpipe.PriorityNormal
	default:
		base = sendpipe.PriorityLow
	}

	boosted := kind == ecs.CategoryPlayer || kind == ecs.CategoryBoss
	if boosted && base > sendpipe.PriorityCritical {
		base--
	}
	if !boosted && cond.LossFraction > 0.05 && base < sendpipe.PriorityBulk {
		base++
	}
	return base
}

// EntitySnapshot is supplied by the caller per entity per tick; building it
// from live component storages is the caller's responsibility since the
// mapping from component kinds to named delta fields is domain-specific.
type EntitySnapshot struct {
	Entity   ecs.Entity
	Kind     EntityKind
	Position ecs.Vec3
	Snapshot delta.Snapshot
	Category MessageCategory
}

// pendingSnapshot is a sent-but-not-yet-acknowledged delta target: the
// snapshot promoted to the acknowledged baseline only once its carrying
// packet's sequence number is acked.
type pendingSnapshot struct {
	entity ecs.Entity
	snap   delta.Snapshot
}

// Connection is one observer: an avatar entity, its owning connection id,
// its send pipeline, its acknowledged-baseline store, and its current
// network conditions.
type Connection struct {
	ID           string
	Avatar       ecs.Entity
	MaxViewDist  float64
	InterestK    int
	Pipeline     *sendpipe.Pipeline
	Conditions   NetworkConditions

	prevInterest map[ecs.Entity]struct{}

	baselines *delta.Store

	pendingMu sync.Mutex
	pending   map[uint64]pendingSnapshot // seq -> snapshot awaiting ack

	qualityMu sync.Mutex
	quality   sendpipe.QualitySettings
}

// NewConnection builds a Connection ready for Orchestrator use. baselines is
// the store its acked snapshots get promoted into; the connection wires
// itself as pipeline's ack handler so CategoryPosition/CombatOrInventory
// deltas (sent ReliableSequenced/Reliable) only become the next delta
// baseline once the client has actually acknowledged them.
func NewConnection(id string, avatar ecs.Entity, maxViewDist float64, interestK int, pipeline *sendpipe.Pipeline, baselines *delta.Store) *Connection {
	c := &Connection{
		ID:           id,
		Avatar:       avatar,
		MaxViewDist:  maxViewDist,
		InterestK:    interestK,
		Pipeline:     pipeline,
		baselines:    baselines,
		prevInterest: make(map[ecs.Entity]struct{}),
		pending:      make(map[uint64]pendingSnapshot),
		// full fidelity/full rate until the first adaptation interval reacts
		// to observed network conditions.
		quality: sendpipe.QualitySettings{UpdateRateHz: 30, PositionPrecisionBits: 16},
	}
	pipeline.SetAckHandler(c.onAck)
	return c
}

// applyQuality stores q as conn's current adaptive quality settings and
// pushes its aggregation/compression toggles straight through to the
// pipeline; PositionPrecisionBits and UpdateRateHz are read by syncEntity
// and the cadence calculation on the next Tick.
func (c *Connection) applyQuality(q sendpipe.QualitySettings) {
	c.qualityMu.Lock()
	c.quality = q
	c.qualityMu.Unlock()
	c.Pipeline.SetAggregation(q.EnableAggregation)
	c.Pipeline.SetCompression(q.EnableCompression)
}

func (c *Connection) currentQuality() sendpipe.QualitySettings {
	c.qualityMu.Lock()
	defer c.qualityMu.Unlock()
	return c.quality
}

// onAck promotes the snapshot carried by seq to the acknowledged baseline,
// if seq is still tracked as pending (it may already have been superseded or
// the entity may have despawned).
func (c *Connection) onAck(seq uint64) {
	c.pendingMu.Lock()
	p, ok := c.pending[seq]
	if ok {
		delete(c.pending, seq)
	}
	c.pendingMu.Unlock()
	if !ok {
		return
	}
	c.baselines.SetBaseline(c.ID, uint64(p.entity), p.snap)
}

// markPending records that seq's payload carries snap as a candidate next
// baseline for entity, to be promoted once acked.
func (c *Connection) markPending(seq uint64, entity ecs.Entity, snap delta.Snapshot) {
	c.pendingMu.Lock()
	c.pending[seq] = pendingSnapshot{entity: entity, snap: snap}
	c.pendingMu.Unlock()
}

// clearPending drops any outstanding pending-ack snapshot for entity, called
// when it leaves interest so a late ack can't resurrect a stale baseline.
func (c *Connection) clearPending(entity ecs.Entity) {
	c.pendingMu.Lock()
	for seq, p := range c.pending {
		if p.entity == entity {
			delete(c.pending, seq)
		}
	}
	c.pendingMu.Unlock()
}

// InputSample is one buffered player input, retained briefly for lag
// compensation / reconciliation.
type InputSample struct {
	At   time.Time
	Data []byte
}

// Orchestrator runs the per-tick sync pass across every connection.
type Orchestrator struct {
	Grid      *spatial.Grid
	Baselines *delta.Store
	TickHz    float64

	inputHistory map[string][]InputSample
	lastSentTick map[string]map[ecs.Entity]uint64
	lastTick     uint64
}

// NewOrchestrator builds an orchestrator bound to grid (for interest
// queries) and baselines (for per-connection per-entity acknowledged
// state). tickHz is the server's fixed tick rate, used to translate each
// entity's interest-level update rate (Hz) into a tick interval.
func NewOrchestrator(grid *spatial.Grid, baselines *delta.Store, tickHz float64) *Orchestrator {
	return &Orchestrator{
		Grid:         grid,
		Baselines:    baselines,
		TickHz:       tickHz,
		inputHistory: make(map[string][]InputSample),
		lastSentTick: make(map[string]map[ecs.Entity]uint64),
	}
}

// candidate pairs an entity snapshot with its distance from the observer,
// used only to rank and truncate to top-K before priority boosting.
type candidate struct {
	snap     EntitySnapshot
	distance float64
}

// RefreshInterest computes conn's new interest set: the InterestK nearest
// entities by the spatial index around conn's avatar position, with player
// and boss kinds always retained even if they'd otherwise be truncated by
// the K cutoff ranking (boosted to the front before truncation).
func RefreshInterest(grid *spatial.Grid, avatarPos ecs.Vec3, maxView float64, k int, snapshots []EntitySnapshot) []candidate {
	var nearby map[ecs.Entity]struct{}
	if grid != nil {
		nearby = make(map[ecs.Entity]struct{})
		for _, e := range grid.Query(avatarPos, maxView) {
			nearby[e] = struct{}{}
		}
	}

	cands := make([]candidate, 0, len(snapshots))
	for _, s := range snapshots {
		if nearby != nil {
			if _, ok := nearby[s.Entity]; !ok {
				continue
			}
		}
		d := spatial.Distance(avatarPos, s.Position)
		if d >= maxView {
			continue
		}
		cands = append(cands, candidate{snap: s, distance: d})
	}

	sort.SliceStable(cands, func(i, j int) bool {
		iBoost := cands[i].snap.Kind == ecs.CategoryPlayer || cands[i].snap.Kind == ecs.CategoryBoss
		jBoost := cands[j].snap.Kind == ecs.CategoryPlayer || cands[j].snap.Kind == ecs.CategoryBoss
		if iBoost != jBoost {
			return iBoost
		}
		return cands[i].distance < cands[j].distance
	})

	if k > 0 && len(cands) > k {
		cands = cands[:k]
	}
	return cands
}

// Tick runs one sync pass for conn against the supplied candidate entity
// snapshots (typically every spatially-indexed, replicated entity in
// conn's shard; RefreshInterest/the Grid narrows this to what's nearby).
// serverTick is recorded for lag compensation.
func (o *Orchestrator) Tick(conn *Connection, snapshots []EntitySnapshot, serverTick uint64) {
	o.lastTick = serverTick

	interest := RefreshInterest(o.Grid, avatarPosition(snapshots, conn.Avatar), conn.MaxViewDist, conn.InterestK, snapshots)

	sent := o.lastSentTick[conn.ID]
	if sent == nil {
		sent = make(map[ecs.Entity]uint64)
		o.lastSentTick[conn.ID] = sent
	}

	seen := make(map[ecs.Entity]struct{}, len(interest))
	for _, c := range interest {
		seen[c.snap.Entity] = struct{}{}

		hz := UpdateRateHz(c.distance, conn.MaxViewDist)
		if adapted := conn.currentQuality().UpdateRateHz; adapted > 0 && adapted < hz {
			hz = adapted // poor-network adaptation caps below the distance band's rate
		}
		interval := o.cadenceInterval(hz)
		if last, ok := sent[c.snap.Entity]; ok && serverTick-last < interval {
			continue // not yet due at this entity's interest-level update rate
		}
		o.syncEntity(conn, c.snap, c.distance)
		sent[c.snap.Entity] = serverTick
	}

	for e := range conn.prevInterest {
		if _, stillIn := seen[e]; !stillIn {
			o.despawn(conn, e)
			delete(sent, e)
		}
	}
	conn.prevInterest = seen
}

// cadenceInterval converts an interest-level update rate (Hz) into a tick
// count using the orchestrator's fixed tick rate, e.g. a 60 Hz server tick
// with a 15 Hz cadence band sends every 4th tick. Returns 1 (every tick) for
// a non-positive rate or tick rate, so misconfiguration never silently
// stalls delivery.
func (o *Orchestrator) cadenceInterval(hz int) uint64 {
	if hz <= 0 || o.TickHz <= 0 {
		return 1
	}
	n := math.Round(o.TickHz / float64(hz))
	if n < 1 {
		n = 1
	}
	return uint64(n)
}

func avatarPosition(snapshots []EntitySnapshot, avatar ecs.Entity) ecs.Vec3 {
	for _, s := range snapshots {
		if s.Entity == avatar {
			return s.Position
		}
	}
	return ecs.Vec3{}
}

// syncEntity builds and sends either a delta (against conn's acknowledged
// baseline for this entity) or a full snapshot (first sight, or the prior
// baseline was cleared on despawn/reconnect). The baseline is NOT updated
// here: for acked reliability modes it only becomes the next delta target
// once the client has acknowledged this send (Connection.onAck); unreliable
// modes never ack, so their baseline advances immediately since nothing else
// ever will advance it.
func (o *Orchestrator) syncEntity(conn *Connection, snap EntitySnapshot, distance float64) {
	priority := EntityPriority(snap.Kind, distance, conn.Conditions)
	reliability := ReliabilityFor(snap.Category)
	precisionBits := uint(conn.currentQuality().PositionPrecisionBits)

	var payload []byte
	if baseline, ok := o.Baselines.Baseline(conn.ID, uint64(snap.Entity)); ok {
		pkt := delta.CreateDeltaWithPrecision(baseline, snap.Snapshot, precisionBits)
		payload = encodePacket(pkt)
	} else {
		pkt := delta.FullSnapshotPacketWithPrecision(snap.Snapshot, precisionBits)
		payload = encodePacket(pkt)
	}

	seq := conn.Pipeline.Send(&sendpipe.Packet{
		Payload:     payload,
		Reliability: reliability,
		SequenceKey: entitySequenceKey(snap.Entity),
	}, priority)

	if ackedReliability(reliability) {
		conn.markPending(seq, snap.Entity, snap.Snapshot)
	} else {
		o.Baselines.SetBaseline(conn.ID, uint64(snap.Entity), snap.Snapshot)
	}
}

func (o *Orchestrator) despawn(conn *Connection, e ecs.Entity) {
	o.Baselines.ClearBaseline(conn.ID, uint64(e))
	conn.clearPending(e)
	conn.Pipeline.Send(&sendpipe.Packet{
		Payload:     despawnPayload(e),
		Reliability: sendpipe.ReliableOrdered,
		SequenceKey: entitySequenceKey(e),
	}, sendpipe.PriorityHigh)
}

// RecordInput appends an input sample for a connection's owning player.
func (o *Orchestrator) RecordInput(connID string, sample InputSample) {
	o.inputHistory[connID] = append(o.inputHistory[connID], sample)
}

// TruncateInputHistory drops every buffered input sample older than maxAge
// (2s per the lag-compensation window), across every connection.
func (o *Orchestrator) TruncateInputHistory(now time.Time, maxAge time.Duration) {
	for connID, samples := range o.inputHistory {
		cut := 0
		for cut < len(samples) && now.Sub(samples[cut].At) > maxAge {
			cut++
		}
		if cut == 0 {
			continue
		}
		if cut == len(samples) {
			delete(o.inputHistory, connID)
			continue
		}
		o.inputHistory[connID] = samples[cut:]
	}
}

// LastTick returns the most recently recorded server tick.
func (o *Orchestrator) LastTick() uint64 { return o.lastTick }

// AdaptConnectionQuality recomputes conn's adaptive quality settings from
// its currently observed network conditions and applies them: subsequent
// delta encodes use the adapted PositionPrecisionBits, cadence gating
// additionally caps at the adapted UpdateRateHz, and aggregation/compression
// toggle on the pipeline immediately. Callers should invoke this once per
// adaptation interval per connection (coarser than the tick rate; §4.9
// deliberately decouples quality re-evaluation from the per-tick sync pass).
func (o *Orchestrator) AdaptConnectionQuality(conn *Connection) {
	obs := sendpipe.NetworkObservation{
		AvgLatencyMS: conn.Conditions.LatencyMS,
		LossFraction: conn.Conditions.LossFraction,
	}
	conn.applyQuality(sendpipe.AdaptQuality(obs))
}
