// Package sendpipe implements the per-connection outbound packet
// pipeline: five priority queues, bandwidth-budgeted draining, MTU-safe
// aggregation, shorten-only compression, and reliability-mode tagging.
// Retransmission and RTT tracking live in reliability.go.
package sendpipe

import (
	"container/list"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Priority orders outbound packets; Critical drains first.
type Priority int

const (
	PriorityCritical Priority = iota
	PriorityHigh
	PriorityNormal
	PriorityLow
	PriorityBulk
)

var priorityOrder = []Priority{PriorityCritical, PriorityHigh, PriorityNormal, PriorityLow, PriorityBulk}

// Reliability is one of the five delivery modes.
type Reliability int

const (
	Unreliable Reliability = iota
	UnreliableSequenced
	Reliable
	ReliableOrdered
	ReliableSequenced
)

const (
	mtuSafeBytes      = 1400
	aggregateCountLen = 4
	maxAggregatorPayload = mtuSafeBytes - aggregateCountLen
	maxQueueAge       = 5 * time.Second
	aggregatorFlushAge = 10 * time.Millisecond
	aggregatorFullFraction = 0.8
)

// Packet is one outbound message awaiting send.
type Packet struct {
	Payload     []byte
	Reliability Reliability
	SequenceKey string // identifies the logical stream for ordered/sequenced modes

	priority   Priority
	enqueuedAt time.Time
	seq        uint64
}

// Transport is the underlying wire (typically a gorilla/websocket
// connection wrapper). Send receives the final, possibly compressed and
// encrypted, bytes for one frame.
type Transport interface {
	Send(frame []byte) error
}

// Compressor shortens a payload; ok is false if compression did not
// shrink it, in which case the pipeline sends the original bytes.
type Compressor func(payload []byte) (compressed []byte, ok bool)

// Encryptor encrypts a frame before it reaches the transport.
type Encryptor func(frame []byte) ([]byte, error)

// Stats accumulates per-connection network counters.
type Stats struct {
	mu             sync.Mutex
	BytesSent      uint64
	PacketsSent    uint64
	PacketsDropped uint64
	Aggregated     uint64
	Compressed     uint64
}

func (s *Stats) recordSend(n int) {
	s.mu.Lock()
	s.BytesSent += uint64(n)
	s.PacketsSent++
	s.mu.Unlock()
}

func (s *Stats) recordDrop() {
	s.mu.Lock()
	s.PacketsDropped++
	s.mu.Unlock()
}

func (s *Stats) recordAggregated() {
	s.mu.Lock()
	s.Aggregated++
	s.mu.Unlock()
}

func (s *Stats) recordCompressed() {
	s.mu.Lock()
	s.Compressed++
	s.mu.Unlock()
}

// Snapshot returns a copy of the current counters.
func (s *Stats) Snapshot() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{BytesSent: s.BytesSent, PacketsSent: s.PacketsSent, PacketsDropped: s.PacketsDropped, Aggregated: s.Aggregated, Compressed: s.Compressed}
}

// Pipeline is one connection's outbound packet pipeline.
type Pipeline struct {
	transport  Transport
	compressor Compressor
	encryptor  Encryptor
	reliable   *ReliabilityManager

	budget *rate.Limiter // bytes per second

	mu       sync.Mutex
	queues   map[Priority]*list.List
	nextSeq  uint64

	aggregator *aggregator

	configuredCompressor Compressor // set at construction; toggled live by SetCompression

	ackHandler func(seq uint64)

	Stats Stats
}

// Config configures a new Pipeline.
type Config struct {
	BandwidthBytesPerSecond int // 0 = unlimited
	EnableAggregation       bool
	Compressor              Compressor
	Encryptor               Encryptor
}

// New builds a Pipeline bound to transport.
func New(transport Transport, cfg Config) *Pipeline {
	queues := make(map[Priority]*list.List, len(priorityOrder))
	for _, p := range priorityOrder {
		queues[p] = list.New()
	}

	var budget *rate.Limiter
	if cfg.BandwidthBytesPerSecond > 0 {
		budget = rate.NewLimiter(rate.Limit(cfg.BandwidthBytesPerSecond), cfg.BandwidthBytesPerSecond)
	}

	p := &Pipeline{
		transport:            transport,
		compressor:           cfg.Compressor,
		configuredCompressor: cfg.Compressor,
		encryptor:            cfg.Encryptor,
		reliable:             NewReliabilityManager(),
		budget:               budget,
		queues:               queues,
	}
	if cfg.EnableAggregation {
		p.aggregator = newAggregator(maxAggregatorPayload)
	}
	return p
}

// Send enqueues packet at priority, triggers a drain, and returns the
// sequence number assigned to it so callers with ack-gated state (e.g. the
// sync orchestrator's baseline store) can correlate a later Ack(seq) back to
// what was sent.
func (p *Pipeline) Send(packet *Packet, priority Priority) uint64 {
	packet.priority = priority
	packet.enqueuedAt = time.Now()

	p.mu.Lock()
	p.nextSeq++
	packet.seq = p.nextSeq
	p.queues[priority].PushBack(packet)
	p.mu.Unlock()

	p.Drain()
	return packet.seq
}

// SetAggregation enables or disables packet aggregation at runtime, letting
// adaptive quality control (AdaptQuality's EnableAggregation) react to
// changing network conditions without rebuilding the pipeline.
func (p *Pipeline) SetAggregation(enable bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if enable && p.aggregator == nil {
		p.aggregator = newAggregator(maxAggregatorPayload)
	} else if !enable {
		p.aggregator = nil
	}
}

// SetCompression enables or disables the pipeline's configured compressor at
// runtime, driven by AdaptQuality's EnableCompression.
func (p *Pipeline) SetCompression(enable bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if enable {
		p.compressor = p.configuredCompressor
	} else {
		p.compressor = nil
	}
}

// SetAckHandler registers fn to be called after a sequence number is
// acknowledged via Ack. Used to drive baseline promotion in the sync
// orchestrator without this package knowing about delta snapshots.
func (p *Pipeline) SetAckHandler(fn func(seq uint64)) {
	p.mu.Lock()
	p.ackHandler = fn
	p.mu.Unlock()
}

// hasBudget reports whether n more bytes may be sent this second,
// consuming the budget if so.
func (p *Pipeline) hasBudget(n int) bool {
	if p.budget == nil {
		return true
	}
	return p.budget.AllowN(time.Now(), n)
}

// Drain sends as many queued packets as the bandwidth budget allows,
// highest priority first, dropping any packet queued longer than
// maxQueueAge (one limit shared by every priority). A packet is
// only ever removed from its queue once it has actually been handed to
// the aggregator or the transport; a budget-blocked packet stays queued
// for the next Drain call instead of being lost.
func (p *Pipeline) Drain() {
	for _, priority := range priorityOrder {
		for {
			p.mu.Lock()
			q := p.queues[priority]
			el := q.Front()
			if el == nil {
				p.mu.Unlock()
				break
			}
			pkt := el.Value.(*Packet)
			if time.Since(pkt.enqueuedAt) > maxQueueAge {
				q.Remove(el)
				p.mu.Unlock()
				p.Stats.recordDrop()
				continue
			}
			p.mu.Unlock()

			handled := p.dispatch(pkt, priority)
			if !handled {
				return // budget exhausted; stop draining entirely, packet stays queued
			}

			p.mu.Lock()
			q.Remove(el)
			p.mu.Unlock()
		}
	}
	p.flushAggregatorIfDue(false)
}

// dispatch sends or aggregates one packet without removing it from its
// queue. Returns false if the bandwidth budget was exhausted and
// draining should stop, leaving the packet for the caller to keep.
func (p *Pipeline) dispatch(pkt *Packet, priority Priority) bool {
	if p.aggregator != nil && priority >= PriorityNormal {
		if p.aggregator.add(pkt) {
			p.flushAggregatorIfDue(false)
			return true
		}
		if !p.flushAggregator() {
			return false
		}
		if p.aggregator.add(pkt) {
			return true
		}
		// too large to ever fit an aggregate frame; send standalone.
	}
	return p.emitTracked(pkt)
}

// emitTracked sends one standalone (non-aggregated) packet and, for
// reliable modes, registers it for retransmission. Packets folded into
// an aggregate frame skip individual ack tracking — they only ever
// carry normal-or-lower priority traffic, for which best-effort
// delivery inside the aggregate is an acceptable tradeoff.
func (p *Pipeline) emitTracked(pkt *Packet) bool {
	ok := p.emit(pkt.Payload)
	if ok && pkt.Reliability != Unreliable && pkt.Reliability != UnreliableSequenced {
		p.reliable.TrackSend(pkt.seq, pkt.SequenceKey, pkt.Payload, pkt.Reliability)
	}
	return ok
}

func (p *Pipeline) flushAggregatorIfDue(force bool) {
	if p.aggregator == nil {
		return
	}
	if force || p.aggregator.shouldFlush(aggregatorFlushAge, aggregatorFullFraction) {
		p.flushAggregator()
	}
}

// flushAggregator emits the pending aggregate as one frame. Returns
// false if the budget was exhausted mid-emit.
func (p *Pipeline) flushAggregator() bool {
	frame := p.aggregator.flush()
	if frame == nil {
		return true
	}
	p.Stats.recordAggregated()
	return p.emit(frame)
}

// emit compresses (only if it shortens), encrypts, and sends one frame,
// consuming bandwidth budget. Returns false if the budget rejected it.
func (p *Pipeline) emit(payload []byte) bool {
	if !p.hasBudget(len(payload)) {
		return false
	}

	frame := payload
	if p.compressor != nil {
		if compressed, ok := p.compressor(frame); ok && len(compressed) < len(frame) {
			frame = compressed
			p.Stats.recordCompressed()
		}
	}
	if p.encryptor != nil {
		if encrypted, err := p.encryptor(frame); err == nil {
			frame = encrypted
		}
	}

	if err := p.transport.Send(frame); err != nil {
		p.Stats.recordDrop()
		return true
	}
	p.Stats.recordSend(len(frame))
	return true
}

// Ack acknowledges a previously sent sequence number, clearing it from
// the retransmit window and folding its RTT into the adaptive estimate.
func (p *Pipeline) Ack(seq uint64) {
	p.reliable.Ack(seq)

	p.mu.Lock()
	handler := p.ackHandler
	p.mu.Unlock()
	if handler != nil {
		handler(seq)
	}
}

// RetransmitDue re-emits every reliable send whose adaptive timeout has
// elapsed, bypassing the priority queues and going straight to the
// transport. Call this periodically (e.g. once per tick) from the I/O
// thread driving this connection.
func (p *Pipeline) RetransmitDue(maxRetries int) {
	for _, due := range p.reliable.DueForRetransmit(time.Now(), maxRetries) {
		p.emit(due.payload)
	}
}

// PendingReliableCount reports outstanding un-acked reliable sends.
func (p *Pipeline) PendingReliableCount() int {
	return p.reliable.PendingCount()
}
