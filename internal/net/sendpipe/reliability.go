package sendpipe

import (
	"sync"
	"time"
)

const (
	rttSampleWindow  = 100
	minRetransmitRTO = 50 * time.Millisecond
	maxRetransmitRTO = 2 * time.Second
)

// pendingAck is one outstanding reliable send awaiting acknowledgment.
type pendingAck struct {
	seq         uint64
	key         string // SequenceKey, used to collapse reliable-sequenced retransmits
	payload     []byte
	reliability Reliability
	sentAt      time.Time
	retries     int
}

// ReliabilityManager tracks outstanding reliable sends for one
// connection, computes an RTT-adaptive retransmission timeout from an
// EWMA over the most recent samples, and tracks a packet-loss fraction
// counted over the manager's whole lifetime (not over a moving window).
type ReliabilityManager struct {
	mu sync.Mutex

	pending map[uint64]*pendingAck

	rttEWMA   float64 // milliseconds
	rttSeen   int
	sent      uint64
	lost      uint64
}

func NewReliabilityManager() *ReliabilityManager {
	return &ReliabilityManager{pending: make(map[uint64]*pendingAck)}
}

// TrackSend records a reliable/ordered/sequenced send for retransmission.
// Unreliable modes should not call this.
func (m *ReliabilityManager) TrackSend(seq uint64, key string, payload []byte, reliability Reliability) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if reliability == ReliableSequenced {
		// only the newest packet per key is kept in the retransmit window.
		for existingSeq, p := range m.pending {
			if p.key == key && p.reliability == ReliableSequenced {
				delete(m.pending, existingSeq)
			}
		}
	}
	m.pending[seq] = &pendingAck{seq: seq, key: key, payload: payload, reliability: reliability, sentAt: time.Now()}
	m.sent++
}

// Ack clears a pending send and folds its round-trip time into the RTT
// EWMA (kept over the most recent rttSampleWindow samples by capping the
// smoothing factor rather than storing a ring buffer, since EWMA only
// needs the previous average).
func (m *ReliabilityManager) Ack(seq uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.pending[seq]
	if !ok {
		return
	}
	delete(m.pending, seq)

	rtt := float64(time.Since(p.sentAt).Milliseconds())
	alpha := 1.0 / float64(min(m.rttSeen+1, rttSampleWindow))
	if m.rttSeen == 0 {
		m.rttEWMA = rtt
	} else {
		m.rttEWMA = alpha*rtt + (1-alpha)*m.rttEWMA
	}
	if m.rttSeen < rttSampleWindow {
		m.rttSeen++
	}
}

// RTO returns the current retransmission timeout, derived from the RTT
// EWMA and clamped to a sane range for the very first samples.
func (m *ReliabilityManager) RTO() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rttSeen == 0 {
		return 200 * time.Millisecond
	}
	rto := time.Duration(m.rttEWMA*2) * time.Millisecond
	if rto < minRetransmitRTO {
		return minRetransmitRTO
	}
	if rto > maxRetransmitRTO {
		return maxRetransmitRTO
	}
	return rto
}

// LossFraction returns lost/sent, both counted since the manager was
// created; the fraction is cumulative, not windowed (lost packets are
// those whose retransmit count exceeded maxRetries and were given up).
func (m *ReliabilityManager) LossFraction() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sent == 0 {
		return 0
	}
	return float64(m.lost) / float64(m.sent)
}

// DueForRetransmit returns every pending ack whose RTO has elapsed,
// bumping their retry counters. Entries exceeding maxRetries are
// dropped and counted as lost rather than retried again.
func (m *ReliabilityManager) DueForRetransmit(now time.Time, maxRetries int) []*pendingAck {
	rto := m.RTO()

	m.mu.Lock()
	defer m.mu.Unlock()

	var due []*pendingAck
	for seq, p := range m.pending {
		if now.Sub(p.sentAt) < rto {
			continue
		}
		p.retries++
		if p.retries > maxRetries {
			delete(m.pending, seq)
			m.lost++
			continue
		}
		p.sentAt = now
		due = append(due, p)
	}
	return due
}

// PendingCount reports the number of outstanding reliable sends.
func (m *ReliabilityManager) PendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}
