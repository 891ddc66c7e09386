package sendpipe

import (
	"encoding/binary"
	"time"
)

// aggregator batches multiple small packets into one MTU-safe frame:
// a 4-byte count prefix followed by each packet as a 4-byte length plus
// its payload.
type aggregator struct {
	maxPayload int
	pending    [][]byte
	size       int
	firstAdded time.Time
}

func newAggregator(maxPayload int) *aggregator {
	return &aggregator{maxPayload: maxPayload}
}

// add appends packet's payload to the pending aggregate if it still
// fits within maxPayload. Returns false if it didn't fit (caller should
// flush first and retry).
func (a *aggregator) add(pkt *Packet) bool {
	entrySize := 4 + len(pkt.Payload)
	if a.size+entrySize > a.maxPayload {
		return false
	}
	if len(a.pending) == 0 {
		a.firstAdded = time.Now()
	}
	a.pending = append(a.pending, pkt.Payload)
	a.size += entrySize
	return true
}

// shouldFlush reports whether the pending aggregate has sat long enough
// or grown full enough to flush proactively.
func (a *aggregator) shouldFlush(maxAge time.Duration, fullFraction float64) bool {
	if len(a.pending) == 0 {
		return false
	}
	if time.Since(a.firstAdded) >= maxAge {
		return true
	}
	return float64(a.size) >= fullFraction*float64(a.maxPayload)
}

// flush builds the aggregate frame (count prefix + length-prefixed
// packets) and resets the aggregator. Returns nil if there was nothing
// pending.
func (a *aggregator) flush() []byte {
	if len(a.pending) == 0 {
		return nil
	}

	frame := make([]byte, 4, a.size+4)
	binary.BigEndian.PutUint32(frame, uint32(len(a.pending)))
	for _, payload := range a.pending {
		lenBuf := make([]byte, 4)
		binary.BigEndian.PutUint32(lenBuf, uint32(len(payload)))
		frame = append(frame, lenBuf...)
		frame = append(frame, payload...)
	}

	a.pending = nil
	a.size = 0
	return frame
}
