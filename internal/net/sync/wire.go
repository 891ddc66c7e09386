package sync

import (
	"encoding/binary"
	"fmt"

	"github.com/outpost-games/worldserver/internal/net/delta"
	"github.com/outpost-games/worldserver/internal/world/ecs"
)

// wireKindDelta and wireKindDespawn are the leading tag byte of a wire
// payload, marking it as a delta/full-snapshot packet or a despawn notice;
// the client-side decoder switches on this byte.
const (
	wireKindDelta   byte = 1
	wireKindDespawn byte = 2
)

// encodePacket serializes a delta.Packet into a flat wire payload: a
// tag byte, old/new tick, field count, then per-field entries (name length
// + name, tombstone flag, kind byte, typed value; a tombstone entry carries
// kind byte 0 and no value). Field ordering follows the
// slice order CreateDelta produced.
func encodePacket(pkt delta.Packet) []byte {
	buf := make([]byte, 0, 32+16*len(pkt.Fields))
	buf = append(buf, wireKindDelta)
	buf = binary.BigEndian.AppendUint32(buf, pkt.OldTick)
	buf = binary.BigEndian.AppendUint32(buf, pkt.NewTick)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(pkt.Fields)))

	for _, fd := range pkt.Fields {
		buf = binary.BigEndian.AppendUint16(buf, uint16(len(fd.Name)))
		buf = append(buf, fd.Name...)

		if fd.Tombstone {
			buf = append(buf, 1, 0)
			continue
		}
		buf = append(buf, 0, byte(fd.Kind))

		switch fd.Kind {
		case delta.FieldFloat:
			buf = binary.BigEndian.AppendUint16(buf, uint16(fd.QuantizedFloat))
		case delta.FieldVector3:
			// a leading precision byte distinguishes the fixed 1/100-scale
			// int16 encoding (0) from a variable-width PackVector3 encoding
			// (the bit width itself, <=32) driven by the sending
			// connection's adapted quality.
			buf = append(buf, byte(fd.PrecisionBits))
			if fd.PrecisionBits > 0 {
				buf = binary.BigEndian.AppendUint32(buf, fd.PackedX)
				buf = binary.BigEndian.AppendUint32(buf, fd.PackedY)
				buf = binary.BigEndian.AppendUint32(buf, fd.PackedZ)
			} else {
				buf = binary.BigEndian.AppendUint16(buf, uint16(fd.QuantizedX))
				buf = binary.BigEndian.AppendUint16(buf, uint16(fd.QuantizedY))
				buf = binary.BigEndian.AppendUint16(buf, uint16(fd.QuantizedZ))
			}
		case delta.FieldBool:
			if fd.Bool {
				buf = append(buf, 1)
			} else {
				buf = append(buf, 0)
			}
		case delta.FieldString:
			buf = binary.BigEndian.AppendUint16(buf, uint16(len(fd.String)))
			buf = append(buf, fd.String...)
		}
	}
	return buf
}

// despawnPayload builds the wire payload for a "despawn e" message.
func despawnPayload(e ecs.Entity) []byte {
	buf := make([]byte, 9)
	buf[0] = wireKindDespawn
	binary.BigEndian.PutUint64(buf[1:], uint64(e))
	return buf
}

// entitySequenceKey derives the send-pipeline sequence key for an entity's
// replicated stream, so reliable-sequenced/reliable-ordered collapsing and
// ordering is scoped per entity.
func entitySequenceKey(e ecs.Entity) string {
	return fmt.Sprintf("entity:%d", uint64(e))
}
