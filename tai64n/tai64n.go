// Package tai64n implements the timestamp format carried inside
// handshake initiation messages. A responder only accepts initiations
// whose timestamp is strictly greater than the last one it saw from
// that peer, which stops replayed initiations cold.
package tai64n

import (
	"bytes"
	"encoding/binary"
	"time"
)

const (
	TimestampSize = 12
	// Offset added to Unix seconds so every timestamp is a positive
	// 64-bit integer regardless of platform signedness.
	base = uint64(0x400000000000000a)
	// Lower 24 bits of the nanosecond field are cleared before
	// sending, coarsening the clock to ~16.7ms so timestamps leak as
	// little about the local clock as possible while staying strictly
	// monotonic across handshakes.
	whitenerMask = uint32(0xffffff)
)

// Timestamp is seconds (8 bytes) followed by nanoseconds (4 bytes),
// both big-endian.
type Timestamp [TimestampSize]byte

func stamp(t time.Time) Timestamp {
	var tai64n Timestamp
	secs := base + uint64(t.Unix())
	nano := uint32(t.Nanosecond()) &^ whitenerMask
	binary.BigEndian.PutUint64(tai64n[:], secs)
	binary.BigEndian.PutUint32(tai64n[8:], nano)
	return tai64n
}

// Now returns the whitened timestamp for the current wall clock.
func Now() Timestamp {
	return stamp(time.Now())
}

// After reports whether t is strictly later than t2.
func (t Timestamp) After(t2 Timestamp) bool {
	return bytes.Compare(t[:], t2[:]) > 0
}

func (t Timestamp) String() string {
	secs := int64(binary.BigEndian.Uint64(t[:8]) - base)
	nano := int64(binary.BigEndian.Uint32(t[8:12]))
	return time.Unix(secs, nano).String()
}
