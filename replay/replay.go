// Package replay implements the anti-replay algorithm from RFC 6479:
// a sliding bitmap window over the 64-bit per-keypair receive counter.
// Counters ahead of the window advance it, counters inside the window
// are accepted at most once, counters behind the window are rejected.
package replay

const (
	blockBitLog = 6 // 1<<6 == 64 bits per block
	blockBits   = 1 << blockBitLog
	ringBlocks  = 1 << 7 // must be a power of two
	bitMask     = blockBits - 1
	blockMask   = ringBlocks - 1
	windowSize  = (ringBlocks - 1) * blockBits
)

// A Filter rejects replayed messages by tracking which counter values
// inside the current window have already been accepted. The zero value
// is an empty filter ready for use.
//
// A Filter is not safe for concurrent use; the owning keypair's
// receive path serializes calls.
type Filter struct {
	last uint64 // highest counter accepted so far
	ring [ringBlocks]uint64
}

// Reset clears the filter back to its initial empty state, for reuse
// when a fresh keypair takes over the receive direction.
func (f *Filter) Reset() {
	f.last = 0
	f.ring[0] = 0
}

// ValidateCounter checks whether counter should be accepted and, if
// so, marks it as seen. Values at or above limit are always rejected,
// closing the door on counter-overflow games near the reject
// threshold.
func (f *Filter) ValidateCounter(counter, limit uint64) bool {
	if counter >= limit {
		return false
	}
	indexBlock := counter >> blockBitLog
	if counter > f.last {
		// Ahead of the window: zero the blocks between the old and
		// new head, then advance.
		current := f.last >> blockBitLog
		diff := indexBlock - current
		if diff > ringBlocks {
			diff = ringBlocks
		}
		for i := current + 1; i <= current+diff; i++ {
			f.ring[i&blockMask] = 0
		}
		f.last = counter
	} else if f.last-counter > windowSize {
		return false
	}
	indexBlock &= blockMask
	indexBit := counter & bitMask
	old := f.ring[indexBlock]
	set := old | uint64(1)<<indexBit
	f.ring[indexBlock] = set
	return old != set
}
