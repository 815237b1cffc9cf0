// Package seqnum implements the modular ("serial number") comparison rules
// spec.md §3 requires for 32-bit sequence numbers: a < b iff (b-a) mod 2^32
// lies in (0, 2^31). Both the reliable sender and receiver need identical
// comparisons, so this lives in one place rather than being copy-pasted the
// way the teacher's send_buffer.go and recv_buffer.go each reimplement their
// own (non-wrapping) sequence arithmetic.
package seqnum

// MaxWindow is the largest window size that keeps comparisons unambiguous
// (spec.md §3: W < 2^30).
const MaxWindow = 1 << 30

// Less reports whether a precedes b in the modular sequence space.
func Less(a, b uint32) bool {
	return int32(b-a) > 0
}

// LessOrEqual reports whether a precedes or equals b.
func LessOrEqual(a, b uint32) bool {
	return a == b || Less(a, b)
}

// InWindow reports whether seq lies in [base, base+window) modularly.
func InWindow(seq, base, window uint32) bool {
	return uint32(seq-base) < window
}
