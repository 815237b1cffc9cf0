// Package receiver implements the reliable receiver: the out-of-order
// reorder buffer, cumulative contiguous delivery, and SACK/ACK feedback
// construction (spec.md §4.4). Grounded on the teacher's
// internal/quantum/reliability/recv_buffer.go, generalized from a
// fixed-ACK-always design to the spec's configurable SACK-or-cumulative-ACK
// feedback and its recency-aware block selection when more gaps exist than
// SACK_MAX can report.
package receiver

import (
	"sort"

	"github.com/aetherflow/duct/internal/seqnum"
	"github.com/aetherflow/duct/internal/wire"
)

// DefaultSACKMax is the default cap on SACK blocks per emitted packet
// (spec.md §4.4).
const DefaultSACKMax = 4

// Stats mirrors the teacher's ReceiveBuffer.Statistics, kept for the
// external metrics collaborator only.
type Stats struct {
	TotalReceived uint64
	TotalOrdered  uint64
	OutOfOrder    uint64
	Duplicates    uint64
	Dropped       uint64
	Buffered      int
}

// Receiver is the reliable receiver state machine (spec.md §4.4).
// Invariant I3 holds after every exported call returns.
type Receiver struct {
	rcvBase uint32
	window  uint32
	sackMax int

	reorder    map[uint32][]byte
	touchOrder []uint32 // append-only recency log of buffered (not yet delivered) seq numbers

	delivered []byte
	readOff   int

	stats Stats
}

// New returns a Receiver expecting sequence numbers starting at 1 (0 is
// reserved, matching the sender's convention) with the given reorder-buffer
// window W_r.
func New(window uint32) *Receiver {
	return &Receiver{
		rcvBase: 1,
		window:  window,
		sackMax: DefaultSACKMax,
		reorder: make(map[uint32][]byte),
	}
}

// SetSACKMax overrides the default SACK block cap.
func (r *Receiver) SetSACKMax(n int) {
	r.sackMax = n
}

// OnData processes one received reliable DATA payload per spec.md §4.4.
func (r *Receiver) OnData(seqNo uint32, payload []byte) {
	switch {
	case seqnum.Less(seqNo, r.rcvBase):
		r.stats.Duplicates++

	case seqNo == r.rcvBase:
		r.stats.TotalReceived++
		r.deliver(payload)
		r.rcvBase++
		r.stats.TotalOrdered++
		for {
			buffered, ok := r.reorder[r.rcvBase]
			if !ok {
				break
			}
			delete(r.reorder, r.rcvBase)
			r.deliver(buffered)
			r.rcvBase++
			r.stats.TotalOrdered++
		}

	case seqnum.InWindow(seqNo, r.rcvBase, r.window):
		r.stats.TotalReceived++
		if _, exists := r.reorder[seqNo]; exists {
			r.stats.Duplicates++
			return
		}
		r.reorder[seqNo] = payload
		r.touchOrder = append(r.touchOrder, seqNo)
		r.stats.OutOfOrder++

	default:
		r.stats.Dropped++
	}
}

func (r *Receiver) deliver(payload []byte) {
	r.delivered = append(r.delivered, payload...)
}

// Read pops up to max contiguous bytes from the delivery buffer (spec.md §6
// recv). It may return fewer bytes than max, including zero.
func (r *Receiver) Read(max int) []byte {
	available := len(r.delivered) - r.readOff
	if available <= 0 {
		return nil
	}
	n := max
	if n > available || n < 0 {
		n = available
	}
	out := make([]byte, n)
	copy(out, r.delivered[r.readOff:r.readOff+n])
	r.readOff += n

	// Compact once the consumed prefix dominates, so delivered never grows
	// unboundedly for a long-lived connection.
	if r.readOff > 0 && r.readOff == len(r.delivered) {
		r.delivered = r.delivered[:0]
		r.readOff = 0
	} else if r.readOff > 64*1024 {
		r.delivered = append(r.delivered[:0], r.delivered[r.readOff:]...)
		r.readOff = 0
	}

	return out
}

// RcvBase returns the next expected sequence number (the cumulative ACK
// value).
func (r *Receiver) RcvBase() uint32 {
	return r.rcvBase
}

// BufferedCount returns the number of out-of-order payloads currently held.
func (r *Receiver) BufferedCount() int {
	return len(r.reorder)
}

// AdvertisedWindow returns recv_window = W_r - (reorder buffer occupancy)
// (spec.md §4.4).
func (r *Receiver) AdvertisedWindow() uint32 {
	occ := uint32(len(r.reorder))
	if occ >= r.window {
		return 0
	}
	return r.window - occ
}

// Feedback is what GenerateFeedback returns: either a plain cumulative ACK
// (no SACK blocks) or a SACK packet's ack_no plus up to sackMax ranges.
type Feedback struct {
	AckNo      uint32
	SACKBlocks []wire.SACKRange // nil means "emit ACK, not SACK"
}

// GenerateFeedback builds the single feedback packet spec.md §4.4 says is
// emitted after every processed DATA packet. When sackEnabled is false, or
// there are no gaps, it returns a plain ACK. Otherwise it returns up to
// sackMax SACK blocks, preferring the most-recently-updated ranges, then
// the highest-sequence ranges, as spec.md requires — but always emits them
// sorted and non-overlapping (I5/P4).
func (r *Receiver) GenerateFeedback(sackEnabled bool) Feedback {
	fb := Feedback{AckNo: r.rcvBase}
	if !sackEnabled || len(r.reorder) == 0 {
		return fb
	}

	ranges := r.contiguousRanges()
	if len(ranges) <= r.sackMax {
		fb.SACKBlocks = ranges
		return fb
	}

	recency := r.recencyRanks()
	sort.Slice(ranges, func(i, j int) bool {
		ri, rj := rangeRecency(ranges[i], recency), rangeRecency(ranges[j], recency)
		if ri != rj {
			return ri < rj // most-recent (lowest rank) first
		}
		return ranges[i].Start > ranges[j].Start // then highest sequence first
	})
	chosen := append([]wire.SACKRange(nil), ranges[:r.sackMax]...)
	sort.Slice(chosen, func(i, j int) bool { return chosen[i].Start < chosen[j].Start })
	fb.SACKBlocks = chosen
	return fb
}

func (r *Receiver) contiguousRanges() []wire.SACKRange {
	keys := make([]uint32, 0, len(r.reorder))
	for k := range r.reorder {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	var ranges []wire.SACKRange
	for _, k := range keys {
		if n := len(ranges); n > 0 && ranges[n-1].End+1 == k {
			ranges[n-1].End = k
		} else {
			ranges = append(ranges, wire.SACKRange{Start: k, End: k})
		}
	}
	return ranges
}

// recencyRanks assigns each currently-buffered seq number a rank: 0 is the
// most recently buffered, increasing thereafter. Entries in touchOrder for
// sequences no longer buffered (already delivered) are skipped and the log
// is compacted as a side effect.
func (r *Receiver) recencyRanks() map[uint32]int {
	ranks := make(map[uint32]int, len(r.reorder))
	kept := make([]uint32, 0, len(r.reorder))
	rank := 0
	// Walk from most-recent (end) to oldest (start), assigning ranks, then
	// rebuild touchOrder oldest-first again for future appends.
	for i := len(r.touchOrder) - 1; i >= 0; i-- {
		seq := r.touchOrder[i]
		if _, live := r.reorder[seq]; !live {
			continue
		}
		if _, already := ranks[seq]; already {
			continue
		}
		ranks[seq] = rank
		rank++
	}
	for i := len(r.touchOrder) - 1; i >= 0; i-- {
		seq := r.touchOrder[i]
		if _, live := r.reorder[seq]; live {
			kept = append(kept, seq)
		}
	}
	// kept is newest-first; reverse in place to restore oldest-first order.
	for i, j := 0, len(kept)-1; i < j; i, j = i+1, j-1 {
		kept[i], kept[j] = kept[j], kept[i]
	}
	r.touchOrder = kept
	return ranks
}

func rangeRecency(rng wire.SACKRange, ranks map[uint32]int) int {
	best := -1
	for seq := rng.Start; seqnum.LessOrEqual(seq, rng.End); seq++ {
		if rnk, ok := ranks[seq]; ok && (best == -1 || rnk < best) {
			best = rnk
		}
		if seq == rng.End {
			break
		}
	}
	return best
}

// Stats returns a snapshot of receiver counters for external reporting.
func (r *Receiver) Stats() Stats {
	st := r.stats
	st.Buffered = len(r.reorder)
	return st
}
