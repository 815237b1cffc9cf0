// Package sender implements the reliable sender: segmentation, sliding
// window, per-segment retransmission timers, RTO-driven timeout
// retransmission, and SACK-aware fast repair (spec.md §4.3). It is grounded
// on the teacher's internal/quantum/reliability/send_buffer.go, rewritten
// from a mutex-guarded background-goroutine design to the cooperative,
// single-threaded model spec.md §5 requires: there are no goroutines and no
// internal locking here — every exported method is called synchronously
// from the facade's poll loop.
package sender

import (
	"time"

	"github.com/aetherflow/duct/internal/clock"
	"github.com/aetherflow/duct/internal/seqnum"
	"github.com/aetherflow/duct/internal/wire"
)

// Outgoing is one segment ready to go on the wire, as handed back by
// PendingTransmit. The caller (the transport facade) owns turning this into
// a wire.Packet and a socket write; Sender never touches a socket.
type Outgoing struct {
	SeqNo     uint32
	Payload   []byte
	Timestamp uint32
	Retx      bool
}

// Stats mirrors the counters the teacher's SendBuffer.Statistics exposes,
// kept here only for the CLI/metrics collaborator (spec.md §1 — statistics
// reporting is explicitly an external concern, never consulted by the core
// itself).
type Stats struct {
	TotalSent      uint64
	TimeoutRetrans uint64
	FastRetrans    uint64
	DuplicateACKs  uint64
	InFlight       int
}

// Sender is the reliable sender state machine (spec.md §4.3). Invariants
// I1/I2 hold after every exported call returns.
type Sender struct {
	clk       clock.Source
	estimator *clock.Estimator

	window   uint32 // W: fixed sender window (spec.md Non-goals: no congestion control beyond this)
	sendBase uint32
	nextSeq  uint32

	segments map[uint32]*segment

	// peerWindow is the most recently advertised receiver window
	// (spec.md §4.3 "Advertised window"). It starts equal to window so a
	// sender can transmit before the first feedback packet arrives.
	peerWindow uint32

	stats Stats
}

// New returns a Sender with the given fixed window and starting sequence
// number 1 (0 is reserved, matching the teacher's convention).
func New(window uint32, clk clock.Source) *Sender {
	return &Sender{
		clk:        clk,
		estimator:  clock.NewEstimator(),
		window:     window,
		sendBase:   1,
		nextSeq:    1,
		peerWindow: window,
		segments:   make(map[uint32]*segment),
	}
}

// CanEnqueue reports whether there is a free window slot for one more
// segment (I1: at most W unacknowledged segments between send_base and
// next_seq — a segment occupies a slot from the moment it is created, not
// just once it is transmitted).
func (s *Sender) CanEnqueue() bool {
	return uint32(s.nextSeq-s.sendBase) < s.window
}

// Enqueue assigns the next sequence number to payload and queues it unsent.
// It returns false without mutating state if the window is full; the
// caller (the facade) is expected to stop accepting bytes in that case
// (spec.md §6 "send may accept fewer bytes than offered").
func (s *Sender) Enqueue(payload []byte) (seqNo uint32, ok bool) {
	if !s.CanEnqueue() {
		return 0, false
	}
	seqNo = s.nextSeq
	s.nextSeq++
	s.segments[seqNo] = &segment{seqNo: seqNo, payload: payload}
	return seqNo, true
}

// SetPeerWindow records the most recently advertised receiver window.
func (s *Sender) SetPeerWindow(w uint32) {
	s.peerWindow = w
}

// PendingTransmit returns every segment that should go out on this poll
// step: never-sent segments (gated by both the fixed window and the
// advertised peer window) and reliable segments whose retransmission
// deadline has passed. When peerWindow is zero, new segments are withheld
// but already in-flight segments still retransmit on their normal deadline
// cadence, which doubles as the zero-window probe spec.md §4.3 calls for.
func (s *Sender) PendingTransmit(now uint32) []Outgoing {
	var out []Outgoing

	sendable := s.peerWindow
	sentThisWindow := uint32(0)
	for seq := s.sendBase; seqnum.Less(seq, s.nextSeq); seq++ {
		seg, ok := s.segments[seq]
		if !ok || seg.acked {
			continue
		}

		if !seg.everSent {
			if sentThisWindow >= sendable {
				continue
			}
			s.transmit(seg, now, false)
			out = append(out, Outgoing{SeqNo: seg.seqNo, Payload: seg.payload, Timestamp: seg.lastSentAt})
			sentThisWindow++
			continue
		}

		if int32(seg.deadline-now) <= 0 {
			seg.retxCount++
			seg.timeout = clock.BackedOff(seg.timeout)
			s.transmit(seg, now, true)
			s.stats.TimeoutRetrans++
			out = append(out, Outgoing{SeqNo: seg.seqNo, Payload: seg.payload, Timestamp: seg.lastSentAt, Retx: true})
		} else {
			sentThisWindow++
		}
	}

	return out
}

func (s *Sender) transmit(seg *segment, now uint32, retx bool) {
	if !seg.everSent {
		seg.firstSentAt = now
		seg.everSent = true
		if seg.timeout == 0 {
			seg.timeout = s.estimator.RTO()
		}
	}
	seg.lastSentAt = now
	seg.deadline = now + uint32(seg.timeout.Milliseconds())
	if !retx {
		s.stats.TotalSent++
	}
}

// HandleACK processes a cumulative ACK (spec.md §4.3 "ACK"). a is the
// packet's ack_no: everything below it is implicitly acknowledged.
func (s *Sender) HandleACK(a uint32, now uint32) {
	if a == s.sendBase {
		s.stats.DuplicateACKs++
		return
	}
	if !seqnum.Less(s.sendBase, a) {
		return
	}
	s.sampleIfEligible(a, now)
	s.advanceSendBase(a)
}

// HandleSACK processes a SACK packet: advances send_base from its embedded
// cumulative ack_no, marks each reported range acked without retiring it,
// and fast-repairs any still-unacked segment strictly below the lowest
// reported range (spec.md §4.3 "SACK"). It returns the segments that must
// be retransmitted immediately as a result.
func (s *Sender) HandleSACK(a uint32, blocks []wire.SACKRange, now uint32) []Outgoing {
	if seqnum.Less(s.sendBase, a) {
		s.sampleIfEligible(a, now)
		s.advanceSendBase(a)
	} else if a == s.sendBase {
		s.stats.DuplicateACKs++
	}

	for _, b := range blocks {
		for seq := b.Start; seqnum.LessOrEqual(seq, b.End) && seqnum.Less(seq, s.nextSeq); seq++ {
			if seg, ok := s.segments[seq]; ok {
				if !seg.acked && seg.everSent && seg.retxCount == 0 {
					s.sampleSegment(seg, now)
				}
				seg.acked = true
			}
		}
	}

	if len(blocks) == 0 {
		return nil
	}

	lowestStart := blocks[0].Start
	for _, b := range blocks[1:] {
		if seqnum.Less(b.Start, lowestStart) {
			lowestStart = b.Start
		}
	}

	var repaired []Outgoing
	for seq := s.sendBase; seqnum.Less(seq, lowestStart) && seqnum.Less(seq, s.nextSeq); seq++ {
		seg, ok := s.segments[seq]
		if !ok || seg.acked {
			continue
		}
		seg.retxCount++
		seg.timeout = clock.BackedOff(seg.timeout)
		s.transmit(seg, now, true)
		s.stats.FastRetrans++
		repaired = append(repaired, Outgoing{SeqNo: seg.seqNo, Payload: seg.payload, Timestamp: seg.lastSentAt, Retx: true})
	}
	return repaired
}

func (s *Sender) sampleIfEligible(a uint32, now uint32) {
	if a == 0 {
		return
	}
	if seg, ok := s.segments[a-1]; ok {
		s.sampleSegment(seg, now)
	}
}

func (s *Sender) sampleSegment(seg *segment, now uint32) {
	if !seg.everSent || seg.retxCount != 0 {
		return // Karn's algorithm: never sample a retransmitted segment.
	}
	rtt := time.Duration(now-seg.firstSentAt) * time.Millisecond
	s.estimator.Sample(rtt)
}

func (s *Sender) advanceSendBase(a uint32) {
	for seqnum.Less(s.sendBase, a) {
		delete(s.segments, s.sendBase)
		s.sendBase++
	}
}

// Drained reports whether every segment has been retired (spec.md §4.3
// "Termination of drain").
func (s *Sender) Drained() bool {
	return s.sendBase == s.nextSeq
}

// InFlightCount returns the number of segments between send_base and
// next_seq, i.e. created but not yet cumulatively retired (P3).
func (s *Sender) InFlightCount() uint32 {
	return s.nextSeq - s.sendBase
}

// RTO returns the estimator's current un-backed-off RTO.
func (s *Sender) RTO() time.Duration {
	return s.estimator.RTO()
}

// Stats returns a snapshot of sender counters for external reporting.
func (s *Sender) Stats() Stats {
	st := s.stats
	st.InFlight = int(s.InFlightCount())
	return st
}
