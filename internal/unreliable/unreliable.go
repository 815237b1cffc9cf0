// Package unreliable implements the fire-and-forget channel (spec.md §4.5):
// no retained per-segment state, no feedback, no dedup, and no ordering
// guarantee. The teacher has no equivalent of this channel — every payload
// in AetherFlow's quantum transport goes through the reliability layer — so
// this package is new, but it follows the same small, single-purpose shape
// the teacher gives its other internal/quantum leaf packages (e.g.
// internal/quantum/fec), and every exported method is synchronous and
// lock-free for the same cooperative-poll-loop reason internal/sender and
// internal/receiver are.
package unreliable

// Stats mirrors the counters the other duct packages expose for the
// external metrics collaborator.
type Stats struct {
	Sent     uint64
	Received uint64
	Dropped  uint64 // decode/validate failures surfaced by the caller
}

// Outgoing is one unreliable payload ready to be put on the wire. There is
// no retransmission bookkeeping: once handed back from Drain, duct never
// thinks about it again.
type Outgoing struct {
	Payload []byte
}

// Path is the unreliable channel's entire state: a small outbound queue the
// poll loop drains on every call, and a delivery queue of payloads the
// application can read back. Unlike internal/sender and internal/receiver
// there is no sequence space, no window, and no peer feedback to process —
// spec.md §4.5 deliberately gives this channel none of that machinery.
type Path struct {
	outbox   []Outgoing
	delivery [][]byte
	stats    Stats
}

// New returns an empty unreliable path.
func New() *Path {
	return &Path{}
}

// Enqueue queues payload for transmission on the next poll step. It never
// blocks and never fails: spec.md §4.5 gives this channel no flow control.
func (p *Path) Enqueue(payload []byte) {
	p.outbox = append(p.outbox, Outgoing{Payload: payload})
	p.stats.Sent++
}

// Drain returns every outbound payload queued since the last Drain call and
// clears the outbox.
func (p *Path) Drain() []Outgoing {
	if len(p.outbox) == 0 {
		return nil
	}
	out := p.outbox
	p.outbox = nil
	return out
}

// OnData hands a received unreliable payload straight to the delivery
// queue: no reordering, no dedup, no frontier to track (spec.md §4.5
// "tolerant of reordering, duplication, and loss").
func (p *Path) OnData(payload []byte) {
	p.delivery = append(p.delivery, payload)
	p.stats.Received++
}

// Read pops the oldest undelivered payload, or nil if none is queued. Each
// call returns one whole payload — the unreliable channel preserves message
// boundaries, unlike the reliable channel's byte stream (spec.md §4.5).
func (p *Path) Read() []byte {
	if len(p.delivery) == 0 {
		return nil
	}
	payload := p.delivery[0]
	p.delivery = p.delivery[1:]
	return payload
}

// Pending reports whether any payload is waiting to be read.
func (p *Path) Pending() bool {
	return len(p.delivery) > 0
}

// Stats returns a snapshot of channel counters for external reporting.
func (p *Path) Stats() Stats {
	return p.stats
}

// NoteDropped records a payload that failed decode/validate before ever
// reaching OnData (the caller owns decoding; this just keeps the counter
// alongside Sent/Received for a single reporting surface).
func (p *Path) NoteDropped() {
	p.stats.Dropped++
}
