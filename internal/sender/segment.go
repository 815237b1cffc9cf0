package sender

import "time"

// segment is a payload the sender has produced for transmission (spec.md
// §3 "Segment (sender-side)"). Segments are owned exclusively by Sender —
// nothing outside this package ever holds one directly.
type segment struct {
	seqNo   uint32
	payload []byte

	firstSentAt   uint32 // sender clock ms; meaningful only once everSent is true
	everSent      bool
	lastSentAt    uint32
	deadline      uint32        // next retransmission deadline, ms
	timeout       time.Duration // this segment's effective (possibly backed-off) timeout
	retxCount int
	acked     bool // SACKed; the segment is retired once a cumulative ACK covers it
}
