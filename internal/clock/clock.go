// Package clock provides the monotonic time source and RTO estimator shared
// by the reliable sender and receiver (spec.md §4.2). It is grounded on the
// RTT/RTO math in the teacher's reliability/send_buffer.go updateRTO, moved
// out to its own package and rewritten to match RFC 6298 / Jacobson-Karn
// exactly as spec.md §4.2 spells out, including the first-sample formula the
// teacher's version skips.
package clock

import "time"

const (
	// Granularity is the assumed clock granularity G used in the
	// first-sample RTO formula.
	Granularity = time.Millisecond

	// MinRTO and MaxRTO bound every computed RTO (spec.md §4.2, P6).
	MinRTO = 200 * time.Millisecond
	MaxRTO = 60 * time.Second

	// MaxBackoff caps a per-segment exponentially backed-off timeout.
	MaxBackoff = MaxRTO
)

// Source is the monotonic millisecond clock the engine is driven from. The
// production implementation wraps time.Now(); tests supply a fake so the
// whole state machine can be stepped deterministically (spec.md §9
// "coroutine-free concurrency" — the caller supplies time).
type Source interface {
	NowMS() uint32
}

// RealClock reads the process monotonic clock, truncated to milliseconds
// and wrapped into a uint32 the way the wire format's 4-byte timestamp
// field requires.
type RealClock struct {
	epoch time.Time
}

// NewRealClock anchors a RealClock at the current instant so early
// timestamps stay small; only deltas are ever compared (modular sequence
// space semantics apply here too, spec.md §3).
func NewRealClock() *RealClock {
	return &RealClock{epoch: time.Now()}
}

// NowMS returns milliseconds elapsed since the clock was created.
func (c *RealClock) NowMS() uint32 {
	return uint32(time.Since(c.epoch).Milliseconds())
}

// Estimator tracks smoothed RTT, RTT variance, and the derived RTO exactly
// per spec.md §4.2. It has no notion of which segment a sample came from —
// Karn's algorithm (excluding retransmitted segments) is the sender's
// responsibility when it decides whether to call Sample.
type Estimator struct {
	srtt    time.Duration
	rttvar  time.Duration
	rto     time.Duration
	sampled bool
}

// NewEstimator returns an estimator with no samples yet; RTO defaults to
// MinRTO until the first sample arrives, matching the teacher's "no RTT yet"
// startup behavior.
func NewEstimator() *Estimator {
	return &Estimator{rto: MinRTO}
}

// Sample feeds one RTT measurement into the estimator.
func (e *Estimator) Sample(rtt time.Duration) {
	if rtt < 0 {
		return
	}
	if !e.sampled {
		e.srtt = rtt
		e.rttvar = rtt / 2
		e.sampled = true
	} else {
		delta := e.srtt - rtt
		if delta < 0 {
			delta = -delta
		}
		e.rttvar = time.Duration(0.75*float64(e.rttvar) + 0.25*float64(delta))
		e.srtt = time.Duration(0.875*float64(e.srtt) + 0.125*float64(rtt))
	}

	rto := e.srtt + maxDuration(Granularity, 4*e.rttvar)
	e.rto = clamp(rto, MinRTO, MaxRTO)
}

// RTO returns the current un-backed-off retransmission timeout.
func (e *Estimator) RTO() time.Duration {
	return e.rto
}

// SRTT returns the current smoothed RTT (zero if no sample has landed yet).
func (e *Estimator) SRTT() time.Duration {
	return e.srtt
}

func maxDuration(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}

func clamp(d, min, max time.Duration) time.Duration {
	if d < min {
		return min
	}
	if d > max {
		return max
	}
	return d
}

// BackedOff doubles a per-segment timeout for the next retransmission
// deadline, capped at MaxBackoff (spec.md §4.3 "Retransmission").
func BackedOff(timeout time.Duration) time.Duration {
	doubled := timeout * 2
	if doubled <= 0 || doubled > MaxBackoff {
		return MaxBackoff
	}
	return doubled
}
