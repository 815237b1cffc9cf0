// Package metricsx is the Prometheus-based statistics-reporting
// collaborator spec.md §1 calls out as external to the core: it is never
// imported by internal/sender, internal/receiver, internal/unreliable, or
// transport, and nothing in those packages calls into it. CLI drivers wire
// it up, serve /metrics with promhttp, and call Update with a tr.Stats()
// snapshot on their own cadence (alongside each Poll).
package metricsx

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	duct "github.com/aetherflow/duct/transport"
)

// Collector exposes duct connection counters as Prometheus gauges/counters.
// It is a plain struct, not a global registry singleton, so a single
// process can run multiple duct endpoints without metric collisions.
type Collector struct {
	SegmentsSent      prometheus.Counter
	SegmentsRetrans   prometheus.Counter
	FastRetrans       prometheus.Counter
	DuplicateACKs     prometheus.Counter
	SegmentsDelivered prometheus.Counter
	UnreliableSent    prometheus.Counter
	UnreliableRecv    prometheus.Counter
	MalformedDropped  prometheus.Counter
	InFlightSegments  prometheus.Gauge
	CurrentRTOMillis  prometheus.Gauge
	ReorderOccupancy  prometheus.Gauge

	mu   sync.Mutex
	prev duct.Stats
}

// NewCollector builds a Collector and registers every metric with reg. The
// caller owns reg (typically prometheus.NewRegistry() per process, or
// prometheus.DefaultRegisterer for a single-instance CLI).
func NewCollector(reg prometheus.Registerer, namespace string) *Collector {
	c := &Collector{
		SegmentsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "reliable_segments_sent_total",
			Help: "Reliable segments transmitted for the first time (retransmissions not counted).",
		}),
		SegmentsRetrans: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "reliable_segments_timeout_retrans_total",
			Help: "Reliable segments retransmitted due to RTO expiry.",
		}),
		FastRetrans: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "reliable_segments_fast_retrans_total",
			Help: "Reliable segments retransmitted due to SACK-driven fast repair.",
		}),
		DuplicateACKs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "reliable_duplicate_acks_total",
			Help: "Feedback packets whose ack_no equals send_base.",
		}),
		SegmentsDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "reliable_segments_delivered_total",
			Help: "Reliable segments moved, in order, into the buffer Recv reads from.",
		}),
		UnreliableSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "unreliable_packets_sent_total",
			Help: "Packets transmitted on the unreliable channel.",
		}),
		UnreliableRecv: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "unreliable_packets_received_total",
			Help: "Packets delivered from the unreliable channel.",
		}),
		MalformedDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "malformed_datagrams_dropped_total",
			Help: "Datagrams dropped for checksum mismatch or structural defects.",
		}),
		InFlightSegments: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "reliable_in_flight_segments",
			Help: "Unacknowledged reliable segments between send_base and next_seq.",
		}),
		CurrentRTOMillis: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "reliable_rto_milliseconds",
			Help: "Current un-backed-off RTO estimate.",
		}),
		ReorderOccupancy: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "reliable_reorder_buffer_occupancy",
			Help: "Out-of-order payloads currently buffered at the receiver.",
		}),
	}

	reg.MustRegister(
		c.SegmentsSent, c.SegmentsRetrans, c.FastRetrans, c.DuplicateACKs,
		c.SegmentsDelivered, c.UnreliableSent, c.UnreliableRecv, c.MalformedDropped,
		c.InFlightSegments, c.CurrentRTOMillis, c.ReorderOccupancy,
	)
	return c
}

// Update folds one tr.Stats() snapshot into the collector. Prometheus
// counters only ever increase, but Stats carries cumulative lifetime
// totals, so Update adds the delta since the previous snapshot rather than
// setting an absolute value; gauges are simply set to the latest reading.
func (c *Collector) Update(stats duct.Stats) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.SegmentsSent.Add(delta(stats.Sender.TotalSent, c.prev.Sender.TotalSent))
	c.SegmentsRetrans.Add(delta(stats.Sender.TimeoutRetrans, c.prev.Sender.TimeoutRetrans))
	c.FastRetrans.Add(delta(stats.Sender.FastRetrans, c.prev.Sender.FastRetrans))
	c.DuplicateACKs.Add(delta(stats.Sender.DuplicateACKs, c.prev.Sender.DuplicateACKs))
	c.SegmentsDelivered.Add(delta(stats.Receiver.TotalOrdered, c.prev.Receiver.TotalOrdered))
	c.UnreliableSent.Add(delta(stats.Unreliable.Sent, c.prev.Unreliable.Sent))
	c.UnreliableRecv.Add(delta(stats.Unreliable.Received, c.prev.Unreliable.Received))
	c.MalformedDropped.Add(delta(stats.Malformed, c.prev.Malformed))

	c.InFlightSegments.Set(float64(stats.Sender.InFlight))
	c.CurrentRTOMillis.Set(float64(stats.RTO.Milliseconds()))
	c.ReorderOccupancy.Set(float64(stats.Receiver.Buffered))

	c.prev = stats
}

// delta returns how much current exceeds previous, or zero if it doesn't
// (a freshly constructed Transport always starts previous at the zero
// Stats, so the first Update reports the full lifetime total as the first
// delta).
func delta(current, previous uint64) float64 {
	if current < previous {
		return 0
	}
	return float64(current - previous)
}
