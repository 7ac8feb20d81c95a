// Package metrics defines the Prometheus collectors exported by the
// gateway's /metrics surface (spec.md §1's "metrics" ambient I/O shell,
// carried regardless of feature non-goals per the expanded spec's ambient
// stack). Collectors are package-level vars registered once at import
// time, the same shape as the teacher pack's kedacore-keda metricscollector
// package, narrowed to this gateway's own concerns: live connections per
// entity, frames sent/received, retry-cache depth, and long-SMS slots in
// flight.
package metrics

import "github.com/prometheus/client_golang/prometheus"

const namespace = "smsgate"

var (
	// LiveConnections is the current number of ACTIVE Connections an
	// Entity owns, labeled by entity id and kind (account/passage).
	LiveConnections = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "entity",
			Name:      "live_connections",
			Help:      "Number of live Connections currently owned by an Entity.",
		},
		[]string{"entity_id", "kind"},
	)

	// RetryCacheSize is the number of PendingMessage entries awaiting
	// acknowledgement in an Entity's retry cache.
	RetryCacheSize = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "entity",
			Name:      "retry_cache_size",
			Help:      "Number of outbound messages awaiting acknowledgement in the retry cache.",
		},
		[]string{"entity_id"},
	)

	// LongSmsSlots is the number of long-SMS reassembly slots currently
	// open (not yet complete or evicted) in an Entity.
	LongSmsSlots = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "entity",
			Name:      "long_sms_slots",
			Help:      "Number of in-flight long-SMS reassembly slots.",
		},
		[]string{"entity_id"},
	)

	// FramesTotal counts frames crossing a Connection, labeled by
	// direction (rx/tx) and msg_type.
	FramesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "connection",
			Name:      "frames_total",
			Help:      "Total frames read from or written to a Connection's socket.",
		},
		[]string{"connection_id", "direction", "msg_type"},
	)

	// RetransmitsTotal counts retry-sweep resends, labeled by entity id.
	RetransmitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "entity",
			Name:      "retransmits_total",
			Help:      "Total retry-cache resends performed on the 10s sweep.",
		},
		[]string{"entity_id"},
	)

	// RateLimitedTotal counts inbound Submits rejected with a
	// TrafficRestrictions Ack for exceeding rx_limit.
	RateLimitedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "connection",
			Name:      "rate_limited_total",
			Help:      "Total inbound Submit frames rejected for exceeding the per-second rx_limit.",
		},
		[]string{"connection_id"},
	)
)

func init() {
	prometheus.MustRegister(
		LiveConnections,
		RetryCacheSize,
		LongSmsSlots,
		FramesTotal,
		RetransmitsTotal,
		RateLimitedTotal,
	)
}
