// Package metrics defines prometheus metric types and provides convenience
// methods to add accounting to various parts of the ergot pipeline.
//
// When defining new operations or metrics, these are helpful values to track:
//  - things coming into or out of the system: frames, packets, allocation
//    requests.
//  - the success or error status of any of the above.
//  - the distribution of processing latency and queue depth.
package metrics

import (
	"log"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// FramesDecoded counts frames the framing codec successfully decoded,
	// labelled by link id.
	FramesDecoded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ergot_frames_decoded_total",
			Help: "Number of frames successfully decoded, per link.",
		},
		[]string{"link_id"})

	// FrameErrors counts frames discarded by the framing codec, labelled by
	// link id and failure kind (overrun, crc, decode).
	FrameErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ergot_frame_errors_total",
			Help: "Number of frames discarded by the framing codec, per link and reason.",
		},
		[]string{"link_id", "reason"})

	// AllocationsGranted counts address ranges granted by alloc_many (one
	// per granted range), labelled by whether the call required upstream
	// escalation.
	AllocationsGranted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ergot_allocations_granted_total",
			Help: "Number of address ranges granted by the allocator.",
		},
		[]string{"escalated"})

	// AllocationsDenied counts failed alloc_many calls, labelled by reason.
	AllocationsDenied = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ergot_allocations_denied_total",
			Help: "Number of allocation requests the allocator could not satisfy, by reason.",
		},
		[]string{"reason"})

	// PoolUtilization tracks the fraction of the local pool currently
	// allocated, sampled on every alloc_many/free call.
	PoolUtilization = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ergot_pool_utilization_ratio",
			Help: "Fraction of the local address pool currently allocated.",
		})

	// RoutingDecisions counts route.Table.Route outcomes, labelled by
	// decision kind and (for drops) reason.
	RoutingDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ergot_routing_decisions_total",
			Help: "Routing decisions made, by kind and reason.",
		},
		[]string{"decision", "reason"})

	// MailboxDrops counts packets dropped because a socket's mailbox was
	// full, labelled by socket address.
	MailboxDrops = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ergot_mailbox_drops_total",
			Help: "Packets dropped because the destination mailbox was full.",
		},
		[]string{"address"})

	// SocketsRegistered tracks the number of currently registered sockets.
	SocketsRegistered = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ergot_sockets_registered",
			Help: "Number of sockets currently registered in the socket table.",
		})

	// LinkLivenessTransitions counts link state-machine transitions,
	// labelled by link id and the state entered.
	LinkLivenessTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ergot_link_liveness_transitions_total",
			Help: "Link state machine transitions, by link id and new state.",
		},
		[]string{"link_id", "state"})

	// SessionsLost counts links entering the Lost state (one per session
	// loss, not per waiter), labelled by link id.
	SessionsLost = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ergot_sessions_lost_total",
			Help: "Number of link sessions lost (links that entered the Lost state).",
		},
		[]string{"link_id"})
)

// init() prints a log message to let the user know that the package has been
// loaded and the metrics registered. The metrics are auto-registered, which
// means they are registered as soon as this package is loaded, and the exact
// time this occurs (and whether this occurs at all in a given context) can be
// opaque.
func init() {
	log.Println("Prometheus metrics in ergot.metrics are registered.")
}
