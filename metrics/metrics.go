// Package metrics exposes prometheus gauges and counters for pool,
// connection, writer and reader activity, in the label-curried style seen
// throughout the retrieval pack's p2p server metrics (one vector per
// measurement, curried down to a concrete collector per pool/connection).
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	ActiveConnections = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "solidipc",
		Subsystem: "pool",
		Name:      "active_connections",
		Help:      "Connections currently in the Active lifecycle state, by pool.",
	}, []string{"pool"})

	PendingMessages = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "solidipc",
		Subsystem: "pool",
		Name:      "pending_messages",
		Help:      "Messages waiting in a pool's pending queue for a connection.",
	}, []string{"pool"})

	SendingSlots = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "solidipc",
		Subsystem: "writer",
		Name:      "sending_slots",
		Help:      "Writer slots currently in the sending status list, by connection.",
	}, []string{"pool", "remote"})

	BytesSent = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "solidipc",
		Subsystem: "conn",
		Name:      "bytes_sent_total",
		Help:      "Bytes written to the wire, by connection.",
	}, []string{"pool", "remote"})

	BytesReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "solidipc",
		Subsystem: "conn",
		Name:      "bytes_received_total",
		Help:      "Bytes read off the wire, by connection.",
	}, []string{"pool", "remote"})

	MessagesCompleted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "solidipc",
		Subsystem: "writer",
		Name:      "messages_completed_total",
		Help:      "Messages whose completion callback has fired, partitioned by outcome.",
	}, []string{"pool", "outcome"})

	ConnectionTeardowns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "solidipc",
		Subsystem: "conn",
		Name:      "teardowns_total",
		Help:      "Connection teardowns, partitioned by the reason recorded at Stop/Kill.",
	}, []string{"pool", "reason"})
)

// MustRegister registers every collector in this package against reg. Call
// once during process startup; registering the same collector twice
// panics, matching prometheus/client_golang's own contract.
func MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(
		ActiveConnections,
		PendingMessages,
		SendingSlots,
		BytesSent,
		BytesReceived,
		MessagesCompleted,
		ConnectionTeardowns,
	)
}
