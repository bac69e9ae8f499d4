package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	messagesSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "chanrpc",
			Subsystem: "channel",
			Name:      "messages_sent_total",
			Help:      "Messages written to channels.",
		},
		[]string{"side", "kind"},
	)
	messagesReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "chanrpc",
			Subsystem: "channel",
			Name:      "messages_received_total",
			Help:      "Messages read from channels.",
		},
		[]string{"side", "kind"},
	)
	pendingCalls = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "chanrpc",
			Subsystem: "client",
			Name:      "pending_calls",
			Help:      "Calls waiting for a response.",
		},
	)
	unbinds = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "chanrpc",
			Subsystem: "server",
			Name:      "unbinds_total",
			Help:      "Bindings torn down, by reason and error origin.",
		},
		[]string{"reason", "origin"},
	)
	dispatches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "chanrpc",
			Subsystem: "server",
			Name:      "dispatches_total",
			Help:      "Method invocations by method and final status.",
		},
		[]string{"method", "status"},
	)
)

// Collectors returns every chanrpc collector, for callers that serve their
// own registry.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{messagesSent, messagesReceived, pendingCalls, unbinds, dispatches}
}

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(Collectors()...)
	})
}

// Side and kind label values.
const (
	SideClient = "client"
	SideServer = "server"

	KindRequest  = "request"
	KindResponse = "response"
	KindEvent    = "event"
	KindEpitaph  = "epitaph"
)

func RecordSent(side, kind string)     { messagesSent.WithLabelValues(side, kind).Inc() }
func RecordReceived(side, kind string) { messagesReceived.WithLabelValues(side, kind).Inc() }

func RecordPending(delta int) { pendingCalls.Add(float64(delta)) }

func RecordUnbind(reason, origin string) { unbinds.WithLabelValues(reason, origin).Inc() }

func RecordDispatch(method, status string) { DispatchCounter(method, status).Inc() }

// DispatchCounter returns the dispatch counter for one method and status.
func DispatchCounter(method, status string) prometheus.Counter {
	return dispatches.WithLabelValues(method, status)
}
