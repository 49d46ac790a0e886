// ABOUTME: Prometheus collectors for the support-chat client core
// ABOUTME: Tracks connection state, reconnects, stream events, duplicate drops and API latency

package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "support_chat"

// States lists the connection state label values, in the order the gauge reports them.
var States = []string{"disconnected", "connecting", "connected", "reconnecting", "failed"}

// Metrics holds every collector used by the core. The zero value is not usable; call New.
type Metrics struct {
	ConnectionState   *prometheus.GaugeVec
	ReconnectAttempts prometheus.Counter
	StreamEvents      *prometheus.CounterVec
	DuplicateMessages prometheus.Counter
	APIRequests       *prometheus.HistogramVec
}

// New creates the collectors and registers them with reg. A nil reg leaves them
// unregistered, which is what tests and embedded callers without /metrics want.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ConnectionState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connection_state",
			Help:      "1 for the current stream connection state, 0 otherwise.",
		}, []string{"state"}),
		ReconnectAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnect_attempts_total",
			Help:      "Stream reconnection attempts.",
		}),
		StreamEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_events_total",
			Help:      "Stream events applied by the reconciler, by type.",
		}, []string{"type"}),
		DuplicateMessages: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "duplicate_messages_total",
			Help:      "Messages dropped because their ID was already in the log or recently removed.",
		}),
		APIRequests: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "api_request_duration_seconds",
			Help:      "REST call latency by operation and outcome.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op", "outcome"}),
	}

	if reg != nil {
		reg.MustRegister(m.ConnectionState, m.ReconnectAttempts, m.StreamEvents,
			m.DuplicateMessages, m.APIRequests)
	}
	return m
}

// SetState marks state as current and every other state as inactive.
func (m *Metrics) SetState(state string) {
	for _, s := range States {
		v := 0.0
		if s == state {
			v = 1
		}
		m.ConnectionState.WithLabelValues(s).Set(v)
	}
}

// ObserveAPI records the duration of a REST call.
func (m *Metrics) ObserveAPI(op string, start time.Time, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.APIRequests.WithLabelValues(op, outcome).Observe(time.Since(start).Seconds())
}
