package chatsync

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the engine's Prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	pushEvents        *prometheus.CounterVec
	duplicatesDropped prometheus.Counter
	promotions        *prometheus.CounterVec
	sendFailures      *prometheus.CounterVec
	pendingReaped     prometheus.Counter
	staleResponses    prometheus.Counter
	pendingMessages   prometheus.Gauge
}

// NewMetrics creates the collectors and registers them on reg. A nil reg
// leaves them unregistered, which is convenient in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		pushEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatsync_push_events_total",
			Help: "Push events applied by the reconciler, by event type.",
		}, []string{"type"}),
		duplicatesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatsync_duplicates_dropped_total",
			Help: "Confirmed messages dropped because their identifier was already in the timeline.",
		}),
		promotions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatsync_promotions_total",
			Help: "Placeholders promoted to confirmed messages, by match strategy.",
		}, []string{"match"}),
		sendFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatsync_send_failures_total",
			Help: "Placeholders marked failed, by reason.",
		}, []string{"reason"}),
		pendingReaped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatsync_pending_reaped_total",
			Help: "Pending placeholders failed by the stale-pending reaper.",
		}),
		staleResponses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatsync_stale_responses_total",
			Help: "History responses discarded because the conversation changed.",
		}),
		pendingMessages: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chatsync_pending_messages",
			Help: "Sends awaiting confirmation in the open conversation.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.pushEvents,
			m.duplicatesDropped,
			m.promotions,
			m.sendFailures,
			m.pendingReaped,
			m.staleResponses,
			m.pendingMessages,
		)
	}
	return m
}

func (m *Metrics) pushEvent(t EventType) {
	if m != nil {
		m.pushEvents.WithLabelValues(string(t)).Inc()
	}
}

func (m *Metrics) duplicate() {
	if m != nil {
		m.duplicatesDropped.Inc()
	}
}

func (m *Metrics) promoted(match string) {
	if m != nil {
		m.promotions.WithLabelValues(match).Inc()
	}
}

func (m *Metrics) sendFailed(reason string) {
	if m != nil {
		m.sendFailures.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) reaped() {
	if m != nil {
		m.pendingReaped.Inc()
	}
}

func (m *Metrics) staleResponse() {
	if m != nil {
		m.staleResponses.Inc()
	}
}

func (m *Metrics) setPending(n int) {
	if m != nil {
		m.pendingMessages.Set(float64(n))
	}
}

// failureReason buckets a send error for the send_failures metric.
func failureReason(err error) string {
	switch {
	case IsRejected(err):
		return "rejected"
	case errors.Is(err, ErrSendTimeout):
		return "timeout"
	default:
		return "network"
	}
}
