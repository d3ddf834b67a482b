package metrics

import "github.com/prometheus/client_golang/prometheus"

// SessionMetrics exposes counters/histograms for the session lifecycle.
type SessionMetrics struct {
	bookingsTotal    *prometheus.CounterVec
	transitionsTotal *prometheus.CounterVec
	rejectionsTotal  *prometheus.CounterVec
	sweptTotal       *prometheus.CounterVec
	webhooksTotal    *prometheus.CounterVec
	outboxTotal      *prometheus.CounterVec
	opLatency        *prometheus.HistogramVec
}

func NewSessionMetrics(reg prometheus.Registerer) *SessionMetrics {
	m := &SessionMetrics{
		bookingsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "therapy",
			Subsystem: "sessions",
			Name:      "bookings_total",
			Help:      "Booking attempts by path and outcome",
		}, []string{"path", "outcome"}),
		transitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "therapy",
			Subsystem: "sessions",
			Name:      "transitions_total",
			Help:      "Committed status transitions",
		}, []string{"event", "from", "to"}),
		rejectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "therapy",
			Subsystem: "sessions",
			Name:      "rejections_total",
			Help:      "Operations rejected with a typed error",
		}, []string{"operation", "kind"}),
		sweptTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "therapy",
			Subsystem: "sessions",
			Name:      "swept_total",
			Help:      "Sessions moved by the background sweep",
		}, []string{"kind"}),
		webhooksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "therapy",
			Subsystem: "payments",
			Name:      "webhooks_total",
			Help:      "Payment webhooks by event type and outcome",
		}, []string{"event_type", "outcome"}),
		outboxTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "therapy",
			Subsystem: "events",
			Name:      "outbox_deliveries_total",
			Help:      "Outbox delivery attempts",
		}, []string{"status"}),
		opLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "therapy",
			Subsystem: "sessions",
			Name:      "operation_latency_seconds",
			Help:      "Latency of engine operations",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.bookingsTotal, m.transitionsTotal, m.rejectionsTotal, m.sweptTotal,
		m.webhooksTotal, m.outboxTotal, m.opLatency)
	return m
}

func (m *SessionMetrics) ObserveBooking(path, outcome string) {
	if m == nil {
		return
	}
	m.bookingsTotal.WithLabelValues(path, outcome).Inc()
}

func (m *SessionMetrics) ObserveTransition(event, from, to string) {
	if m == nil {
		return
	}
	m.transitionsTotal.WithLabelValues(event, from, to).Inc()
}

func (m *SessionMetrics) ObserveRejection(operation, kind string) {
	if m == nil {
		return
	}
	m.rejectionsTotal.WithLabelValues(operation, kind).Inc()
}

func (m *SessionMetrics) ObserveSwept(kind string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.sweptTotal.WithLabelValues(kind).Add(float64(n))
}

func (m *SessionMetrics) ObserveWebhook(eventType, outcome string) {
	if m == nil {
		return
	}
	m.webhooksTotal.WithLabelValues(eventType, outcome).Inc()
}

func (m *SessionMetrics) ObserveOutboxDelivery(status string) {
	if m == nil {
		return
	}
	m.outboxTotal.WithLabelValues(status).Inc()
}

func (m *SessionMetrics) ObserveLatency(operation string, seconds float64) {
	if m == nil {
		return
	}
	m.opLatency.WithLabelValues(operation).Observe(seconds)
}
