package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestSessionMetricsObserve(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewSessionMetrics(reg)

	m.ObserveBooking("standard", "created")
	m.ObserveBooking("standard", "created")
	m.ObserveTransition("confirm_payment", "pending_payment", "scheduled")
	m.ObserveRejection("join", "payment_not_confirmed")
	m.ObserveSwept("missed", 3)
	m.ObserveSwept("missed", 0)
	m.ObserveWebhook("checkout.session.completed", "applied")
	m.ObserveOutboxDelivery("delivered")
	m.ObserveLatency("create_standard_booking", 0.02)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.bookingsTotal.WithLabelValues("standard", "created")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.transitionsTotal.WithLabelValues("confirm_payment", "pending_payment", "scheduled")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.sweptTotal.WithLabelValues("missed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.webhooksTotal.WithLabelValues("checkout.session.completed", "applied")))
}

func TestSessionMetricsNilSafe(t *testing.T) {
	var m *SessionMetrics
	m.ObserveBooking("custom", "created")
	m.ObserveTransition("join", "scheduled", "in_progress")
	m.ObserveRejection("cancel", "transition_not_allowed")
	m.ObserveSwept("expired_hold", 1)
	m.ObserveWebhook("charge.refunded", "applied")
	m.ObserveOutboxDelivery("failed")
	m.ObserveLatency("join", 0.1)
}
