package payments

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/therapy-sessions/internal/events"
	"github.com/wolfman30/therapy-sessions/internal/sessions"
)

type recordedEvent struct {
	aggregateID string
	eventType   string
	payload     any
}

type recordingOutbox struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (o *recordingOutbox) Insert(ctx context.Context, aggregateID string, eventType string, payload any) (uuid.UUID, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events = append(o.events, recordedEvent{aggregateID: aggregateID, eventType: eventType, payload: payload})
	return uuid.New(), nil
}

func (o *recordingOutbox) types() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]string, 0, len(o.events))
	for _, e := range o.events {
		out = append(out, e.eventType)
	}
	return out
}

type stubProvider struct {
	mu       sync.Mutex
	links    int
	refunds  []RefundParams
	linkErr  error
	refundOK bool
}

func (p *stubProvider) Name() string { return "stub" }

func (p *stubProvider) CreatePaymentLink(ctx context.Context, params CheckoutParams) (*CheckoutResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.linkErr != nil {
		return nil, p.linkErr
	}
	p.links++
	return &CheckoutResponse{
		URL:        fmt.Sprintf("https://pay.example.test/%s/%d", params.PaymentID, p.links),
		ProviderID: fmt.Sprintf("cs_%d", p.links),
	}, nil
}

func (p *stubProvider) RequestRefund(ctx context.Context, params RefundParams) (*RefundResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.refunds = append(p.refunds, params)
	return &RefundResponse{RefundID: "re_1", Status: "pending"}, nil
}

// gateFixture runs the real engine on in-memory stores with one declared
// slot 10:00-18:00 on 2024-01-10 at $120/h and the clock on the previous day.
type gateFixture struct {
	svc       *sessions.Service
	payments  *MemoryRepository
	outbox    *recordingOutbox
	processed *events.MemoryProcessedStore
	provider  *stubProvider
	settler   *Settler
	client    sessions.Actor
	therapist sessions.Actor
	day       time.Time
}

func newGateFixture(t *testing.T) *gateFixture {
	t.Helper()
	day := time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC)
	f := &gateFixture{
		payments:  NewMemoryRepository(),
		outbox:    &recordingOutbox{},
		processed: events.NewMemoryProcessedStore(),
		provider:  &stubProvider{},
		client:    sessions.Actor{ID: uuid.New(), Role: sessions.RoleClient},
		therapist: sessions.Actor{ID: uuid.New(), Role: sessions.RoleTherapist},
		day:       day,
	}
	cal := sessions.NewMemoryCalendar()
	cal.SetRate(f.therapist.ID, 12000)
	require.NoError(t, cal.AddSlot(sessions.AvailabilitySlot{
		TherapistID:            f.therapist.ID,
		StartTime:              day.Add(10 * time.Hour),
		EndTime:                day.Add(18 * time.Hour),
		DefaultDurationMinutes: 60,
	}))
	now := day.Add(-12 * time.Hour)
	f.svc = sessions.NewService(sessions.NewMemoryStore(), cal, sessions.Config{Clock: func() time.Time { return now }}, nil)
	f.settler = NewSettler(f.payments, f.svc, f.provider, f.outbox, nil)
	return f
}

func (f *gateFixture) book(t *testing.T, startHour int) *sessions.Session {
	t.Helper()
	sess, err := f.svc.CreateStandardBooking(context.Background(), f.client, sessions.StandardBookingRequest{
		TherapistID: f.therapist.ID,
		StartTime:   f.day.Add(time.Duration(startHour) * time.Hour),
		EndTime:     f.day.Add(time.Duration(startHour+1) * time.Hour),
		SessionType: sessions.SessionTypeVideo,
	})
	require.NoError(t, err)
	return sess
}

func (f *gateFixture) ensurePayment(t *testing.T, sess *sessions.Session) *Payment {
	t.Helper()
	p, err := f.payments.EnsureForSession(context.Background(), Payment{
		SessionID:   sess.ID,
		ClientID:    sess.ClientID,
		Provider:    "stub",
		AmountCents: sess.PriceCents,
		Currency:    sess.Currency,
	})
	require.NoError(t, err)
	return p
}

func (f *gateFixture) session(t *testing.T, id uuid.UUID) *sessions.Session {
	t.Helper()
	sess, err := f.svc.Get(context.Background(), f.client, id)
	require.NoError(t, err)
	return sess
}
