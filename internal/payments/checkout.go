package payments

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/google/uuid"

	"github.com/wolfman30/therapy-sessions/pkg/logging"
)

// CheckoutParams describes the checkout for one session payment.
type CheckoutParams struct {
	PaymentID   uuid.UUID
	SessionID   uuid.UUID
	ClientID    uuid.UUID
	AmountCents int64
	Currency    string
	Description string
	SuccessURL  string
	CancelURL   string
}

type CheckoutResponse struct {
	URL        string
	ProviderID string
}

// RefundParams asks the provider to return a captured payment.
type RefundParams struct {
	SessionID   uuid.UUID
	ProviderRef string
	AmountCents int64
	Reason      string
}

type RefundResponse struct {
	RefundID string
	Status   string
}

// Provider is the external payment processor.
type Provider interface {
	Name() string
	CreatePaymentLink(ctx context.Context, params CheckoutParams) (*CheckoutResponse, error)
	RequestRefund(ctx context.Context, params RefundParams) (*RefundResponse, error)
}

// FakeCheckoutService is a dev checkout provider that points at the internal
// completion page instead of a processor.
//
// Only enable it with ALLOW_FAKE_PAYMENTS; never in production.
type FakeCheckoutService struct {
	publicBaseURL string
	logger        *logging.Logger
}

func NewFakeCheckoutService(publicBaseURL string, logger *logging.Logger) *FakeCheckoutService {
	if logger == nil {
		logger = logging.Default()
	}
	return &FakeCheckoutService{
		publicBaseURL: strings.TrimRight(strings.TrimSpace(publicBaseURL), "/"),
		logger:        logger,
	}
}

func (s *FakeCheckoutService) Name() string { return "fake" }

func (s *FakeCheckoutService) CreatePaymentLink(_ context.Context, params CheckoutParams) (*CheckoutResponse, error) {
	if params.PaymentID == uuid.Nil {
		return nil, fmt.Errorf("payments: fake checkout requires payment id")
	}
	if s.publicBaseURL == "" {
		return nil, fmt.Errorf("payments: fake checkout requires PUBLIC_BASE_URL")
	}
	if !isValidBaseURL(s.publicBaseURL) {
		return nil, fmt.Errorf("payments: fake checkout PUBLIC_BASE_URL must be an absolute http(s) URL")
	}
	return &CheckoutResponse{
		URL:        fmt.Sprintf("%s/payments/fake/%s", s.publicBaseURL, params.PaymentID),
		ProviderID: "fake:" + params.PaymentID.String(),
	}, nil
}

func (s *FakeCheckoutService) RequestRefund(_ context.Context, params RefundParams) (*RefundResponse, error) {
	s.logger.Info("fake refund issued", "session_id", params.SessionID, "provider_ref", params.ProviderRef, "reason", params.Reason)
	return &RefundResponse{RefundID: "fake_re_" + params.SessionID.String(), Status: "succeeded"}, nil
}

func isValidBaseURL(value string) bool {
	parsed, err := url.Parse(value)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return false
	}
	switch strings.ToLower(parsed.Scheme) {
	case "http", "https":
		return true
	default:
		return false
	}
}
