package payments

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/wolfman30/therapy-sessions/pkg/logging"
)

var stripeTracer = otel.Tracer("therapy.internal.payments.stripe")

// StripeCheckoutService creates Checkout Sessions and refunds through the
// Stripe REST API.
type StripeCheckoutService struct {
	secretKey  string
	successURL string
	cancelURL  string
	baseURL    string
	apiVersion string
	httpClient *http.Client
	logger     *logging.Logger
	dryRun     bool
}

func NewStripeCheckoutService(secretKey, successURL, cancelURL string, logger *logging.Logger) *StripeCheckoutService {
	if logger == nil {
		logger = logging.Default()
	}
	return &StripeCheckoutService{
		secretKey:  secretKey,
		successURL: successURL,
		cancelURL:  cancelURL,
		baseURL:    "https://api.stripe.com",
		apiVersion: "2024-12-18.acacia",
		httpClient: &http.Client{Timeout: 10 * time.Second},
		logger:     logger,
	}
}

// WithBaseURL overrides the Stripe API base URL (for testing).
func (s *StripeCheckoutService) WithBaseURL(baseURL string) *StripeCheckoutService {
	if baseURL != "" {
		s.baseURL = strings.TrimRight(baseURL, "/")
	}
	return s
}

// WithDryRun returns fake references without calling Stripe.
func (s *StripeCheckoutService) WithDryRun(enabled bool) *StripeCheckoutService {
	s.dryRun = enabled
	return s
}

func (s *StripeCheckoutService) Name() string { return "stripe" }

func (s *StripeCheckoutService) CreatePaymentLink(ctx context.Context, params CheckoutParams) (*CheckoutResponse, error) {
	ctx, span := stripeTracer.Start(ctx, "stripe.create_checkout_session")
	defer span.End()
	span.SetAttributes(
		attribute.String("therapy.session_id", params.SessionID.String()),
		attribute.Int64("therapy.amount_cents", params.AmountCents),
	)

	if s.dryRun {
		id := "cs_dryrun_" + params.PaymentID.String()[:8]
		s.logger.Info("stripe dry run: skipping checkout session creation", "session_id", params.SessionID, "amount_cents", params.AmountCents)
		return &CheckoutResponse{URL: "https://checkout.stripe.com/dry-run/" + id, ProviderID: id}, nil
	}

	successURL := params.SuccessURL
	if successURL == "" {
		successURL = s.successURL
	}
	cancelURL := params.CancelURL
	if cancelURL == "" {
		cancelURL = s.cancelURL
	}
	description := params.Description
	if strings.TrimSpace(description) == "" {
		description = "Therapy session"
	}
	currency := strings.ToLower(params.Currency)
	if currency == "" {
		currency = "usd"
	}

	form := url.Values{}
	form.Set("mode", "payment")
	form.Set("client_reference_id", params.SessionID.String())
	form.Set("line_items[0][price_data][currency]", currency)
	form.Set("line_items[0][price_data][unit_amount]", fmt.Sprintf("%d", params.AmountCents))
	form.Set("line_items[0][price_data][product_data][name]", description)
	form.Set("line_items[0][quantity]", "1")
	if successURL != "" {
		form.Set("success_url", successURL)
	}
	if cancelURL != "" {
		form.Set("cancel_url", cancelURL)
	}
	// Both objects carry the ids so refund and failure webhooks resolve too.
	for _, prefix := range []string{"metadata", "payment_intent_data[metadata]"} {
		form.Set(prefix+"[session_id]", params.SessionID.String())
		form.Set(prefix+"[payment_id]", params.PaymentID.String())
	}

	var parsed struct {
		ID  string `json:"id"`
		URL string `json:"url"`
	}
	if err := s.post(ctx, "/v1/checkout/sessions", "checkout-"+params.PaymentID.String(), form, &parsed); err != nil {
		span.RecordError(err)
		return nil, err
	}
	if parsed.URL == "" {
		return nil, fmt.Errorf("payments: stripe response missing checkout url")
	}
	return &CheckoutResponse{URL: parsed.URL, ProviderID: parsed.ID}, nil
}

func (s *StripeCheckoutService) RequestRefund(ctx context.Context, params RefundParams) (*RefundResponse, error) {
	ctx, span := stripeTracer.Start(ctx, "stripe.create_refund")
	defer span.End()
	span.SetAttributes(attribute.String("therapy.session_id", params.SessionID.String()))

	if s.dryRun {
		return &RefundResponse{RefundID: "re_dryrun", Status: "succeeded"}, nil
	}
	if params.ProviderRef == "" {
		return nil, fmt.Errorf("payments: stripe refund requires payment intent")
	}

	form := url.Values{}
	form.Set("payment_intent", params.ProviderRef)
	if params.AmountCents > 0 {
		form.Set("amount", fmt.Sprintf("%d", params.AmountCents))
	}
	form.Set("metadata[session_id]", params.SessionID.String())
	form.Set("metadata[reason]", params.Reason)

	var parsed struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	if err := s.post(ctx, "/v1/refunds", "refund-"+params.SessionID.String(), form, &parsed); err != nil {
		span.RecordError(err)
		return nil, err
	}
	return &RefundResponse{RefundID: parsed.ID, Status: parsed.Status}, nil
}

func (s *StripeCheckoutService) post(ctx context.Context, path, idempotencyKey string, form url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+path, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("payments: stripe request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.secretKey)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Stripe-Version", s.apiVersion)
	req.Header.Set("Idempotency-Key", idempotencyKey)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("payments: stripe http: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("payments: stripe api status %d: %s", resp.StatusCode, readStripeError(resp.Body))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("payments: stripe decode: %w", err)
	}
	return nil
}

func readStripeError(body io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(body, 4096))
	if err != nil {
		return "unknown error"
	}
	var parsed struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(data, &parsed) == nil && parsed.Error.Message != "" {
		return parsed.Error.Message
	}
	return string(data)
}
