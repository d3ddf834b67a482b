// Package main runs end-to-end booking scenarios against a running API with
// fake payments enabled and a seeded therapist calendar.
//
// Scenarios cover:
//   - Standard booking, fake checkout, confirmation and cancellation
//   - Two clients racing for the same interval
//   - Retrying a booking under the same request key
//   - Custom requests accepted or rejected by the therapist
//
// Usage:
//
//	AUTH_JWT_SECRET=... API_BASE_URL=... THERAPIST_ID=... go run ./scripts/e2e [scenario-name]
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	httpmiddleware "github.com/wolfman30/therapy-sessions/internal/http/middleware"
	"github.com/wolfman30/therapy-sessions/internal/sessionclient"
	"github.com/wolfman30/therapy-sessions/internal/sessions"
)

var (
	apiBase     string
	authSecret  string
	therapistID uuid.UUID
)

// ---------------------------------------------------------------------------
// Scenario definition
// ---------------------------------------------------------------------------

type scenario struct {
	Name string
	Fn   func(ctx context.Context, t *T)
}

// T is a lightweight test context for a single scenario.
type T struct {
	passed int
	failed int
	name   string
}

func (t *T) check(name string, ok bool) {
	if ok {
		fmt.Printf("    PASS: %s\n", name)
		t.passed++
	} else {
		fmt.Printf("    FAIL: %s\n", name)
		t.failed++
	}
}

func (t *T) fatalf(format string, args ...interface{}) {
	fmt.Printf("    FATAL: "+format+"\n", args...)
	t.failed++
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func newClient(role sessions.Role, id uuid.UUID) (*sessionclient.Client, error) {
	token, err := httpmiddleware.IssueActorToken(authSecret, sessions.Actor{ID: id, Role: role}, 30*time.Minute)
	if err != nil {
		return nil, err
	}
	return sessionclient.New(sessionclient.Config{
		BaseURL:    apiBase,
		Token:      token,
		Timeout:    10 * time.Second,
		MaxRetries: 2,
		Backoff:    200 * time.Millisecond,
	})
}

func newPatient() (*sessionclient.Client, uuid.UUID, error) {
	id := uuid.New()
	c, err := newClient(sessions.RoleClient, id)
	return c, id, err
}

// freeInterval returns a one-hour interval inside the therapist's first free
// slot that starts at least offset hours into it.
func freeInterval(ctx context.Context, c *sessionclient.Client, offset int) (time.Time, time.Time, error) {
	from := time.Now().UTC()
	slots, err := c.Availability(ctx, therapistID, from, from.Add(60*24*time.Hour))
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	for _, slot := range slots {
		start := slot.StartTime.Add(time.Duration(offset) * time.Hour)
		end := start.Add(time.Hour)
		if !end.After(slot.EndTime) && start.After(from.Add(48*time.Hour)) {
			return start, end, nil
		}
	}
	return time.Time{}, time.Time{}, errors.New("no free slot; seed the calendar first")
}

// payWithFakeCheckout starts checkout for the session and completes it on
// the fake provider page.
func payWithFakeCheckout(ctx context.Context, token string, sessionID uuid.UUID) error {
	var checkout struct {
		PaymentID string `json:"payment_id"`
	}
	if err := postJSON(ctx, "/v1/sessions/"+sessionID.String()+"/checkout", token, &checkout); err != nil {
		return fmt.Errorf("checkout: %w", err)
	}
	if err := postJSON(ctx, "/payments/fake/"+checkout.PaymentID+"/complete", "", nil); err != nil {
		return fmt.Errorf("complete: %w", err)
	}
	return nil
}

func postJSON(ctx context.Context, path, token string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, apiBase+path, bytes.NewReader(nil))
	if err != nil {
		return err
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 400 {
		return fmt.Errorf("%s returned %d: %s", path, resp.StatusCode, string(body))
	}
	if out != nil {
		return json.Unmarshal(body, out)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Scenarios
// ---------------------------------------------------------------------------

// 1. Book, pay through the fake checkout, then cancel.
func scenarioHappyPath(ctx context.Context, t *T) {
	clientID := uuid.New()
	client, err := newClient(sessions.RoleClient, clientID)
	if err != nil {
		t.fatalf("client: %v", err)
		return
	}
	start, end, err := freeInterval(ctx, client, 0)
	if err != nil {
		t.fatalf("%v", err)
		return
	}

	sess, err := client.BookStandard(ctx, sessions.StandardBookingRequest{
		TherapistID: therapistID,
		StartTime:   start,
		EndTime:     end,
		SessionType: sessions.SessionTypeVideo,
	})
	if err != nil {
		t.fatalf("book: %v", err)
		return
	}
	t.check("booking awaits payment", sess.Status == sessions.StatusPendingPayment)
	t.check("price is set", sess.PriceCents > 0)

	token, _ := httpmiddleware.IssueActorToken(authSecret, sessions.Actor{ID: clientID, Role: sessions.RoleClient}, 5*time.Minute)
	if err := payWithFakeCheckout(ctx, token, sess.ID); err != nil {
		t.fatalf("%v", err)
		return
	}
	sess, err = client.Refresh(ctx, sess.ID)
	if err != nil {
		t.fatalf("refresh: %v", err)
		return
	}
	t.check("payment confirmed", sess.PaymentConfirmed)
	t.check("session scheduled", sess.Status == sessions.StatusScheduled)

	sess, err = client.Cancel(ctx, sess.ID, "e2e cleanup")
	t.check("cancel accepted", err == nil)
	t.check("session cancelled", sess != nil && sess.Status == sessions.StatusCancelled)
	t.check("no late-cancellation fee", sess != nil && !sess.CancellationFeeEligible)
}

// 2. Two clients race for the same interval; exactly one wins.
func scenarioDoubleBooking(ctx context.Context, t *T) {
	first, _, err := newPatient()
	if err != nil {
		t.fatalf("client: %v", err)
		return
	}
	second, _, err := newPatient()
	if err != nil {
		t.fatalf("client: %v", err)
		return
	}
	start, end, err := freeInterval(ctx, first, 1)
	if err != nil {
		t.fatalf("%v", err)
		return
	}
	req := sessions.StandardBookingRequest{TherapistID: therapistID, StartTime: start, EndTime: end, SessionType: sessions.SessionTypeVideo}

	var wg sync.WaitGroup
	results := make([]error, 2)
	booked := make([]*sessions.Session, 2)
	for i, c := range []*sessionclient.Client{first, second} {
		wg.Add(1)
		go func(i int, c *sessionclient.Client) {
			defer wg.Done()
			booked[i], results[i] = c.BookStandard(ctx, req)
		}(i, c)
	}
	wg.Wait()

	wins, lost := 0, 0
	for i, err := range results {
		switch {
		case err == nil:
			wins++
			_, _ = []*sessionclient.Client{first, second}[i].Cancel(ctx, booked[i].ID, "e2e cleanup")
		case errors.Is(err, sessions.ErrSlotUnavailable):
			lost++
		default:
			t.fatalf("unexpected error: %v", err)
		}
	}
	t.check("exactly one booking wins", wins == 1)
	t.check("loser sees slot unavailable", lost == 1)
}

// 3. A retried booking under the same request key returns the same session.
func scenarioRetrySameKey(ctx context.Context, t *T) {
	client, _, err := newPatient()
	if err != nil {
		t.fatalf("client: %v", err)
		return
	}
	start, end, err := freeInterval(ctx, client, 2)
	if err != nil {
		t.fatalf("%v", err)
		return
	}
	req := sessions.StandardBookingRequest{
		TherapistID: therapistID,
		StartTime:   start,
		EndTime:     end,
		SessionType: sessions.SessionTypeText,
		RequestKey:  "e2e-" + uuid.NewString(),
	}
	a, err := client.BookStandard(ctx, req)
	if err != nil {
		t.fatalf("first attempt: %v", err)
		return
	}
	b, err := client.BookStandard(ctx, req)
	if err != nil {
		t.fatalf("second attempt: %v", err)
		return
	}
	t.check("same session returned", a.ID == b.ID)
	_, _ = client.Cancel(ctx, a.ID, "e2e cleanup")
}

// 4. The therapist rejects a custom request; the client cannot join it.
func scenarioCustomReject(ctx context.Context, t *T) {
	client, _, err := newPatient()
	if err != nil {
		t.fatalf("client: %v", err)
		return
	}
	therapist, err := newClient(sessions.RoleTherapist, therapistID)
	if err != nil {
		t.fatalf("therapist: %v", err)
		return
	}
	sess, err := client.BookCustom(ctx, sessions.CustomBookingRequest{
		TherapistID:     therapistID,
		StartTime:       time.Now().UTC().Add(72 * time.Hour).Truncate(time.Hour),
		DurationMinutes: 45,
		SessionType:     sessions.SessionTypeVideo,
	})
	if err != nil {
		t.fatalf("custom request: %v", err)
		return
	}
	t.check("custom request pending approval", sess.Status == sessions.StatusPendingApproval)
	id := sess.ID

	sess, err = therapist.Reject(ctx, id, "not available")
	t.check("reject accepted", err == nil)
	t.check("session cancelled", sess != nil && sess.Status == sessions.StatusCancelled)

	_, err = client.Join(ctx, id)
	t.check("join refused after rejection", err != nil)
}

// 5. The therapist accepts a custom request; it then awaits payment.
func scenarioCustomAccept(ctx context.Context, t *T) {
	client, _, err := newPatient()
	if err != nil {
		t.fatalf("client: %v", err)
		return
	}
	therapist, err := newClient(sessions.RoleTherapist, therapistID)
	if err != nil {
		t.fatalf("therapist: %v", err)
		return
	}
	sess, err := client.BookCustom(ctx, sessions.CustomBookingRequest{
		TherapistID:     therapistID,
		StartTime:       time.Now().UTC().Add(96 * time.Hour).Truncate(time.Hour),
		DurationMinutes: 90,
		SessionType:     sessions.SessionTypeVideo,
	})
	if err != nil {
		t.fatalf("custom request: %v", err)
		return
	}
	sess, err = therapist.Accept(ctx, sess.ID)
	if err != nil {
		t.fatalf("accept: %v", err)
		return
	}
	t.check("accepted request awaits payment", sess.Status == sessions.StatusPendingPayment)
	t.check("duration kept", sess.DurationMinutes() == 90)

	_, err = client.Join(ctx, sess.ID)
	t.check("join refused before payment", errors.Is(err, sessions.ErrPaymentNotConfirmed))
	_, _ = client.Cancel(ctx, sess.ID, "e2e cleanup")
}

// ---------------------------------------------------------------------------
// Main
// ---------------------------------------------------------------------------

func main() {
	apiBase = os.Getenv("API_BASE_URL")
	authSecret = os.Getenv("AUTH_JWT_SECRET")
	rawTherapist := os.Getenv("THERAPIST_ID")
	if apiBase == "" || authSecret == "" || rawTherapist == "" {
		fmt.Fprintln(os.Stderr, "ERROR: API_BASE_URL, AUTH_JWT_SECRET and THERAPIST_ID required")
		os.Exit(1)
	}
	var err error
	therapistID, err = uuid.Parse(rawTherapist)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: invalid THERAPIST_ID: %v\n", err)
		os.Exit(1)
	}

	scenarios := []scenario{
		{"happy-path", scenarioHappyPath},
		{"double-booking", scenarioDoubleBooking},
		{"retry-same-key", scenarioRetrySameKey},
		{"custom-reject", scenarioCustomReject},
		{"custom-accept", scenarioCustomAccept},
	}

	// Filter by name if argument provided
	filter := ""
	if len(os.Args) > 1 {
		filter = os.Args[1]
	}

	totalPassed := 0
	totalFailed := 0
	scenarioResults := make([]string, 0)

	for _, s := range scenarios {
		if filter != "" && s.Name != filter {
			continue
		}

		fmt.Printf("\n========================================\n")
		fmt.Printf("SCENARIO: %s\n", s.Name)
		fmt.Printf("========================================\n")

		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		t := &T{name: s.Name}
		s.Fn(ctx, t)
		cancel()

		totalPassed += t.passed
		totalFailed += t.failed

		status := "✅"
		if t.failed > 0 {
			status = "❌"
		}
		scenarioResults = append(scenarioResults, fmt.Sprintf("  %s %s (%d passed, %d failed)", status, s.Name, t.passed, t.failed))
	}

	fmt.Printf("\n========================================\n")
	fmt.Println("SUMMARY")
	fmt.Printf("========================================\n")
	for _, r := range scenarioResults {
		fmt.Println(r)
	}
	fmt.Printf("\nTotal: %d passed, %d failed\n", totalPassed, totalFailed)

	if totalFailed > 0 {
		fmt.Println("\n❌ SOME TESTS FAILED")
		os.Exit(1)
	}
	fmt.Println("\n✅ ALL TESTS PASSED")
}
