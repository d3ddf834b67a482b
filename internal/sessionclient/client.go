// Package sessionclient is a Go consumer of the session API. It retries
// creation under a stable request key, re-reads the session after every
// mutation and keeps a View where the newest confirmed version wins.
package sessionclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/wolfman30/therapy-sessions/internal/sessions"
	"github.com/wolfman30/therapy-sessions/pkg/logging"
)

// Config holds client settings.
type Config struct {
	BaseURL    string
	Token      string
	Timeout    time.Duration
	MaxRetries int
	Backoff    time.Duration
	HTTPClient *http.Client
	Logger     *logging.Logger
}

// Client talks to the /v1 session API as one actor.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	maxRetries int
	backoff    time.Duration
	logger     *logging.Logger
	view       *View
	newKey     func() string
}

func New(cfg Config) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, errors.New("sessionclient: base URL is required")
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	maxRetries := cfg.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}
	backoff := cfg.Backoff
	if backoff <= 0 {
		backoff = 200 * time.Millisecond
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}
	return &Client{
		baseURL:    baseURL,
		token:      cfg.Token,
		httpClient: httpClient,
		maxRetries: maxRetries,
		backoff:    backoff,
		logger:     logger,
		view:       NewView(),
		newKey:     uuid.NewString,
	}, nil
}

// View returns the client's snapshot cache.
func (c *Client) View() *View {
	return c.view
}

// BookStandard creates a standard booking. One request key covers every
// retry of this call, so a lost response never creates a second session.
// Set req.RequestKey to carry the key across calls.
func (c *Client) BookStandard(ctx context.Context, req sessions.StandardBookingRequest) (*sessions.Session, error) {
	return c.create(ctx, "/v1/sessions", req.RequestKey, req)
}

// BookCustom proposes a custom time to the therapist.
func (c *Client) BookCustom(ctx context.Context, req sessions.CustomBookingRequest) (*sessions.Session, error) {
	return c.create(ctx, "/v1/sessions/custom", req.RequestKey, req)
}

func (c *Client) create(ctx context.Context, path, key string, body any) (*sessions.Session, error) {
	if key == "" {
		key = c.newKey()
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("sessionclient: encode request: %w", err)
	}
	data, err := c.invoke(ctx, http.MethodPost, path, nil, payload, map[string]string{sessions.IdempotencyHeader: key})
	if err != nil {
		return nil, err
	}
	created, err := decodeSession(data)
	if err != nil {
		return nil, err
	}
	return c.Refresh(ctx, created.ID)
}

// Get reads the authoritative session and feeds it to the View.
func (c *Client) Get(ctx context.Context, id uuid.UUID) (*sessions.Session, error) {
	data, err := c.invoke(ctx, http.MethodGet, "/v1/sessions/"+id.String(), nil, nil, nil)
	if err != nil {
		if errors.Is(err, sessions.ErrSessionNotFound) || errors.Is(err, sessions.ErrForbidden) {
			c.view.Forget(id)
		}
		return nil, err
	}
	sess, err := decodeSession(data)
	if err != nil {
		return nil, err
	}
	c.view.Apply(sess)
	return sess, nil
}

// Refresh re-reads the session and returns the newest snapshot held.
func (c *Client) Refresh(ctx context.Context, id uuid.UUID) (*sessions.Session, error) {
	if _, err := c.Get(ctx, id); err != nil {
		return nil, err
	}
	sess, _ := c.view.Session(id)
	return sess, nil
}

func (c *Client) Accept(ctx context.Context, id uuid.UUID) (*sessions.Session, error) {
	return c.mutate(ctx, id, "accept", nil)
}

func (c *Client) Reject(ctx context.Context, id uuid.UUID, reason string) (*sessions.Session, error) {
	return c.mutate(ctx, id, "reject", map[string]string{"reason": reason})
}

func (c *Client) Cancel(ctx context.Context, id uuid.UUID, reason string) (*sessions.Session, error) {
	return c.mutate(ctx, id, "cancel", map[string]string{"reason": reason})
}

func (c *Client) Join(ctx context.Context, id uuid.UUID) (*sessions.Session, error) {
	return c.mutate(ctx, id, "join", nil)
}

func (c *Client) Leave(ctx context.Context, id uuid.UUID) (*sessions.Session, error) {
	return c.mutate(ctx, id, "leave", nil)
}

func (c *Client) End(ctx context.Context, id uuid.UUID) (*sessions.Session, error) {
	return c.mutate(ctx, id, "end", nil)
}

// mutate posts an action and always re-reads afterwards. A rejected action
// still refreshes the View so the UI re-derives what is possible from the
// authoritative state; the rejection is returned alongside it.
func (c *Client) mutate(ctx context.Context, id uuid.UUID, action string, body any) (*sessions.Session, error) {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return nil, fmt.Errorf("sessionclient: encode request: %w", err)
		}
	}
	_, actionErr := c.invoke(ctx, http.MethodPost, "/v1/sessions/"+id.String()+"/"+action, nil, payload, nil)
	var apiErr *APIError
	if actionErr != nil && !errors.As(actionErr, &apiErr) {
		return nil, actionErr
	}
	sess, err := c.Refresh(ctx, id)
	if actionErr != nil {
		return sess, actionErr
	}
	return sess, err
}

// Availability lists free intervals for a therapist.
func (c *Client) Availability(ctx context.Context, therapistID uuid.UUID, from, to time.Time) ([]sessions.AvailabilitySlot, error) {
	query := url.Values{}
	query.Set("from", from.UTC().Format(time.RFC3339))
	query.Set("to", to.UTC().Format(time.RFC3339))
	data, err := c.invoke(ctx, http.MethodGet, "/v1/therapists/"+therapistID.String()+"/availability", query, nil, nil)
	if err != nil {
		return nil, err
	}
	var parsed struct {
		Slots []sessions.AvailabilitySlot `json:"slots"`
	}
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("sessionclient: decode availability: %w", err)
	}
	return parsed.Slots, nil
}

// Access returns the join predicates computed by the authority.
func (c *Client) Access(ctx context.Context, id uuid.UUID) (sessions.Access, error) {
	var access sessions.Access
	data, err := c.invoke(ctx, http.MethodGet, "/v1/sessions/"+id.String()+"/access", nil, nil, nil)
	if err != nil {
		return access, err
	}
	if err := json.Unmarshal(data, &access); err != nil {
		return access, fmt.Errorf("sessionclient: decode access: %w", err)
	}
	return access, nil
}

// Stats fetches the caller's aggregate metrics.
func (c *Client) Stats(ctx context.Context) (sessions.Stats, error) {
	var stats sessions.Stats
	data, err := c.invoke(ctx, http.MethodGet, "/v1/sessions/stats", nil, nil, nil)
	if err != nil {
		return stats, err
	}
	if err := json.Unmarshal(data, &stats); err != nil {
		return stats, fmt.Errorf("sessionclient: decode stats: %w", err)
	}
	return stats, nil
}

func (c *Client) invoke(ctx context.Context, method, path string, query url.Values, body []byte, headers map[string]string) ([]byte, error) {
	fullURL := c.buildURL(path, query)
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		var bodyReader io.Reader
		if body != nil {
			bodyReader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, fullURL, bodyReader)
		if err != nil {
			return nil, fmt.Errorf("sessionclient: build request: %w", err)
		}
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		for k, v := range headers {
			req.Header.Set(k, v)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if !shouldRetry(err) || attempt == c.maxRetries {
				return nil, fmt.Errorf("sessionclient: http error: %w", err)
			}
			lastErr = err
			c.logRetry(path, attempt, 0, err)
			if sleepErr := c.sleep(ctx, attempt); sleepErr != nil {
				return nil, sleepErr
			}
			continue
		}
		data, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			return nil, fmt.Errorf("sessionclient: read response: %w", readErr)
		}
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return data, nil
		}
		apiErr := decodeAPIError(resp.StatusCode, data)
		if attempt < c.maxRetries && apiErr.Retryable() {
			lastErr = apiErr
			c.logRetry(path, attempt, resp.StatusCode, apiErr)
			if sleepErr := c.sleep(ctx, attempt); sleepErr != nil {
				return nil, sleepErr
			}
			continue
		}
		return nil, apiErr
	}
	if lastErr != nil {
		return nil, lastErr
	}
	return nil, errors.New("sessionclient: request failed without response")
}

func (c *Client) buildURL(path string, query url.Values) string {
	full := c.baseURL + "/" + strings.TrimLeft(path, "/")
	if len(query) > 0 {
		full = full + "?" + query.Encode()
	}
	return full
}

func (c *Client) sleep(ctx context.Context, attempt int) error {
	timer := time.NewTimer(c.backoff * time.Duration(1<<attempt))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (c *Client) logRetry(path string, attempt int, status int, err error) {
	c.logger.Warn("sessionclient retry",
		"path", path,
		"attempt", attempt+1,
		"status", status,
		"error", err,
	)
}

func shouldRetry(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return !errors.Is(err, context.Canceled)
}

func decodeAPIError(status int, body []byte) *APIError {
	var parsed struct {
		Error string `json:"error"`
		Kind  string `json:"kind"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil || (parsed.Error == "" && parsed.Kind == "") {
		return &APIError{StatusCode: status, Message: strings.TrimSpace(string(body))}
	}
	return &APIError{StatusCode: status, Kind: parsed.Kind, Message: parsed.Error}
}

func decodeSession(data []byte) (*sessions.Session, error) {
	var sess sessions.Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("sessionclient: decode session: %w", err)
	}
	if sess.ID == uuid.Nil {
		return nil, errors.New("sessionclient: response missing session id")
	}
	return &sess, nil
}
