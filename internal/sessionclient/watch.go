package sessionclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/wolfman30/therapy-sessions/internal/sessions"
)

// Watch streams snapshots for one session into the View until ctx is done or
// the server closes the stream. onUpdate, if set, runs for every snapshot
// the View accepted.
func (c *Client) Watch(ctx context.Context, id uuid.UUID, onUpdate func(*sessions.Session)) error {
	wsURL := "ws" + strings.TrimPrefix(c.baseURL, "http") + "/v1/sessions/" + id.String() + "/stream"
	header := http.Header{}
	if c.token != "" {
		header.Set("Authorization", "Bearer "+c.token)
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, wsURL, header)
	if err != nil {
		if resp != nil {
			return &APIError{StatusCode: resp.StatusCode, Message: "stream rejected"}
		}
		return fmt.Errorf("sessionclient: dial stream: %w", err)
	}
	defer conn.Close()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseTryAgainLater) {
				return nil
			}
			return fmt.Errorf("sessionclient: read stream: %w", err)
		}
		var frame struct {
			Version int64            `json:"version"`
			Session sessions.Session `json:"session"`
		}
		if err := json.Unmarshal(data, &frame); err != nil {
			c.logger.Warn("sessionclient: undecodable frame", "error", err, "session_id", id)
			continue
		}
		if c.view.Apply(&frame.Session) && onUpdate != nil {
			onUpdate(frame.Session.Clone())
		}
	}
}
