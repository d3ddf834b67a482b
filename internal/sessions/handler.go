package sessions

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/wolfman30/therapy-sessions/pkg/logging"
)

// IdempotencyHeader carries the caller's request key for booking creation.
const IdempotencyHeader = "Idempotency-Key"

// Handler exposes the engine over JSON.
type Handler struct {
	service *Service
	logger  *logging.Logger
}

// NewHandler creates the session HTTP handler.
func NewHandler(service *Service, logger *logging.Logger) *Handler {
	if logger == nil {
		logger = logging.Default()
	}
	return &Handler{service: service, logger: logger}
}

// RegisterRoutes mounts session endpoints. Expected under /v1 behind the
// actor auth middleware.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/therapists/{therapistID}/availability", h.getAvailability)
	r.Post("/sessions", h.createStandard)
	r.Post("/sessions/custom", h.createCustom)
	r.Get("/sessions", h.list)
	r.Get("/sessions/stats", h.stats)
	r.Route("/sessions/{sessionID}", func(r chi.Router) {
		r.Get("/", h.get)
		r.Get("/access", h.access)
		r.Get("/cancellation", h.previewCancellation)
		r.Post("/accept", h.accept)
		r.Post("/reject", h.reject)
		r.Post("/cancel", h.cancel)
		r.Post("/join", h.join)
		r.Post("/leave", h.leave)
		r.Post("/end", h.end)
		r.Post("/conversation", h.linkConversation)
		r.Post("/rating", h.rate)
		r.Post("/notes", h.addNote)
		r.Get("/notes", h.listNotes)
	})
}

func (h *Handler) getAvailability(w http.ResponseWriter, r *http.Request) {
	therapistID, err := uuid.Parse(chi.URLParam(r, "therapistID"))
	if err != nil {
		WriteError(w, ErrInvalidBooking, "invalid therapist id")
		return
	}
	rng, err := parseRange(r, 7*24*time.Hour, h.service.Now())
	if err != nil {
		WriteError(w, err, "")
		return
	}
	slots, err := h.service.GetAvailability(r.Context(), therapistID, rng)
	if err != nil {
		h.fail(w, r, "availability", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"therapist_id": therapistID,
		"from":         rng.From,
		"to":           rng.To,
		"slots":        slots,
	})
}

func (h *Handler) createStandard(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	var req StandardBookingRequest
	if err := decode(r, &req); err != nil {
		WriteError(w, err, "")
		return
	}
	req.RequestKey = r.Header.Get(IdempotencyHeader)
	sess, err := h.service.CreateStandardBooking(r.Context(), actor, req)
	if err != nil {
		h.fail(w, r, "create standard booking", err)
		return
	}
	writeJSON(w, http.StatusCreated, sess.View())
}

func (h *Handler) createCustom(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	var req CustomBookingRequest
	if err := decode(r, &req); err != nil {
		WriteError(w, err, "")
		return
	}
	req.RequestKey = r.Header.Get(IdempotencyHeader)
	sess, err := h.service.CreateCustomBooking(r.Context(), actor, req)
	if err != nil {
		h.fail(w, r, "create custom booking", err)
		return
	}
	writeJSON(w, http.StatusCreated, sess.View())
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	var f ListFilter
	if raw := q.Get("status"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			st, err := ParseStatus(part)
			if err != nil {
				WriteError(w, err, "")
				return
			}
			f.Statuses = append(f.Statuses, st)
		}
	}
	if raw := q.Get("from"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			WriteError(w, ErrInvalidBooking, "invalid from")
			return
		}
		f.From = t
	}
	if raw := q.Get("to"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			WriteError(w, ErrInvalidBooking, "invalid to")
			return
		}
		f.To = t
	}
	f.Limit = 100
	if raw := q.Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 500 {
			f.Limit = n
		}
	}

	list, err := h.service.List(r.Context(), actor, f)
	if err != nil {
		h.fail(w, r, "list sessions", err)
		return
	}
	views := make([]any, 0, len(list))
	for _, sess := range list {
		views = append(views, sess.View())
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"sessions": views,
		"count":    len(views),
	})
}

func (h *Handler) stats(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	stats, err := h.service.Stats(r.Context(), actor)
	if err != nil {
		h.fail(w, r, "stats", err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	h.withSession(w, r, "get session", func(actor Actor, id uuid.UUID) (any, error) {
		sess, err := h.service.Get(r.Context(), actor, id)
		if err != nil {
			return nil, err
		}
		return sess.View(), nil
	})
}

func (h *Handler) access(w http.ResponseWriter, r *http.Request) {
	h.withSession(w, r, "access", func(actor Actor, id uuid.UUID) (any, error) {
		return h.service.Access(r.Context(), actor, id)
	})
}

func (h *Handler) previewCancellation(w http.ResponseWriter, r *http.Request) {
	h.withSession(w, r, "preview cancellation", func(actor Actor, id uuid.UUID) (any, error) {
		return h.service.PreviewCancellation(r.Context(), actor, id)
	})
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) accept(w http.ResponseWriter, r *http.Request) {
	h.mutation(w, r, "accept", func(actor Actor, id uuid.UUID) (*Session, error) {
		return h.service.Accept(r.Context(), actor, id)
	})
}

func (h *Handler) reject(w http.ResponseWriter, r *http.Request) {
	h.mutation(w, r, "reject", func(actor Actor, id uuid.UUID) (*Session, error) {
		var req reasonRequest
		if err := decodeOptional(r, &req); err != nil {
			return nil, err
		}
		return h.service.Reject(r.Context(), actor, id, req.Reason)
	})
}

func (h *Handler) cancel(w http.ResponseWriter, r *http.Request) {
	h.mutation(w, r, "cancel", func(actor Actor, id uuid.UUID) (*Session, error) {
		var req reasonRequest
		if err := decodeOptional(r, &req); err != nil {
			return nil, err
		}
		return h.service.Cancel(r.Context(), actor, id, req.Reason)
	})
}

func (h *Handler) join(w http.ResponseWriter, r *http.Request) {
	h.mutation(w, r, "join", func(actor Actor, id uuid.UUID) (*Session, error) {
		return h.service.Join(r.Context(), actor, id)
	})
}

func (h *Handler) leave(w http.ResponseWriter, r *http.Request) {
	h.mutation(w, r, "leave", func(actor Actor, id uuid.UUID) (*Session, error) {
		return h.service.Leave(r.Context(), actor, id)
	})
}

func (h *Handler) end(w http.ResponseWriter, r *http.Request) {
	h.mutation(w, r, "end", func(actor Actor, id uuid.UUID) (*Session, error) {
		return h.service.End(r.Context(), actor, id)
	})
}

func (h *Handler) linkConversation(w http.ResponseWriter, r *http.Request) {
	h.mutation(w, r, "link conversation", func(actor Actor, id uuid.UUID) (*Session, error) {
		var req struct {
			ConversationID string `json:"conversation_id"`
		}
		if err := decode(r, &req); err != nil {
			return nil, err
		}
		return h.service.LinkConversation(r.Context(), actor, id, req.ConversationID)
	})
}

func (h *Handler) rate(w http.ResponseWriter, r *http.Request) {
	h.mutation(w, r, "rate", func(actor Actor, id uuid.UUID) (*Session, error) {
		var req struct {
			Rating int `json:"rating"`
		}
		if err := decode(r, &req); err != nil {
			return nil, err
		}
		return h.service.Rate(r.Context(), actor, id, req.Rating)
	})
}

func (h *Handler) addNote(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	id, err := uuid.Parse(chi.URLParam(r, "sessionID"))
	if err != nil {
		WriteError(w, ErrSessionNotFound, "invalid session id")
		return
	}
	var req struct {
		Content string `json:"content"`
		Type    string `json:"type"`
	}
	if err := decode(r, &req); err != nil {
		WriteError(w, err, "")
		return
	}
	noteType, err := ParseNoteType(req.Type)
	if err != nil {
		WriteError(w, err, "")
		return
	}
	note, err := h.service.AddNote(r.Context(), actor, id, noteType, req.Content)
	if err != nil {
		h.fail(w, r, "add note", err)
		return
	}
	writeJSON(w, http.StatusCreated, note)
}

func (h *Handler) listNotes(w http.ResponseWriter, r *http.Request) {
	h.withSession(w, r, "list notes", func(actor Actor, id uuid.UUID) (any, error) {
		notes, err := h.service.Notes(r.Context(), actor, id)
		if err != nil {
			return nil, err
		}
		return map[string]any{"notes": notes, "count": len(notes)}, nil
	})
}

func (h *Handler) withSession(w http.ResponseWriter, r *http.Request, op string, fn func(Actor, uuid.UUID) (any, error)) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	id, err := uuid.Parse(chi.URLParam(r, "sessionID"))
	if err != nil {
		WriteError(w, ErrSessionNotFound, "invalid session id")
		return
	}
	out, err := fn(actor, id)
	if err != nil {
		h.fail(w, r, op, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) mutation(w http.ResponseWriter, r *http.Request, op string, fn func(Actor, uuid.UUID) (*Session, error)) {
	h.withSession(w, r, op, func(actor Actor, id uuid.UUID) (any, error) {
		sess, err := fn(actor, id)
		if err != nil {
			return nil, err
		}
		return sess.View(), nil
	})
}

func (h *Handler) actor(w http.ResponseWriter, r *http.Request) (Actor, bool) {
	actor, ok := ActorFromContext(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return Actor{}, false
	}
	return actor, true
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	if ErrorKind(err) == KindInternal {
		h.logger.Error("sessions handler: "+op, "error", err, "path", r.URL.Path)
		WriteError(w, err, "internal error")
		return
	}
	WriteError(w, err, "")
}

// StatusForError maps the error taxonomy onto HTTP status codes.
func StatusForError(err error) int {
	switch ErrorKind(err) {
	case KindSlotUnavailable, KindTransitionNotAllowed, KindApprovalPending, KindRequestInFlight:
		return http.StatusConflict
	case KindPaymentNotConfirmed:
		return http.StatusPaymentRequired
	case KindNotFound:
		return http.StatusNotFound
	case KindInvalidRequest:
		return http.StatusBadRequest
	case KindForbidden:
		return http.StatusForbidden
	case KindNoteNotAllowed, KindRequestKeyReused:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// WriteError writes {"error": msg, "kind": kind}. An empty message uses err.
func WriteError(w http.ResponseWriter, err error, message string) {
	if message == "" {
		message = err.Error()
	}
	writeJSON(w, StatusForError(err), map[string]string{
		"error": message,
		"kind":  ErrorKind(err),
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func decode(r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return errors.Join(ErrInvalidBooking, err)
	}
	return nil
}

func decodeOptional(r *http.Request, dst any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	if err := decode(r, dst); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func parseRange(r *http.Request, fallback time.Duration, now time.Time) (DateRange, error) {
	q := r.URL.Query()
	rng := DateRange{From: now, To: now.Add(fallback)}
	if raw := q.Get("from"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return DateRange{}, errors.Join(ErrInvalidBooking, err)
		}
		rng.From = t
		if q.Get("to") == "" {
			rng.To = t.Add(fallback)
		}
	}
	if raw := q.Get("to"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return DateRange{}, errors.Join(ErrInvalidBooking, err)
		}
		rng.To = t
	}
	return rng, nil
}
