package reporting

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/wolfman30/therapy-sessions/internal/sessions"
	"github.com/wolfman30/therapy-sessions/pkg/logging"
)

type reportSource interface {
	TherapistExists(ctx context.Context, therapistID uuid.UUID) (bool, error)
	TherapistReport(ctx context.Context, therapistID uuid.UUID, from, to time.Time, statuses []sessions.Status) (*TherapistReport, error)
}

// Handler serves admin reports.
type Handler struct {
	reports reportSource
	logger  *logging.Logger
	now     func() time.Time
}

func NewHandler(reports reportSource, logger *logging.Logger) *Handler {
	if logger == nil {
		logger = logging.Default()
	}
	return &Handler{
		reports: reports,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/therapists/{therapistID}/report", h.GetTherapistReport)
}

// GetTherapistReport returns per-status counts and billed totals.
// GET /admin/therapists/{therapistID}/report?from=&to=&status=completed,missed
func (h *Handler) GetTherapistReport(w http.ResponseWriter, r *http.Request) {
	therapistID, err := uuid.Parse(chi.URLParam(r, "therapistID"))
	if err != nil {
		http.Error(w, "invalid therapistID", http.StatusBadRequest)
		return
	}

	q := r.URL.Query()
	to := h.now()
	from := to.AddDate(0, 0, -30)
	if raw := q.Get("from"); raw != "" {
		if from, err = time.Parse(time.RFC3339, raw); err != nil {
			http.Error(w, "from must be RFC3339", http.StatusBadRequest)
			return
		}
	}
	if raw := q.Get("to"); raw != "" {
		if to, err = time.Parse(time.RFC3339, raw); err != nil {
			http.Error(w, "to must be RFC3339", http.StatusBadRequest)
			return
		}
	}
	if !to.After(from) {
		http.Error(w, "to must be after from", http.StatusBadRequest)
		return
	}

	var statuses []sessions.Status
	if raw := strings.TrimSpace(q.Get("status")); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			s, err := sessions.ParseStatus(part)
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			statuses = append(statuses, s)
		}
	}

	exists, err := h.reports.TherapistExists(r.Context(), therapistID)
	if err != nil {
		h.logger.Error("report therapist lookup failed", "error", err, "therapist_id", therapistID)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if !exists {
		http.Error(w, "therapist not found", http.StatusNotFound)
		return
	}

	report, err := h.reports.TherapistReport(r.Context(), therapistID, from.UTC(), to.UTC(), statuses)
	if err != nil {
		h.logger.Error("therapist report failed", "error", err, "therapist_id", therapistID)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(report)
}
