package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/lifelink/alertcore/internal/compose"
	"github.com/lifelink/alertcore/internal/processor"
)

// AlertHandler is the local ingress for raw alert events: the surrounding
// application posts an event here and the composer plus delivery queue
// take over.
type AlertHandler struct {
	proc   *processor.Processor
	logger *zap.Logger
}

func NewAlertHandler(proc *processor.Processor, logger *zap.Logger) *AlertHandler {
	return &AlertHandler{proc: proc, logger: logger}
}

type createAlertRequest struct {
	Kind      string            `json:"kind"`
	RequestID string            `json:"requestId"`
	Urgency   string            `json:"urgency"`
	Context   map[string]string `json:"context"`
	ExpiresAt *time.Time        `json:"expiresAt"`
}

// Create handles POST /api/v1/alerts. Malformed event content never fails
// the request: the composer degrades it to the fallback notification and
// delivery proceeds.
func (h *AlertHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createAlertRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	n := compose.Compose(compose.Kind(req.Kind), compose.RawAlert{
		RequestID: req.RequestID,
		Urgency:   req.Urgency,
		Context:   req.Context,
		ExpiresAt: req.ExpiresAt,
	})

	id, err := h.proc.Enqueue(r.Context(), n)
	if err != nil {
		h.logger.Error("failed to enqueue alert",
			zap.String("kind", req.Kind), zap.Error(err))
		mapError(w, err)
		return
	}

	respondJSON(w, http.StatusAccepted, map[string]string{
		"id":      id,
		"urgency": string(n.Urgency),
	})
}

// ClearBadge handles POST /api/v1/badge/clear.
func (h *AlertHandler) ClearBadge(w http.ResponseWriter, r *http.Request) {
	if err := h.proc.ClearBadge(r.Context()); err != nil {
		h.logger.Warn("badge clear did not reach the agent", zap.Error(err))
	}
	respondJSON(w, http.StatusOK, map[string]int{"badge": h.proc.BadgeCount()})
}
