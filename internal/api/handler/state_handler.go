package handler

import (
	"net/http"
	"strconv"

	"github.com/lifelink/alertcore/internal/processor"
	"github.com/lifelink/alertcore/internal/queue"
	"github.com/lifelink/alertcore/internal/session"
)

// StateHandler serves a human-readable JSON snapshot of the engine for
// local diagnosis. Raw Prometheus metrics live at /metrics via promhttp
// and are separate from this endpoint.
type StateHandler struct {
	q    *queue.PriorityQueue
	proc *processor.Processor
	sess *session.Manager
}

func NewStateHandler(q *queue.PriorityQueue, proc *processor.Processor, sess *session.Manager) *StateHandler {
	return &StateHandler{q: q, proc: proc, sess: sess}
}

// GetState handles GET /api/v1/state
func (h *StateHandler) GetState(w http.ResponseWriter, r *http.Request) {
	critical, urgent, high, normal := h.q.Depths()
	respondJSON(w, http.StatusOK, map[string]any{
		"queue_depth": map[string]int{
			"critical": critical,
			"urgent":   urgent,
			"high":     high,
			"normal":   normal,
			"total":    critical + urgent + high + normal,
		},
		"badge_count": h.proc.BadgeCount(),
		"session": map[string]any{
			"pending_ops":  h.sess.PendingOps(),
			"last_sync":    h.sess.LastSyncTime(),
			"total_paused": h.sess.TotalPaused().String(),
		},
	})
}

// ListFailed handles GET /api/v1/failed, the dead-letter partition.
func (h *StateHandler) ListFailed(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if s := r.URL.Query().Get("limit"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 {
			limit = n
		}
	}

	items, err := h.proc.FailedItems(r.Context(), limit)
	if err != nil {
		mapError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"failed": items,
		"count":  len(items),
	})
}
