// Package api exposes the local diagnostics and ingress HTTP surface.
// It binds to loopback by default; nothing here is meant for the open
// network.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/lifelink/alertcore/internal/api/handler"
	apimw "github.com/lifelink/alertcore/internal/api/middleware"
	"github.com/lifelink/alertcore/internal/processor"
	"github.com/lifelink/alertcore/internal/queue"
	"github.com/lifelink/alertcore/internal/session"
)

// NewRouter wires the chi router, attaches all middleware, and registers
// every route. It is the single source of truth for the HTTP surface area.
func NewRouter(
	proc *processor.Processor,
	q *queue.PriorityQueue,
	sess *session.Manager,
	reg prometheus.Gatherer,
	logger *zap.Logger,
) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.Recoverer)
	r.Use(chimw.RequestSize(1 << 20)) // 1 MB max request body
	r.Use(apimw.CorrelationID)
	r.Use(apimw.RequestLogger(logger))

	ah := handler.NewAlertHandler(proc, logger)
	sh := handler.NewStateHandler(q, proc, sess)
	hh := handler.NewHealthHandler()

	r.Get("/health", hh.Health)
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/alerts", ah.Create)
		r.Post("/badge/clear", ah.ClearBadge)
		r.Get("/state", sh.GetState)
		r.Get("/failed", sh.ListFailed)
	})

	return r
}
