package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/lifelink/alertcore/internal/domain"
)

// Metrics groups all Prometheus instruments used across the application.
// Registered once at startup via New(); passed by pointer wherever needed.
type Metrics struct {
	NotificationsDelivered *prometheus.CounterVec
	NotificationsRetried   *prometheus.CounterVec
	NotificationsDead      *prometheus.CounterVec
	DeliveryLatency        *prometheus.HistogramVec
	QueueDepth             *prometheus.GaugeVec
	BadgeCount             prometheus.Gauge
	SyncBatches            *prometheus.CounterVec
	SyncConflicts          prometheus.Counter
}

// New registers all instruments with the given registerer and returns the
// populated Metrics struct. Using a custom registry (instead of
// prometheus.DefaultRegisterer) keeps tests isolated and avoids global state.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		NotificationsDelivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "notifications_delivered_total",
			Help: "Notifications acknowledged by the background agent.",
		}, []string{"tier"}),

		NotificationsRetried: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "notifications_retried_total",
			Help: "Delivery attempts that were scheduled for retry.",
		}, []string{"tier"}),

		NotificationsDead: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "notifications_dead_lettered_total",
			Help: "Notifications that exhausted their retry budget.",
		}, []string{"tier"}),

		DeliveryLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "notification_delivery_seconds",
			Help:    "Latency from dequeue to agent acknowledgement.",
			Buckets: prometheus.DefBuckets,
		}, []string{"tier"}),

		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "queue_depth",
			Help: "Current number of items waiting per urgency tier.",
		}, []string{"tier"}),

		BadgeCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "badge_count",
			Help: "Current application badge count.",
		}),

		SyncBatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "session_sync_batches_total",
			Help: "Session sync round trips by result.",
		}, []string{"result"}),

		SyncConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "session_sync_conflicts_total",
			Help: "Conflicts reported by the remote authority.",
		}),
	}

	reg.MustRegister(
		m.NotificationsDelivered,
		m.NotificationsRetried,
		m.NotificationsDead,
		m.DeliveryLatency,
		m.QueueDepth,
		m.BadgeCount,
		m.SyncBatches,
		m.SyncConflicts,
	)

	return m
}

// DeliveryHooks returns the callback functions the processor expects.
// Centralises the prometheus observation calls so the processor stays
// metrics-agnostic.
func (m *Metrics) DeliveryHooks() (
	onDelivered func(domain.UrgencyTier, time.Duration),
	onRetried func(domain.UrgencyTier),
	onDeadLettered func(domain.UrgencyTier),
) {
	onDelivered = func(t domain.UrgencyTier, latency time.Duration) {
		m.NotificationsDelivered.WithLabelValues(string(t)).Inc()
		m.DeliveryLatency.WithLabelValues(string(t)).Observe(latency.Seconds())
	}
	onRetried = func(t domain.UrgencyTier) {
		m.NotificationsRetried.WithLabelValues(string(t)).Inc()
	}
	onDeadLettered = func(t domain.UrgencyTier) {
		m.NotificationsDead.WithLabelValues(string(t)).Inc()
	}
	return
}

// BadgeHook returns the callback the processor invokes on badge changes.
func (m *Metrics) BadgeHook() func(int) {
	return func(count int) { m.BadgeCount.Set(float64(count)) }
}

// SyncHooks returns the callbacks the session manager invokes per sync
// round trip and per resolved conflict.
func (m *Metrics) SyncHooks() (onSync func(ok bool), onConflict func()) {
	onSync = func(ok bool) {
		result := "ok"
		if !ok {
			result = "error"
		}
		m.SyncBatches.WithLabelValues(result).Inc()
	}
	onConflict = func() { m.SyncConflicts.Inc() }
	return
}
