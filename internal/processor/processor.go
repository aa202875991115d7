// Package processor drives notifications from enqueue to the background
// agent: it owns the in-memory priority queue, the persisted retry state,
// backoff and dead-lettering, the badge counter, and response handling.
package processor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/lifelink/alertcore/internal/bridge"
	"github.com/lifelink/alertcore/internal/domain"
	"github.com/lifelink/alertcore/internal/queue"
	"github.com/lifelink/alertcore/internal/repository"
)

// Responder is the subset of the backend client the processor needs.
type Responder interface {
	RespondToRequest(ctx context.Context, requestID, response string, at time.Time) error
	TrackInteraction(ctx context.Context, interactionType, notificationID, requestID string) error
}

// Hooks carries metric callbacks injected by main. Nil fields become no-ops.
type Hooks struct {
	OnDelivered    func(domain.UrgencyTier, time.Duration)
	OnRetried      func(domain.UrgencyTier)
	OnDeadLettered func(domain.UrgencyTier)
	OnBadge        func(int)
}

func (h *Hooks) fillDefaults() {
	if h.OnDelivered == nil {
		h.OnDelivered = func(domain.UrgencyTier, time.Duration) {}
	}
	if h.OnRetried == nil {
		h.OnRetried = func(domain.UrgencyTier) {}
	}
	if h.OnDeadLettered == nil {
		h.OnDeadLettered = func(domain.UrgencyTier) {}
	}
	if h.OnBadge == nil {
		h.OnBadge = func(int) {}
	}
}

// Config holds the processor's tunables. Zero values get defaults.
type Config struct {
	BaseDelay  time.Duration // first retry delay
	MaxDelay   time.Duration // backoff cap
	MaxRetries int           // attempts before dead-lettering
	AckTimeout time.Duration // bounded wait for agent acknowledgement
	YieldDelay time.Duration // pause between items to yield to the host

	RetrySweepInterval     time.Duration
	RetentionSweepInterval time.Duration
	FailedRetention        time.Duration
}

func (c *Config) applyDefaults() {
	if c.BaseDelay <= 0 {
		c.BaseDelay = time.Second
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 30 * time.Second
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.AckTimeout <= 0 {
		c.AckTimeout = 10 * time.Second
	}
	if c.RetrySweepInterval <= 0 {
		c.RetrySweepInterval = 30 * time.Second
	}
	if c.RetentionSweepInterval <= 0 {
		c.RetentionSweepInterval = time.Hour
	}
	if c.FailedRetention <= 0 {
		c.FailedRetention = 7 * 24 * time.Hour
	}
}

// Processor is the delivery engine. The surrounding application owns
// exactly one instance and passes it where needed.
type Processor struct {
	cfg     Config
	repo    repository.QueueRepository
	q       *queue.PriorityQueue
	br      bridge.Bridge
	backend Responder
	logger  *zap.Logger
	hooks   Hooks

	// processing guards the loop: one active run at a time. Re-entrant
	// triggers are no-ops that rely on the active run to drain the queue.
	processing atomic.Bool

	// stranded holds items persisted as queued but missing from the
	// in-memory queue (full tier channel, failed status write). The
	// periodic sweep re-surfaces them; item id maps to priority.
	strandMu sync.Mutex
	stranded map[string]int

	badgeMu    sync.Mutex
	badgeCount int
	badgeSubs  map[int]func(int)
	badgeNext  int

	lifeMu sync.Mutex
	runCtx context.Context
	cancel context.CancelFunc
	jobs   *cron.Cron
	wg     sync.WaitGroup
}

func New(
	cfg Config,
	repo repository.QueueRepository,
	q *queue.PriorityQueue,
	br bridge.Bridge,
	backend Responder,
	logger *zap.Logger,
	hooks Hooks,
) *Processor {
	cfg.applyDefaults()
	hooks.fillDefaults()
	return &Processor{
		cfg:       cfg,
		repo:      repo,
		q:         q,
		br:        br,
		backend:   backend,
		logger:    logger,
		hooks:     hooks,
		badgeSubs: make(map[int]func(int)),
		stranded:  make(map[string]int),
	}
}

// Enqueue persists a composed notification and places it on the queue.
// Persistence comes first so an enqueue survives a crash before processing
// starts. Priority is derived from the notification's urgency; critical and
// urgent items land on channels drained ahead of everything already queued.
func (p *Processor) Enqueue(ctx context.Context, n domain.ComposedNotification) (string, error) {
	item := &domain.QueueItem{
		ID:         uuid.New().String(),
		Payload:    n,
		Priority:   n.Urgency.QueuePriority(),
		EnqueuedAt: time.Now().UTC(),
		Status:     domain.StatusQueued,
	}

	if err := p.repo.Create(ctx, item); err != nil {
		return "", fmt.Errorf("persist queue item: %w", err)
	}

	if err := p.q.Enqueue(queue.Item{ItemID: item.ID, Priority: item.Priority}); err != nil {
		// The item stays persisted as queued; the periodic sweep re-surfaces
		// it once the channel drains. A full tier channel on a single device
		// means something is badly wrong, so a warning is the right signal.
		p.logger.Warn("queue full: item persisted but not in memory",
			zap.String("id", item.ID), zap.Error(err))
		p.strand(item.ID, item.Priority)
		return item.ID, nil
	}

	p.kick()
	return item.ID, nil
}

// kick starts a processing run if the processor has been started and no
// run is active.
func (p *Processor) kick() {
	p.lifeMu.Lock()
	ctx := p.runCtx
	p.lifeMu.Unlock()
	if ctx == nil {
		return // not started; tests drive ProcessPending directly
	}
	go p.ProcessPending(ctx)
}

// ProcessPending drains the queue. Only one run is active at a time;
// concurrent calls return immediately and rely on the active run, which
// observes newly enqueued emergency items because the tier channels are
// re-checked in priority order before every pop.
func (p *Processor) ProcessPending(ctx context.Context) {
	if !p.processing.CompareAndSwap(false, true) {
		return
	}
	defer p.processing.Store(false)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		qi, ok := p.q.TryDequeue()
		if !ok {
			return
		}
		p.process(ctx, qi)

		if p.cfg.YieldDelay > 0 {
			time.Sleep(p.cfg.YieldDelay)
		}
	}
}

func (p *Processor) process(ctx context.Context, qi queue.Item) {
	log := p.logger.With(zap.String("item_id", qi.ItemID))

	item, err := p.repo.GetByID(ctx, qi.ItemID)
	if errors.Is(err, domain.ErrNotFound) {
		log.Debug("item vanished before processing")
		return
	}
	if err != nil {
		log.Error("failed to fetch queue item", zap.Error(err))
		return
	}

	now := time.Now().UTC()

	// Not due yet: keep it persisted as retry_scheduled and let the sweep
	// return it to the queue. No early retries.
	if item.RetryAfter != nil && item.RetryAfter.After(now) {
		if err := p.repo.UpdateStatus(ctx, item.ID, domain.StatusRetryScheduled); err != nil {
			log.Error("failed to park early retry", zap.Error(err))
		}
		return
	}

	// A stale alert helps nobody; complete it without delivery.
	if item.Payload.Expired(now) {
		log.Info("dropping expired notification",
			zap.Timep("expires_at", item.Payload.ExpiresAt))
		if err := p.repo.Delete(ctx, item.ID); err != nil {
			log.Error("failed to remove expired item", zap.Error(err))
		}
		return
	}

	item.Attempts++
	if err := p.repo.MarkProcessing(ctx, item.ID, item.Attempts); err != nil {
		// Already popped from memory; park it for the sweep so it is not
		// stuck as queued until the next restart.
		log.Error("failed to mark as processing", zap.Error(err))
		p.strand(item.ID, item.Priority)
		return
	}

	start := time.Now()
	ackCtx, cancel := context.WithTimeout(ctx, p.cfg.AckTimeout)
	err = p.br.Deliver(ackCtx, item.ID, item.Payload, item.Priority)
	cancel()
	elapsed := time.Since(start)

	if err != nil {
		log.Warn("delivery failed",
			zap.Error(err), zap.Int("attempts", item.Attempts))
		p.handleFailure(ctx, item, err)
		return
	}

	if err := p.repo.Delete(ctx, item.ID); err != nil {
		log.Error("failed to remove completed item", zap.Error(err))
	}
	p.incrementBadge(ctx)
	p.hooks.OnDelivered(item.Payload.Urgency, elapsed)
	log.Info("notification delivered",
		zap.String("tier", string(item.Payload.Urgency)),
		zap.Duration("latency", elapsed))
}

// handleFailure either schedules a retry or dead-letters the item.
//
// Retry delay follows delay = min(baseDelay × 2^(attempts−1), maxDelay).
// Dead-lettering is atomic: the item moves to the failure partition and
// leaves the live one in the same transaction, so it can never be retried
// again and never counted twice.
func (p *Processor) handleFailure(ctx context.Context, item *domain.QueueItem, sendErr error) {
	if item.Attempts >= p.cfg.MaxRetries {
		if err := p.repo.MoveToFailed(ctx, item, sendErr.Error(), time.Now().UTC()); err != nil {
			p.logger.Error("failed to dead-letter item",
				zap.String("id", item.ID), zap.Error(err))
			return
		}
		if err := p.br.NotifyFailure(ctx, item.ID, sendErr.Error(), item.Attempts); err != nil {
			p.logger.Warn("could not report dead-letter to agent", zap.Error(err))
		}
		p.hooks.OnDeadLettered(item.Payload.Urgency)
		return
	}

	retryAfter := time.Now().UTC().Add(p.backoffDelay(item.Attempts))
	if err := p.repo.ScheduleRetry(ctx, item.ID, item.Attempts, retryAfter, sendErr.Error()); err != nil {
		p.logger.Error("failed to schedule retry",
			zap.String("id", item.ID), zap.Error(err))
		return
	}
	p.hooks.OnRetried(item.Payload.Urgency)
}

func (p *Processor) backoffDelay(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	delay := p.cfg.BaseDelay
	for i := 1; i < attempts; i++ {
		delay *= 2
		if delay >= p.cfg.MaxDelay {
			return p.cfg.MaxDelay
		}
	}
	if delay > p.cfg.MaxDelay {
		return p.cfg.MaxDelay
	}
	return delay
}

// Recover reloads non-terminal items from the durable store after a
// restart. Items that were queued or mid-processing go straight back on
// the in-memory queue (an interrupted processing attempt still counts);
// retry_scheduled items stay parked until the sweep finds them due.
func (p *Processor) Recover(ctx context.Context) error {
	items, err := p.repo.FindActive(ctx)
	if err != nil {
		return fmt.Errorf("load active items: %w", err)
	}

	var requeued int
	for _, item := range items {
		switch item.Status {
		case domain.StatusQueued, domain.StatusProcessing:
			if item.Status == domain.StatusProcessing {
				if err := p.repo.UpdateStatus(ctx, item.ID, domain.StatusQueued); err != nil {
					p.logger.Error("failed to reset interrupted item",
						zap.String("id", item.ID), zap.Error(err))
					continue
				}
			}
			if err := p.q.Enqueue(queue.Item{ItemID: item.ID, Priority: item.Priority}); err != nil {
				p.logger.Warn("could not re-enqueue recovered item",
					zap.String("id", item.ID), zap.Error(err))
				p.strand(item.ID, item.Priority)
				continue
			}
			requeued++
		case domain.StatusRetryScheduled:
			// the retry sweep owns these
		}
	}

	if requeued > 0 {
		p.logger.Info("recovered persisted queue items", zap.Int("count", requeued))
	}
	return nil
}

// Start recovers persisted state, schedules the sweeps, begins consuming
// agent action responses, and triggers an initial processing run.
func (p *Processor) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)

	p.lifeMu.Lock()
	p.runCtx = runCtx
	p.cancel = cancel
	p.lifeMu.Unlock()

	if err := p.Recover(runCtx); err != nil {
		cancel()
		return err
	}

	jobs := cron.New()
	if _, err := jobs.AddFunc(everySpec(p.cfg.RetrySweepInterval), func() { p.sweepRetries(runCtx) }); err != nil {
		cancel()
		return fmt.Errorf("schedule retry sweep: %w", err)
	}
	if _, err := jobs.AddFunc(everySpec(p.cfg.RetentionSweepInterval), func() { p.sweepFailed(runCtx) }); err != nil {
		cancel()
		return fmt.Errorf("schedule retention sweep: %w", err)
	}
	jobs.Start()

	p.lifeMu.Lock()
	p.jobs = jobs
	p.lifeMu.Unlock()

	p.wg.Add(1)
	go p.consumeActions(runCtx)

	p.kick()
	return nil
}

// Stop cancels the loop and waits for scheduled jobs and the action
// consumer to finish.
func (p *Processor) Stop() {
	p.lifeMu.Lock()
	cancel := p.cancel
	jobs := p.jobs
	p.cancel = nil
	p.runCtx = nil
	p.jobs = nil
	p.lifeMu.Unlock()

	if cancel != nil {
		cancel()
	}
	if jobs != nil {
		<-jobs.Stop().Done()
	}
	p.wg.Wait()
}

func (p *Processor) consumeActions(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ar, ok := <-p.br.ActionResponses():
			if !ok {
				return
			}
			p.ProcessResponse(ctx, Response{
				NotificationID: ar.NotificationID,
				RequestID:      ar.RequestID,
				Action:         ar.Action,
				At:             time.Now().UTC(),
			})
		}
	}
}

// sweepRetries moves ready retry items and stranded items back into the
// queue and re-triggers processing if idle.
func (p *Processor) sweepRetries(ctx context.Context) {
	due, err := p.repo.FindDueRetries(ctx, time.Now().UTC())
	if err != nil {
		p.logger.Error("retry sweep error", zap.Error(err))
		return
	}

	for _, item := range due {
		if err := p.repo.UpdateStatus(ctx, item.ID, domain.StatusQueued); err != nil {
			p.logger.Error("failed to re-queue retry",
				zap.String("id", item.ID), zap.Error(err))
			continue
		}
		if err := p.q.Enqueue(queue.Item{ItemID: item.ID, Priority: item.Priority}); err != nil {
			p.logger.Warn("could not re-enqueue due retry",
				zap.String("id", item.ID), zap.Error(err))
			p.strand(item.ID, item.Priority)
		}
	}

	requeued := p.requeueStranded()

	if len(due) > 0 {
		p.logger.Info("re-enqueued due retries", zap.Int("count", len(due)))
	}
	if len(due) > 0 || requeued > 0 {
		p.kick()
	}
}

// strand records an item that is persisted as queued but absent from the
// in-memory queue.
func (p *Processor) strand(id string, priority int) {
	p.strandMu.Lock()
	p.stranded[id] = priority
	p.strandMu.Unlock()
}

// requeueStranded returns stranded items to the in-memory queue. Items
// whose tier channel is still full go back to the stranded set for the
// next sweep.
func (p *Processor) requeueStranded() int {
	p.strandMu.Lock()
	if len(p.stranded) == 0 {
		p.strandMu.Unlock()
		return 0
	}
	pending := p.stranded
	p.stranded = make(map[string]int)
	p.strandMu.Unlock()

	var requeued int
	for id, priority := range pending {
		if err := p.q.Enqueue(queue.Item{ItemID: id, Priority: priority}); err != nil {
			p.strand(id, priority)
			continue
		}
		requeued++
	}
	if requeued > 0 {
		p.logger.Info("re-enqueued stranded items", zap.Int("count", requeued))
	}
	return requeued
}

// sweepFailed deletes dead-lettered items past the retention window.
func (p *Processor) sweepFailed(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-p.cfg.FailedRetention)
	n, err := p.repo.DeleteFailedBefore(ctx, cutoff)
	if err != nil {
		p.logger.Error("retention sweep error", zap.Error(err))
		return
	}
	if n > 0 {
		p.logger.Info("purged expired dead-letter items", zap.Int64("count", n))
	}
}

// FailedItems exposes the dead-letter partition for the admin snapshot.
func (p *Processor) FailedItems(ctx context.Context, limit int) ([]*domain.FailedItem, error) {
	return p.repo.ListFailed(ctx, limit)
}

func everySpec(d time.Duration) string {
	return fmt.Sprintf("@every %s", d)
}
