package processor

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/lifelink/alertcore/internal/compose"
)

// Response action identifiers, matching the action buttons the composer
// attaches to notifications.
const (
	ActionAccept      = "accept"
	ActionDecline     = "decline"
	ActionViewDetails = "view_details"
	ActionContact     = "contact"
)

// Response is a user's reaction to a delivered notification, reported by
// the background agent.
type Response struct {
	NotificationID string
	RequestID      string
	Action         string
	At             time.Time
}

// ProcessResponse routes a user action. Accept/decline decisions must
// reach the backend: on failure the decision is re-queued as a high
// priority retry notification instead of being dropped. Detail views and
// contact taps are analytics-only and best-effort. Every handled response
// decrements the badge, because the user has now dealt with the alert.
func (p *Processor) ProcessResponse(ctx context.Context, r Response) {
	log := p.logger.With(
		zap.String("notification_id", r.NotificationID),
		zap.String("action", r.Action))

	switch r.Action {
	case ActionAccept, ActionDecline:
		if err := p.backend.RespondToRequest(ctx, r.RequestID, r.Action, r.At); err != nil {
			log.Warn("response submission failed, re-queueing", zap.Error(err))
			p.enqueueResponseRetry(ctx, r)
		} else {
			log.Info("donor response submitted", zap.String("request_id", r.RequestID))
		}

	case ActionViewDetails, ActionContact:
		if err := p.backend.TrackInteraction(ctx, r.Action, r.NotificationID, r.RequestID); err != nil {
			log.Debug("interaction tracking failed", zap.Error(err))
		}

	default:
		log.Warn("unknown response action")
		return
	}

	p.decrementBadge(ctx)
}

// enqueueResponseRetry wraps a failed accept/decline submission in a
// response_retry notification so the delivery pipeline's persistence and
// backoff carry the decision until the backend accepts it.
func (p *Processor) enqueueResponseRetry(ctx context.Context, r Response) {
	n := compose.Compose(compose.KindResponseRetry, compose.RawAlert{
		RequestID: r.RequestID,
		Context: map[string]string{
			"action":         r.Action,
			"notificationId": r.NotificationID,
			"respondedAt":    r.At.UTC().Format(time.RFC3339),
		},
	})
	if _, err := p.Enqueue(ctx, n); err != nil {
		p.logger.Error("failed to re-queue donor response",
			zap.String("request_id", r.RequestID), zap.Error(err))
	}
}
