package repository

import (
	"context"
	"time"

	"github.com/lifelink/alertcore/internal/domain"
)

// QueueRepository defines all persistence operations on the notifications
// and failed_notifications partitions. The sqlite implementation is in
// sqlite_queue_repo.go; tests use a hand-written mock.
//
// Only the delivery processor writes through this interface; the store's
// partitions have a single owning component each.
type QueueRepository interface {
	Create(ctx context.Context, item *domain.QueueItem) error
	GetByID(ctx context.Context, id string) (*domain.QueueItem, error)
	UpdateStatus(ctx context.Context, id string, status domain.Status) error
	// MarkProcessing sets status=processing and records the new attempt count.
	MarkProcessing(ctx context.Context, id string, attempts int) error
	ScheduleRetry(ctx context.Context, id string, attempts int, retryAfter time.Time, reason string) error
	// Delete removes a completed item from the live partition.
	Delete(ctx context.Context, id string) error
	// MoveToFailed atomically copies the item into the dead-letter partition
	// and removes it from the live one.
	MoveToFailed(ctx context.Context, item *domain.QueueItem, reason string, failedAt time.Time) error

	// FindDueRetries returns retry_scheduled items whose retry_after has elapsed.
	FindDueRetries(ctx context.Context, now time.Time) ([]*domain.QueueItem, error)
	// FindActive returns every non-terminal item, for crash recovery at start.
	FindActive(ctx context.Context) ([]*domain.QueueItem, error)

	ListFailed(ctx context.Context, limit int) ([]*domain.FailedItem, error)
	DeleteFailedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}
