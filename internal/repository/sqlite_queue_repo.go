package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lifelink/alertcore/internal/domain"
	"github.com/lifelink/alertcore/internal/store"
)

type sqliteQueueRepository struct {
	db *sql.DB
}

// NewSQLiteQueueRepository returns a QueueRepository backed by the durable store.
func NewSQLiteQueueRepository(s *store.Store) QueueRepository {
	return &sqliteQueueRepository{db: s.DB()}
}

func (r *sqliteQueueRepository) Create(ctx context.Context, item *domain.QueueItem) error {
	payload, err := json.Marshal(item.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO notifications (id, payload, priority, status, attempts, enqueued_at, retry_after, last_error)
		VALUES (?,?,?,?,?,?,?,?)`,
		item.ID, string(payload), item.Priority, item.Status, item.Attempts,
		fmtTime(item.EnqueuedAt), fmtTimePtr(item.RetryAfter), item.LastError,
	)
	if err != nil {
		return fmt.Errorf("insert queue item: %w", err)
	}
	return nil
}

func (r *sqliteQueueRepository) GetByID(ctx context.Context, id string) (*domain.QueueItem, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, payload, priority, status, attempts, enqueued_at, retry_after, last_error
		FROM notifications WHERE id = ?`, id)

	item, err := scanQueueItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	return item, err
}

func (r *sqliteQueueRepository) UpdateStatus(ctx context.Context, id string, status domain.Status) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE notifications SET status = ? WHERE id = ?`, status, id)
	return err
}

func (r *sqliteQueueRepository) MarkProcessing(ctx context.Context, id string, attempts int) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE notifications SET status = ?, attempts = ? WHERE id = ?`,
		domain.StatusProcessing, attempts, id)
	return err
}

func (r *sqliteQueueRepository) ScheduleRetry(ctx context.Context, id string, attempts int, retryAfter time.Time, reason string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE notifications
		SET status = ?, attempts = ?, retry_after = ?, last_error = ?
		WHERE id = ?`,
		domain.StatusRetryScheduled, attempts, fmtTime(retryAfter), reason, id)
	return err
}

func (r *sqliteQueueRepository) Delete(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM notifications WHERE id = ?`, id)
	return err
}

func (r *sqliteQueueRepository) MoveToFailed(ctx context.Context, item *domain.QueueItem, reason string, failedAt time.Time) error {
	payload, err := json.Marshal(item.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	_, err = tx.ExecContext(ctx, `
		INSERT INTO failed_notifications (id, payload, priority, attempts, enqueued_at, failure_reason, failed_at)
		VALUES (?,?,?,?,?,?,?)`,
		item.ID, string(payload), item.Priority, item.Attempts,
		fmtTime(item.EnqueuedAt), reason, fmtTime(failedAt),
	)
	if err != nil {
		return fmt.Errorf("insert failed item: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM notifications WHERE id = ?`, item.ID); err != nil {
		return fmt.Errorf("remove live item: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit dead-letter: %w", err)
	}
	return nil
}

func (r *sqliteQueueRepository) FindDueRetries(ctx context.Context, now time.Time) ([]*domain.QueueItem, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, payload, priority, status, attempts, enqueued_at, retry_after, last_error
		FROM notifications
		WHERE status = ? AND retry_after <= ?
		ORDER BY priority ASC, enqueued_at ASC
		LIMIT 500`,
		domain.StatusRetryScheduled, fmtTime(now))
	if err != nil {
		return nil, fmt.Errorf("find due retries: %w", err)
	}
	defer rows.Close()
	return scanQueueItems(rows)
}

func (r *sqliteQueueRepository) FindActive(ctx context.Context) ([]*domain.QueueItem, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, payload, priority, status, attempts, enqueued_at, retry_after, last_error
		FROM notifications
		WHERE status IN (?,?,?)
		ORDER BY priority ASC, enqueued_at ASC`,
		domain.StatusQueued, domain.StatusProcessing, domain.StatusRetryScheduled)
	if err != nil {
		return nil, fmt.Errorf("find active items: %w", err)
	}
	defer rows.Close()
	return scanQueueItems(rows)
}

func (r *sqliteQueueRepository) ListFailed(ctx context.Context, limit int) ([]*domain.FailedItem, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, payload, priority, attempts, enqueued_at, failure_reason, failed_at
		FROM failed_notifications
		ORDER BY failed_at DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list failed items: %w", err)
	}
	defer rows.Close()

	var result []*domain.FailedItem
	for rows.Next() {
		var (
			f          domain.FailedItem
			payload    string
			enqueuedAt int64
			failedAt   int64
		)
		if err := rows.Scan(&f.ID, &payload, &f.Priority, &f.Attempts, &enqueuedAt, &f.FailureReason, &failedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(payload), &f.Payload); err != nil {
			return nil, fmt.Errorf("unmarshal failed payload: %w", err)
		}
		f.Status = domain.StatusFailed
		f.EnqueuedAt = parseTime(enqueuedAt)
		f.FailedAt = parseTime(failedAt)
		result = append(result, &f)
	}
	return result, rows.Err()
}

func (r *sqliteQueueRepository) DeleteFailedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM failed_notifications WHERE failed_at < ?`, fmtTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("delete expired failed items: %w", err)
	}
	return res.RowsAffected()
}

// ---- helpers ----

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanQueueItem(row scanner) (*domain.QueueItem, error) {
	var (
		item       domain.QueueItem
		payload    string
		enqueuedAt int64
		retryAfter sql.NullInt64
	)
	err := row.Scan(&item.ID, &payload, &item.Priority, &item.Status,
		&item.Attempts, &enqueuedAt, &retryAfter, &item.LastError)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(payload), &item.Payload); err != nil {
		return nil, fmt.Errorf("unmarshal payload: %w", err)
	}
	item.EnqueuedAt = parseTime(enqueuedAt)
	if retryAfter.Valid {
		t := parseTime(retryAfter.Int64)
		item.RetryAfter = &t
	}
	return &item, nil
}

func scanQueueItems(rows *sql.Rows) ([]*domain.QueueItem, error) {
	var result []*domain.QueueItem
	for rows.Next() {
		item, err := scanQueueItem(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, item)
	}
	return result, rows.Err()
}

// Timestamps are stored as unix milliseconds so that integer comparison
// in SQL matches chronological order.
func fmtTime(t time.Time) int64 {
	return t.UnixMilli()
}

func fmtTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return fmtTime(*t)
}

func parseTime(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
