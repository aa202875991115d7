package domain

import (
	"encoding/json"
	"time"
)

// UrgencyTier drives presentation policy and queue ordering.
type UrgencyTier string

const (
	TierCritical UrgencyTier = "critical"
	TierUrgent   UrgencyTier = "urgent"
	TierHigh     UrgencyTier = "high"
	TierNormal   UrgencyTier = "normal"
)

func (t UrgencyTier) IsValid() bool {
	switch t {
	case TierCritical, TierUrgent, TierHigh, TierNormal:
		return true
	}
	return false
}

// QueuePriority maps a tier to the numeric queue priority. 1 is processed first.
func (t UrgencyTier) QueuePriority() int {
	switch t {
	case TierCritical:
		return 1
	case TierUrgent:
		return 2
	case TierHigh:
		return 3
	default:
		return 4
	}
}

// Status tracks the delivery lifecycle of a queue item.
//
// queued → processing → {completed | retry_scheduled | failed}
// retry_scheduled → queued once retry_after elapses.
type Status string

const (
	StatusQueued         Status = "queued"
	StatusProcessing     Status = "processing"
	StatusRetryScheduled Status = "retry_scheduled"
	StatusCompleted      Status = "completed"
	StatusFailed         Status = "failed"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Action is a button on the delivered notification. The presentation
// surface shows at most three.
type Action struct {
	ID    string `json:"id"`
	Label string `json:"label"`
}

// ComposedNotification is the composer's output: presentation-ready alert
// content plus the policy attributes resolved from its urgency tier.
type ComposedNotification struct {
	Title              string            `json:"title"`
	Body               string            `json:"body"`
	Urgency            UrgencyTier       `json:"urgency"`
	Actions            []Action          `json:"actions"`
	Data               map[string]string `json:"data,omitempty"`
	ExpiresAt          *time.Time        `json:"expires_at,omitempty"`
	RequireInteraction bool              `json:"require_interaction"`
	VibrationPattern   []int             `json:"vibration_pattern,omitempty"`
	AutoDismissAfter   time.Duration     `json:"auto_dismiss_after"`
}

// Expired reports whether the alert is stale at the given instant.
// A nil ExpiresAt never expires.
func (n ComposedNotification) Expired(now time.Time) bool {
	return n.ExpiresAt != nil && now.After(*n.ExpiresAt)
}

// QueueItem is a persisted delivery unit.
type QueueItem struct {
	ID         string               `json:"id"`
	Payload    ComposedNotification `json:"payload"`
	Priority   int                  `json:"priority"`
	EnqueuedAt time.Time            `json:"enqueued_at"`
	Attempts   int                  `json:"attempts"`
	Status     Status               `json:"status"`
	RetryAfter *time.Time           `json:"retry_after,omitempty"`
	LastError  *string              `json:"last_error,omitempty"`
}

// FailedItem is a dead-lettered QueueItem snapshot, kept for diagnosis
// until the retention sweep removes it.
type FailedItem struct {
	QueueItem
	FailureReason string    `json:"failure_reason"`
	FailedAt      time.Time `json:"failed_at"`
}

// SessionEntry is one key in the local session map. Owned exclusively by
// the session manager.
type SessionEntry struct {
	Key         string          `json:"key"`
	Value       json.RawMessage `json:"value"`
	UpdatedAt   time.Time       `json:"updated_at"`
	Encrypted   bool            `json:"encrypted"`
	Persist     bool            `json:"persist"`
	SyncEnabled bool            `json:"sync_enabled"`
}

// SyncOpKind is the kind of a pending outbound session change.
type SyncOpKind string

const (
	OpSet    SyncOpKind = "set"
	OpDelete SyncOpKind = "delete"
	OpClear  SyncOpKind = "clear"
)

// SyncOperation is a pending outbound change, consumed once the remote
// authority acknowledges the batch containing it.
type SyncOperation struct {
	Key           string          `json:"key"`
	Value         json.RawMessage `json:"value,omitempty"`
	Kind          SyncOpKind      `json:"kind"`
	EnqueuedAt    time.Time       `json:"enqueued_at"`
	OriginDevice  string          `json:"origin_device"`
	OriginSession string          `json:"origin_session"`
}
