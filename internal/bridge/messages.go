package bridge

import (
	"encoding/json"

	"github.com/lifelink/alertcore/internal/domain"
)

// Message types exchanged with the background agent. The contract is
// bidirectional and asynchronous; every payload is JSON-serializable.
const (
	// Outbound
	TypeProcessNotification = "PROCESS_BACKGROUND_NOTIFICATION"
	TypeProcessingFailed    = "NOTIFICATION_PROCESSING_FAILED"
	TypeUpdateBadgeCount    = "UPDATE_BADGE_COUNT"
	TypeClearBadge          = "CLEAR_BADGE"

	// Inbound
	TypeNotificationResponse = "BACKGROUND_NOTIFICATION_RESPONSE"
	TypeActionResponse       = "NOTIFICATION_ACTION_RESPONSE"
	TypeDeliveryFailed       = "NOTIFICATION_DELIVERY_FAILED"
	TypeSyncComplete         = "BACKGROUND_SYNC_COMPLETE"
)

// Envelope wraps every message on the wire.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ProcessRequest asks the agent to present a notification.
type ProcessRequest struct {
	ID           string                      `json:"id"`
	Notification domain.ComposedNotification `json:"notification"`
	Priority     int                         `json:"priority"`
}

// ProcessingFailed informs the agent that an item was dead-lettered, for
// observability on its side.
type ProcessingFailed struct {
	ID       string `json:"id"`
	Error    string `json:"error"`
	Attempts int    `json:"attempts"`
}

// BadgeUpdate carries the current badge count.
type BadgeUpdate struct {
	Count int `json:"count"`
}

// AckResponse correlates to an outbound ProcessRequest by ID.
type AckResponse struct {
	ID      string `json:"id"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// ActionResponse is sent when the user tapped a notification action while
// the application was backgrounded.
type ActionResponse struct {
	NotificationID string `json:"notificationId"`
	RequestID      string `json:"requestId"`
	Action         string `json:"action"`
}
