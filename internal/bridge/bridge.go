// Package bridge is the message-passing boundary to the out-of-process
// background agent: the worker that can present notifications and act
// while the application itself is not foregrounded. The core depends only
// on this send/receive contract, never on the agent's internals.
package bridge

import (
	"context"

	"github.com/lifelink/alertcore/internal/domain"
)

// Bridge abstracts the agent channel. Mocking this interface in tests
// gives full control over agent behaviour without a real socket.
type Bridge interface {
	// Deliver hands a notification to the agent and blocks until the agent
	// acknowledges it or ctx expires. A negative acknowledgement or an
	// expired ctx is returned as an error; the caller treats both as a
	// transient delivery failure.
	Deliver(ctx context.Context, id string, n domain.ComposedNotification, priority int) error

	// NotifyFailure reports a dead-lettered item. Best-effort.
	NotifyFailure(ctx context.Context, id string, reason string, attempts int) error

	// SetBadge pushes the current badge count. Best-effort.
	SetBadge(ctx context.Context, count int) error

	// ClearBadge resets the agent-side badge. Best-effort.
	ClearBadge(ctx context.Context) error

	// ActionResponses streams user action taps received while the
	// application was backgrounded.
	ActionResponses() <-chan ActionResponse
}
