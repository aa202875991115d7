package bridge

import (
	"context"
	"sync"

	"github.com/lifelink/alertcore/internal/domain"
)

// MockBridge is a scriptable in-memory Bridge for tests.
type MockBridge struct {
	mu sync.Mutex

	// DeliverFunc decides the outcome of each Deliver call. Nil means
	// immediate success.
	DeliverFunc func(ctx context.Context, id string, n domain.ComposedNotification, priority int) error

	delivered []string
	failures  []ProcessingFailed
	badges    []int
	cleared   int

	actions chan ActionResponse
}

func NewMockBridge() *MockBridge {
	return &MockBridge{actions: make(chan ActionResponse, 16)}
}

func (m *MockBridge) Deliver(ctx context.Context, id string, n domain.ComposedNotification, priority int) error {
	if m.DeliverFunc != nil {
		if err := m.DeliverFunc(ctx, id, n, priority); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delivered = append(m.delivered, id)
	return nil
}

func (m *MockBridge) NotifyFailure(_ context.Context, id string, reason string, attempts int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures = append(m.failures, ProcessingFailed{ID: id, Error: reason, Attempts: attempts})
	return nil
}

func (m *MockBridge) SetBadge(_ context.Context, count int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.badges = append(m.badges, count)
	return nil
}

func (m *MockBridge) ClearBadge(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cleared++
	return nil
}

func (m *MockBridge) ActionResponses() <-chan ActionResponse { return m.actions }

// EmitAction injects an inbound action response, as if the user tapped a
// notification button while the app was backgrounded.
func (m *MockBridge) EmitAction(ar ActionResponse) { m.actions <- ar }

// ---- test inspection helpers ----

func (m *MockBridge) Delivered() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.delivered...)
}

func (m *MockBridge) Failures() []ProcessingFailed {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ProcessingFailed(nil), m.failures...)
}

func (m *MockBridge) Badges() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]int(nil), m.badges...)
}

// compile-time check that MockBridge implements Bridge
var _ Bridge = (*MockBridge)(nil)
