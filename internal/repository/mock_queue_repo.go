package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/lifelink/alertcore/internal/domain"
)

// MockQueueRepository is an in-memory QueueRepository for tests.
// It mirrors the sqlite implementation's semantics closely enough that the
// processor cannot tell them apart.
type MockQueueRepository struct {
	mu     sync.Mutex
	items  map[string]*domain.QueueItem
	failed map[string]*domain.FailedItem

	// Optional error injection, checked before every corresponding call.
	CreateErr         error
	MarkProcessingErr error
	ScheduleRetryErr  error
}

func NewMockQueueRepository() *MockQueueRepository {
	return &MockQueueRepository{
		items:  make(map[string]*domain.QueueItem),
		failed: make(map[string]*domain.FailedItem),
	}
}

func (m *MockQueueRepository) Create(_ context.Context, item *domain.QueueItem) error {
	if m.CreateErr != nil {
		return m.CreateErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *item
	m.items[item.ID] = &cp
	return nil
}

func (m *MockQueueRepository) GetByID(_ context.Context, id string) (*domain.QueueItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.items[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *item
	return &cp, nil
}

func (m *MockQueueRepository) UpdateStatus(_ context.Context, id string, status domain.Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if item, ok := m.items[id]; ok {
		item.Status = status
	}
	return nil
}

func (m *MockQueueRepository) MarkProcessing(_ context.Context, id string, attempts int) error {
	if m.MarkProcessingErr != nil {
		return m.MarkProcessingErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if item, ok := m.items[id]; ok {
		item.Status = domain.StatusProcessing
		item.Attempts = attempts
	}
	return nil
}

func (m *MockQueueRepository) ScheduleRetry(_ context.Context, id string, attempts int, retryAfter time.Time, reason string) error {
	if m.ScheduleRetryErr != nil {
		return m.ScheduleRetryErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if item, ok := m.items[id]; ok {
		item.Status = domain.StatusRetryScheduled
		item.Attempts = attempts
		t := retryAfter
		item.RetryAfter = &t
		item.LastError = &reason
	}
	return nil
}

func (m *MockQueueRepository) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, id)
	return nil
}

func (m *MockQueueRepository) MoveToFailed(_ context.Context, item *domain.QueueItem, reason string, failedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *item
	cp.Status = domain.StatusFailed
	m.failed[item.ID] = &domain.FailedItem{QueueItem: cp, FailureReason: reason, FailedAt: failedAt}
	delete(m.items, item.ID)
	return nil
}

func (m *MockQueueRepository) FindDueRetries(_ context.Context, now time.Time) ([]*domain.QueueItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var due []*domain.QueueItem
	for _, item := range m.items {
		if item.Status == domain.StatusRetryScheduled && item.RetryAfter != nil && !item.RetryAfter.After(now) {
			cp := *item
			due = append(due, &cp)
		}
	}
	sortItems(due)
	return due, nil
}

func (m *MockQueueRepository) FindActive(_ context.Context) ([]*domain.QueueItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var active []*domain.QueueItem
	for _, item := range m.items {
		if !item.Status.Terminal() {
			cp := *item
			active = append(active, &cp)
		}
	}
	sortItems(active)
	return active, nil
}

func (m *MockQueueRepository) ListFailed(_ context.Context, limit int) ([]*domain.FailedItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []*domain.FailedItem
	for _, f := range m.failed {
		cp := *f
		result = append(result, &cp)
		if limit > 0 && len(result) == limit {
			break
		}
	}
	return result, nil
}

func (m *MockQueueRepository) DeleteFailedBefore(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, f := range m.failed {
		if f.FailedAt.Before(cutoff) {
			delete(m.failed, id)
			n++
		}
	}
	return n, nil
}

// ---- test inspection helpers ----

func (m *MockQueueRepository) LiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}

func (m *MockQueueRepository) FailedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.failed)
}

func (m *MockQueueRepository) GetFailed(id string) (*domain.FailedItem, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.failed[id]
	if !ok {
		return nil, false
	}
	cp := *f
	return &cp, true
}

func sortItems(items []*domain.QueueItem) {
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].Priority != items[j].Priority {
			return items[i].Priority < items[j].Priority
		}
		return items[i].EnqueuedAt.Before(items[j].EnqueuedAt)
	})
}
