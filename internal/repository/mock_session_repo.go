package repository

import (
	"context"
	"sync"

	"github.com/lifelink/alertcore/internal/domain"
)

// MockSessionRepository is an in-memory SessionRepository for tests.
type MockSessionRepository struct {
	mu   sync.Mutex
	snap *Snapshot

	SaveErr error
	LoadErr error
}

func NewMockSessionRepository() *MockSessionRepository {
	return &MockSessionRepository{}
}

func (m *MockSessionRepository) Save(_ context.Context, snap *Snapshot) error {
	if m.SaveErr != nil {
		return m.SaveErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *snap
	cp.Entries = make(map[string]domain.SessionEntry, len(snap.Entries))
	for k, v := range snap.Entries {
		cp.Entries[k] = v
	}
	m.snap = &cp
	return nil
}

func (m *MockSessionRepository) Load(_ context.Context) (*Snapshot, error) {
	if m.LoadErr != nil {
		return nil, m.LoadErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.snap == nil {
		return nil, domain.ErrNotFound
	}
	cp := *m.snap
	return &cp, nil
}

// Saved returns the last saved snapshot, for test assertions.
func (m *MockSessionRepository) Saved() *Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snap
}
