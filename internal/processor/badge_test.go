package processor

import (
	"context"
	"sync"
	"testing"

	"go.uber.org/zap"

	"github.com/lifelink/alertcore/internal/bridge"
)

// Concurrent increments and decrements must serialize: with the counter
// seeded to k and k increments racing k decrements, the final value is
// exactly k. A lost update would leave it off by at least one.
func TestBadgeConcurrentDeltasSerialize(t *testing.T) {
	p := New(Config{}, nil, nil, bridge.NewMockBridge(), nil, zap.NewNop(), Hooks{})
	ctx := context.Background()

	const k = 200
	for i := 0; i < k; i++ {
		p.incrementBadge(ctx)
	}

	// The seed of k keeps the running count non-negative under every
	// interleaving, so the zero clamp never fires and the expected final
	// value is deterministic.
	var wg sync.WaitGroup
	wg.Add(2 * k)
	for i := 0; i < k; i++ {
		go func() {
			defer wg.Done()
			p.incrementBadge(ctx)
		}()
		go func() {
			defer wg.Done()
			p.decrementBadge(ctx)
		}()
	}
	wg.Wait()

	if got := p.BadgeCount(); got != k {
		t.Fatalf("badge count after %d racing increments and %d racing decrements = %d, want %d", k, k, got, k)
	}
}
