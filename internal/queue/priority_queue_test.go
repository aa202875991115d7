package queue_test

import (
	"sync"
	"testing"

	"github.com/lifelink/alertcore/internal/queue"
)

func item(id string, p int) queue.Item {
	return queue.Item{ItemID: id, Priority: p}
}

func TestPriorityQueue_BasicEnqueueDequeue(t *testing.T) {
	q := queue.New()

	if err := q.Enqueue(item("1", 4)); err != nil {
		t.Fatal(err)
	}

	got, ok := q.TryDequeue()
	if !ok {
		t.Fatal("expected item, got nothing")
	}
	if got.ItemID != "1" {
		t.Fatalf("expected id=1, got %s", got.ItemID)
	}

	if _, ok := q.TryDequeue(); ok {
		t.Fatal("expected empty queue after draining")
	}
}

// TestPriorityQueue_CriticalBeforeNormal verifies that a critical item
// inserted after a normal item is still served first.
func TestPriorityQueue_CriticalBeforeNormal(t *testing.T) {
	q := queue.New()

	_ = q.Enqueue(item("normal", 4))
	_ = q.Enqueue(item("critical", 1))

	first, _ := q.TryDequeue()
	if first.ItemID != "critical" {
		t.Fatalf("expected critical to be dequeued first, got %q", first.ItemID)
	}
}

// TestPriorityQueue_TierOrdering verifies the full dequeue order across
// all four tiers: non-decreasing priority number, insertion order within
// a tier.
func TestPriorityQueue_TierOrdering(t *testing.T) {
	q := queue.New()

	_ = q.Enqueue(item("n1", 4))
	_ = q.Enqueue(item("h1", 3))
	_ = q.Enqueue(item("u1", 2))
	_ = q.Enqueue(item("n2", 4))
	_ = q.Enqueue(item("c1", 1))
	_ = q.Enqueue(item("u2", 2))

	want := []string{"c1", "u1", "u2", "h1", "n1", "n2"}
	for i, w := range want {
		got, ok := q.TryDequeue()
		if !ok {
			t.Fatalf("queue empty at position %d, want %q", i, w)
		}
		if got.ItemID != w {
			t.Fatalf("position %d: got %q, want %q", i, got.ItemID, w)
		}
	}
}

// TestPriorityQueue_ErrQueueFull verifies the non-blocking Enqueue returns
// ErrQueueFull when a tier channel is saturated. The critical channel has
// the smallest capacity, so it is the cheapest to fill.
func TestPriorityQueue_ErrQueueFull(t *testing.T) {
	q := queue.New()

	var err error
	for i := 0; i < 10000; i++ {
		if err = q.Enqueue(item("x", 1)); err != nil {
			break
		}
	}
	if err == nil {
		t.Fatal("expected ErrQueueFull, channel never filled")
	}
}

func TestPriorityQueue_Depths(t *testing.T) {
	q := queue.New()

	_ = q.Enqueue(item("a", 1))
	_ = q.Enqueue(item("b", 2))
	_ = q.Enqueue(item("c", 2))
	_ = q.Enqueue(item("d", 4))

	critical, urgent, high, normal := q.Depths()
	if critical != 1 || urgent != 2 || high != 0 || normal != 1 {
		t.Fatalf("unexpected depths: %d/%d/%d/%d", critical, urgent, high, normal)
	}
}

// TestPriorityQueue_ConcurrentEnqueueDequeue verifies there are no races
// when multiple goroutines enqueue and dequeue simultaneously.
func TestPriorityQueue_ConcurrentEnqueueDequeue(t *testing.T) {
	q := queue.New()

	const producers = 5
	const itemsPerProducer = 100
	const total = producers * itemsPerProducer

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < itemsPerProducer; i++ {
				_ = q.Enqueue(item("x", p%4+1))
			}
		}(p)
	}
	wg.Wait()

	var drained int
	for {
		if _, ok := q.TryDequeue(); !ok {
			break
		}
		drained++
	}
	if drained != total {
		t.Fatalf("drained %d items, want %d", drained, total)
	}
}
