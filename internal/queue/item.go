package queue

// Item is the minimal data placed on the in-memory queue.
// The processor fetches the full QueueItem from the durable store using
// the ID, keeping the queue lightweight and the stored data authoritative.
type Item struct {
	ItemID   string
	Priority int
}
