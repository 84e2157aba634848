// Package outbox buffers outbound events while the realtime channel is
// down. The queue is priority-ordered (high > medium > low, FIFO within a
// tier) and TTL-bounded: low and medium entries expire silently, high
// entries never do. This is a deliberate lossy-degradation policy under
// sustained fallback, not a defect.
package outbox

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pairline/chat-core/internal/metrics"
)

// Priority tiers for queued events.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityMedium
	PriorityHigh
)

// TTLs by priority. High priority events are never auto-expired.
const (
	TTLLow    = 5 * time.Minute
	TTLMedium = 15 * time.Minute
)

// MaxRetries is the per-message delivery ceiling before it moves to the
// failed list.
const MaxRetries = 3

// DefaultBatchSize bounds how many entries one ProcessQueue pass attempts.
const DefaultBatchSize = 10

// Message is one buffered outbound event.
type Message struct {
	ID         string
	Type       string
	Payload    []byte
	Timestamp  time.Time
	RetryCount int
	Priority   Priority
	ExpiresAt  time.Time // zero for high priority
}

func (m *Message) expired(now time.Time) bool {
	return !m.ExpiresAt.IsZero() && now.After(m.ExpiresAt)
}

// Sender delivers one message over the fallback transport.
type Sender func(m Message) error

// Queue is the goroutine-safe fallback buffer.
type Queue struct {
	mu      sync.Mutex
	pending []Message // kept in drain order
	failed  []Message
	now     func() time.Time
}

// New creates an empty Queue.
func New() *Queue {
	return &Queue{now: time.Now}
}

// SetClock overrides the queue's time source. Intended for tests.
func (q *Queue) SetClock(now func() time.Time) {
	q.mu.Lock()
	q.now = now
	q.mu.Unlock()
}

// Enqueue inserts an event preserving priority order: ahead of every lower
// priority entry, behind earlier entries of its own tier.
func (q *Queue) Enqueue(msgType string, payload []byte, prio Priority) Message {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	m := Message{
		ID:        uuid.New().String(),
		Type:      msgType,
		Payload:   append([]byte(nil), payload...),
		Timestamp: now,
		Priority:  prio,
	}
	switch prio {
	case PriorityLow:
		m.ExpiresAt = now.Add(TTLLow)
	case PriorityMedium:
		m.ExpiresAt = now.Add(TTLMedium)
	}

	// Insertion point: after the last entry with priority >= ours.
	idx := len(q.pending)
	for i, cur := range q.pending {
		if cur.Priority < prio {
			idx = i
			break
		}
	}
	q.pending = append(q.pending, Message{})
	copy(q.pending[idx+1:], q.pending[idx:])
	q.pending[idx] = m

	metrics.FallbackQueueSize.Set(float64(len(q.pending)))
	return m
}

// Len returns the number of pending entries, after purging expired ones.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.purgeLocked()
	return len(q.pending)
}

// FailedLen returns the size of the failed list.
func (q *Queue) FailedLen() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.failed)
}

// purgeLocked drops expired entries. Silent: expiry of stale low-value
// events is the whole point of the TTL. Caller must hold q.mu.
func (q *Queue) purgeLocked() {
	now := q.now()
	kept := q.pending[:0]
	for _, m := range q.pending {
		if !m.expired(now) {
			kept = append(kept, m)
		}
	}
	q.pending = kept
	metrics.FallbackQueueSize.Set(float64(len(q.pending)))
}

// ProcessQueue purges expired entries, then pops up to batchSize entries in
// priority order and attempts delivery via send. A failed delivery re-queues
// the entry with an incremented retry count and demoted priority; past
// MaxRetries it moves to the failed list. Returns the number delivered.
func (q *Queue) ProcessQueue(batchSize int, send Sender) int {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}

	q.mu.Lock()
	q.purgeLocked()
	n := batchSize
	if n > len(q.pending) {
		n = len(q.pending)
	}
	batch := make([]Message, n)
	copy(batch, q.pending[:n])
	q.pending = q.pending[n:]
	q.mu.Unlock()

	delivered := 0
	for _, m := range batch {
		if err := send(m); err == nil {
			delivered++
			continue
		}
		q.requeueFailed(m)
	}

	q.mu.Lock()
	metrics.FallbackQueueSize.Set(float64(len(q.pending)))
	q.mu.Unlock()
	return delivered
}

// Drain repeatedly processes until the queue is empty or a full batch fails
// to deliver anything. Used on reconnect before the connection reports
// itself healthy. Returns the total delivered.
func (q *Queue) Drain(send Sender) int {
	total := 0
	for {
		if q.Len() == 0 {
			return total
		}
		n := q.ProcessQueue(DefaultBatchSize, send)
		total += n
		if n == 0 {
			return total
		}
	}
}

// requeueFailed puts a delivery failure back with demoted priority, or onto
// the failed list once the retry ceiling is hit.
func (q *Queue) requeueFailed(m Message) {
	m.RetryCount++
	if m.RetryCount >= MaxRetries {
		q.mu.Lock()
		q.failed = append(q.failed, m)
		q.mu.Unlock()
		return
	}
	if m.Priority > PriorityLow {
		m.Priority--
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	idx := len(q.pending)
	for i, cur := range q.pending {
		if cur.Priority < m.Priority {
			idx = i
			break
		}
	}
	q.pending = append(q.pending, Message{})
	copy(q.pending[idx+1:], q.pending[idx:])
	q.pending[idx] = m
}

// RetryFailed moves everything from the failed list back into the pending
// queue with reset retry counts. Manual escape hatch; nothing calls it
// automatically.
func (q *Queue) RetryFailed() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := len(q.failed)
	for _, m := range q.failed {
		m.RetryCount = 0
		idx := len(q.pending)
		for i, cur := range q.pending {
			if cur.Priority < m.Priority {
				idx = i
				break
			}
		}
		q.pending = append(q.pending, Message{})
		copy(q.pending[idx+1:], q.pending[idx:])
		q.pending[idx] = m
	}
	q.failed = nil
	metrics.FallbackQueueSize.Set(float64(len(q.pending)))
	return n
}
