// Package queue implements the wait queue of users looking for a chat
// partner. The queue is an explicit store owned by the service and injected
// into the matching engine, never process-global state. At most one entry
// exists per identity: re-joining replaces the previous entry.
package queue

import (
	"sort"
	"sync"
	"time"

	"github.com/pairline/chat-core/internal/protocol"
)

const (
	// MinEstimatedWait is the floor for the estimated-wait hint, in seconds.
	// The estimate shrinks as sweeps pass so the user sees the system working.
	MinEstimatedWait = 30

	// baseEstimatedWait is the initial estimate for a fresh entry, in seconds.
	baseEstimatedWait = 120

	// estimateDecayPerRetry is how many seconds each unsuccessful sweep
	// subtracts from the estimate.
	estimateDecayPerRetry = 15

	// retriesPerPriorityBump is how many unsuccessful sweeps it takes for an
	// entry to gain one priority level. At the default 5s sweep interval this
	// promotes a waiting user every half minute.
	retriesPerPriorityBump = 6
)

// Entry is one user waiting for a partner.
type Entry struct {
	Identity      string
	DisplayHandle string // generated at enqueue time, stable until dequeue
	ChatType      string
	Preferences   protocol.Preferences
	JoinedAt      time.Time
	RetryCount    int
	Priority      int // higher is matched first
}

// EstimatedWait returns the wait hint in seconds for this entry.
func (e *Entry) EstimatedWait() int {
	est := baseEstimatedWait - e.RetryCount*estimateDecayPerRetry
	if est < MinEstimatedWait {
		est = MinEstimatedWait
	}
	return est
}

// WaitQueue is a goroutine-safe ordered collection of Entries keyed by
// identity. Join order is preserved for position computation and FIFO
// matching within a priority tier.
type WaitQueue struct {
	mu      sync.Mutex
	entries map[string]*Entry
	order   []string // identities in join order
	now     func() time.Time
}

// New creates an empty WaitQueue.
func New() *WaitQueue {
	return &WaitQueue{
		entries: make(map[string]*Entry),
		now:     time.Now,
	}
}

// SetClock overrides the queue's time source. Intended for tests.
func (q *WaitQueue) SetClock(now func() time.Time) {
	q.mu.Lock()
	q.now = now
	q.mu.Unlock()
}

// Enqueue adds an entry for identity, replacing any existing one. The
// returned Entry is a copy; mutations on it do not affect the queue.
func (q *WaitQueue) Enqueue(identity, displayHandle, chatType string, prefs protocol.Preferences) Entry {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.entries[identity]; ok {
		q.removeLocked(identity)
	}

	e := &Entry{
		Identity:      identity,
		DisplayHandle: displayHandle,
		ChatType:      chatType,
		Preferences:   prefs,
		JoinedAt:      q.now(),
	}
	q.entries[identity] = e
	q.order = append(q.order, identity)
	return *e
}

// Dequeue removes the entry for identity. Removing an absent identity is a
// no-op; the bool reports whether an entry was present.
func (q *WaitQueue) Dequeue(identity string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.entries[identity]; !ok {
		return false
	}
	q.removeLocked(identity)
	return true
}

// RemovePair removes both identities in a single atomic step. Either both
// entries are removed and true is returned, or the queue is left untouched
// and false is returned. This is the dequeue half of the matching engine's
// atomic pair creation: a sweep can never strand one user half-matched.
func (q *WaitQueue) RemovePair(a, b string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.entries[a]; !ok {
		return false
	}
	if _, ok := q.entries[b]; !ok {
		return false
	}
	q.removeLocked(a)
	q.removeLocked(b)
	return true
}

// Get returns a copy of the entry for identity, or false if absent.
func (q *WaitQueue) Get(identity string) (Entry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.entries[identity]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Snapshot returns copies of all entries sorted by (priority desc, joinedAt
// asc), which is the scan order of the matching sweep.
func (q *WaitQueue) Snapshot() []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]Entry, 0, len(q.order))
	for _, id := range q.order {
		out = append(out, *q.entries[id])
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].JoinedAt.Before(out[j].JoinedAt)
	})
	return out
}

// Position returns the 1-based queue position of identity among entries of
// the same chat type, by join order. Cross-type entries do not block each
// other's position counts. Returns 0 if the identity is not queued.
func (q *WaitQueue) Position(identity string) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	self, ok := q.entries[identity]
	if !ok {
		return 0
	}

	pos := 1
	for _, id := range q.order {
		if id == identity {
			return pos
		}
		if q.entries[id].ChatType == self.ChatType {
			pos++
		}
	}
	return 0
}

// IncrementRetry bumps the retry counter for identity after an unsuccessful
// sweep and returns the updated entry copy. Priority ages up with retries so
// long-waiting entries climb the sweep's scan order instead of losing every
// tiebreak to a fresh burst of joiners.
func (q *WaitQueue) IncrementRetry(identity string) (Entry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.entries[identity]
	if !ok {
		return Entry{}, false
	}
	e.RetryCount++
	if e.RetryCount%retriesPerPriorityBump == 0 {
		e.Priority++
	}
	return *e, true
}

// EvictStale removes entries older than maxAge and returns the evicted
// copies so the caller can notify the affected users.
func (q *WaitQueue) EvictStale(maxAge time.Duration) []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()

	cutoff := q.now().Add(-maxAge)
	var evicted []Entry
	for _, id := range append([]string(nil), q.order...) {
		e := q.entries[id]
		if e.JoinedAt.Before(cutoff) {
			evicted = append(evicted, *e)
			q.removeLocked(id)
		}
	}
	return evicted
}

// Len returns the number of queued entries.
func (q *WaitQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// removeLocked deletes identity from both the map and the order slice.
// Caller must hold q.mu.
func (q *WaitQueue) removeLocked(identity string) {
	delete(q.entries, identity)
	for i, id := range q.order {
		if id == identity {
			q.order = append(q.order[:i], q.order[i+1:]...)
			return
		}
	}
}
