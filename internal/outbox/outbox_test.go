package outbox

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnqueue_PriorityOrderFIFOWithinTier(t *testing.T) {
	q := New()
	q.Enqueue("a", []byte("low-1"), PriorityLow)
	q.Enqueue("b", []byte("high-1"), PriorityHigh)
	q.Enqueue("c", []byte("medium-1"), PriorityMedium)
	q.Enqueue("d", []byte("high-2"), PriorityHigh)

	var order []string
	q.Drain(func(m Message) error {
		order = append(order, string(m.Payload))
		return nil
	})
	assert.Equal(t, []string{"high-1", "high-2", "medium-1", "low-1"}, order)
}

func TestExpiry_LowAndMediumOnly(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	now := base
	q := New()
	q.SetClock(func() time.Time { return now })

	q.Enqueue("low", nil, PriorityLow)
	q.Enqueue("medium", nil, PriorityMedium)
	q.Enqueue("high", nil, PriorityHigh)
	require.Equal(t, 3, q.Len())

	// Past the low TTL the low entry is gone, silently.
	now = base.Add(6 * time.Minute)
	assert.Equal(t, 2, q.Len())

	// Past the medium TTL only high remains; high never expires.
	now = base.Add(16 * time.Minute)
	assert.Equal(t, 1, q.Len())
	now = base.Add(24 * time.Hour)
	require.Equal(t, 1, q.Len())

	var types []string
	q.Drain(func(m Message) error {
		types = append(types, m.Type)
		return nil
	})
	assert.Equal(t, []string{"high"}, types)
}

func TestProcessQueue_BoundedBatch(t *testing.T) {
	q := New()
	for i := 0; i < 25; i++ {
		q.Enqueue("msg", nil, PriorityMedium)
	}

	sent := 0
	n := q.ProcessQueue(10, func(Message) error { sent++; return nil })
	assert.Equal(t, 10, n)
	assert.Equal(t, 15, q.Len())
}

func TestProcessQueue_FailureDemotesAndRetries(t *testing.T) {
	q := New()
	q.Enqueue("flaky", nil, PriorityHigh)

	failures := 0
	send := func(Message) error {
		failures++
		return errors.New("transport down")
	}

	// First failure: retry 1, demoted to medium.
	q.ProcessQueue(10, send)
	require.Equal(t, 1, q.Len())

	// Second failure: retry 2, demoted to low.
	q.ProcessQueue(10, send)
	require.Equal(t, 1, q.Len())

	// Third failure hits the ceiling: moved to the failed list.
	q.ProcessQueue(10, send)
	assert.Equal(t, 0, q.Len())
	assert.Equal(t, 1, q.FailedLen())
	assert.Equal(t, 3, failures)
}

func TestRetryFailed(t *testing.T) {
	q := New()
	q.Enqueue("doomed", nil, PriorityMedium)
	for i := 0; i < MaxRetries; i++ {
		q.ProcessQueue(10, func(Message) error { return errors.New("nope") })
	}
	require.Equal(t, 1, q.FailedLen())

	assert.Equal(t, 1, q.RetryFailed())
	assert.Equal(t, 0, q.FailedLen())
	assert.Equal(t, 1, q.Len())

	delivered := q.Drain(func(m Message) error {
		assert.Equal(t, 0, m.RetryCount, "retry count resets on manual retry")
		return nil
	})
	assert.Equal(t, 1, delivered)
}

func TestDrain_StopsWhenNothingDelivers(t *testing.T) {
	q := New()
	q.Enqueue("stuck", nil, PriorityHigh)

	delivered := q.Drain(func(Message) error { return errors.New("still down") })
	assert.Equal(t, 0, delivered)
}
