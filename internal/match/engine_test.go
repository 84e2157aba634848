package match

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pairline/chat-core/internal/handle"
	"github.com/pairline/chat-core/internal/moderation"
	"github.com/pairline/chat-core/internal/presence"
	"github.com/pairline/chat-core/internal/protocol"
	"github.com/pairline/chat-core/internal/queue"
	"github.com/pairline/chat-core/internal/relay"
	"github.com/pairline/chat-core/internal/sessions"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type eventSink struct {
	mu     sync.Mutex
	events [][]byte
}

func (s *eventSink) Deliver(event []byte) error {
	s.mu.Lock()
	s.events = append(s.events, append([]byte(nil), event...))
	s.mu.Unlock()
	return nil
}

// byType returns the decoded payloads of all received events of one type.
func (s *eventSink) byType(t *testing.T, msgType string) []map[string]interface{} {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []map[string]interface{}
	for _, raw := range s.events {
		var m map[string]interface{}
		require.NoError(t, json.Unmarshal(raw, &m))
		if m["type"] == msgType {
			out = append(out, m)
		}
	}
	return out
}

type fixture struct {
	clock    *fakeClock
	waitq    *queue.WaitQueue
	store    *sessions.Store
	registry *presence.Registry
	engine   *Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := &fakeClock{t: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	waitq := queue.New()
	waitq.SetClock(clock.Now)
	store := sessions.NewStore()
	registry := presence.NewRegistry()
	router := relay.NewRouter(store, registry, moderation.NewFilter(), relay.NopArchiver{})
	router.SetClock(clock.Now)
	engine := NewEngine(DefaultConfig(), waitq, store, registry, router, handle.NewGenerator(1), clock)
	return &fixture{clock: clock, waitq: waitq, store: store, registry: registry, engine: engine}
}

func (f *fixture) join(identity, chatType string) *eventSink {
	sink := &eventSink{}
	f.registry.Bind(identity, sink)
	f.waitq.Enqueue(identity, "handle-"+identity, chatType, protocol.Preferences{})
	return sink
}

func TestSweep_PairsSameChatType(t *testing.T) {
	f := newFixture(t)
	sinkA := f.join("alice", protocol.ChatTypeText)
	sinkB := f.join("bob", protocol.ChatTypeText)

	f.engine.Sweep()

	assert.Equal(t, 0, f.waitq.Len(), "matched entries must leave the queue")
	assert.Equal(t, 1, f.store.ActiveCount())

	foundA := sinkA.byType(t, protocol.TypeMatchFound)
	foundB := sinkB.byType(t, protocol.TypeMatchFound)
	require.Len(t, foundA, 1)
	require.Len(t, foundB, 1)

	assert.Equal(t, foundA[0]["session_id"], foundB[0]["session_id"])
	assert.Equal(t, protocol.ChatTypeText, foundA[0]["chat_type"])

	// Each side sees its own fresh handle and the partner's, never an
	// identity. The two per-session handles are distinct.
	ownA := foundA[0]["display_handle"].(string)
	ownB := foundB[0]["display_handle"].(string)
	partnerOfA := foundA[0]["partner"].(map[string]interface{})["display_handle"].(string)
	partnerOfB := foundB[0]["partner"].(map[string]interface{})["display_handle"].(string)

	assert.NotEqual(t, ownA, ownB)
	assert.Equal(t, ownB, partnerOfA)
	assert.Equal(t, ownA, partnerOfB)
	assert.NotContains(t, partnerOfA, "bob")
	assert.NotContains(t, partnerOfB, "alice")
}

func TestSweep_ChatTypeMustMatchExactly(t *testing.T) {
	f := newFixture(t)
	sinkA := f.join("alice", protocol.ChatTypeText)
	sinkB := f.join("bob", protocol.ChatTypeVideo)

	f.engine.Sweep()

	assert.Equal(t, 2, f.waitq.Len(), "cross-type entries must never pair")
	assert.Equal(t, 0, f.store.ActiveCount())
	assert.Empty(t, sinkA.byType(t, protocol.TypeMatchFound))
	assert.Empty(t, sinkB.byType(t, protocol.TypeMatchFound))

	// Unmatched entries get a position push with a bumped retry count.
	require.Len(t, sinkA.byType(t, protocol.TypeQueuePosition), 1)
	e, ok := f.waitq.Get("alice")
	require.True(t, ok)
	assert.Equal(t, 1, e.RetryCount)
}

func TestSweep_OddEntryWaitsForNextSweep(t *testing.T) {
	f := newFixture(t)
	f.join("a", protocol.ChatTypeText)
	f.clock.Advance(time.Second)
	f.join("b", protocol.ChatTypeText)
	f.clock.Advance(time.Second)
	sinkC := f.join("c", protocol.ChatTypeText)

	f.engine.Sweep()

	assert.Equal(t, 1, f.waitq.Len())
	assert.Equal(t, 1, f.store.ActiveCount(), "no double-match within one sweep")
	_, stillQueued := f.waitq.Get("c")
	assert.True(t, stillQueued, "FIFO order: the latest joiner is the one left behind")
	assert.Empty(t, sinkC.byType(t, protocol.TypeMatchFound))
	assert.Len(t, sinkC.byType(t, protocol.TypeQueuePosition), 1)

	sinkD := f.join("d", protocol.ChatTypeText)
	f.engine.Sweep()
	assert.Equal(t, 0, f.waitq.Len())
	assert.Len(t, sinkC.byType(t, protocol.TypeMatchFound), 1)
	assert.Len(t, sinkD.byType(t, protocol.TypeMatchFound), 1)
}

func TestSweep_EvictsStaleEntries(t *testing.T) {
	f := newFixture(t)
	sinkOld := f.join("old", protocol.ChatTypeVideo)

	f.clock.Advance(DefaultConfig().StaleAfter + time.Minute)
	sinkFresh := f.join("fresh", protocol.ChatTypeVideo)

	f.engine.Sweep()

	_, ok := f.waitq.Get("old")
	assert.False(t, ok, "stale entry must be evicted before matching")
	_, ok = f.waitq.Get("fresh")
	assert.True(t, ok)

	timeouts := sinkOld.byType(t, protocol.TypeError)
	require.Len(t, timeouts, 1)
	assert.Equal(t, "queue_timeout", timeouts[0]["code"])
	assert.Empty(t, sinkFresh.byType(t, protocol.TypeError))
}

func TestSweep_ReapsIdleSessions(t *testing.T) {
	f := newFixture(t)
	sinkA := f.join("alice", protocol.ChatTypeText)
	sinkB := f.join("bob", protocol.ChatTypeText)
	f.engine.Sweep()
	require.Equal(t, 1, f.store.ActiveCount())

	f.clock.Advance(DefaultConfig().IdleTimeout + time.Minute)
	f.engine.Sweep()

	assert.Equal(t, 0, f.store.ActiveCount())
	for _, sink := range []*eventSink{sinkA, sinkB} {
		ended := sink.byType(t, protocol.TypeSessionEnded)
		require.Len(t, ended, 1, "both sides must learn about the timeout")
		assert.Equal(t, protocol.ReasonTimeout, ended[0]["reason"])
	}
}

func TestSweep_CancelRacingMatchStrandsNobody(t *testing.T) {
	f := newFixture(t)
	f.join("alice", protocol.ChatTypeText)
	sinkB := f.join("bob", protocol.ChatTypeText)

	// alice cancels between snapshot and pairing: simulated by dequeueing
	// before the sweep runs on a stale view.
	f.waitq.Dequeue("alice")
	f.engine.Sweep()

	assert.Equal(t, 0, f.store.ActiveCount())
	assert.Empty(t, sinkB.byType(t, protocol.TypeMatchFound))
	_, ok := f.waitq.Get("bob")
	assert.True(t, ok, "the surviving side stays queued for the next sweep")
}

func TestMatchNow_PairsImmediately(t *testing.T) {
	f := newFixture(t)
	sinkA := f.join("waiter", protocol.ChatTypeText)
	f.clock.Advance(time.Second)
	sinkB := f.join("joiner", protocol.ChatTypeText)

	s, ok := f.engine.MatchNow("joiner")
	require.True(t, ok)
	require.NotNil(t, s)
	assert.Equal(t, 0, f.waitq.Len())
	assert.Len(t, sinkA.byType(t, protocol.TypeMatchFound), 1)
	assert.Len(t, sinkB.byType(t, protocol.TypeMatchFound), 1)

	// A second attempt finds nothing to pair with.
	_, ok = f.engine.MatchNow("joiner")
	assert.False(t, ok)
}

func TestMatchNow_NoCompatibleWaiter(t *testing.T) {
	f := newFixture(t)
	f.join("waiter", protocol.ChatTypeVoice)
	f.join("joiner", protocol.ChatTypeText)

	_, ok := f.engine.MatchNow("joiner")
	assert.False(t, ok)
	assert.Equal(t, 2, f.waitq.Len())
}

func TestStartStop(t *testing.T) {
	f := newFixture(t)
	f.engine.Start()
	f.engine.Stop()
	// Stop must be safe to call again.
	f.engine.Stop()
}
