// Package match implements the periodic matching engine. Each sweep scans
// the wait queue in (priority desc, joinedAt asc) order and pairs the first
// two compatible entries it finds.
//
// Compatibility is an exact chat-type match only. All other preference
// fields (language, interests, age range) are soft hints carried into the
// session but never enforced by the base algorithm. This is a deliberate
// design choice, not an oversight.
//
// The scan is first-match-wins, O(n^2) worst case, and makes no attempt at
// optimal bipartite matching. That is acceptable at the queue depths this
// system runs at; an interest-weighted matcher is a possible future
// replacement, not a silent fix.
package match

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/pairline/chat-core/internal/handle"
	"github.com/pairline/chat-core/internal/metrics"
	"github.com/pairline/chat-core/internal/presence"
	"github.com/pairline/chat-core/internal/protocol"
	"github.com/pairline/chat-core/internal/queue"
	"github.com/pairline/chat-core/internal/relay"
	"github.com/pairline/chat-core/internal/sessions"
)

// Config holds the engine's timing parameters.
type Config struct {
	Interval    time.Duration // sweep period
	StaleAfter  time.Duration // wait entries older than this are evicted
	IdleTimeout time.Duration // sessions without activity auto-end
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Interval:    5 * time.Second,
		StaleAfter:  10 * time.Minute,
		IdleTimeout: 15 * time.Minute,
	}
}

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Engine is the periodic scheduler that pairs wait-queue entries into
// sessions. The sweep is the system's only autonomous periodic task; it also
// owns stale-entry eviction and idle-session reaping so no second timer
// competes with it.
type Engine struct {
	config   Config
	waitq    *queue.WaitQueue
	store    *sessions.Store
	registry *presence.Registry
	router   *relay.Router
	handles  *handle.Generator
	clock    Clock

	ctx    context.Context
	cancel context.CancelFunc
}

// NewEngine creates an Engine over the injected stores. A nil clock selects
// the system clock.
func NewEngine(config Config, waitq *queue.WaitQueue, store *sessions.Store, registry *presence.Registry, router *relay.Router, handles *handle.Generator, clock Clock) *Engine {
	if clock == nil {
		clock = systemClock{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		config:   config,
		waitq:    waitq,
		store:    store,
		registry: registry,
		router:   router,
		handles:  handles,
		clock:    clock,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start launches the sweep loop in a background goroutine.
func (e *Engine) Start() {
	go e.loop()
	log.Printf("match: engine started (interval=%s stale_after=%s idle_timeout=%s)",
		e.config.Interval, e.config.StaleAfter, e.config.IdleTimeout)
}

// Stop terminates the sweep loop.
func (e *Engine) Stop() {
	e.cancel()
	log.Println("match: engine stopped")
}

func (e *Engine) loop() {
	ticker := time.NewTicker(e.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			log.Println("match: sweep loop stopped")
			return
		case <-ticker.C:
			e.Sweep()
		}
	}
}

// Sweep runs one full matching pass: evict stale wait entries, reap idle
// sessions, pair compatible entries, and push queue-position updates to the
// entries left behind. Exported so callers (and tests) can drive the engine
// deterministically.
func (e *Engine) Sweep() {
	now := e.clock.Now()

	e.evictStale()
	e.reapIdle(now)

	entries := e.waitq.Snapshot()
	metrics.WaitQueueSize.Set(float64(len(entries)))

	matched := make(map[string]bool, len(entries))

	for i, entry := range entries {
		if matched[entry.Identity] {
			continue
		}
		for j := i + 1; j < len(entries); j++ {
			cand := entries[j]
			if matched[cand.Identity] {
				continue
			}
			if cand.ChatType != entry.ChatType {
				continue
			}

			// Atomic pair removal: if either side dequeued since the
			// snapshot (cancel racing the sweep), neither is removed and the
			// scan moves on. A user is never stranded half-matched.
			if !e.waitq.RemovePair(entry.Identity, cand.Identity) {
				continue
			}

			matched[entry.Identity] = true
			matched[cand.Identity] = true
			e.createSession(entry, cand, now)
			break
		}
	}

	// Entries with no match this sweep: bump retry and push a position
	// update so the user sees the system working.
	for _, entry := range entries {
		if matched[entry.Identity] {
			continue
		}
		updated, ok := e.waitq.IncrementRetry(entry.Identity)
		if !ok {
			continue // dequeued or evicted mid-sweep
		}
		e.pushPosition(updated)
	}
}

// MatchNow attempts to pair identity against the current queue outside the
// periodic sweep, so a joiner who meets a compatible waiter does not sit
// through a full sweep interval first. Candidates are considered in the
// sweep's scan order. Returns the created session when a pair was made.
func (e *Engine) MatchNow(identity string) (*sessions.Session, bool) {
	entry, ok := e.waitq.Get(identity)
	if !ok {
		return nil, false
	}
	for _, cand := range e.waitq.Snapshot() {
		if cand.Identity == identity || cand.ChatType != entry.ChatType {
			continue
		}
		if !e.waitq.RemovePair(cand.Identity, entry.Identity) {
			continue
		}
		// The waiting side goes first; it has the earlier joinedAt.
		return e.createSession(cand, entry, e.clock.Now()), true
	}
	return nil, false
}

// createSession atomically turns a removed pair into an active session and
// notifies both sides. The pair is already out of the queue; from here the
// session exists before anyone else can observe the intermediate state.
func (e *Engine) createSession(a, b queue.Entry, now time.Time) *sessions.Session {
	sessionID := uuid.New().String()
	handleA, handleB := e.handles.GeneratePair()

	s := sessions.New(sessionID, a.ChatType,
		sessions.Participant{Identity: a.Identity, DisplayHandle: handleA, Preferences: a.Preferences, JoinedAt: now},
		sessions.Participant{Identity: b.Identity, DisplayHandle: handleB, Preferences: b.Preferences, JoinedAt: now},
		now)
	e.store.Add(s)

	metrics.MatchesTotal.Inc()
	metrics.ActiveSessions.Set(float64(e.store.ActiveCount()))
	metrics.MatchDuration.Observe(now.Sub(a.JoinedAt).Seconds())
	metrics.MatchDuration.Observe(now.Sub(b.JoinedAt).Seconds())

	// Each side learns the partner's display handle only, never the real
	// identity.
	e.notifyMatch(a.Identity, handleA, handleB, s)
	e.notifyMatch(b.Identity, handleB, handleA, s)

	log.Printf("match: paired session=%s chat_type=%s", sessionID, a.ChatType)
	return s
}

func (e *Engine) notifyMatch(identity, ownHandle, partnerHandle string, s *sessions.Session) {
	event, err := protocol.NewServerMessage(protocol.TypeMatchFound, protocol.MatchFoundMsg{
		SessionID: s.ID,
		ChatType:  s.ChatType,
		Handle:    ownHandle,
		Partner:   protocol.Partner{DisplayHandle: partnerHandle},
	})
	if err != nil {
		log.Printf("match: build match_found session=%s: %v", s.ID, err)
		return
	}
	if _, err := e.registry.Notify(identity, event); err != nil {
		log.Printf("match: deliver match_found session=%s: %v", s.ID, err)
	}
}

func (e *Engine) pushPosition(entry queue.Entry) {
	event, err := protocol.NewServerMessage(protocol.TypeQueuePosition, protocol.QueuePositionMsg{
		Position:      e.waitq.Position(entry.Identity),
		EstimatedWait: entry.EstimatedWait(),
	})
	if err != nil {
		return
	}
	_, _ = e.registry.Notify(entry.Identity, event)
}

// evictStale drops wait entries past the staleness bound and tells the
// affected users their queue wait timed out.
func (e *Engine) evictStale() {
	for _, entry := range e.waitq.EvictStale(e.config.StaleAfter) {
		event, err := protocol.NewServerMessage(protocol.TypeError, protocol.ErrorMsg{
			Code:    "queue_timeout",
			Message: "no partner found, please try again",
		})
		if err != nil {
			continue
		}
		_, _ = e.registry.Notify(entry.Identity, event)
		log.Printf("match: evicted stale wait entry identity=%s", entry.Identity)
	}
}

// reapIdle ends sessions with no activity inside the idle window and
// notifies both participants with reason timeout.
func (e *Engine) reapIdle(now time.Time) {
	for _, s := range e.store.ReapIdle(e.config.IdleTimeout, now, protocol.ReasonTimeout) {
		e.router.NotifyEnded(s, protocol.ReasonTimeout, "")
		log.Printf("match: session=%s ended (idle timeout)", s.ID)
	}
	metrics.ActiveSessions.Set(float64(e.store.ActiveCount()))
}
