package ws

import (
	"encoding/json"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/pairline/chat-core/internal/identity"
	"github.com/pairline/chat-core/internal/presence"
)

// maxPollBuffer bounds queued events per offline identity. When full, the
// oldest event is dropped; the client reconciles with refresh_session.
const maxPollBuffer = 64

// maxEventBody bounds the fallback request body.
const maxEventBody = 64 << 10

// PollBuffer accumulates server events for an identity reachable only over
// the HTTP fallback. It satisfies presence.Handle, so the rest of the system
// pushes to it exactly as it would to a live WebSocket connection.
type PollBuffer struct {
	mu      sync.Mutex
	events  [][]byte
	lastHit time.Time
}

// Deliver appends an event, evicting the oldest when full.
func (b *PollBuffer) Deliver(event []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.events) >= maxPollBuffer {
		b.events = b.events[1:]
	}
	b.events = append(b.events, append([]byte(nil), event...))
	return nil
}

// Take returns all buffered events and clears the buffer.
func (b *PollBuffer) Take() [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.events
	b.events = nil
	b.lastHit = time.Now()
	return out
}

func (b *PollBuffer) idleSince() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastHit
}

// FallbackHandler serves the degraded HTTP endpoints: POST /events feeds
// inbound client messages into the same dispatcher as the WebSocket path,
// GET /poll returns events buffered while the client had no live connection.
type FallbackHandler struct {
	resolver   *identity.Resolver
	registry   *presence.Registry
	dispatcher *MessageDispatcher

	mu      sync.Mutex
	buffers map[string]*PollBuffer
}

// NewFallbackHandler creates the handler. Buffers are created lazily per
// identity and reaped when untouched for ten minutes.
func NewFallbackHandler(resolver *identity.Resolver, registry *presence.Registry, dispatcher *MessageDispatcher) *FallbackHandler {
	f := &FallbackHandler{
		resolver:   resolver,
		registry:   registry,
		dispatcher: dispatcher,
		buffers:    make(map[string]*PollBuffer),
	}
	go f.reapLoop()
	return f
}

// authenticate resolves the Bearer token to an identity. The fallback path
// never mints: a client without a token has no session to recover and should
// connect over WebSocket first.
func (f *FallbackHandler) authenticate(w http.ResponseWriter, r *http.Request) (string, bool) {
	auth := r.Header.Get("Authorization")
	token := strings.TrimPrefix(auth, "Bearer ")
	if token == "" || token == auth {
		http.Error(w, "missing token", http.StatusUnauthorized)
		return "", false
	}
	id, err := f.resolver.Resolve(token)
	if err != nil {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return "", false
	}
	return id, true
}

// buffer returns the identity's poll buffer, creating it and binding it as
// the presence handle when the identity has no live connection. A live
// WebSocket binding always wins; the buffer only catches events while the
// realtime channel is down.
func (f *FallbackHandler) buffer(id string) *PollBuffer {
	f.mu.Lock()
	b, ok := f.buffers[id]
	if !ok {
		b = &PollBuffer{lastHit: time.Now()}
		f.buffers[id] = b
	}
	f.mu.Unlock()

	if !f.registry.IsOnline(id) {
		f.registry.Bind(id, b)
	}
	return b
}

// HandleEvents accepts one client message over HTTP and runs it through the
// dispatcher. Responses that would normally flow back over the socket land
// in the poll buffer.
func (f *FallbackHandler) HandleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id, ok := f.authenticate(w, r)
	if !ok {
		return
	}

	data, err := io.ReadAll(io.LimitReader(r.Body, maxEventBody))
	if err != nil || len(data) == 0 {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	f.dispatcher.Dispatch(id, f.buffer(id), data)
	w.WriteHeader(http.StatusAccepted)
}

// HandlePoll returns and clears the caller's buffered events.
func (f *FallbackHandler) HandlePoll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id, ok := f.authenticate(w, r)
	if !ok {
		return
	}

	events := f.buffer(id).Take()
	raw := make([]json.RawMessage, 0, len(events))
	for _, ev := range events {
		raw = append(raw, json.RawMessage(ev))
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(struct {
		Events []json.RawMessage `json:"events"`
	}{Events: raw}); err != nil {
		log.Printf("ws: encode poll response identity=%s: %v", id, err)
	}
}

// reapLoop drops buffers nobody has polled for ten minutes, unbinding them
// from the registry when they still hold the identity's handle.
func (f *FallbackHandler) reapLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for range ticker.C {
		cutoff := time.Now().Add(-10 * time.Minute)

		f.mu.Lock()
		for id, b := range f.buffers {
			if b.idleSince().Before(cutoff) {
				delete(f.buffers, id)
				f.registry.UnbindHandle(id, b)
			}
		}
		f.mu.Unlock()
	}
}
