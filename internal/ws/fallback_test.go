package ws

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pairline/chat-core/internal/identity"
	"github.com/pairline/chat-core/internal/presence"
	"github.com/pairline/chat-core/internal/protocol"
)

func TestPollBuffer_DeliverAndTake(t *testing.T) {
	b := &PollBuffer{}

	require.NoError(t, b.Deliver([]byte(`{"type":"a"}`)))
	require.NoError(t, b.Deliver([]byte(`{"type":"b"}`)))

	events := b.Take()
	require.Len(t, events, 2)
	assert.JSONEq(t, `{"type":"a"}`, string(events[0]))
	assert.Empty(t, b.Take(), "Take must clear the buffer")
}

func TestPollBuffer_DropsOldestWhenFull(t *testing.T) {
	b := &PollBuffer{}

	for i := 0; i < maxPollBuffer+5; i++ {
		require.NoError(t, b.Deliver([]byte(fmt.Sprintf(`{"seq":%d}`, i))))
	}

	events := b.Take()
	require.Len(t, events, maxPollBuffer)
	assert.JSONEq(t, `{"seq":5}`, string(events[0]), "oldest events should have been evicted")
}

func newFallbackFixture(t *testing.T) (*FallbackHandler, *presence.Registry, string) {
	t.Helper()
	resolver := identity.NewResolver("test-secret", time.Hour)
	registry := presence.NewRegistry()
	dispatcher := NewMessageDispatcher()
	f := NewFallbackHandler(resolver, registry, dispatcher)

	_, token, err := resolver.Mint()
	require.NoError(t, err)
	return f, registry, token
}

func TestHandleEvents_RequiresToken(t *testing.T) {
	f, _, _ := newFallbackFixture(t)

	req := httptest.NewRequest(http.MethodPost, "/events", bytes.NewBufferString(`{"type":"ping"}`))
	rec := httptest.NewRecorder()
	f.HandleEvents(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHandleEvents_ResponseLandsInPollBuffer(t *testing.T) {
	f, _, token := newFallbackFixture(t)

	req := httptest.NewRequest(http.MethodPost, "/events", bytes.NewBufferString(`{"type":"ping"}`))
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	f.HandleEvents(rec, req)
	require.Equal(t, http.StatusAccepted, rec.Code)

	pollReq := httptest.NewRequest(http.MethodGet, "/poll", nil)
	pollReq.Header.Set("Authorization", "Bearer "+token)
	pollRec := httptest.NewRecorder()
	f.HandlePoll(pollRec, pollReq)
	require.Equal(t, http.StatusOK, pollRec.Code)

	var body struct {
		Events []json.RawMessage `json:"events"`
	}
	require.NoError(t, json.Unmarshal(pollRec.Body.Bytes(), &body))
	require.Len(t, body.Events, 1)

	var env struct {
		Type string `json:"type"`
	}
	require.NoError(t, json.Unmarshal(body.Events[0], &env))
	assert.Equal(t, protocol.TypePong, env.Type)
}

func TestHandlePoll_ClearsBufferBetweenPolls(t *testing.T) {
	f, registry, token := newFallbackFixture(t)

	// Bind the buffer, then push an event through the presence registry
	// the way the relay would.
	req := httptest.NewRequest(http.MethodGet, "/poll", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	f.HandlePoll(httptest.NewRecorder(), req)

	id, err := identity.NewResolver("test-secret", time.Hour).Resolve(token)
	require.NoError(t, err)
	delivered, err := registry.Notify(id, []byte(`{"type":"session_ended"}`))
	require.NoError(t, err)
	require.True(t, delivered)

	first := httptest.NewRecorder()
	pollReq := httptest.NewRequest(http.MethodGet, "/poll", nil)
	pollReq.Header.Set("Authorization", "Bearer "+token)
	f.HandlePoll(first, pollReq)

	var body struct {
		Events []json.RawMessage `json:"events"`
	}
	require.NoError(t, json.Unmarshal(first.Body.Bytes(), &body))
	assert.Len(t, body.Events, 1)

	second := httptest.NewRecorder()
	pollReq2 := httptest.NewRequest(http.MethodGet, "/poll", nil)
	pollReq2.Header.Set("Authorization", "Bearer "+token)
	f.HandlePoll(second, pollReq2)

	require.NoError(t, json.Unmarshal(second.Body.Bytes(), &body))
	assert.Empty(t, body.Events)
}

func TestHandleEvents_LiveConnectionKeepsBinding(t *testing.T) {
	f, registry, token := newFallbackFixture(t)

	id, err := identity.NewResolver("test-secret", time.Hour).Resolve(token)
	require.NoError(t, err)

	// A live handle is already bound; the fallback buffer must not steal it.
	live := &captureHandle{}
	registry.Bind(id, live)

	req := httptest.NewRequest(http.MethodPost, "/events", bytes.NewBufferString(`{"type":"ping"}`))
	req.Header.Set("Authorization", "Bearer "+token)
	f.HandleEvents(httptest.NewRecorder(), req)

	delivered, err := registry.Notify(id, []byte(`{"type":"x"}`))
	require.NoError(t, err)
	require.True(t, delivered)
	assert.NotEmpty(t, live.events, "event should reach the live handle, not the poll buffer")
}
