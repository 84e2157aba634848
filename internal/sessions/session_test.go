package sessions

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pairline/chat-core/internal/protocol"
)

func newTestSession(now time.Time) *Session {
	a := Participant{Identity: "user-a", DisplayHandle: "QuietOwl-1111", JoinedAt: now}
	b := Participant{Identity: "user-b", DisplayHandle: "SwiftFox-2222", JoinedAt: now}
	return New("sess-1", protocol.ChatTypeText, a, b, now)
}

func TestNew_StartsActive(t *testing.T) {
	now := time.Now()
	s := newTestSession(now)

	assert.Equal(t, StatusActive, s.Status())
	assert.True(t, s.Participants[0].IsActive)
	assert.True(t, s.Participants[1].IsActive)
}

func TestAppend_IdempotentByMessageID(t *testing.T) {
	now := time.Now()
	s := newTestSession(now)

	msg := Message{ID: "m1", SenderIdentity: "user-a", SenderHandle: "QuietOwl-1111", Content: "hello", MsgType: "text", SentAt: now}

	added, err := s.Append(msg)
	require.NoError(t, err)
	assert.True(t, added)

	// A retried append with the same ID must be a silent no-op.
	added, err = s.Append(msg)
	require.NoError(t, err)
	assert.False(t, added)
	assert.Equal(t, 1, s.MessageCount())
}

func TestAppend_DedupScopedToSender(t *testing.T) {
	now := time.Now()
	s := newTestSession(now)

	added, err := s.Append(Message{ID: "m1", SenderIdentity: "user-a", SenderHandle: "QuietOwl-1111", Content: "hello", MsgType: "text", SentAt: now})
	require.NoError(t, err)
	require.True(t, added)

	// The partner reusing the other side's message ID is a new message,
	// not a retry. It must not be swallowed by the dedup.
	added, err = s.Append(Message{ID: "m1", SenderIdentity: "user-b", SenderHandle: "SwiftFox-2222", Content: "hi back", MsgType: "text", SentAt: now.Add(time.Second)})
	require.NoError(t, err)
	assert.True(t, added)
	assert.Equal(t, 2, s.MessageCount())
}

func TestAppend_RejectedAfterEnd(t *testing.T) {
	now := time.Now()
	s := newTestSession(now)

	require.True(t, s.End(protocol.ReasonUserLeft, now))

	_, err := s.Append(Message{ID: "m1", SenderIdentity: "user-a", Content: "late", SentAt: now})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotActive))
	assert.Equal(t, 0, s.MessageCount())
}

func TestEnd_Monotonic(t *testing.T) {
	now := time.Now()
	s := newTestSession(now)

	assert.True(t, s.End(protocol.ReasonUserLeft, now))
	assert.False(t, s.End(protocol.ReasonTimeout, now), "second End must not fire")

	_, reason := s.EndInfo()
	assert.Equal(t, protocol.ReasonUserLeft, reason, "first reason wins")
	assert.Equal(t, StatusEnded, s.Status())
}

func TestEnd_ReportedStatus(t *testing.T) {
	now := time.Now()
	s := newTestSession(now)

	require.True(t, s.End(protocol.ReasonReported, now))
	assert.Equal(t, StatusReported, s.Status())
}

func TestPartner(t *testing.T) {
	s := newTestSession(time.Now())

	p, ok := s.Partner("user-a")
	require.True(t, ok)
	assert.Equal(t, "user-b", p.Identity)
	assert.Equal(t, "SwiftFox-2222", p.DisplayHandle)

	_, ok = s.Partner("stranger")
	assert.False(t, ok)
}

func TestHandleOf_NeverRealIdentity(t *testing.T) {
	s := newTestSession(time.Now())
	assert.NotEqual(t, "user-a", s.HandleOf("user-a"))
	assert.NotEqual(t, s.HandleOf("user-a"), s.HandleOf("user-b"), "handles distinct within a session")
	assert.Empty(t, s.HandleOf("stranger"))
}
