// Package sessions implements the two-party chat session: participants with
// anonymized display handles, the append-only message log, and the monotonic
// status state machine (waiting -> active -> ended | reported). Ended
// sessions are retained in an archive for audit and report lookup.
package sessions

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pairline/chat-core/internal/protocol"
)

// Session status values. StatusWaiting is reserved for a future multi-party
// pre-fill mode and is never entered in 1:1 operation; constructors create
// sessions directly in StatusActive.
const (
	StatusWaiting  = "waiting"
	StatusActive   = "active"
	StatusEnded    = "ended"
	StatusReported = "reported"
)

// ErrNotActive is returned by mutations that require an active session.
// Once a session is ended or reported it can never re-enter active.
var ErrNotActive = errors.New("sessions: session is not active")

// Participant is one side of a session.
type Participant struct {
	Identity      string
	DisplayHandle string
	Preferences   protocol.Preferences
	JoinedAt      time.Time
	IsActive      bool
}

// Message is one entry in the append-only session log.
type Message struct {
	ID             string
	SenderIdentity string
	SenderHandle   string
	Content        string
	MsgType        string
	SentAt         time.Time
}

// Session is the stateful two-party chat unit. All mutations go through
// methods holding the session's own mutex, so concurrent relay and sweep
// operations on the same session are serialized while unrelated sessions
// proceed in parallel.
type Session struct {
	ID           string
	ChatType     string
	Participants [2]Participant
	StartTime    time.Time

	mu           sync.Mutex
	status       string
	messages     []Message
	seen         map[string]struct{} // sender+message ID, for idempotent append
	reportCount  int
	lastActivity time.Time
	endTime      time.Time
	endReason    string
}

// New creates an active session between two participants.
func New(id, chatType string, a, b Participant, now time.Time) *Session {
	a.IsActive = true
	b.IsActive = true
	return &Session{
		ID:           id,
		ChatType:     chatType,
		Participants: [2]Participant{a, b},
		StartTime:    now,
		status:       StatusActive,
		seen:         make(map[string]struct{}),
		lastActivity: now,
	}
}

// Status returns the current status.
func (s *Session) Status() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// IsParticipant reports whether identity belongs to this session.
func (s *Session) IsParticipant(identity string) bool {
	return s.Participants[0].Identity == identity || s.Participants[1].Identity == identity
}

// Partner returns the other participant.
func (s *Session) Partner(identity string) (Participant, bool) {
	switch identity {
	case s.Participants[0].Identity:
		return s.Participants[1], true
	case s.Participants[1].Identity:
		return s.Participants[0], true
	}
	return Participant{}, false
}

// HandleOf returns the display handle bound to identity within this session.
func (s *Session) HandleOf(identity string) string {
	switch identity {
	case s.Participants[0].Identity:
		return s.Participants[0].DisplayHandle
	case s.Participants[1].Identity:
		return s.Participants[1].DisplayHandle
	}
	return ""
}

// Append adds a message to the log. The append is idempotent per sender and
// message ID: a retried relay with the same sender and ID reports added=false
// and the log is unchanged. Keying by sender keeps one participant from
// suppressing the other's messages by reusing their IDs. Appending to a
// non-active session fails.
func (s *Session) Append(msg Message) (added bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status != StatusActive {
		return false, fmt.Errorf("%w (status=%s)", ErrNotActive, s.status)
	}
	key := msg.SenderIdentity + "\x00" + msg.ID
	if _, dup := s.seen[key]; dup {
		return false, nil
	}
	s.seen[key] = struct{}{}
	s.messages = append(s.messages, msg)
	s.lastActivity = msg.SentAt
	return true, nil
}

// Messages returns a copy of the message log in arrival order.
func (s *Session) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// MessageCount returns the number of appended messages.
func (s *Session) MessageCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

// Touch records non-message activity (e.g. signaling) against the idle timer.
func (s *Session) Touch(now time.Time) {
	s.mu.Lock()
	if now.After(s.lastActivity) {
		s.lastActivity = now
	}
	s.mu.Unlock()
}

// LastActivity returns the time of the most recent message or Touch.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// AddReport increments the report counter and returns the new value.
func (s *Session) AddReport() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reportCount++
	return s.reportCount
}

// ReportCount returns the number of reports filed against this session.
func (s *Session) ReportCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reportCount
}

// End transitions the session to its terminal state. Reason
// protocol.ReasonReported yields StatusReported, everything else StatusEnded.
// The transition is monotonic: ending an already-terminal session returns
// false and changes nothing.
func (s *Session) End(reason string, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status == StatusEnded || s.status == StatusReported {
		return false
	}
	if reason == protocol.ReasonReported {
		s.status = StatusReported
	} else {
		s.status = StatusEnded
	}
	s.endTime = now
	s.endReason = reason
	for i := range s.Participants {
		s.Participants[i].IsActive = false
	}
	return true
}

// EndInfo returns the termination time and reason. Zero values if active.
func (s *Session) EndInfo() (time.Time, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.endTime, s.endReason
}
