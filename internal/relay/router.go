// Package relay routes chat, typing and signaling events between session
// participants. It enforces session-scoped isolation (only current
// participants of an active session can send), at-most-once delivery per
// message ID, and the moderation gate. Persistence is a fire-and-forget
// collaborator that never blocks or fails the relay path: chat continuity
// takes precedence over audit durability.
package relay

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/pairline/chat-core/internal/metrics"
	"github.com/pairline/chat-core/internal/moderation"
	"github.com/pairline/chat-core/internal/presence"
	"github.com/pairline/chat-core/internal/protocol"
	"github.com/pairline/chat-core/internal/sessions"
)

// Sentinel errors surfaced to the calling operation. All are transient,
// retryable conditions from the client's point of view.
var (
	ErrSessionNotFound = errors.New("relay: session not found")
	ErrSessionEnded    = errors.New("relay: session is no longer active")
	ErrNotParticipant  = errors.New("relay: sender is not a session participant")
)

// ModerationError carries the block reason back to the sender. A moderated
// message is not appended and not relayed.
type ModerationError struct {
	Reason string
	Term   string
}

func (e *ModerationError) Error() string {
	return fmt.Sprintf("relay: message blocked by moderation (%s)", e.Reason)
}

// Archiver is the best-effort persistence write contract. Implementations
// must not block the caller; failures are their own to log.
type Archiver interface {
	AppendMessage(sessionID, authorIdentity, displayHandle, content, msgType string, ts time.Time)
	SessionEnded(sessionID, reason string, ts time.Time)
}

// NopArchiver discards everything. Used when no archive sink is configured.
type NopArchiver struct{}

func (NopArchiver) AppendMessage(string, string, string, string, string, time.Time) {}
func (NopArchiver) SessionEnded(string, string, time.Time)                          {}

// Router delivers events between the participants of a session.
type Router struct {
	store     *sessions.Store
	registry  *presence.Registry
	moderator moderation.Moderator
	archiver  Archiver
	now       func() time.Time
}

// NewRouter creates a Router over the given stores and collaborators.
// Passing a nil archiver installs NopArchiver.
func NewRouter(store *sessions.Store, registry *presence.Registry, mod moderation.Moderator, arch Archiver) *Router {
	if arch == nil {
		arch = NopArchiver{}
	}
	return &Router{
		store:     store,
		registry:  registry,
		moderator: mod,
		archiver:  arch,
		now:       time.Now,
	}
}

// SetClock overrides the router's time source. Intended for tests.
func (r *Router) SetClock(now func() time.Time) { r.now = now }

// lookup resolves an active session and checks sender membership.
func (r *Router) lookup(sessionID, sender string) (*sessions.Session, error) {
	s, ok := r.store.Get(sessionID)
	if !ok {
		return nil, ErrSessionNotFound
	}
	if !s.IsParticipant(sender) {
		return nil, ErrNotParticipant
	}
	if s.Status() != sessions.StatusActive {
		return nil, ErrSessionEnded
	}
	return s, nil
}

// RelayMessage validates, moderates, appends and delivers one chat message.
// msgID is the idempotency key, scoped to the sender: a retry by the same
// sender with the same ID appends nothing and triggers no extra delivery.
// When msgID is empty a fresh UUID is assigned.
// On success every participant receives exactly one message_received event,
// the sender's tagged is_own=true.
func (r *Router) RelayMessage(sessionID, sender, msgID, content, msgType string) (sessions.Message, error) {
	s, err := r.lookup(sessionID, sender)
	if err != nil {
		return sessions.Message{}, err
	}

	if err := moderation.ValidateMessage(content); err != nil {
		return sessions.Message{}, &ModerationError{Reason: err.Error()}
	}

	res := r.moderator.Moderate(content, sender)
	if !res.Allowed {
		metrics.MessagesTotal.WithLabelValues("blocked").Inc()
		return sessions.Message{}, &ModerationError{Reason: res.Reason, Term: res.Term}
	}

	if msgType == "" {
		msgType = "text"
	}
	if msgID == "" {
		msgID = uuid.New().String()
	}

	msg := sessions.Message{
		ID:             msgID,
		SenderIdentity: sender,
		SenderHandle:   s.HandleOf(sender),
		Content:        res.FilteredText,
		MsgType:        msgType,
		SentAt:         r.now(),
	}

	added, err := s.Append(msg)
	if err != nil {
		return sessions.Message{}, ErrSessionEnded
	}
	if !added {
		// Duplicate retry: the original append already produced the echo and
		// the delivery. Acknowledge without relaying again.
		metrics.MessagesTotal.WithLabelValues("duplicate").Inc()
		return msg, nil
	}
	start := time.Now()

	for _, p := range s.Participants {
		event, err := protocol.NewServerMessage(protocol.TypeMessageReceived, protocol.MessageReceivedMsg{
			SessionID: s.ID,
			MessageID: msg.ID,
			From:      msg.SenderHandle,
			Content:   msg.Content,
			MsgType:   msg.MsgType,
			IsOwn:     p.Identity == sender,
			Ts:        msg.SentAt.Unix(),
		})
		if err != nil {
			log.Printf("relay: build message event session=%s: %v", s.ID, err)
			continue
		}
		if _, err := r.registry.Notify(p.Identity, event); err != nil {
			log.Printf("relay: deliver message session=%s to=%s: %v", s.ID, p.Identity, err)
		}
	}

	r.archiver.AppendMessage(s.ID, sender, msg.SenderHandle, msg.Content, msg.MsgType, msg.SentAt)
	metrics.MessagesTotal.WithLabelValues("relayed").Inc()
	metrics.RelayLatency.Observe(time.Since(start).Seconds())
	return msg, nil
}

// RelayTyping forwards a typing indicator to the other participant.
// Best-effort and fire-and-forget: never persisted, never retried.
func (r *Router) RelayTyping(sessionID, sender string, isTyping bool) error {
	s, err := r.lookup(sessionID, sender)
	if err != nil {
		return err
	}

	partner, ok := s.Partner(sender)
	if !ok {
		return ErrNotParticipant
	}

	event, err := protocol.NewServerMessage(protocol.TypePartnerTyping, protocol.PartnerTypingMsg{
		SessionID: s.ID,
		IsTyping:  isTyping,
	})
	if err != nil {
		return nil
	}
	_, _ = r.registry.Notify(partner.Identity, event)
	return nil
}

// RelaySignal forwards an opaque WebRTC payload (offer/answer/ICE) to the
// partner. The payload is never inspected or transformed; the only checks
// are session liveness, sender membership and the kind whitelist.
func (r *Router) RelaySignal(sessionID, sender, kind string, payload json.RawMessage) error {
	if !protocol.ValidSignalKind(kind) {
		return fmt.Errorf("relay: unknown signal kind %q", kind)
	}

	s, err := r.lookup(sessionID, sender)
	if err != nil {
		return err
	}

	partner, ok := s.Partner(sender)
	if !ok {
		return ErrNotParticipant
	}

	s.Touch(r.now())

	event, err := protocol.NewServerMessage(protocol.TypeSignal, protocol.ServerSignalMsg{
		SessionID: s.ID,
		Kind:      kind,
		Payload:   payload,
	})
	if err != nil {
		return fmt.Errorf("relay: build signal event: %w", err)
	}
	if _, err := r.registry.Notify(partner.Identity, event); err != nil {
		return fmt.Errorf("relay: deliver signal: %w", err)
	}
	return nil
}

// NotifyEnded pushes a session_ended event to every participant of a
// terminated session, resolving the reason to each recipient's perspective:
// the initiator of an explicit leave sees user_left, the other side sees
// partner_left. Both sides are always notified, not just the initiator.
func (r *Router) NotifyEnded(s *sessions.Session, reason, initiator string) {
	for _, p := range s.Participants {
		view := reason
		if reason == protocol.ReasonUserLeft && p.Identity != initiator {
			view = protocol.ReasonPartnerLeft
		}
		event, err := protocol.NewServerMessage(protocol.TypeSessionEnded, protocol.SessionEndedMsg{
			SessionID: s.ID,
			Reason:    view,
		})
		if err != nil {
			log.Printf("relay: build session_ended session=%s: %v", s.ID, err)
			continue
		}
		if _, err := r.registry.Notify(p.Identity, event); err != nil {
			log.Printf("relay: deliver session_ended session=%s to=%s: %v", s.ID, p.Identity, err)
		}
	}

	_, endReason := s.EndInfo()
	r.archiver.SessionEnded(s.ID, endReason, r.now())
}
