// Package core is the service facade over the matchmaking and relay
// subsystems. It owns the policy layer (bans, rate limits, report handling)
// and translates client operations into calls on the queue, session store,
// matching engine and relay router. Transport handlers (WebSocket, HTTP
// fallback) stay thin and delegate everything here.
package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/pairline/chat-core/internal/ban"
	"github.com/pairline/chat-core/internal/match"
	"github.com/pairline/chat-core/internal/metrics"
	"github.com/pairline/chat-core/internal/presence"
	"github.com/pairline/chat-core/internal/protocol"
	"github.com/pairline/chat-core/internal/queue"
	"github.com/pairline/chat-core/internal/ratelimit"
	"github.com/pairline/chat-core/internal/relay"
	"github.com/pairline/chat-core/internal/sessions"
)

// Operation errors surfaced to transport handlers. All map to a client error
// event; none of them crash a connection.
var (
	ErrInvalidChatType = errors.New("core: invalid chat type")
	ErrRateLimited     = errors.New("core: rate limited")
	ErrNotInSession    = errors.New("core: no active session")
)

// BannedError rejects an operation from a banned identity.
type BannedError struct {
	Reason    string
	Remaining time.Duration
}

func (e *BannedError) Error() string {
	return fmt.Sprintf("core: identity banned (%s, %s remaining)", e.Reason, e.Remaining)
}

// BanPolicy is the slice of the ban store the service uses. Satisfied by
// *ban.Store; tests install a fake.
type BanPolicy interface {
	Check(ctx context.Context, identity string) (ban.Status, error)
	RecordReport(ctx context.Context, identity string) (bool, time.Duration, error)
}

// RateLimiter is the throttle check. Satisfied by *ratelimit.Limiter.
type RateLimiter interface {
	Allow(ctx context.Context, identifier string, rule ratelimit.Rule) (bool, error)
}

// Report is a moderation report as handed to the report sink. The JSON tags
// are the report.filed wire format; the archiver's report store decodes the
// same shape, so the two must stay in sync.
type Report struct {
	SessionID        string    `json:"sessionId"`
	ReporterIdentity string    `json:"reporterIdentity"`
	ReportedIdentity string    `json:"reportedIdentity"`
	Reason           string    `json:"reason"`
	Description      string    `json:"description,omitempty"`
	MessageIDs       []string  `json:"messageIds,omitempty"`
	FiledAt          time.Time `json:"filedAt"`
}

// ReportSink receives filed reports for out-of-band processing. Fire and
// forget: a sink failure never fails the report operation.
type ReportSink interface {
	PublishReport(r Report)
}

// NopBanPolicy never bans. Installed when Redis is disabled.
type NopBanPolicy struct{}

func (NopBanPolicy) Check(context.Context, string) (ban.Status, error) { return ban.Status{}, nil }
func (NopBanPolicy) RecordReport(context.Context, string) (bool, time.Duration, error) {
	return false, 0, nil
}

// NopLimiter allows everything.
type NopLimiter struct{}

func (NopLimiter) Allow(context.Context, string, ratelimit.Rule) (bool, error) { return true, nil }

// NopReportSink discards reports.
type NopReportSink struct{}

func (NopReportSink) PublishReport(Report) {}

// Service wires the matchmaking and relay subsystems behind one API.
type Service struct {
	waitq    *queue.WaitQueue
	store    *sessions.Store
	registry *presence.Registry
	router   *relay.Router
	engine   *match.Engine
	handles  HandleGenerator
	bans     BanPolicy
	limiter  RateLimiter
	reports  ReportSink
	now      func() time.Time
}

// HandleGenerator produces display handles for queue entries. Satisfied by
// *handle.Generator.
type HandleGenerator interface {
	Generate() string
}

// NewService assembles the facade. Nil policy collaborators default to their
// no-op implementations.
func NewService(waitq *queue.WaitQueue, store *sessions.Store, registry *presence.Registry, router *relay.Router, engine *match.Engine, handles HandleGenerator, bans BanPolicy, limiter RateLimiter, reports ReportSink) *Service {
	if bans == nil {
		bans = NopBanPolicy{}
	}
	if limiter == nil {
		limiter = NopLimiter{}
	}
	if reports == nil {
		reports = NopReportSink{}
	}
	return &Service{
		waitq:    waitq,
		store:    store,
		registry: registry,
		router:   router,
		engine:   engine,
		handles:  handles,
		bans:     bans,
		limiter:  limiter,
		reports:  reports,
		now:      time.Now,
	}
}

// SetClock overrides the service's time source. Intended for tests.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

// JoinResult is the outcome of a join_queue operation. Either the caller was
// queued (Position/EstimatedWait set) or matched on the spot (Session set).
type JoinResult struct {
	Matched       bool
	Position      int
	EstimatedWait int
	Session       *sessions.Session
}

// JoinQueue enters identity into the wait queue and immediately attempts a
// match against already-waiting entries. Re-joining replaces the previous
// entry. Joining while in an active session ends that session first, which
// is the "next partner" flow.
func (s *Service) JoinQueue(ctx context.Context, identity, chatType string, prefs protocol.Preferences) (JoinResult, error) {
	if !protocol.ValidChatType(chatType) {
		return JoinResult{}, ErrInvalidChatType
	}
	if err := s.checkBan(ctx, identity); err != nil {
		return JoinResult{}, err
	}
	if allowed, _ := s.limiter.Allow(ctx, identity, ratelimit.RuleJoin); !allowed {
		return JoinResult{}, ErrRateLimited
	}

	// Next-partner flow: leaving the old conversation is implied.
	if old, ok := s.store.ActiveForIdentity(identity); ok {
		if ended, ok := s.store.End(old.ID, protocol.ReasonUserLeft, s.now()); ok {
			s.router.NotifyEnded(ended, protocol.ReasonUserLeft, identity)
		}
	}

	entry := s.waitq.Enqueue(identity, s.handles.Generate(), chatType, prefs)
	metrics.WaitQueueSize.Set(float64(s.waitq.Len()))

	if sess, ok := s.engine.MatchNow(identity); ok {
		return JoinResult{Matched: true, Session: sess}, nil
	}
	return JoinResult{
		Position:      s.waitq.Position(identity),
		EstimatedWait: entry.EstimatedWait(),
	}, nil
}

// LeaveQueue removes identity from the wait queue. Leaving when absent is a
// no-op success.
func (s *Service) LeaveQueue(ctx context.Context, identity string) {
	if s.waitq.Dequeue(identity) {
		metrics.WaitQueueSize.Set(float64(s.waitq.Len()))
	}
}

// SendMessage relays one chat message. The client-supplied msgID makes
// retries idempotent.
func (s *Service) SendMessage(ctx context.Context, identity, sessionID, msgID, content, msgType string) (sessions.Message, error) {
	if err := s.checkBan(ctx, identity); err != nil {
		return sessions.Message{}, err
	}
	if allowed, _ := s.limiter.Allow(ctx, identity, ratelimit.RuleMessage); !allowed {
		return sessions.Message{}, ErrRateLimited
	}
	return s.router.RelayMessage(sessionID, identity, msgID, content, msgType)
}

// Typing forwards a typing indicator. Fire and forget.
func (s *Service) Typing(identity, sessionID string, isTyping bool) error {
	return s.router.RelayTyping(sessionID, identity, isTyping)
}

// Signal relays an opaque WebRTC payload to the partner.
func (s *Service) Signal(identity, sessionID, kind string, payload json.RawMessage) error {
	return s.router.RelaySignal(sessionID, identity, kind, payload)
}

// EndSession terminates a session on behalf of identity. Both participants
// are notified; the initiator sees reason user_left, the partner sees
// partner_left. Ending an already-ended session is a no-op success so client
// retries stay harmless.
func (s *Service) EndSession(ctx context.Context, identity, sessionID string) error {
	current, ok := s.store.Get(sessionID)
	if !ok {
		return relay.ErrSessionNotFound
	}
	if !current.IsParticipant(identity) {
		return relay.ErrNotParticipant
	}

	ended, ok := s.store.End(sessionID, protocol.ReasonUserLeft, s.now())
	if !ok {
		return nil // already terminated by the other side or a sweep
	}
	s.router.NotifyEnded(ended, protocol.ReasonUserLeft, identity)
	metrics.ActiveSessions.Set(float64(s.store.ActiveCount()))
	return nil
}

// ReportUser files a report against the partner in sessionID. An active
// session ends immediately with reason reported. The reported identity
// accumulates a report strike; past the threshold it is banned from
// re-queueing. Ended sessions stay reportable from the archive.
func (s *Service) ReportUser(ctx context.Context, identity, sessionID, reason, description string, messageIDs []string) error {
	if allowed, _ := s.limiter.Allow(ctx, identity, ratelimit.RuleReport); !allowed {
		return ErrRateLimited
	}

	sess, ok := s.store.Get(sessionID)
	if !ok {
		return relay.ErrSessionNotFound
	}
	if !sess.IsParticipant(identity) {
		return relay.ErrNotParticipant
	}
	partner, ok := sess.Partner(identity)
	if !ok {
		return relay.ErrNotParticipant
	}

	sess.AddReport()
	metrics.ReportsTotal.Inc()

	if ended, ok := s.store.End(sessionID, protocol.ReasonReported, s.now()); ok {
		s.router.NotifyEnded(ended, protocol.ReasonReported, identity)
		metrics.ActiveSessions.Set(float64(s.store.ActiveCount()))
	}

	banned, duration, err := s.bans.RecordReport(ctx, partner.Identity)
	if err != nil {
		log.Printf("core: record report against=%s: %v", partner.Identity, err)
	}
	if banned {
		s.notifyBanned(partner.Identity, "multiple_reports", duration)
		// A banned identity has no business waiting for the next match.
		s.waitq.Dequeue(partner.Identity)
	}

	s.reports.PublishReport(Report{
		SessionID:        sessionID,
		ReporterIdentity: identity,
		ReportedIdentity: partner.Identity,
		Reason:           reason,
		Description:      description,
		MessageIDs:       messageIDs,
		FiledAt:          s.now(),
	})
	return nil
}

// SessionState builds the refresh_session response for identity: the active
// session with its message history, or the caller's queue position, or an
// empty state when neither applies. Idempotent, safe to call on every
// reconnect.
func (s *Service) SessionState(identity string) protocol.SessionStateMsg {
	if sess, ok := s.store.ActiveForIdentity(identity); ok {
		partner, _ := sess.Partner(identity)
		state := protocol.SessionStateMsg{
			SessionID: sess.ID,
			Status:    sess.Status(),
			ChatType:  sess.ChatType,
			Handle:    sess.HandleOf(identity),
			Partner:   &protocol.Partner{DisplayHandle: partner.DisplayHandle},
		}
		for _, m := range sess.Messages() {
			state.Messages = append(state.Messages, protocol.MessageReceivedMsg{
				Type:      protocol.TypeMessageReceived,
				SessionID: sess.ID,
				MessageID: m.ID,
				From:      m.SenderHandle,
				Content:   m.Content,
				MsgType:   m.MsgType,
				IsOwn:     m.SenderIdentity == identity,
				Ts:        m.SentAt.Unix(),
			})
		}
		return state
	}

	if entry, ok := s.waitq.Get(identity); ok {
		return protocol.SessionStateMsg{
			InQueue:       true,
			Position:      s.waitq.Position(identity),
			EstimatedWait: entry.EstimatedWait(),
		}
	}
	return protocol.SessionStateMsg{}
}

// Disconnected cleans up after a dropped connection: the identity leaves the
// wait queue. Active sessions are left alone so a quick reconnect resumes
// them; the idle reaper collects the rest.
func (s *Service) Disconnected(identity string) {
	s.waitq.Dequeue(identity)
	metrics.WaitQueueSize.Set(float64(s.waitq.Len()))
}

// Shutdown ends every active session with reason system_ended and notifies
// all participants, so no client is left with a silently dead session.
func (s *Service) Shutdown() {
	for _, sess := range s.store.ActiveSessions() {
		if ended, ok := s.store.End(sess.ID, protocol.ReasonSystemEnded, s.now()); ok {
			s.router.NotifyEnded(ended, protocol.ReasonSystemEnded, "")
		}
	}
	metrics.ActiveSessions.Set(0)
}

// checkBan rejects operations from banned identities. Redis errors fail
// open: an unreachable ban store never locks everyone out.
func (s *Service) checkBan(ctx context.Context, identity string) error {
	st, err := s.bans.Check(ctx, identity)
	if err != nil {
		log.Printf("core: ban check identity=%s: %v (failing open)", identity, err)
		return nil
	}
	if st.Banned {
		return &BannedError{Reason: st.Reason, Remaining: st.Remaining}
	}
	return nil
}

func (s *Service) notifyBanned(identity, reason string, duration time.Duration) {
	event, err := protocol.NewServerMessage(protocol.TypeBanned, protocol.BannedMsg{
		Duration: int(duration.Seconds()),
		Reason:   reason,
	})
	if err != nil {
		return
	}
	_, _ = s.registry.Notify(identity, event)
}
