// Package protocol defines the wire message types exchanged between clients
// and the chat core. All messages are serialized as JSON and follow a
// consistent envelope format with a type discriminator. The same payloads are
// used over the realtime WebSocket transport and the HTTP fallback transport.
package protocol

import (
	"encoding/json"
	"fmt"
)

// ---------------------------------------------------------------------------
// Message type constants
// ---------------------------------------------------------------------------

// Client -> Server message types.
const (
	TypeJoinQueue      = "join_queue"
	TypeLeaveQueue     = "leave_queue"
	TypeSendMessage    = "send_message"
	TypeTyping         = "typing"
	TypeEndSession     = "end_session"
	TypeReportUser     = "report_user"
	TypeSignal         = "signal"
	TypeRefreshSession = "refresh_session"
	TypePing           = "ping"
)

// Server -> Client message types.
const (
	TypeWelcome         = "welcome"
	TypeQueued          = "queued"
	TypeQueuePosition   = "queue_position"
	TypeMatchFound      = "match_found"
	TypeMessageReceived = "message_received"
	TypePartnerTyping   = "partner_typing"
	TypeSessionEnded    = "session_ended"
	TypeSessionState    = "session_state"
	TypeRateLimited     = "rate_limited"
	TypeBanned          = "banned"
	TypeError           = "error"
	TypePong            = "pong"
)

// Chat types supported by the matching queue. Matching requires an exact
// chat-type match between both entries.
const (
	ChatTypeText  = "text"
	ChatTypeVoice = "voice"
	ChatTypeVideo = "video"
)

// Session end reasons. PartnerLeft is the non-initiating side's view of a
// UserLeft termination.
const (
	ReasonUserLeft    = "user_left"
	ReasonPartnerLeft = "partner_left"
	ReasonTimeout     = "timeout"
	ReasonSystemEnded = "system_ended"
	ReasonReported    = "reported"
)

// Signal kinds for opaque WebRTC payload relay.
const (
	SignalOffer  = "offer"
	SignalAnswer = "answer"
	SignalICE    = "ice"
)

// ---------------------------------------------------------------------------
// Envelope
// ---------------------------------------------------------------------------

// Envelope holds the message type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON captures the full raw bytes and extracts only the "type"
// field so that the rest of the payload can be decoded later into the
// appropriate concrete struct.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Shared payload fragments
// ---------------------------------------------------------------------------

// Preferences carries the soft matching hints attached to a queue entry.
// Only the chat type is a hard filter; everything here is advisory.
type Preferences struct {
	Language  string   `json:"language,omitempty"`
	Interests []string `json:"interests,omitempty"`
	AgeMin    int      `json:"age_min,omitempty"`
	AgeMax    int      `json:"age_max,omitempty"`
}

// Partner describes the matched counterpart as exposed to a client. Only the
// per-session display handle is ever revealed, never the real identity.
type Partner struct {
	DisplayHandle string `json:"display_handle"`
}

// ---------------------------------------------------------------------------
// Client -> Server message structs
// ---------------------------------------------------------------------------

// JoinQueueMsg enters the matching queue. Re-joining replaces any existing
// entry for the same identity.
type JoinQueueMsg struct {
	Type        string      `json:"type"`
	ChatType    string      `json:"chat_type"`
	Preferences Preferences `json:"preferences"`
}

// LeaveQueueMsg leaves the matching queue. Leaving when absent is a no-op.
type LeaveQueueMsg struct {
	Type string `json:"type"`
}

// SendMessageMsg sends a chat message within a session. MessageID is assigned
// by the client for retry idempotency; the server generates one when empty.
type SendMessageMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	MessageID string `json:"message_id,omitempty"`
	Content   string `json:"content"`
	MsgType   string `json:"msg_type,omitempty"` // "text" when empty
}

// TypingMsg signals typing start (IsTyping=true) or stop (IsTyping=false).
// Fire-and-forget: never persisted, never retried.
type TypingMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	IsTyping  bool   `json:"is_typing"`
}

// EndSessionMsg ends a session from the sender's side.
type EndSessionMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
}

// ReportUserMsg reports the partner in a session. The session ends
// immediately with reason "reported".
type ReportUserMsg struct {
	Type        string   `json:"type"`
	SessionID   string   `json:"session_id"`
	Reason      string   `json:"reason"`
	Description string   `json:"description,omitempty"`
	MessageIDs  []string `json:"message_ids,omitempty"`
}

// SignalMsg carries an opaque WebRTC payload (offer, answer, or ICE
// candidate) to be relayed to the partner without inspection.
type SignalMsg struct {
	Type      string          `json:"type"`
	SessionID string          `json:"session_id"`
	Kind      string          `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
}

// RefreshSessionMsg asks the server for the caller's current session and
// message state. The response is idempotent, so clients can reconcile a
// locally cached view after a reconnect.
type RefreshSessionMsg struct {
	Type string `json:"type"`
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client message structs
// ---------------------------------------------------------------------------

// WelcomeMsg is the first message on a new connection. Token is only set
// when the server minted a fresh identity; clients persist it and present it
// on the next connect so the identity stays stable across reconnects.
type WelcomeMsg struct {
	Type  string `json:"type"`
	Token string `json:"token,omitempty"`
}

// QueuedMsg confirms queue entry and reports the initial position.
type QueuedMsg struct {
	Type          string `json:"type"`
	Position      int    `json:"position"`
	EstimatedWait int    `json:"estimated_wait"` // seconds
}

// QueuePositionMsg is pushed after each unsuccessful matching sweep.
type QueuePositionMsg struct {
	Type          string `json:"type"`
	Position      int    `json:"position"`
	EstimatedWait int    `json:"estimated_wait"` // seconds
}

// MatchFoundMsg is sent to both users when a pair is created.
type MatchFoundMsg struct {
	Type      string  `json:"type"`
	SessionID string  `json:"session_id"`
	ChatType  string  `json:"chat_type"`
	Handle    string  `json:"display_handle"` // the recipient's own handle
	Partner   Partner `json:"partner"`
}

// MessageReceivedMsg delivers a relayed chat message. Each send produces
// exactly one delivery to the partner (IsOwn=false) and one echo to the
// sender (IsOwn=true).
type MessageReceivedMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	MessageID string `json:"message_id"`
	From      string `json:"from"` // sender's display handle
	Content   string `json:"content"`
	MsgType   string `json:"msg_type"`
	IsOwn     bool   `json:"is_own"`
	Ts        int64  `json:"ts"`
}

// PartnerTypingMsg relays the partner's typing indicator.
type PartnerTypingMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	IsTyping  bool   `json:"is_typing"`
}

// SessionEndedMsg is sent to both participants on any termination. Reason is
// already resolved to the recipient's perspective (the initiator of an
// explicit leave sees "user_left", the other side sees "partner_left").
type SessionEndedMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Reason    string `json:"reason"`
}

// SessionStateMsg answers a refresh_session request. For a queued caller
// Position and EstimatedWait carry the current queue standing, so a
// reconnecting client rebuilds its view without waiting for the next sweep's
// queue_position push.
type SessionStateMsg struct {
	Type          string               `json:"type"`
	SessionID     string               `json:"session_id,omitempty"`
	Status        string               `json:"status,omitempty"`
	ChatType      string               `json:"chat_type,omitempty"`
	Handle        string               `json:"display_handle,omitempty"`
	Partner       *Partner             `json:"partner,omitempty"`
	Messages      []MessageReceivedMsg `json:"messages,omitempty"`
	InQueue       bool                 `json:"in_queue"`
	Position      int                  `json:"position,omitempty"`
	EstimatedWait int                  `json:"estimated_wait,omitempty"` // seconds
}

// ServerSignalMsg relays an opaque WebRTC payload from the partner.
type ServerSignalMsg struct {
	Type      string          `json:"type"`
	SessionID string          `json:"session_id"`
	Kind      string          `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
}

// RateLimitedMsg is sent when the client has been rate-limited.
type RateLimitedMsg struct {
	Type       string `json:"type"`
	RetryAfter int    `json:"retry_after"`
}

// BannedMsg is sent when the client's identity is banned.
type BannedMsg struct {
	Type     string `json:"type"`
	Duration int    `json:"duration"` // remaining seconds
	Reason   string `json:"reason"`
}

// ErrorMsg communicates an error condition. A rejected message never
// disappears silently: the sender always receives one of these.
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PongMsg is the server's response to a client ping.
type PongMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientMessage parses raw bytes into a typed client message. It returns
// the message type string, the decoded struct, and any error encountered. An
// error is returned for unknown or server-only message types.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeJoinQueue:
		var m JoinQueueMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeLeaveQueue:
		var m LeaveQueueMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeSendMessage:
		var m SendMessageMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeTyping:
		var m TypingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeEndSession:
		var m EndSessionMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeReportUser:
		var m ReportUserMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeSignal:
		var m SignalMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeRefreshSession:
		var m RefreshSessionMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePing:
		var m PingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown client message type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewServerMessage creates a JSON-encoded byte slice for a server message.
// The msgType is injected into the payload under the "type" key.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}

// ValidChatType reports whether s is one of the supported chat types.
func ValidChatType(s string) bool {
	switch s {
	case ChatTypeText, ChatTypeVoice, ChatTypeVideo:
		return true
	}
	return false
}

// ValidSignalKind reports whether s is a relayable signaling kind.
func ValidSignalKind(s string) bool {
	switch s {
	case SignalOffer, SignalAnswer, SignalICE:
		return true
	}
	return false
}
