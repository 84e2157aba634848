package ws

import (
	"log"
	"time"

	"github.com/pairline/chat-core/internal/presence"
	"github.com/pairline/chat-core/internal/protocol"
)

// MessageHandler handles one parsed client message. reply is the endpoint
// the response goes back over: the live WebSocket connection, or the poll
// buffer when the message arrived through the HTTP fallback. msg is the
// concrete struct from protocol.ParseClientMessage.
type MessageHandler func(identity string, reply presence.Handle, msg interface{})

// MessageDispatcher routes inbound client messages to registered handlers by
// message type. Ping/pong keepalive is handled internally; malformed or
// unsupported messages get a structured error response.
type MessageDispatcher struct {
	handlers map[string]MessageHandler
}

// NewMessageDispatcher creates an empty dispatcher.
func NewMessageDispatcher() *MessageDispatcher {
	return &MessageDispatcher{handlers: make(map[string]MessageHandler)}
}

// Register associates a handler with a message type, replacing any previous
// registration.
func (d *MessageDispatcher) Register(msgType string, handler MessageHandler) {
	d.handlers[msgType] = handler
}

// DispatchConn adapts Dispatch to the server's onMessage callback shape.
func (d *MessageDispatcher) DispatchConn(conn *Connection, data []byte) {
	if conn == nil {
		return
	}
	conn.LastPing = time.Now()
	d.Dispatch(conn.Identity, conn, data)
}

// Dispatch parses raw bytes into a typed message and routes it.
func (d *MessageDispatcher) Dispatch(identity string, reply presence.Handle, data []byte) {
	msgType, msg, err := protocol.ParseClientMessage(data)
	if err != nil {
		log.Printf("ws: dispatch parse error identity=%s: %v", identity, err)
		d.sendError(reply, "parse_error", "invalid message format")
		return
	}

	if msgType == protocol.TypePing {
		d.sendPong(reply)
		return
	}

	handler, ok := d.handlers[msgType]
	if !ok {
		log.Printf("ws: unsupported message type=%q identity=%s", msgType, identity)
		d.sendError(reply, "unsupported_type", "unsupported message type")
		return
	}

	handler(identity, reply, msg)
}

func (d *MessageDispatcher) sendError(reply presence.Handle, code, message string) {
	data, err := protocol.NewServerMessage(protocol.TypeError, protocol.ErrorMsg{
		Code:    code,
		Message: message,
	})
	if err != nil {
		return
	}
	if err := reply.Deliver(data); err != nil {
		log.Printf("ws: failed to send error message: %v", err)
	}
}

func (d *MessageDispatcher) sendPong(reply presence.Handle) {
	data, err := protocol.NewServerMessage(protocol.TypePong, protocol.PongMsg{})
	if err != nil {
		return
	}
	if err := reply.Deliver(data); err != nil {
		log.Printf("ws: failed to send pong: %v", err)
	}
}
