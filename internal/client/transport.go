package client

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// WSTransport is the realtime Transport over a WebSocket connection.
type WSTransport struct {
	url string

	mu      sync.Mutex
	writeMu sync.Mutex
	conn    net.Conn
}

// NewWSTransport creates a transport dialing url (ws:// or wss://). The
// identity token travels as a query parameter; the server binds the
// connection to the resolved identity during the handshake.
func NewWSTransport(url string) *WSTransport {
	return &WSTransport{url: url}
}

// Connect dials the server, replacing any previous connection.
func (t *WSTransport) Connect(ctx context.Context) error {
	conn, _, _, err := ws.Dial(ctx, t.url)
	if err != nil {
		return fmt.Errorf("client: dial %s: %w", t.url, err)
	}

	t.mu.Lock()
	old := t.conn
	t.conn = conn
	t.mu.Unlock()
	if old != nil {
		old.Close()
	}
	return nil
}

// Send writes one text frame. The write mutex keeps concurrent senders from
// interleaving frame bytes.
func (t *WSTransport) Send(data []byte) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("client: not connected")
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return wsutil.WriteClientMessage(conn, ws.OpText, data)
}

// Receive blocks for the next text frame from the server.
func (t *WSTransport) Receive() ([]byte, error) {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return nil, fmt.Errorf("client: not connected")
	}
	return wsutil.ReadServerText(conn)
}

// Close closes the underlying connection.
func (t *WSTransport) Close() error {
	t.mu.Lock()
	conn := t.conn
	t.conn = nil
	t.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close()
}
