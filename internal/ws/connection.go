package ws

import (
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// Connection is a single WebSocket client bound to a resolved identity, with
// a write mutex serializing outbound frames. It satisfies presence.Handle,
// so binding a connection into the registry makes the identity reachable for
// server pushes.
type Connection struct {
	ID           string   // connection ID (UUID), distinct from the identity
	Identity     string   // stable anonymous identity from the handshake token
	Conn         net.Conn // underlying TCP connection
	Fd           int      // file descriptor for epoll lookups
	CreatedAt    time.Time
	LastPing     time.Time     // last activity observed from the client
	WriteTimeout time.Duration // per-write deadline; 0 disables
	writeMu      sync.Mutex
	processing   int32 // atomic flag: 0 = idle, 1 = being read by handleConn
}

// Deliver sends a WebSocket text frame to this connection. The write mutex
// keeps concurrent goroutines from interleaving frame bytes. The write
// deadline bounds how long a stalled peer can hold the caller: delivery
// paths like the matching sweep run synchronously and must never hang on
// one client's full TCP buffer. A timed-out connection errors here and the
// heartbeat evicts it on its next pass.
func (c *Connection) Deliver(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.WriteTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(c.WriteTimeout))
	}
	return wsutil.WriteServerMessage(c.Conn, ws.OpText, data)
}

// WritePing sends a WebSocket protocol-level ping frame (opcode 0x9).
func (c *Connection) WritePing() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.WriteTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(c.WriteTimeout))
	}
	return ws.WriteFrame(c.Conn, ws.NewPingFrame(nil))
}

// Close closes the underlying network connection.
func (c *Connection) Close() error {
	return c.Conn.Close()
}

// connTable is a goroutine-safe registry mapping connection IDs and file
// descriptors to Connections, supporting O(1) lookup by either key.
type connTable struct {
	mu   sync.RWMutex
	byID map[string]*Connection
	byFd map[int]*Connection
}

func newConnTable() *connTable {
	return &connTable{
		byID: make(map[string]*Connection),
		byFd: make(map[int]*Connection),
	}
}

func (t *connTable) Add(conn *Connection) {
	t.mu.Lock()
	t.byID[conn.ID] = conn
	t.byFd[conn.Fd] = conn
	t.mu.Unlock()
}

// Remove deletes and closes the connection with the given ID. Returns false
// when it was already gone, which lets racing cleanup paths (read error vs
// heartbeat timeout) resolve to a single winner.
func (t *connTable) Remove(id string) bool {
	t.mu.Lock()
	conn, ok := t.byID[id]
	if ok {
		delete(t.byID, id)
		delete(t.byFd, conn.Fd)
	}
	t.mu.Unlock()

	if ok {
		conn.Close()
	}
	return ok
}

func (t *connTable) Get(id string) *Connection {
	t.mu.RLock()
	conn := t.byID[id]
	t.mu.RUnlock()
	return conn
}

func (t *connTable) GetByFd(fd int) *Connection {
	t.mu.RLock()
	conn := t.byFd[fd]
	t.mu.RUnlock()
	return conn
}

func (t *connTable) GetByConn(c net.Conn) *Connection {
	return t.GetByFd(socketFD(c))
}

func (t *connTable) Count() int {
	t.mu.RLock()
	n := len(t.byID)
	t.mu.RUnlock()
	return n
}

// All returns a snapshot safe to iterate without holding the lock.
func (t *connTable) All() []*Connection {
	t.mu.RLock()
	conns := make([]*Connection, 0, len(t.byID))
	for _, conn := range t.byID {
		conns = append(conns, conn)
	}
	t.mu.RUnlock()
	return conns
}
