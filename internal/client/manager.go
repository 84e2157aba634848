// Package client implements the client-side connection manager: realtime
// WebSocket transport with reconnect backoff, HTTP fallback with a
// priority-ordered outbox, and heartbeat-based health checking.
package client

import (
	"context"
	"errors"
	"log"
	"net"
	"sync"
	"time"

	"github.com/pairline/chat-core/internal/outbox"
	"github.com/pairline/chat-core/internal/protocol"
)

// Status is the connection lifecycle state.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusReconnecting Status = "reconnecting"
	StatusFailed       Status = "failed"
	StatusFallback     Status = "fallback"
)

// Transport is a bidirectional realtime channel.
type Transport interface {
	Connect(ctx context.Context) error
	Send(data []byte) error
	Receive() ([]byte, error)
	Close() error
}

// FallbackTransport delivers one event over the degraded path and polls for
// inbound events.
type FallbackTransport interface {
	Deliver(data []byte) error
	Poll(ctx context.Context) ([][]byte, error)
}

// Config holds reconnect and heartbeat tuning.
type Config struct {
	BaseDelay         time.Duration // first reconnect delay, doubles per attempt
	MaxDelay          time.Duration // backoff cap
	MaxAttempts       int           // reconnect attempts before forcing fallback
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration // missing pong past this re-enters reconnect
	FlushInterval     time.Duration // outbox flush period while in fallback
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		BaseDelay:         time.Second,
		MaxDelay:          30 * time.Second,
		MaxAttempts:       5,
		HeartbeatInterval: 20 * time.Second,
		HeartbeatTimeout:  45 * time.Second,
		FlushInterval:     5 * time.Second,
	}
}

// Manager owns the connection state machine. Outbound events go direct while
// connected; in fallback mode non-ephemeral events are parked in the outbox
// and flushed over the fallback transport. Ephemeral events (typing) are
// dropped when the realtime channel is down: they would be stale before
// fallback delivery could happen.
type Manager struct {
	config    Config
	transport Transport
	fallback  FallbackTransport
	queue     *outbox.Queue
	onEvent   func(data []byte)

	mu            sync.Mutex
	status        Status
	retryCount    int
	errorCount    int
	lastConnected time.Time
	lastPong      time.Time

	ctx    context.Context
	cancel context.CancelFunc
}

// NewManager creates a Manager. onEvent receives every inbound server event,
// from either transport.
func NewManager(config Config, transport Transport, fallback FallbackTransport, onEvent func(data []byte)) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		config:    config,
		transport: transport,
		fallback:  fallback,
		queue:     outbox.New(),
		onEvent:   onEvent,
		status:    StatusDisconnected,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Status returns the current connection state.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Queue exposes the fallback outbox, mainly for RetryFailed.
func (m *Manager) Queue() *outbox.Queue { return m.queue }

func (m *Manager) setStatus(s Status) {
	m.mu.Lock()
	prev := m.status
	m.status = s
	if s == StatusConnected {
		m.lastConnected = time.Now()
		m.retryCount = 0
		m.errorCount = 0
	}
	m.mu.Unlock()
	if prev != s {
		log.Printf("client: %s -> %s", prev, s)
	}
}

// Connect performs one connection attempt. On success it drains any parked
// fallback events before the manager reports itself connected, then starts
// the read and heartbeat loops.
func (m *Manager) Connect(ctx context.Context) error {
	m.setStatus(StatusConnecting)

	if err := m.transport.Connect(ctx); err != nil {
		return m.handleConnectFailure(ctx, err)
	}

	// Queued events from a fallback spell go out first. Only after the
	// backlog is clear does the connection count as healthy.
	if m.queue.Len() > 0 {
		drained := m.queue.Drain(func(msg outbox.Message) error {
			return m.transport.Send(msg.Payload)
		})
		log.Printf("client: drained %d queued events on reconnect", drained)
	}

	m.mu.Lock()
	m.lastPong = time.Now()
	m.mu.Unlock()
	m.setStatus(StatusConnected)

	go m.readLoop()
	go m.heartbeatLoop()
	return nil
}

// Send transmits a non-ephemeral event. While connected it goes direct; a
// direct failure or fallback mode parks it in the outbox at the given
// priority instead of dropping it.
func (m *Manager) Send(msgType string, payload []byte, prio outbox.Priority) error {
	if m.Status() == StatusConnected {
		err := m.transport.Send(payload)
		if err == nil {
			return nil
		}
		m.connectionError(err)
	}
	m.queue.Enqueue(msgType, payload, prio)
	return nil
}

// SendEphemeral transmits a typing-class event: direct or not at all.
func (m *Manager) SendEphemeral(payload []byte) error {
	if m.Status() != StatusConnected {
		return nil
	}
	if err := m.transport.Send(payload); err != nil {
		m.connectionError(err)
	}
	return nil
}

// Close tears the manager down.
func (m *Manager) Close() error {
	m.cancel()
	m.setStatus(StatusDisconnected)
	return m.transport.Close()
}

// transient reports whether err looks recoverable by a plain retry. Timeouts
// and temporary network conditions are transient; everything else counts
// toward the sustained-error threshold.
func transient(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// backoffDelay returns the reconnect delay for the given attempt: base delay
// doubling per attempt, capped.
func (m *Manager) backoffDelay(attempt int) time.Duration {
	d := m.config.BaseDelay
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= m.config.MaxDelay {
			return m.config.MaxDelay
		}
	}
	return d
}

func (m *Manager) handleConnectFailure(ctx context.Context, err error) error {
	m.mu.Lock()
	m.retryCount++
	if !transient(err) {
		m.errorCount++
	}
	retries := m.retryCount
	sustained := m.errorCount >= m.config.MaxAttempts
	m.mu.Unlock()

	if retries >= m.config.MaxAttempts || sustained {
		log.Printf("client: retries exhausted after %d attempts, entering fallback: %v", retries, err)
		m.enterFallback()
		return nil
	}

	delay := m.backoffDelay(retries - 1)
	log.Printf("client: connect failed (attempt %d/%d), retrying in %s: %v", retries, m.config.MaxAttempts, delay, err)
	m.setStatus(StatusReconnecting)

	select {
	case <-ctx.Done():
		m.setStatus(StatusFailed)
		return ctx.Err()
	case <-m.ctx.Done():
		m.setStatus(StatusDisconnected)
		return nil
	case <-time.After(delay):
	}
	return m.Connect(ctx)
}

// connectionError is the single entry point for mid-session failures: read
// errors, send errors, missed heartbeats. It closes the transport and
// re-enters the reconnect path.
func (m *Manager) connectionError(err error) {
	m.mu.Lock()
	if m.status != StatusConnected {
		m.mu.Unlock()
		return
	}
	m.status = StatusReconnecting
	m.mu.Unlock()

	log.Printf("client: connection error, reconnecting: %v", err)
	m.transport.Close()
	go func() {
		if err := m.Connect(m.ctx); err != nil {
			log.Printf("client: reconnect: %v", err)
		}
	}()
}

// enterFallback switches to the degraded path: outbound through the outbox,
// inbound by polling, plus periodic realtime reconnect probes.
func (m *Manager) enterFallback() {
	m.setStatus(StatusFallback)
	go m.fallbackLoop()
}

func (m *Manager) fallbackLoop() {
	ticker := time.NewTicker(m.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
		}
		if m.Status() != StatusFallback {
			return
		}

		m.queue.ProcessQueue(outbox.DefaultBatchSize, func(msg outbox.Message) error {
			return m.fallback.Deliver(msg.Payload)
		})

		if events, err := m.fallback.Poll(m.ctx); err == nil {
			for _, ev := range events {
				m.onEvent(ev)
			}
		}

		// Probe the realtime transport. Success exits fallback via the
		// normal connect path, which drains the remaining backlog first.
		if err := m.transport.Connect(m.ctx); err == nil {
			m.finishReconnectFromFallback()
			return
		}
	}
}

// finishReconnectFromFallback completes the fallback exit for an
// already-open transport.
func (m *Manager) finishReconnectFromFallback() {
	m.setStatus(StatusReconnecting)
	drained := m.queue.Drain(func(msg outbox.Message) error {
		return m.transport.Send(msg.Payload)
	})
	if drained > 0 {
		log.Printf("client: drained %d queued events leaving fallback", drained)
	}

	m.mu.Lock()
	m.retryCount = 0
	m.errorCount = 0
	m.lastPong = time.Now()
	m.mu.Unlock()
	m.setStatus(StatusConnected)

	go m.readLoop()
	go m.heartbeatLoop()
}

func (m *Manager) readLoop() {
	for {
		data, err := m.transport.Receive()
		if err != nil {
			if m.ctx.Err() == nil {
				m.connectionError(err)
			}
			return
		}

		var env protocol.Envelope
		if jsonErr := env.UnmarshalJSON(data); jsonErr == nil && env.Type == protocol.TypePong {
			m.mu.Lock()
			m.lastPong = time.Now()
			m.mu.Unlock()
			continue
		}
		m.onEvent(data)
	}
}

func (m *Manager) heartbeatLoop() {
	ticker := time.NewTicker(m.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
		}
		if m.Status() != StatusConnected {
			return
		}

		m.mu.Lock()
		silent := time.Since(m.lastPong)
		m.mu.Unlock()
		if silent > m.config.HeartbeatTimeout {
			m.connectionError(errors.New("heartbeat timeout"))
			return
		}

		ping, err := protocol.NewServerMessage(protocol.TypePing, protocol.PingMsg{})
		if err != nil {
			continue
		}
		if err := m.transport.Send(ping); err != nil {
			m.connectionError(err)
			return
		}
	}
}
