// Package messaging is the NATS event bus between the chat server and the
// archiver. The server publishes fire-and-forget archive and report events;
// the archiver subscribes and persists them to Postgres.
package messaging

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// NATS subjects.
const (
	SubjectArchiveMessage = "archive.message"
	SubjectArchiveSession = "archive.session"
	SubjectReportFiled    = "report.filed"
)

// ArchivedMessage is the wire form of a relayed message bound for the
// transcript archive.
type ArchivedMessage struct {
	SessionID      string    `json:"sessionId"`
	AuthorIdentity string    `json:"authorIdentity"`
	DisplayHandle  string    `json:"displayHandle"`
	Content        string    `json:"content"`
	Type           string    `json:"type"`
	Timestamp      time.Time `json:"timestamp"`
}

// SessionClosure marks a session's end in the archive.
type SessionClosure struct {
	SessionID string    `json:"sessionId"`
	Reason    string    `json:"reason"`
	EndedAt   time.Time `json:"endedAt"`
}

// NATSClient wraps the NATS connection with helper methods for pub/sub.
type NATSClient struct {
	conn *nats.Conn
	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultNATSConfig returns sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           "nats://localhost:4222",
		Name:          "pairline",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1, // infinite reconnects
	}
}

// NewNATSClient connects to NATS with the given config and returns a ready
// client. It returns an error if the initial connection fails.
func NewNATSClient(config NATSConfig) (*NATSClient, error) {
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("[nats] disconnected: %v", err)
			} else {
				log.Printf("[nats] disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[nats] reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Printf("[nats] connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	log.Printf("[nats] connected to %s", nc.ConnectedUrl())

	return &NATSClient{
		conn: nc,
		subs: make(map[string]*nats.Subscription),
	}, nil
}

// Publish sends data to the given NATS subject.
func (c *NATSClient) Publish(subject string, data []byte) error {
	return c.conn.Publish(subject, data)
}

// Subscribe registers a handler for the given subject and stores the
// subscription internally for later cleanup.
func (c *NATSClient) Subscribe(subject string, handler func(msg *nats.Msg)) error {
	sub, err := c.conn.Subscribe(subject, handler)
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, err)
	}

	c.mu.Lock()
	c.subs[subject] = sub
	c.mu.Unlock()

	return nil
}

// SubscribeArchivedMessages subscribes to archive.message events.
func (c *NATSClient) SubscribeArchivedMessages(handler func(data []byte)) error {
	return c.Subscribe(SubjectArchiveMessage, func(msg *nats.Msg) {
		handler(msg.Data)
	})
}

// SubscribeSessionClosures subscribes to archive.session events.
func (c *NATSClient) SubscribeSessionClosures(handler func(data []byte)) error {
	return c.Subscribe(SubjectArchiveSession, func(msg *nats.Msg) {
		handler(msg.Data)
	})
}

// SubscribeReports subscribes to report.filed events.
func (c *NATSClient) SubscribeReports(handler func(data []byte)) error {
	return c.Subscribe(SubjectReportFiled, func(msg *nats.Msg) {
		handler(msg.Data)
	})
}

// Close drains all active subscriptions and closes the NATS connection.
func (c *NATSClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for subject, sub := range c.subs {
		if err := sub.Drain(); err != nil {
			log.Printf("[nats] drain %s: %v", subject, err)
		}
	}
	c.subs = make(map[string]*nats.Subscription)

	if err := c.conn.Drain(); err != nil {
		log.Printf("[nats] connection drain: %v", err)
	}

	log.Printf("[nats] client closed")
}
