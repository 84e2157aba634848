package messaging

import (
	"encoding/json"
	"log"
	"time"

	"github.com/pairline/chat-core/internal/core"
)

// ArchiveSink publishes relayed messages and session closures to NATS for
// the archiver to persist. It satisfies the relay package's Archiver
// contract: publishes are buffered by the NATS client and never block the
// relay path, and failures are logged rather than surfaced.
type ArchiveSink struct {
	client *NATSClient
}

// NewArchiveSink wraps a connected NATS client.
func NewArchiveSink(client *NATSClient) *ArchiveSink {
	return &ArchiveSink{client: client}
}

// AppendMessage publishes one relayed message to the archive subject.
func (s *ArchiveSink) AppendMessage(sessionID, authorIdentity, displayHandle, content, msgType string, ts time.Time) {
	data, err := json.Marshal(ArchivedMessage{
		SessionID:      sessionID,
		AuthorIdentity: authorIdentity,
		DisplayHandle:  displayHandle,
		Content:        content,
		Type:           msgType,
		Timestamp:      ts,
	})
	if err != nil {
		log.Printf("[nats] marshal archived message session=%s: %v", sessionID, err)
		return
	}
	if err := s.client.Publish(SubjectArchiveMessage, data); err != nil {
		log.Printf("[nats] publish archived message session=%s: %v", sessionID, err)
	}
}

// SessionEnded publishes a session closure to the archive subject.
func (s *ArchiveSink) SessionEnded(sessionID, reason string, ts time.Time) {
	data, err := json.Marshal(SessionClosure{
		SessionID: sessionID,
		Reason:    reason,
		EndedAt:   ts,
	})
	if err != nil {
		log.Printf("[nats] marshal session closure session=%s: %v", sessionID, err)
		return
	}
	if err := s.client.Publish(SubjectArchiveSession, data); err != nil {
		log.Printf("[nats] publish session closure session=%s: %v", sessionID, err)
	}
}

// ReportPublisher forwards filed reports onto the report.filed subject.
type ReportPublisher struct {
	client *NATSClient
}

// NewReportPublisher wraps a connected NATS client.
func NewReportPublisher(client *NATSClient) *ReportPublisher {
	return &ReportPublisher{client: client}
}

// PublishReport publishes one filed report. Fire and forget.
func (p *ReportPublisher) PublishReport(r core.Report) {
	data, err := json.Marshal(r)
	if err != nil {
		log.Printf("[nats] marshal report session=%s: %v", r.SessionID, err)
		return
	}
	if err := p.client.Publish(SubjectReportFiled, data); err != nil {
		log.Printf("[nats] publish report session=%s: %v", r.SessionID, err)
	}
}
