// Package report provides PostgreSQL-backed storage for abuse reports.
// Each report captures who reported whom, the session context, and the
// IDs of the messages cited as evidence (for moderator review).
package report

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// validReasons is the set of allowed reason values, matching the CHECK
// constraint on the abuse_reports table.
var validReasons = map[string]bool{
	"harassment": true,
	"spam":       true,
	"explicit":   true,
	"other":      true,
}

// Store manages abuse reports in PostgreSQL.
type Store struct {
	db *sql.DB
}

// Report is a single abuse report to be persisted.
type Report struct {
	SessionID        string    `json:"sessionId"`
	ReporterIdentity string    `json:"reporterIdentity"`
	ReportedIdentity string    `json:"reportedIdentity"`
	Reason           string    `json:"reason"`
	Description      string    `json:"description,omitempty"`
	MessageIDs       []string  `json:"messageIds,omitempty"`
	FiledAt          time.Time `json:"filedAt"`
}

// NewStore creates a report store backed by the given database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Create inserts an abuse report. The reason is validated against the
// allowed set; unknown reasons are stored as "other" rather than dropped,
// since losing a report is worse than a fuzzy category.
func (s *Store) Create(ctx context.Context, r *Report) error {
	reason := r.Reason
	if !validReasons[reason] {
		reason = "other"
	}

	filedAt := r.FiledAt
	if filedAt.IsZero() {
		filedAt = time.Now().UTC()
	}

	const query = `
		INSERT INTO abuse_reports (session_id, reporter_identity, reported_identity, reason, description, message_ids, filed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err := s.db.ExecContext(ctx, query,
		r.SessionID,
		r.ReporterIdentity,
		r.ReportedIdentity,
		reason,
		r.Description,
		pq.Array(r.MessageIDs),
		filedAt,
	)
	if err != nil {
		return fmt.Errorf("report: insert: %w", err)
	}
	return nil
}

// CreateFromJSON decodes a report from its NATS wire form and persists it.
func (s *Store) CreateFromJSON(ctx context.Context, data []byte) error {
	var r Report
	if err := json.Unmarshal(data, &r); err != nil {
		return fmt.Errorf("report: unmarshal: %w", err)
	}
	return s.Create(ctx, &r)
}

// CountRecent returns the number of reports filed against an identity
// within the given time window. Backs offline review of the live
// Redis-side ban threshold.
func (s *Store) CountRecent(ctx context.Context, reportedIdentity string, window time.Duration) (int, error) {
	const query = `
		SELECT COUNT(*)
		FROM abuse_reports
		WHERE reported_identity = $1
		  AND filed_at >= NOW() - $2::interval`

	var count int
	err := s.db.QueryRowContext(ctx, query, reportedIdentity, window.String()).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("report: count recent: %w", err)
	}
	return count, nil
}
