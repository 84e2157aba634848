// Package archive provides PostgreSQL-backed persistence for session
// transcripts. The chat server publishes messages and session closures to
// NATS; the archiver consumes them and writes rows here for moderator
// review and retention.
package archive

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Store manages archived sessions and messages in PostgreSQL.
type Store struct {
	db *sql.DB
}

// NewStore wraps an open database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Migrate applies any pending schema migrations. Safe to call on every
// startup; a no-op when the schema is current.
func (s *Store) Migrate() error {
	source, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return fmt.Errorf("archive: load migrations: %w", err)
	}

	driver, err := postgres.WithInstance(s.db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("archive: migrate driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return fmt.Errorf("archive: migrate init: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("archive: migrate up: %w", err)
	}
	return nil
}

// AppendMessage inserts one relayed message, creating the session row on
// first write. Duplicate deliveries from NATS redelivery are absorbed by
// the unique constraint.
func (s *Store) AppendMessage(ctx context.Context, sessionID, authorIdentity, displayHandle, content, msgType string, ts time.Time) error {
	const upsertSession = `
		INSERT INTO archived_sessions (session_id, started_at)
		VALUES ($1, $2)
		ON CONFLICT (session_id) DO NOTHING`

	if _, err := s.db.ExecContext(ctx, upsertSession, sessionID, ts); err != nil {
		return fmt.Errorf("archive: upsert session: %w", err)
	}

	const insertMessage = `
		INSERT INTO archived_messages (session_id, author_identity, display_handle, content, msg_type, sent_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT DO NOTHING`

	if _, err := s.db.ExecContext(ctx, insertMessage,
		sessionID, authorIdentity, displayHandle, content, msgType, ts,
	); err != nil {
		return fmt.Errorf("archive: insert message: %w", err)
	}
	return nil
}

// CloseSession records how and when a session ended. The session row is
// created if no message was ever archived for it.
func (s *Store) CloseSession(ctx context.Context, sessionID, reason string, endedAt time.Time) error {
	const query = `
		INSERT INTO archived_sessions (session_id, started_at, ended_at, end_reason)
		VALUES ($1, $2, $2, $3)
		ON CONFLICT (session_id)
		DO UPDATE SET ended_at = EXCLUDED.ended_at, end_reason = EXCLUDED.end_reason`

	if _, err := s.db.ExecContext(ctx, query, sessionID, endedAt, reason); err != nil {
		return fmt.Errorf("archive: close session: %w", err)
	}
	return nil
}

// Transcript returns the archived messages of a session in send order.
// Used by the moderation review tooling.
func (s *Store) Transcript(ctx context.Context, sessionID string) ([]ArchivedRow, error) {
	const query = `
		SELECT author_identity, display_handle, content, msg_type, sent_at
		FROM archived_messages
		WHERE session_id = $1
		ORDER BY sent_at, id`

	rows, err := s.db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("archive: transcript: %w", err)
	}
	defer rows.Close()

	var out []ArchivedRow
	for rows.Next() {
		var r ArchivedRow
		if err := rows.Scan(&r.AuthorIdentity, &r.DisplayHandle, &r.Content, &r.Type, &r.SentAt); err != nil {
			return nil, fmt.Errorf("archive: scan transcript row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// PruneBefore deletes sessions that ended before the cutoff, messages
// included via the foreign key cascade. Returns the number of sessions
// removed.
func (s *Store) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	const query = `DELETE FROM archived_sessions WHERE ended_at IS NOT NULL AND ended_at < $1`

	res, err := s.db.ExecContext(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("archive: prune: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// ArchivedRow is one message of a stored transcript.
type ArchivedRow struct {
	AuthorIdentity string
	DisplayHandle  string
	Content        string
	Type           string
	SentAt         time.Time
}
