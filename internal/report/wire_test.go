package report

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/pairline/chat-core/internal/core"
)

// The chat server publishes core.Report to NATS; the archiver decodes the
// same bytes into report.Report. Every identifying field must survive the
// trip, or reports land in Postgres with empty columns.
func TestReportDecodesServiceWireFormat(t *testing.T) {
	filedAt := time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC)
	wire := core.Report{
		SessionID:        "sess-1",
		ReporterIdentity: "anon-reporter",
		ReportedIdentity: "anon-reported",
		Reason:           "harassment",
		Description:      "kept pushing after being asked to stop",
		MessageIDs:       []string{"m1", "m2"},
		FiledAt:          filedAt,
	}

	data, err := json.Marshal(wire)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var got Report
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if got.SessionID != wire.SessionID {
		t.Errorf("SessionID = %q, want %q", got.SessionID, wire.SessionID)
	}
	if got.ReporterIdentity != wire.ReporterIdentity {
		t.Errorf("ReporterIdentity = %q, want %q", got.ReporterIdentity, wire.ReporterIdentity)
	}
	if got.ReportedIdentity != wire.ReportedIdentity {
		t.Errorf("ReportedIdentity = %q, want %q", got.ReportedIdentity, wire.ReportedIdentity)
	}
	if got.Reason != wire.Reason {
		t.Errorf("Reason = %q, want %q", got.Reason, wire.Reason)
	}
	if got.Description != wire.Description {
		t.Errorf("Description = %q, want %q", got.Description, wire.Description)
	}
	if len(got.MessageIDs) != 2 || got.MessageIDs[0] != "m1" || got.MessageIDs[1] != "m2" {
		t.Errorf("MessageIDs = %v, want [m1 m2]", got.MessageIDs)
	}
	if !got.FiledAt.Equal(filedAt) {
		t.Errorf("FiledAt = %v, want %v", got.FiledAt, filedAt)
	}
}
