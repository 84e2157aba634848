package ban

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

// newTestStore connects to a local Redis and clears test keys. Tests using
// it are skipped when Redis is unavailable.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}
	clean := func() {
		for _, pattern := range []string{banKeyPrefix + "test_*", strikeKeyPrefix + "test_*"} {
			iter := client.Scan(ctx, 0, pattern, 100).Iterator()
			for iter.Next(ctx) {
				client.Del(ctx, iter.Val())
			}
		}
	}
	clean()
	t.Cleanup(func() {
		clean()
		client.Close()
	})
	return NewStore(client)
}

func TestCheck_NotBanned(t *testing.T) {
	store := newTestStore(t)

	st, err := store.Check(context.Background(), "test_clean")
	if err != nil {
		t.Fatalf("Check() error: %v", err)
	}
	if st.Banned {
		t.Errorf("expected not banned, got %+v", st)
	}
}

func TestBanAndCheck(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.Ban(ctx, "test_banned", 30*time.Second, "spam"); err != nil {
		t.Fatalf("Ban() error: %v", err)
	}

	st, err := store.Check(ctx, "test_banned")
	if err != nil {
		t.Fatalf("Check() error: %v", err)
	}
	if !st.Banned {
		t.Fatal("expected banned=true")
	}
	if st.Reason != "spam" {
		t.Errorf("expected reason=%q, got %q", "spam", st.Reason)
	}
	if st.Remaining <= 0 || st.Remaining > 30*time.Second {
		t.Errorf("expected remaining in (0,30s], got %v", st.Remaining)
	}
}

func TestUnban(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	store.Ban(ctx, "test_unban", time.Minute, "test")
	if err := store.Unban(ctx, "test_unban"); err != nil {
		t.Fatalf("Unban() error: %v", err)
	}

	st, err := store.Check(ctx, "test_unban")
	if err != nil {
		t.Fatalf("Check() error: %v", err)
	}
	if st.Banned {
		t.Error("expected not banned after Unban()")
	}
}

func TestEscalation(t *testing.T) {
	cases := []struct {
		strikes  int
		expected time.Duration
	}{
		{0, FirstOffense},
		{1, FirstOffense},
		{2, SecondOffense},
		{3, RepeatOffense},
		{10, RepeatOffense},
	}
	for _, tc := range cases {
		if got := escalation(tc.strikes); got != tc.expected {
			t.Errorf("escalation(%d) = %v, want %v", tc.strikes, got, tc.expected)
		}
	}
}

func TestRecordStrike_DurationsEscalate(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	id := "test_strikes"

	d1, err := store.RecordStrike(ctx, id, "spam")
	if err != nil {
		t.Fatalf("RecordStrike() error: %v", err)
	}
	if d1 != FirstOffense {
		t.Errorf("1st strike: expected %v, got %v", FirstOffense, d1)
	}

	store.Unban(ctx, id)
	d2, _ := store.RecordStrike(ctx, id, "spam")
	if d2 != SecondOffense {
		t.Errorf("2nd strike: expected %v, got %v", SecondOffense, d2)
	}

	store.Unban(ctx, id)
	d3, _ := store.RecordStrike(ctx, id, "spam")
	if d3 != RepeatOffense {
		t.Errorf("3rd strike: expected %v, got %v", RepeatOffense, d3)
	}

	// Capped, never permanent.
	store.Unban(ctx, id)
	d4, _ := store.RecordStrike(ctx, id, "spam")
	if d4 != RepeatOffense {
		t.Errorf("4th strike: expected %v (capped), got %v", RepeatOffense, d4)
	}

	count, err := store.Strikes(ctx, id)
	if err != nil {
		t.Fatalf("Strikes() error: %v", err)
	}
	if count != 4 {
		t.Errorf("expected 4 strikes, got %d", count)
	}
}

func TestRecordReport_ThresholdBan(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	id := "test_reports"

	for i := 1; i < ReportThreshold; i++ {
		banned, _, err := store.RecordReport(ctx, id)
		if err != nil {
			t.Fatalf("RecordReport() error: %v", err)
		}
		if banned {
			t.Fatalf("expected no ban at %d reports", i)
		}
	}

	banned, duration, err := store.RecordReport(ctx, id)
	if err != nil {
		t.Fatalf("RecordReport() error: %v", err)
	}
	if !banned {
		t.Fatal("expected ban at threshold")
	}
	if duration != RepeatOffense {
		t.Errorf("expected duration %v, got %v", RepeatOffense, duration)
	}

	st, _ := store.Check(ctx, id)
	if !st.Banned || st.Reason != "multiple_reports" {
		t.Errorf("expected multiple_reports ban, got %+v", st)
	}
}
