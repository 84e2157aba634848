// Package ban manages temporary identity bans backed by Redis. A ban record
// is a key-value pair whose TTL is the ban duration:
//
//	Key:   ban:<identity>
//	Value: <reason>
//	TTL:   ban duration
//
// A separate strike counter (strikes:<identity>, 24h TTL) drives the
// escalation ladder: repeat offenders get longer bans, capped at 24 hours.
// There are no permanent bans.
package ban

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	banKeyPrefix    = "ban:"
	strikeKeyPrefix = "strikes:"

	// Escalation ladder.
	FirstOffense  = 15 * time.Minute
	SecondOffense = time.Hour
	RepeatOffense = 24 * time.Hour

	// StrikeWindow is how long the strike counter lives without new strikes.
	StrikeWindow = 24 * time.Hour

	// ReportThreshold is the number of reports within StrikeWindow that
	// triggers an automatic ban.
	ReportThreshold = 3
)

// Status describes an identity's current ban state.
type Status struct {
	Banned    bool
	Reason    string
	Remaining time.Duration
}

// Store manages ban records in Redis.
type Store struct {
	client *redis.Client
}

// NewStore creates a ban store over the given Redis client.
func NewStore(client *redis.Client) *Store {
	return &Store{client: client}
}

// Check reports whether identity is currently banned. Redis errors are
// returned so the caller can decide the failure policy; the service layer
// fails open so a Redis outage never locks everyone out.
func (s *Store) Check(ctx context.Context, identity string) (Status, error) {
	key := banKeyPrefix + identity

	reason, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return Status{}, nil
	}
	if err != nil {
		return Status{}, fmt.Errorf("ban: check: %w", err)
	}

	st := Status{Banned: true, Reason: reason}
	if ttl, err := s.client.TTL(ctx, key).Result(); err == nil && ttl > 0 {
		st.Remaining = ttl
	}
	return st, nil
}

// Ban places identity under a ban for the given duration. The record expires
// on its own; there is no cleanup job.
func (s *Store) Ban(ctx context.Context, identity string, duration time.Duration, reason string) error {
	return s.client.Set(ctx, banKeyPrefix+identity, reason, duration).Err()
}

// Unban lifts a ban immediately.
func (s *Store) Unban(ctx context.Context, identity string) error {
	return s.client.Del(ctx, banKeyPrefix+identity).Err()
}

// Strikes returns the current strike count for identity, 0 when the counter
// is absent or expired.
func (s *Store) Strikes(ctx context.Context, identity string) (int, error) {
	val, err := s.client.Get(ctx, strikeKeyPrefix+identity).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return val, nil
}

// escalation maps a strike count to a ban duration.
func escalation(strikes int) time.Duration {
	switch {
	case strikes <= 1:
		return FirstOffense
	case strikes == 2:
		return SecondOffense
	default:
		return RepeatOffense
	}
}

// RecordStrike adds a strike for identity and applies an escalating ban:
// 15 minutes for the first strike, an hour for the second, 24 hours after
// that. The strike window starts at the first strike and does not slide.
// Returns the applied ban duration.
func (s *Store) RecordStrike(ctx context.Context, identity, reason string) (time.Duration, error) {
	count, err := s.incrStrike(ctx, identity)
	if err != nil {
		return 0, err
	}

	duration := escalation(count)
	if err := s.Ban(ctx, identity, duration, reason); err != nil {
		return 0, fmt.Errorf("ban: strike ban: %w", err)
	}
	return duration, nil
}

// RecordReport counts one report against identity. When the count reaches
// ReportThreshold an automatic ban is applied with escalating duration.
// Returns (banned, duration).
func (s *Store) RecordReport(ctx context.Context, identity string) (bool, time.Duration, error) {
	count, err := s.incrStrike(ctx, identity)
	if err != nil {
		return false, 0, err
	}

	if count < ReportThreshold {
		return false, 0, nil
	}

	duration := escalation(count)
	if err := s.Ban(ctx, identity, duration, "multiple_reports"); err != nil {
		return false, 0, fmt.Errorf("ban: report ban: %w", err)
	}
	return true, duration, nil
}

func (s *Store) incrStrike(ctx context.Context, identity string) (int, error) {
	key := strikeKeyPrefix + identity

	count, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("ban: strike incr: %w", err)
	}
	// TTL only on the first strike so the window does not slide.
	if count == 1 {
		if err := s.client.Expire(ctx, key, StrikeWindow).Err(); err != nil {
			return 0, fmt.Errorf("ban: strike expire: %w", err)
		}
	}
	return int(count), nil
}
