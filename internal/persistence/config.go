package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"
)

const (
	configKeyMaxConcurrentAgents = "max_concurrent_agents"

	// DefaultMaxConcurrentAgents is the seeded concurrency ceiling.
	DefaultMaxConcurrentAgents = 3

	// MinConcurrentAgents and MaxConcurrentAgents bound the ceiling.
	MinConcurrentAgents = 1
	MaxConcurrentAgents = 32
)

// ClampMaxConcurrentAgents normalizes a proposed ceiling into [1, 32].
func ClampMaxConcurrentAgents(value int) int {
	if value < MinConcurrentAgents {
		return MinConcurrentAgents
	}
	if value > MaxConcurrentAgents {
		return MaxConcurrentAgents
	}
	return value
}

// MaxConcurrentAgentsValue reads the configured concurrency ceiling,
// seeding the default the first time it is asked for.
func (s *Store) MaxConcurrentAgentsValue(ctx context.Context) (int, error) {
	var raw string
	err := s.db.GetContext(ctx, &raw,
		"SELECT value FROM system_config WHERE key = ?", configKeyMaxConcurrentAgents)
	if errors.Is(err, sql.ErrNoRows) {
		return s.SetMaxConcurrentAgents(ctx, DefaultMaxConcurrentAgents)
	}
	if err != nil {
		return 0, fmt.Errorf("read max_concurrent_agents: %w", err)
	}

	parsed, err := strconv.Atoi(raw)
	if err != nil {
		return DefaultMaxConcurrentAgents, nil
	}
	return ClampMaxConcurrentAgents(parsed), nil
}

// SetMaxConcurrentAgents stores a clamped concurrency ceiling and returns
// the value actually recorded.
func (s *Store) SetMaxConcurrentAgents(ctx context.Context, value int) (int, error) {
	clamped := ClampMaxConcurrentAgents(value)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO system_config (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at
	`, configKeyMaxConcurrentAgents, strconv.Itoa(clamped), fmtTime(time.Now().UTC()))
	if err != nil {
		return 0, fmt.Errorf("write max_concurrent_agents: %w", err)
	}
	return clamped, nil
}
