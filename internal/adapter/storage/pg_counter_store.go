// internal/adapter/storage/pg_counter_store.go

package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"
)

// PGCounterStore keeps rate-limit counters in PostgreSQL so every replica
// shares the same windows
type PGCounterStore struct {
	db *pgxpool.Pool
}

// NewPGCounterStore creates a new counter store
func NewPGCounterStore(db *pgxpool.Pool) *PGCounterStore {
	return &PGCounterStore{
		db: db,
	}
}

// Increment adds one to key, restarting the window if it has elapsed
func (s *PGCounterStore) Increment(ctx context.Context, key string, window time.Duration) (int64, error) {
	query := `
		INSERT INTO rate_counters (key, count, expires_at)
		VALUES ($1, 1, now() + $2 * interval '1 millisecond')
		ON CONFLICT (key) DO UPDATE
		SET
			count = CASE WHEN rate_counters.expires_at <= now() THEN 1 ELSE rate_counters.count + 1 END,
			expires_at = CASE WHEN rate_counters.expires_at <= now()
				THEN now() + $2 * interval '1 millisecond'
				ELSE rate_counters.expires_at END
		RETURNING count
	`

	var count int64
	if err := s.db.QueryRow(ctx, query, key, window.Milliseconds()).Scan(&count); err != nil {
		return 0, fmt.Errorf("error incrementing counter: %w", err)
	}
	return count, nil
}

// Prune deletes counters whose window has elapsed
func (s *PGCounterStore) Prune(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, `DELETE FROM rate_counters WHERE expires_at <= now()`); err != nil {
		return fmt.Errorf("error pruning counters: %w", err)
	}
	return nil
}
