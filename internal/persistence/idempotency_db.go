package persistence

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// ProcessedEventStore is the Postgres tier of request deduplication.
type ProcessedEventStore struct {
	db      *sql.DB
	timeout time.Duration
}

func NewProcessedEventStore(db *sql.DB) *ProcessedEventStore {
	return &ProcessedEventStore{db: db, timeout: 500 * time.Millisecond}
}

// IsProcessed checks whether the key was recorded for eventType.
func (s *ProcessedEventStore) IsProcessed(ctx context.Context, eventType, key string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var exists int
	err := s.db.QueryRowContext(ctx, `
		SELECT 1
		FROM waterfall.processed_events
		WHERE event_type = $1 AND idempotency_key = $2
		LIMIT 1`,
		eventType, key,
	).Scan(&exists)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// MarkProcessed records the key. Recording twice is a no-op.
func (s *ProcessedEventStore) MarkProcessed(ctx context.Context, eventType, key string, agreementID uuid.UUID, result string) error {
	var id interface{}
	if agreementID != uuid.Nil {
		id = agreementID
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO waterfall.processed_events (event_type, idempotency_key, agreement_id, result)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (event_type, idempotency_key) DO NOTHING`,
		eventType, key, id, result,
	)
	return err
}

// RecentKeys returns composite "type:key" entries, newest first, for
// warming the in-memory tier after a restart.
func (s *ProcessedEventStore) RecentKeys(ctx context.Context, limit int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_type || ':' || idempotency_key
		FROM waterfall.processed_events
		ORDER BY processed_at DESC
		LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}
