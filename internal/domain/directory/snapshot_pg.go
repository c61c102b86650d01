package directory

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/labsync/labsync/internal/platform/errs"
)

// SnapshotStore persists the last known copy of a peer-owned entity in the
// entity_snapshots table, one row per (kind, key). It backs the cache's
// durable fallback.
type SnapshotStore[T any] struct {
	pool *pgxpool.Pool
	kind string
}

func NewSnapshotStore[T any](pool *pgxpool.Pool, kind string) *SnapshotStore[T] {
	return &SnapshotStore[T]{pool: pool, kind: kind}
}

func (s *SnapshotStore[T]) Load(ctx context.Context, key string) (T, error) {
	var zero T
	var payload []byte
	err := s.pool.QueryRow(ctx,
		`SELECT payload FROM entity_snapshots WHERE kind = $1 AND key = $2`,
		s.kind, key).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return zero, errs.ErrNotFound
	}
	if err != nil {
		return zero, err
	}
	var value T
	if err := json.Unmarshal(payload, &value); err != nil {
		return zero, err
	}
	return value, nil
}

func (s *SnapshotStore[T]) Save(ctx context.Context, key string, value T) error {
	payload, err := json.Marshal(value)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO entity_snapshots (kind, key, payload, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (kind, key) DO UPDATE SET payload = excluded.payload, updated_at = NOW()`,
		s.kind, key, payload)
	return err
}
