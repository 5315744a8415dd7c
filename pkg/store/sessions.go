package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/arc3silicon/dgateplus/pkg/gate2"
)

// SessionDB is the subset of a Postgres pool the snapshot store needs.
type SessionDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// SessionSnapshotStore periodically persists the session-context pool
// to Postgres so a process restart can rehydrate in-flight Gate 2
// contexts instead of resetting every subscriber to INIT. The store
// is advisory: the in-memory pool remains authoritative.
type SessionSnapshotStore struct {
	DB SessionDB
}

// Snapshot persists one generation of the session pool's contexts.
func (s *SessionSnapshotStore) Snapshot(ctx context.Context, generation int64, contexts []*gate2.Context) error {
	now := time.Now().UTC()
	for _, c := range contexts {
		payload, err := json.Marshal(c)
		if err != nil {
			return err
		}
		if _, err := s.DB.Exec(ctx, `
			INSERT INTO session_snapshots (generation, subscriber_id, payload, saved_at)
			VALUES ($1,$2,$3,$4)
			ON CONFLICT (subscriber_id) DO UPDATE SET
				generation=EXCLUDED.generation,
				payload=EXCLUDED.payload,
				saved_at=EXCLUDED.saved_at
		`, generation, c.SubscriberID, payload, now); err != nil {
			return err
		}
	}
	return nil
}

// Rehydrate loads every persisted session context, for use at process
// startup before the first event for each subscriber arrives.
func (s *SessionSnapshotStore) Rehydrate(ctx context.Context) ([]*gate2.Context, error) {
	rows, err := s.DB.Query(ctx, `SELECT payload FROM session_snapshots`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*gate2.Context
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var c gate2.Context
		if err := json.Unmarshal(payload, &c); err != nil {
			return nil, err
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}
