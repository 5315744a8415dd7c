// Package audit appends the security-relevant Gate 1 and Gate 2
// outcomes to an append-only Postgres log: every Gate 2 action with
// log-security set, and every Gate 1 Reject or Expired decision.
package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/arc3silicon/dgateplus/pkg/wire"
)

type auditDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Writer appends Records to the audit log. When Redact is set,
// SubscriberID is replaced by its salted hash before the row is
// written.
type Writer struct {
	DB       auditDB
	HashSalt []byte
	Redact   bool
}

// Record is one append-only audit row.
type Record struct {
	DecisionID     string
	Gate           string // "gate1" or "gate2"
	SubscriberID   uint64
	SubscriberHash string
	TriggerEvent   string
	FromState      string
	ToState        string
	ReasonCode     string
	IntegrityHash  string
	CreatedAt      time.Time
}

// Append writes rec to the audit log, redacting the subscriber
// identity first if the Writer is configured to do so, and stamps an
// IntegrityHash over the canonicalized row so a later Verify can
// detect a row edited after the fact.
func (w *Writer) Append(ctx context.Context, rec Record) error {
	if w.Redact {
		rec = redactRecord(rec, w.HashSalt)
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	hash, err := recordIntegrityHash(rec)
	if err != nil {
		return err
	}
	rec.IntegrityHash = hash
	_, err = w.DB.Exec(ctx, `
		INSERT INTO audit_records
		(decision_id, gate, subscriber_id, subscriber_hash, trigger_event, from_state, to_state, reason_code, integrity_hash, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`, rec.DecisionID, rec.Gate, rec.SubscriberID, rec.SubscriberHash, rec.TriggerEvent, rec.FromState, rec.ToState, rec.ReasonCode, rec.IntegrityHash, rec.CreatedAt)
	return err
}

// Get retrieves a single audit record by decision ID, for incident
// review.
func (w *Writer) Get(ctx context.Context, decisionID string) (Record, error) {
	row := w.DB.QueryRow(ctx, `
		SELECT decision_id, gate, subscriber_id, subscriber_hash, trigger_event, from_state, to_state, reason_code, integrity_hash, created_at
		FROM audit_records WHERE decision_id=$1
	`, decisionID)
	var rec Record
	if err := row.Scan(&rec.DecisionID, &rec.Gate, &rec.SubscriberID, &rec.SubscriberHash, &rec.TriggerEvent, &rec.FromState, &rec.ToState, &rec.ReasonCode, &rec.IntegrityHash, &rec.CreatedAt); err != nil {
		return rec, err
	}
	return rec, nil
}

// Verify recomputes rec's integrity hash from its other fields and
// reports whether it still matches IntegrityHash, catching a row
// edited directly in the database after Append wrote it.
func Verify(rec Record) (bool, error) {
	want := rec.IntegrityHash
	rec.IntegrityHash = ""
	got, err := recordIntegrityHash(rec)
	if err != nil {
		return false, err
	}
	return got == want, nil
}

func recordIntegrityHash(rec Record) (string, error) {
	rec.IntegrityHash = ""
	raw, err := json.Marshal(rec)
	if err != nil {
		return "", err
	}
	return wire.AuditRecordHash(raw, rec.DecisionID)
}
