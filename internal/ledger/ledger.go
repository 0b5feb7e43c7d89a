// Package ledger is the append-only audit record of every execution and
// stage transition. Records are never updated or deleted here; retention
// is an external concern.
package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Event names recorded by the core components.
const (
	EventExecutionStarted    = "execution.started"
	EventExecutionFinished   = "execution.finished"
	EventExecutionTerminated = "execution.terminated"
	EventStageStarted        = "stage.started"
	EventStageFinished       = "stage.finished"
	EventJudgmentRequested   = "judgment.requested"
	EventJudgmentDecided     = "judgment.decided"
	EventCutoverApplied      = "cutover.applied"
	EventCutoverFailed       = "cutover.failed"
	EventRollbackApplied     = "rollback.applied"
	EventRollbackFailed      = "rollback.failed"
	EventCanaryVerdict       = "canary.verdict"
	EventCanaryScaledDown    = "canary.scaled_down"
	EventGroupCreated        = "group.created"
	EventGroupDestroyed      = "group.destroyed"
	EventRoleChanged         = "group.role_changed"
)

// Record is one immutable audit entry. Seq is assigned by the database
// and is strictly monotonic.
type Record struct {
	Seq         int64     `json:"seq"`
	ExecutionID string    `json:"execution_id"`
	StageName   string    `json:"stage_name,omitempty"`
	Event       string    `json:"event"`
	Actor       string    `json:"actor,omitempty"`
	At          time.Time `json:"at"`
	Payload     string    `json:"payload,omitempty"`
}

// Ledger appends and reads audit records. It shares the store's database
// handle; the audit_records table belongs to this package.
type Ledger struct {
	db *sql.DB
}

// New creates a ledger over an already-migrated database.
func New(db *sql.DB) *Ledger {
	return &Ledger{db: db}
}

// Append writes one record. Callers that must commit a state transition
// and its record atomically use AppendTx instead.
func (l *Ledger) Append(ctx context.Context, rec Record) error {
	return appendRecord(ctx, l.db, rec)
}

// AppendTx writes one record within a caller-owned transaction.
func (l *Ledger) AppendTx(ctx context.Context, tx *sql.Tx, rec Record) error {
	return appendRecord(ctx, tx, rec)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func appendRecord(ctx context.Context, q execer, rec Record) error {
	at := rec.At
	if at.IsZero() {
		at = time.Now()
	}

	_, err := q.ExecContext(ctx, `
		INSERT INTO audit_records (execution_id, stage_name, event, actor, at, payload)
		VALUES (?, ?, ?, ?, ?, ?)
	`,
		rec.ExecutionID,
		rec.StageName,
		rec.Event,
		rec.Actor,
		at.UTC().Format(time.RFC3339Nano),
		rec.Payload,
	)
	if err != nil {
		return fmt.Errorf("failed to append audit record: %w", err)
	}
	return nil
}

// ByExecution returns all records for one execution in sequence order.
func (l *Ledger) ByExecution(ctx context.Context, executionID string) ([]Record, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT seq, execution_id, stage_name, event, actor, at, payload
		FROM audit_records
		WHERE execution_id = ?
		ORDER BY seq ASC
	`, executionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit records: %w", err)
	}
	defer rows.Close()
	return collectRecords(rows)
}

// ByEvent returns all records with the given event name across
// executions, in sequence order. The single-active invariant test walks
// role-change records through this.
func (l *Ledger) ByEvent(ctx context.Context, event string) ([]Record, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT seq, execution_id, stage_name, event, actor, at, payload
		FROM audit_records
		WHERE event = ?
		ORDER BY seq ASC
	`, event)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit records by event: %w", err)
	}
	defer rows.Close()
	return collectRecords(rows)
}

func collectRecords(rows *sql.Rows) ([]Record, error) {
	var recs []Record
	for rows.Next() {
		var rec Record
		var at string
		err := rows.Scan(&rec.Seq, &rec.ExecutionID, &rec.StageName, &rec.Event,
			&rec.Actor, &at, &rec.Payload)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit record: %w", err)
		}
		rec.At, err = time.Parse(time.RFC3339Nano, at)
		if err != nil {
			return nil, fmt.Errorf("failed to parse audit timestamp: %w", err)
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit records: %w", err)
	}
	return recs, nil
}
