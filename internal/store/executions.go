package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"rolloutd/internal/pipeline"
)

// CreateExecution inserts a new execution record.
func (s *Store) CreateExecution(ctx context.Context, exec *pipeline.Execution) error {
	return createExecution(ctx, s.db, exec)
}

// CreateExecutionTx is CreateExecution within a caller-owned transaction,
// so the execution row and its start audit record commit together.
func (s *Store) CreateExecutionTx(ctx context.Context, tx *sql.Tx, exec *pipeline.Execution) error {
	return createExecution(ctx, tx, exec)
}

func createExecution(ctx context.Context, q querier, exec *pipeline.Execution) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO executions
		(id, service, artifact_id, artifact_version, artifact_source, def_version,
		 status, stage_index, triggered_by, rollback_target, started_at, finalized, error_message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		exec.ID,
		exec.Service,
		exec.Artifact.ID,
		exec.Artifact.Version,
		exec.Artifact.Source,
		exec.DefVersion,
		string(exec.Status),
		exec.StageIndex,
		exec.Trigger,
		exec.RollbackTarget,
		exec.StartedAt.UTC().Format(time.RFC3339),
		boolToInt(exec.Finalized),
		exec.Error,
	)
	if err != nil {
		return fmt.Errorf("failed to insert execution: %w", err)
	}
	return nil
}

// UpdateExecution persists the mutable fields of an execution: status,
// stage index, rollback target, finish time, finalized flag and error.
func (s *Store) UpdateExecution(ctx context.Context, exec *pipeline.Execution) error {
	return updateExecution(ctx, s.db, exec)
}

// UpdateExecutionTx is UpdateExecution within a caller-owned transaction.
func (s *Store) UpdateExecutionTx(ctx context.Context, tx *sql.Tx, exec *pipeline.Execution) error {
	return updateExecution(ctx, tx, exec)
}

func updateExecution(ctx context.Context, q querier, exec *pipeline.Execution) error {
	var finishedAt *string
	if exec.FinishedAt != nil {
		formatted := exec.FinishedAt.UTC().Format(time.RFC3339)
		finishedAt = &formatted
	}

	res, err := q.ExecContext(ctx, `
		UPDATE executions
		SET status = ?, stage_index = ?, rollback_target = ?, finished_at = ?,
		    finalized = ?, error_message = ?
		WHERE id = ?
	`,
		string(exec.Status),
		exec.StageIndex,
		exec.RollbackTarget,
		finishedAt,
		boolToInt(exec.Finalized),
		exec.Error,
		exec.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update execution: %w", err)
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return fmt.Errorf("execution %s not found", exec.ID)
	}
	return nil
}

// GetExecution returns the execution with the given id, or nil when it
// does not exist.
func (s *Store) GetExecution(ctx context.Context, id string) (*pipeline.Execution, error) {
	row := s.db.QueryRowContext(ctx, selectExecution+` WHERE id = ?`, id)
	exec, err := scanExecution(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query execution: %w", err)
	}
	return exec, nil
}

// FindByArtifact returns the most recent execution for the given service
// and artifact identifier, or nil. The trigger uses this persisted check
// for idempotency, so a restart never duplicates executions.
func (s *Store) FindByArtifact(ctx context.Context, service, artifactID string) (*pipeline.Execution, error) {
	row := s.db.QueryRowContext(ctx, selectExecution+`
		WHERE service = ? AND artifact_id = ?
		ORDER BY started_at DESC LIMIT 1
	`, service, artifactID)
	exec, err := scanExecution(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query execution by artifact: %w", err)
	}
	return exec, nil
}

// ListExecutions returns executions for a service, newest first.
func (s *Store) ListExecutions(ctx context.Context, service string, limit int) ([]pipeline.Execution, error) {
	rows, err := s.db.QueryContext(ctx, selectExecution+`
		WHERE service = ?
		ORDER BY started_at DESC LIMIT ?
	`, service, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}
	defer rows.Close()
	return collectExecutions(rows)
}

// ListByStatus returns all executions in the given status.
func (s *Store) ListByStatus(ctx context.Context, status pipeline.ExecutionStatus) ([]pipeline.Execution, error) {
	rows, err := s.db.QueryContext(ctx, selectExecution+`
		WHERE status = ?
		ORDER BY started_at ASC
	`, string(status))
	if err != nil {
		return nil, fmt.Errorf("failed to list executions by status: %w", err)
	}
	defer rows.Close()
	return collectExecutions(rows)
}

// ListUnfinalized returns terminal executions whose finalizers have not
// completed. Recovery re-drives these for at-least-once notification.
func (s *Store) ListUnfinalized(ctx context.Context) ([]pipeline.Execution, error) {
	rows, err := s.db.QueryContext(ctx, selectExecution+`
		WHERE finalized = 0
		  AND status IN ('SUCCEEDED', 'FAILED', 'TERMINATED', 'TERMINATED_NEEDS_MANUAL_INTERVENTION')
		ORDER BY started_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list unfinalized executions: %w", err)
	}
	defer rows.Close()
	return collectExecutions(rows)
}

const selectExecution = `
	SELECT id, service, artifact_id, artifact_version, artifact_source, def_version,
	       status, stage_index, triggered_by, rollback_target, started_at, finished_at,
	       finalized, error_message
	FROM executions`

func collectExecutions(rows *sql.Rows) ([]pipeline.Execution, error) {
	var execs []pipeline.Execution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan execution: %w", err)
		}
		execs = append(execs, *exec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating executions: %w", err)
	}
	return execs, nil
}

func scanExecution(sc scanner) (*pipeline.Execution, error) {
	var exec pipeline.Execution
	var status string
	var startedAt string
	var finishedAt sql.NullString
	var finalized int

	err := sc.Scan(
		&exec.ID,
		&exec.Service,
		&exec.Artifact.ID,
		&exec.Artifact.Version,
		&exec.Artifact.Source,
		&exec.DefVersion,
		&status,
		&exec.StageIndex,
		&exec.Trigger,
		&exec.RollbackTarget,
		&startedAt,
		&finishedAt,
		&finalized,
		&exec.Error,
	)
	if err != nil {
		return nil, err
	}

	exec.Status = pipeline.ExecutionStatus(status)
	exec.Finalized = finalized != 0

	exec.StartedAt, err = time.Parse(time.RFC3339, startedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to parse started_at: %w", err)
	}
	if finishedAt.Valid {
		t, err := time.Parse(time.RFC3339, finishedAt.String)
		if err != nil {
			return nil, fmt.Errorf("failed to parse finished_at: %w", err)
		}
		exec.FinishedAt = &t
	}

	return &exec, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
