package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"rolloutd/internal/pipeline"
)

// UpsertStage records a stage execution, replacing any earlier record for
// the same (execution, index, name). The executor calls the Tx variant so
// the stage transition and its audit record commit together.
func (s *Store) UpsertStage(ctx context.Context, st *pipeline.StageExecution) error {
	return upsertStage(ctx, s.db, st)
}

// UpsertStageTx is UpsertStage within a caller-owned transaction.
func (s *Store) UpsertStageTx(ctx context.Context, tx *sql.Tx, st *pipeline.StageExecution) error {
	return upsertStage(ctx, tx, st)
}

func upsertStage(ctx context.Context, q querier, st *pipeline.StageExecution) error {
	var finishedAt *string
	if st.FinishedAt != nil {
		formatted := st.FinishedAt.UTC().Format(time.RFC3339)
		finishedAt = &formatted
	}

	_, err := q.ExecContext(ctx, `
		INSERT INTO stage_executions
		(execution_id, idx, name, type, status, detail, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (execution_id, idx, name) DO UPDATE SET
			status = excluded.status,
			detail = excluded.detail,
			finished_at = excluded.finished_at
	`,
		st.ExecutionID,
		st.Index,
		st.Name,
		string(st.Type),
		string(st.Status),
		st.Detail,
		st.StartedAt.UTC().Format(time.RFC3339),
		finishedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert stage execution: %w", err)
	}
	return nil
}

// ListStages returns the stage executions of one execution in order.
func (s *Store) ListStages(ctx context.Context, executionID string) ([]pipeline.StageExecution, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT execution_id, idx, name, type, status, detail, started_at, finished_at
		FROM stage_executions
		WHERE execution_id = ?
		ORDER BY idx ASC, name ASC
	`, executionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list stage executions: %w", err)
	}
	defer rows.Close()

	var stages []pipeline.StageExecution
	for rows.Next() {
		var st pipeline.StageExecution
		var typ, status, startedAt string
		var finishedAt sql.NullString

		err := rows.Scan(&st.ExecutionID, &st.Index, &st.Name, &typ, &status,
			&st.Detail, &startedAt, &finishedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan stage execution: %w", err)
		}

		st.Type = pipeline.StageType(typ)
		st.Status = pipeline.StageStatus(status)
		st.StartedAt, err = time.Parse(time.RFC3339, startedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to parse stage started_at: %w", err)
		}
		if finishedAt.Valid {
			t, err := time.Parse(time.RFC3339, finishedAt.String)
			if err != nil {
				return nil, fmt.Errorf("failed to parse stage finished_at: %w", err)
			}
			st.FinishedAt = &t
		}

		stages = append(stages, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating stage executions: %w", err)
	}

	return stages, nil
}
