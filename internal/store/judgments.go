package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"rolloutd/internal/pipeline"
)

var (
	// ErrNotPending is returned when deciding an execution that has no
	// pending judgment request.
	ErrNotPending = errors.New("no pending judgment for execution")

	// ErrAlreadyDecided is returned when a judgment request was already
	// decided by another actor.
	ErrAlreadyDecided = errors.New("judgment already decided")
)

// CreateJudgment persists a new pending judgment request.
func (s *Store) CreateJudgment(ctx context.Context, j *pipeline.JudgmentRequest) error {
	authorized, err := json.Marshal(j.Authorized)
	if err != nil {
		return fmt.Errorf("failed to encode authorized actors: %w", err)
	}

	var deadline *string
	if j.Deadline != nil {
		formatted := j.Deadline.UTC().Format(time.RFC3339)
		deadline = &formatted
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO judgments
		(id, execution_id, service, stage, prompt, authorized, decision, created_at, deadline)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		j.ID,
		j.ExecutionID,
		j.Service,
		j.Stage,
		j.Prompt,
		string(authorized),
		string(j.Decision),
		j.CreatedAt.UTC().Format(time.RFC3339),
		deadline,
	)
	if err != nil {
		return fmt.Errorf("failed to insert judgment: %w", err)
	}
	return nil
}

// PendingJudgment returns the pending judgment request for an execution,
// or nil when there is none.
func (s *Store) PendingJudgment(ctx context.Context, executionID string) (*pipeline.JudgmentRequest, error) {
	row := s.db.QueryRowContext(ctx, selectJudgment+`
		WHERE execution_id = ? AND decision = 'pending'
		ORDER BY created_at DESC LIMIT 1
	`, executionID)

	j, err := scanJudgment(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query pending judgment: %w", err)
	}
	return j, nil
}

// LatestJudgmentForStage returns the newest judgment request created by
// one stage of an execution, decided or not, or nil when the stage never
// asked for one. The executor uses this on resume to pick up the
// decision instead of re-asking.
func (s *Store) LatestJudgmentForStage(ctx context.Context, executionID, stage string) (*pipeline.JudgmentRequest, error) {
	row := s.db.QueryRowContext(ctx, selectJudgment+`
		WHERE execution_id = ? AND stage = ?
		ORDER BY created_at DESC LIMIT 1
	`, executionID, stage)

	j, err := scanJudgment(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query judgment for stage: %w", err)
	}
	return j, nil
}

// LatestJudgment returns the newest judgment request for an execution,
// decided or not, or nil when none was ever created.
func (s *Store) LatestJudgment(ctx context.Context, executionID string) (*pipeline.JudgmentRequest, error) {
	row := s.db.QueryRowContext(ctx, selectJudgment+`
		WHERE execution_id = ?
		ORDER BY created_at DESC LIMIT 1
	`, executionID)

	j, err := scanJudgment(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query latest judgment: %w", err)
	}
	return j, nil
}

// ListPendingJudgments returns all pending judgment requests, oldest
// first.
func (s *Store) ListPendingJudgments(ctx context.Context) ([]pipeline.JudgmentRequest, error) {
	rows, err := s.db.QueryContext(ctx, selectJudgment+`
		WHERE decision = 'pending'
		ORDER BY created_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending judgments: %w", err)
	}
	defer rows.Close()

	var reqs []pipeline.JudgmentRequest
	for rows.Next() {
		j, err := scanJudgment(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan judgment: %w", err)
		}
		reqs = append(reqs, *j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating judgments: %w", err)
	}
	return reqs, nil
}

// DecideJudgment records a decision on an execution's pending judgment.
// The update is conditional on the request still being pending, so
// concurrent deciders cannot both win.
func (s *Store) DecideJudgment(ctx context.Context, executionID, actor string, decision pipeline.JudgmentDecision) (*pipeline.JudgmentRequest, error) {
	j, err := s.PendingJudgment(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if j == nil {
		// Distinguish "never asked" from "already answered".
		prev, prevErr := s.LatestJudgment(ctx, executionID)
		if prevErr == nil && prev != nil && prev.Decision != pipeline.JudgmentPending {
			return nil, ErrAlreadyDecided
		}
		return nil, ErrNotPending
	}

	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE judgments
		SET decision = ?, decided_by = ?, decided_at = ?
		WHERE id = ? AND decision = 'pending'
	`, string(decision), actor, now.Format(time.RFC3339), j.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to decide judgment: %w", err)
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return nil, ErrAlreadyDecided
	}

	j.Decision = decision
	j.DecidedBy = actor
	j.DecidedAt = &now
	return j, nil
}

const selectJudgment = `
	SELECT id, execution_id, service, stage, prompt, authorized, decision,
	       decided_by, created_at, decided_at, deadline
	FROM judgments`

func scanJudgment(sc scanner) (*pipeline.JudgmentRequest, error) {
	var j pipeline.JudgmentRequest
	var authorized, decision, createdAt string
	var decidedAt, deadline sql.NullString

	err := sc.Scan(&j.ID, &j.ExecutionID, &j.Service, &j.Stage, &j.Prompt, &authorized,
		&decision, &j.DecidedBy, &createdAt, &decidedAt, &deadline)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(authorized), &j.Authorized); err != nil {
		return nil, fmt.Errorf("failed to decode authorized actors: %w", err)
	}
	j.Decision = pipeline.JudgmentDecision(decision)

	j.CreatedAt, err = time.Parse(time.RFC3339, createdAt)
	if err != nil {
		return nil, fmt.Errorf("failed to parse judgment created_at: %w", err)
	}
	if decidedAt.Valid {
		t, err := time.Parse(time.RFC3339, decidedAt.String)
		if err != nil {
			return nil, fmt.Errorf("failed to parse judgment decided_at: %w", err)
		}
		j.DecidedAt = &t
	}
	if deadline.Valid {
		t, err := time.Parse(time.RFC3339, deadline.String)
		if err != nil {
			return nil, fmt.Errorf("failed to parse judgment deadline: %w", err)
		}
		j.Deadline = &t
	}

	return &j, nil
}
