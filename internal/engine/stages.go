package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"rolloutd/internal/cutover"
	"rolloutd/internal/infra"
	"rolloutd/internal/ledger"
	"rolloutd/internal/pipeline"
)

// runStage executes one stage: begin transition, dispatch by type, final
// transition, failure policy. A nil return means the executor may
// advance; a non-nil return escalates to the execution level.
func (e *Engine) runStage(ctx context.Context, rs *runState, index int, spec *pipeline.StageSpec) error {
	st, err := e.beginStage(ctx, rs, index, spec)
	if err != nil {
		return err
	}

	stageCtx := ctx
	var cancel context.CancelFunc
	if spec.Timeout > 0 {
		stageCtx, cancel = context.WithTimeout(ctx, spec.Timeout.Std())
		defer cancel()
	}

	detail, err := e.dispatch(stageCtx, rs, st, spec)

	if errors.Is(err, errSuspend) {
		// Suspension already persisted the execution status; the stage
		// row stays RUNNING until the decision comes back.
		return err
	}

	if err == nil {
		if ferr := e.finishStage(ctx, st, pipeline.StageSucceeded, detail); ferr != nil {
			return ferr
		}
		return nil
	}

	// Timeouts are their own stage status, still subject to the failure
	// policy.
	status := pipeline.StageFailed
	if ctx.Err() == nil && (errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrHealthTimeout)) {
		status = pipeline.StageTimedOut
	}
	if detail == "" {
		detail = err.Error()
	}
	if ferr := e.finishStage(ctx, st, status, detail); ferr != nil {
		return ferr
	}

	if spec.OnFailure == pipeline.FailureContinue && !alwaysEscalates(err) && ctx.Err() == nil {
		e.logger.Warn("stage failed, continuing per policy",
			"execution", rs.exec.ID, "stage", spec.Name, "error", err)
		return nil
	}
	return err
}

// alwaysEscalates reports errors that ignore a continue-on-failure
// policy: an undefined traffic split or a known-bad candidate is never
// left in place.
func alwaysEscalates(err error) bool {
	var cutoverFail *cutover.CutoverFailure
	var rollbackFail *cutover.RollbackFailure
	var canaryFail *CanaryFailError
	return errors.As(err, &cutoverFail) ||
		errors.As(err, &rollbackFail) ||
		errors.As(err, &canaryFail) ||
		errors.Is(err, ErrJudgmentRejected) ||
		errors.Is(err, ErrJudgmentTimeout)
}

// runParallel runs a declared parallel group and joins it. The join
// fails when any member escalates.
func (e *Engine) runParallel(ctx context.Context, rs *runState, index int, group *pipeline.StageSpec) error {
	results := make(chan error, len(group.Parallel))
	for i := range group.Parallel {
		spec := &group.Parallel[i]
		go func() {
			results <- e.runStage(ctx, rs, index, spec)
		}()
	}

	var joinErr error
	for range group.Parallel {
		if err := <-results; err != nil && joinErr == nil {
			joinErr = err
		}
	}
	return joinErr
}

// markSkipped writes SKIPPED rows for every stage after the aborting
// one, so the execution's stage list reads complete.
func (e *Engine) markSkipped(ctx context.Context, rs *runState) {
	now := time.Now()
	for i := rs.exec.StageIndex + 1; i < len(rs.def.Stages); i++ {
		spec := &rs.def.Stages[i]
		specs := []*pipeline.StageSpec{spec}
		if len(spec.Parallel) > 0 {
			specs = specs[:0]
			for j := range spec.Parallel {
				specs = append(specs, &spec.Parallel[j])
			}
		}
		for _, s := range specs {
			st := &pipeline.StageExecution{
				ExecutionID: rs.exec.ID,
				Index:       i,
				Name:        s.Name,
				Type:        s.Type,
				Status:      pipeline.StageSkipped,
				StartedAt:   now,
				FinishedAt:  &now,
			}
			if err := e.store.UpsertStage(context.WithoutCancel(ctx), st); err != nil {
				e.logger.Error("failed to mark stage skipped",
					"execution", rs.exec.ID, "stage", s.Name, "error", err)
			}
		}
	}
}

func (e *Engine) dispatch(ctx context.Context, rs *runState, st *pipeline.StageExecution, spec *pipeline.StageSpec) (string, error) {
	switch spec.Type {
	case pipeline.StageDeploy:
		return e.runDeploy(ctx, rs, spec)
	case pipeline.StageWait:
		return "", e.runWait(ctx, st, spec)
	case pipeline.StageHealthCheck:
		return e.runHealthCheck(ctx, rs, spec)
	case pipeline.StageVerification:
		return e.runVerification(ctx, rs, spec)
	case pipeline.StageCanary:
		return e.runCanary(ctx, rs, st, spec)
	case pipeline.StageJudgment:
		return "", e.runJudgment(ctx, rs, st, spec)
	case pipeline.StageCutover:
		return "", e.runCutover(ctx, rs, spec)
	case pipeline.StageCleanup:
		return e.runCleanup(ctx, rs, spec)
	default:
		return "", fmt.Errorf("unknown stage type '%s'", spec.Type)
	}
}

// runDeploy applies the deployment spec with bounded retries and
// registers the resulting server group. The group name is derived from
// the execution id, so a crash-and-retry re-applies the same group
// instead of leaking a second one.
func (e *Engine) runDeploy(ctx context.Context, rs *runState, spec *pipeline.StageSpec) (string, error) {
	cfg := spec.Deploy
	groupName := fmt.Sprintf("%s-%.8s", rs.ec.Service, rs.exec.ID)

	deploySpec := infra.DeploySpec{
		Service:     rs.ec.Service,
		GroupName:   groupName,
		ArtifactID:  rs.ec.Artifact.ID,
		Environment: cfg.Environment,
		Role:        cfg.Role,
		Replicas:    cfg.Replicas,
	}

	var lastErr error
	attempts := 0
	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		attempts++
		if attempt > 0 {
			e.logger.Warn("deploy retrying",
				"execution", rs.exec.ID, "group", groupName,
				"attempt", attempt, "error", lastErr)
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(cfg.Backoff.Std() * time.Duration(attempt)):
			}
		}

		_, err := e.infra.Apply(ctx, deploySpec)
		if err == nil {
			lastErr = nil
			break
		}
		lastErr = err
	}
	if lastErr != nil {
		return "", &DeployError{Group: groupName, Attempts: attempts, Cause: lastErr}
	}

	group := &pipeline.ServerGroup{
		Service:    rs.ec.Service,
		Name:       groupName,
		ArtifactID: rs.ec.Artifact.ID,
		Role:       cfg.Role,
		CreatedAt:  time.Now(),
	}
	if err := e.store.CreateGroup(context.WithoutCancel(ctx), group); err != nil {
		return "", err
	}
	e.appendEvent(ctx, rs.exec.ID, spec.Name, ledger.EventGroupCreated, "", map[string]any{
		"group": groupName,
		"role":  cfg.Role,
	})

	rs.ec.CandidateGroup = groupName
	return groupName, nil
}

// runWait suspends for the configured duration. The stage start time is
// persisted, so a restart continues the remaining wait rather than
// starting over.
func (e *Engine) runWait(ctx context.Context, st *pipeline.StageExecution, spec *pipeline.StageSpec) error {
	remaining := spec.Wait.Duration.Std() - time.Since(st.StartedAt)
	if remaining <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(remaining):
		return nil
	}
}

// runHealthCheck polls the candidate group's readiness at the configured
// interval until it holds or the stage deadline passes.
func (e *Engine) runHealthCheck(ctx context.Context, rs *runState, spec *pipeline.StageSpec) (string, error) {
	if rs.ec.CandidateGroup == "" {
		return "", fmt.Errorf("healthcheck has no target group, no deploy stage ran")
	}
	handle := infra.GroupHandle{Service: rs.ec.Service, Name: rs.ec.CandidateGroup}

	ticker := time.NewTicker(spec.Health.Interval.Std())
	defer ticker.Stop()

	var lastDetail string
	for {
		status, err := e.infra.Health(ctx, handle)
		if err == nil && status.Ready {
			return status.Detail, nil
		}
		if err != nil {
			lastDetail = err.Error()
		} else {
			lastDetail = status.Detail
		}

		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return lastDetail, fmt.Errorf("%w: %s", ErrHealthTimeout, lastDetail)
			}
			return lastDetail, ctx.Err()
		case <-ticker.C:
		}
	}
}

// runVerification invokes the external runner against the candidate
// group's endpoint and awaits its completion signal.
func (e *Engine) runVerification(ctx context.Context, rs *runState, spec *pipeline.StageSpec) (string, error) {
	endpoint := spec.Verify.Endpoint
	if endpoint == "" {
		endpoint = rs.ec.CandidateGroup
	}

	report, err := e.runner.Run(ctx, spec.Verify.TestSpec, endpoint)
	if err != nil {
		return report.Output, fmt.Errorf("verification run failed: %w", err)
	}
	if !report.Success {
		return report.Output, &VerificationFailure{TestSpec: spec.Verify.TestSpec, Output: report.Output}
	}
	return report.Output, nil
}

// runCanary analyzes the candidate against the current active baseline.
// A FAIL verdict scales the canary down immediately, independent of the
// deploy and cutover stages. A MARGINAL verdict branches to the
// configured fallback.
func (e *Engine) runCanary(ctx context.Context, rs *runState, st *pipeline.StageExecution, spec *pipeline.StageSpec) (string, error) {
	// A marginal verdict may have suspended this stage for judgment;
	// pick up the decision instead of re-running the analysis.
	if j, err := e.store.LatestJudgmentForStage(ctx, rs.exec.ID, st.Name); err != nil {
		return "", err
	} else if j != nil {
		switch j.Decision {
		case pipeline.JudgmentApproved:
			return fmt.Sprintf("marginal verdict approved by %s", j.DecidedBy), nil
		case pipeline.JudgmentRejected:
			if j.DecidedBy == "system:timeout" {
				return "", ErrJudgmentTimeout
			}
			return "", ErrJudgmentRejected
		case pipeline.JudgmentPending:
			return "", e.suspend(ctx, rs, st.Name, j.Prompt, j.Authorized, 0)
		}
	}

	baseline, err := e.store.ActiveGroup(ctx, rs.ec.Service)
	if err != nil {
		return "", err
	}
	if baseline == nil {
		return "", fmt.Errorf("canary analysis needs an active baseline group")
	}
	if rs.ec.CandidateGroup == "" {
		return "", fmt.Errorf("canary analysis has no candidate group, no deploy stage ran")
	}

	result, err := e.canary.Analyze(ctx, spec.Canary, baseline.Name, rs.ec.CandidateGroup)
	if err != nil {
		return "", err
	}

	detailBytes, _ := json.Marshal(result)
	detail := string(detailBytes)
	e.appendEvent(ctx, rs.exec.ID, st.Name, ledger.EventCanaryVerdict, "", map[string]any{
		"verdict": result.Verdict,
		"score":   result.Score,
		"reason":  result.Reason,
	})

	switch result.Verdict {
	case pipeline.VerdictPass:
		return detail, nil
	case pipeline.VerdictFail:
		// Known-bad candidate: stop serving it traffic right now. The
		// weight write takes the service's cutover lock like every other
		// traffic reassignment.
		e.cutover.Lock(rs.ec.Service)
		collapseErr := e.cutover.Collapse(context.WithoutCancel(ctx), rs.ec)
		e.cutover.Unlock(rs.ec.Service)
		if collapseErr != nil {
			e.logger.Error("failed to collapse failed canary",
				"execution", rs.exec.ID, "group", rs.ec.CandidateGroup, "error", collapseErr)
		}
		return detail, &CanaryFailError{Result: result}
	default: // MARGINAL
		if spec.Canary.OnMarginal == "judgment" {
			prompt := fmt.Sprintf("canary analysis for %s scored %.1f (marginal); promote anyway?",
				rs.ec.Service, result.Score)
			return detail, e.suspend(ctx, rs, st.Name, prompt, nil, 0)
		}
		return detail, &CanaryFailError{Result: result}
	}
}

// runJudgment gates the execution on a persisted human decision.
func (e *Engine) runJudgment(ctx context.Context, rs *runState, st *pipeline.StageExecution, spec *pipeline.StageSpec) error {
	j, err := e.store.LatestJudgmentForStage(ctx, rs.exec.ID, st.Name)
	if err != nil {
		return err
	}

	if j != nil {
		switch j.Decision {
		case pipeline.JudgmentApproved:
			return nil
		case pipeline.JudgmentRejected:
			if j.DecidedBy == "system:timeout" {
				return ErrJudgmentTimeout
			}
			return ErrJudgmentRejected
		case pipeline.JudgmentPending:
			return e.suspend(ctx, rs, st.Name, j.Prompt, j.Authorized, 0)
		}
	}

	return e.suspend(ctx, rs, st.Name, spec.Judgment.Prompt, spec.Judgment.Authorized,
		spec.Judgment.Deadline.Std())
}

// runCutover reassigns production traffic under the service's cutover
// lock. A second execution for the same service blocks here until any
// in-flight cutover completes.
func (e *Engine) runCutover(ctx context.Context, rs *runState, spec *pipeline.StageSpec) error {
	if rs.ec.CandidateGroup == "" {
		return fmt.Errorf("cutover has no candidate group, no deploy stage ran")
	}

	e.cutover.Lock(rs.ec.Service)
	defer e.cutover.Unlock(rs.ec.Service)

	rs.cutoverBegun = true

	switch rs.def.Strategy {
	case pipeline.StrategyCanaryRamp:
		return e.runRamp(ctx, rs, spec)
	default:
		return e.cutover.BlueGreen(ctx, rs.ec)
	}
}

// runRamp increases the canary's traffic share step by step, gated on a
// fresh canary analysis before each increase past the first when the
// definition carries a canary stage config. Any FAIL collapses the
// weight to zero immediately.
func (e *Engine) runRamp(ctx context.Context, rs *runState, spec *pipeline.StageSpec) error {
	steps := spec.Cutover.Steps
	if len(steps) == 0 {
		steps = pipeline.DefaultRampSteps
	}

	gate := rs.def.CanaryGate()

	for i, percent := range steps {
		if i > 0 && gate != nil {
			baseline, err := e.store.ActiveGroup(ctx, rs.ec.Service)
			if err != nil {
				return err
			}
			if baseline != nil {
				result, err := e.canary.Analyze(ctx, gate, baseline.Name, rs.ec.CandidateGroup)
				if err != nil {
					return err
				}
				e.appendEvent(ctx, rs.exec.ID, spec.Name, ledger.EventCanaryVerdict, "", map[string]any{
					"verdict": result.Verdict,
					"score":   result.Score,
					"step":    percent,
				})
				if result.Verdict == pipeline.VerdictFail {
					if err := e.cutover.Collapse(context.WithoutCancel(ctx), rs.ec); err != nil {
						e.logger.Error("failed to collapse failed canary",
							"execution", rs.exec.ID, "error", err)
					}
					return &CanaryFailError{Result: result}
				}
			}
		}

		if err := e.cutover.RampStep(ctx, rs.ec, percent); err != nil {
			return err
		}
	}

	return nil
}

// runCleanup destroys the retired group after the grace period. Cleanup
// is best-effort: failures are logged, never pipeline-fatal.
func (e *Engine) runCleanup(ctx context.Context, rs *runState, spec *pipeline.StageSpec) (string, error) {
	if spec.Cleanup.GracePeriod > 0 {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(spec.Cleanup.GracePeriod.Std()):
		}
	}

	group, err := e.store.GroupByRole(ctx, rs.ec.Service, spec.Cleanup.Role)
	if err != nil || group == nil {
		return "no group to clean up", nil
	}
	// Never destroy the group this execution would roll back to while
	// the execution could still fail.
	if group.Name == rs.ec.CandidateGroup {
		return "skipped: group is this execution's candidate", nil
	}

	handle := infra.GroupHandle{Service: group.Service, Name: group.Name}
	if err := e.infra.Destroy(ctx, handle); err != nil {
		e.logger.Warn("cleanup failed to destroy group",
			"execution", rs.exec.ID, "group", group.Name, "error", err)
		return fmt.Sprintf("destroy failed: %v", err), nil
	}
	if err := e.store.DeleteGroup(context.WithoutCancel(ctx), group.Service, group.Name); err != nil {
		e.logger.Warn("cleanup failed to deregister group",
			"execution", rs.exec.ID, "group", group.Name, "error", err)
	}

	e.appendEvent(ctx, rs.exec.ID, spec.Name, ledger.EventGroupDestroyed, "", map[string]any{
		"group": group.Name,
	})
	return fmt.Sprintf("destroyed %s", group.Name), nil
}
