// Package engine drives pipeline executions through their stage state
// machine: PENDING -> RUNNING -> {SUCCEEDED | FAILED | TERMINATED}, with
// AWAITING_JUDGMENT as a persisted suspension resumed by an external
// decision. Every transition is written to the audit ledger as part of
// the transition, before the executor advances.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"rolloutd/internal/canary"
	"rolloutd/internal/cutover"
	"rolloutd/internal/infra"
	"rolloutd/internal/ledger"
	"rolloutd/internal/notify"
	"rolloutd/internal/pipeline"
	"rolloutd/internal/store"
)

// ErrUnauthorized is returned when an actor outside a judgment's
// authorized set tries to decide it.
var ErrUnauthorized = errors.New("actor not authorized for this judgment")

// Engine owns all running executions. Executions for different services
// run fully in parallel; stages within one execution run sequentially
// except for declared parallel groups.
type Engine struct {
	store    *store.Store
	ledger   *ledger.Ledger
	cutover  *cutover.Controller
	infra    infra.Controller
	canary   *canary.Engine
	runner   infra.VerificationRunner
	notifier notify.Notifier
	logger   *slog.Logger
	defs     map[string]*pipeline.Definition

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	wg      sync.WaitGroup
}

// New creates an engine. The definitions map is the validated pipeline
// configuration keyed by service.
func New(st *store.Store, led *ledger.Ledger, co *cutover.Controller, ctrl infra.Controller,
	ca *canary.Engine, runner infra.VerificationRunner, notifier notify.Notifier,
	defs map[string]*pipeline.Definition, logger *slog.Logger) *Engine {
	return &Engine{
		store:    st,
		ledger:   led,
		cutover:  co,
		infra:    ctrl,
		canary:   ca,
		runner:   runner,
		notifier: notifier,
		logger:   logger,
		defs:     defs,
		cancels:  make(map[string]context.CancelFunc),
	}
}

// Definition returns the pipeline definition for a service, or nil.
func (e *Engine) Definition(service string) *pipeline.Definition {
	return e.defs[service]
}

// Services returns the names of all services with loaded definitions.
func (e *Engine) Services() []string {
	names := make([]string, 0, len(e.defs))
	for name := range e.defs {
		names = append(names, name)
	}
	return names
}

// ListExecutions returns the most recent executions for a service,
// newest first.
func (e *Engine) ListExecutions(ctx context.Context, service string) ([]pipeline.Execution, error) {
	return e.store.ListExecutions(ctx, service, 100)
}

// Instantiate creates and starts an execution of the service's pipeline
// against the artifact. Re-observing an already-processed artifact is an
// idempotent no-op: the existing execution is returned and nothing new
// is created. The check runs against persisted state, so restarts never
// duplicate executions.
func (e *Engine) Instantiate(ctx context.Context, def *pipeline.Definition, artifact pipeline.Artifact, actor string) (*pipeline.Execution, error) {
	existing, err := e.store.FindByArtifact(ctx, def.Service, artifact.ID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	// The rollback target is fixed at execution start so it stays
	// unambiguous even after multiple cutovers within this execution.
	var rollbackTarget string
	if active, err := e.store.ActiveGroup(ctx, def.Service); err != nil {
		return nil, err
	} else if active != nil {
		rollbackTarget = active.Name
	}

	exec := &pipeline.Execution{
		ID:             uuid.NewString(),
		Service:        def.Service,
		Artifact:       artifact,
		DefVersion:     def.Version,
		Status:         pipeline.ExecutionRunning,
		Trigger:        actor,
		RollbackTarget: rollbackTarget,
		StartedAt:      time.Now(),
	}

	tx, err := e.store.BeginTx(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin execution: %w", err)
	}
	defer tx.Rollback()

	if err := e.store.CreateExecutionTx(ctx, tx, exec); err != nil {
		return nil, err
	}
	payload, _ := json.Marshal(map[string]any{"artifact": artifact, "definition_version": def.Version})
	rec := ledger.Record{
		ExecutionID: exec.ID,
		Event:       ledger.EventExecutionStarted,
		Actor:       actor,
		Payload:     string(payload),
	}
	if err := e.ledger.AppendTx(ctx, tx, rec); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit execution start: %w", err)
	}

	e.logger.Info("execution started",
		"execution", exec.ID, "service", def.Service,
		"artifact", artifact.ID, "actor", actor)

	e.launch(exec, def)
	return exec, nil
}

// launch runs the execution's stage loop on its own goroutine with a
// cancel registered for Terminate.
func (e *Engine) launch(exec *pipeline.Execution, def *pipeline.Definition) {
	ctx, cancel := context.WithCancel(context.Background())

	e.mu.Lock()
	e.cancels[exec.ID] = cancel
	e.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer func() {
			cancel()
			e.mu.Lock()
			delete(e.cancels, exec.ID)
			e.mu.Unlock()
		}()
		e.run(ctx, exec, def)
	}()
}

// Wait blocks until all in-flight executions have suspended or finished.
// Used by graceful shutdown and by tests.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// Terminate cancels a RUNNING or AWAITING_JUDGMENT execution. In-flight
// stage work is cancelled best-effort; infrastructure is left as-is
// unless a cutover had begun, in which case the rollback path runs.
func (e *Engine) Terminate(ctx context.Context, executionID, actor string) error {
	exec, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}
	if exec == nil {
		return fmt.Errorf("execution %s not found", executionID)
	}

	switch exec.Status {
	case pipeline.ExecutionRunning:
		// The run loop observes the cancellation, performs any needed
		// rollback and finalizes as TERMINATED.
		e.mu.Lock()
		cancel, running := e.cancels[executionID]
		e.mu.Unlock()
		if running {
			e.appendEvent(ctx, exec.ID, "", ledger.EventExecutionTerminated, actor, nil)
			cancel()
			return nil
		}
		// Not in-flight in this process (crashed mid-run); finalize
		// directly.
		e.appendEvent(ctx, exec.ID, "", ledger.EventExecutionTerminated, actor, nil)
		e.finalize(ctx, exec, pipeline.ExecutionTerminated, fmt.Sprintf("terminated by %s", actor))
		return nil

	case pipeline.ExecutionAwaitingJudgment:
		// Void the pending request so it leaves the pending list and its
		// deadline timer finds nothing to reject.
		if _, err := e.store.DecideJudgment(ctx, executionID, actor, pipeline.JudgmentVoided); err != nil &&
			!errors.Is(err, store.ErrNotPending) && !errors.Is(err, store.ErrAlreadyDecided) {
			return err
		}
		e.appendEvent(ctx, exec.ID, "", ledger.EventExecutionTerminated, actor, nil)
		e.finalize(ctx, exec, pipeline.ExecutionTerminated, fmt.Sprintf("terminated by %s", actor))
		return nil

	default:
		return fmt.Errorf("execution %s is %s, cannot terminate", executionID, exec.Status)
	}
}

// ListPendingJudgments returns every judgment gate waiting for a human
// decision.
func (e *Engine) ListPendingJudgments(ctx context.Context) ([]pipeline.JudgmentRequest, error) {
	return e.store.ListPendingJudgments(ctx)
}

// Decide records a judgment decision and resumes the suspended
// execution. Deciding is idempotent at the caller level: a second call
// returns store.ErrAlreadyDecided and changes nothing.
func (e *Engine) Decide(ctx context.Context, executionID, actor string, approve bool) error {
	exec, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}
	if exec == nil {
		return fmt.Errorf("execution %s not found", executionID)
	}
	if exec.Status != pipeline.ExecutionAwaitingJudgment {
		return e.judgmentGone(ctx, executionID, exec.Status)
	}

	pending, err := e.store.PendingJudgment(ctx, executionID)
	if err != nil {
		return err
	}
	if pending == nil {
		return e.judgmentGone(ctx, executionID, exec.Status)
	}
	if !pending.Authorizes(actor) {
		return ErrUnauthorized
	}

	decision := pipeline.JudgmentRejected
	if approve {
		decision = pipeline.JudgmentApproved
	}
	decided, err := e.store.DecideJudgment(ctx, executionID, actor, decision)
	if err != nil {
		return err
	}

	e.appendEvent(ctx, executionID, "", ledger.EventJudgmentDecided, actor, map[string]any{
		"judgment": decided.ID,
		"decision": decision,
	})

	return e.resume(ctx, executionID)
}

// judgmentGone reports why no decision can be recorded, without writing
// anything to the judgment row.
func (e *Engine) judgmentGone(ctx context.Context, executionID string, status pipeline.ExecutionStatus) error {
	j, err := e.store.LatestJudgment(ctx, executionID)
	if err != nil {
		return err
	}
	if j != nil && j.Decision != pipeline.JudgmentPending {
		return fmt.Errorf("%w: execution is %s", store.ErrAlreadyDecided, status)
	}
	return fmt.Errorf("%w: execution is %s", store.ErrNotPending, status)
}

// resume relaunches a suspended execution at its persisted stage index.
func (e *Engine) resume(ctx context.Context, executionID string) error {
	exec, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}
	if exec == nil {
		return fmt.Errorf("execution %s not found", executionID)
	}
	if exec.Status != pipeline.ExecutionAwaitingJudgment {
		return fmt.Errorf("execution %s is %s, not awaiting judgment", executionID, exec.Status)
	}

	def := e.defs[exec.Service]
	if def == nil {
		return fmt.Errorf("no pipeline definition for service '%s'", exec.Service)
	}

	exec.Status = pipeline.ExecutionRunning
	if err := e.store.UpdateExecution(ctx, exec); err != nil {
		return err
	}

	e.launch(exec, def)
	return nil
}

// Recover resumes work after a process restart: RUNNING executions
// continue from their persisted stage index, suspended judgments get
// their deadline timers re-armed, and terminal-but-unfinalized
// executions re-run their finalizers for at-least-once delivery.
func (e *Engine) Recover(ctx context.Context) error {
	running, err := e.store.ListByStatus(ctx, pipeline.ExecutionRunning)
	if err != nil {
		return err
	}
	for i := range running {
		exec := running[i]
		def := e.defs[exec.Service]
		if def == nil {
			e.logger.Error("cannot recover execution, no definition",
				"execution", exec.ID, "service", exec.Service)
			continue
		}
		e.logger.Info("recovering execution", "execution", exec.ID,
			"service", exec.Service, "stage_index", exec.StageIndex)
		e.launch(&exec, def)
	}

	suspended, err := e.store.ListByStatus(ctx, pipeline.ExecutionAwaitingJudgment)
	if err != nil {
		return err
	}
	for i := range suspended {
		exec := suspended[i]
		pending, err := e.store.PendingJudgment(ctx, exec.ID)
		if err != nil {
			return err
		}
		if pending != nil && pending.Deadline != nil {
			e.armJudgmentDeadline(exec.ID, *pending.Deadline)
		}
	}

	unfinalized, err := e.store.ListUnfinalized(ctx)
	if err != nil {
		return err
	}
	for i := range unfinalized {
		exec := unfinalized[i]
		e.logger.Info("re-running finalizers", "execution", exec.ID)
		e.runFinalizers(ctx, &exec)
	}

	return nil
}

// runState carries the per-run mutable state the stage runners share.
type runState struct {
	exec *pipeline.Execution
	def  *pipeline.Definition
	ec   pipeline.Context

	// cutoverBegun flips once any traffic reassignment has been issued;
	// from then on, failure and termination take the rollback path.
	cutoverBegun bool

	// priorStages holds stage rows persisted before a restart, so
	// resumable stages (wait) can continue rather than start over.
	priorStages map[string]pipeline.StageExecution
}

// run drives the execution's stage loop to suspension or a terminal
// state.
func (e *Engine) run(ctx context.Context, exec *pipeline.Execution, def *pipeline.Definition) {
	rs := &runState{
		exec: exec,
		def:  def,
		ec: pipeline.Context{
			ExecutionID:    exec.ID,
			Service:        exec.Service,
			Artifact:       exec.Artifact,
			RollbackTarget: exec.RollbackTarget,
		},
		priorStages: make(map[string]pipeline.StageExecution),
	}

	// Recover candidate group and prior stage rows from a previous
	// process lifetime.
	if prior, err := e.store.ListStages(context.Background(), exec.ID); err == nil {
		for _, st := range prior {
			rs.priorStages[st.Name] = st
			if st.Type == pipeline.StageDeploy && st.Status == pipeline.StageSucceeded {
				rs.ec.CandidateGroup = st.Detail
			}
			if st.Type == pipeline.StageCutover && st.Status != pipeline.StagePending {
				rs.cutoverBegun = true
			}
		}
	}

	for i := exec.StageIndex; i < len(def.Stages); i++ {
		if ctx.Err() != nil {
			e.terminateRun(ctx, rs)
			return
		}

		exec.StageIndex = i
		spec := &def.Stages[i]

		var err error
		if len(spec.Parallel) > 0 {
			err = e.runParallel(ctx, rs, i, spec)
		} else {
			err = e.runStage(ctx, rs, i, spec)
		}

		if errors.Is(err, errSuspend) {
			return
		}
		if ctx.Err() != nil && exec.Status == pipeline.ExecutionRunning {
			e.terminateRun(ctx, rs)
			return
		}
		if err != nil {
			e.failRun(ctx, rs, err)
			return
		}

		// Persist the advance so a crash resumes at the next stage.
		exec.StageIndex = i + 1
		if err := e.store.UpdateExecution(context.Background(), exec); err != nil {
			e.logger.Error("failed to persist stage advance", "error", err, "execution", exec.ID)
		}
	}

	e.finalize(ctx, exec, pipeline.ExecutionSucceeded, "")
}

// failRun routes an escalated stage failure to the right terminal state,
// rolling back first when a cutover had begun.
func (e *Engine) failRun(ctx context.Context, rs *runState, cause error) {
	var rbFail *cutover.RollbackFailure
	if errors.As(cause, &rbFail) {
		e.freeze(ctx, rs.exec, cause)
		return
	}

	if rs.cutoverBegun {
		if err := e.rollback(ctx, rs); err != nil {
			e.freeze(ctx, rs.exec, err)
			return
		}
	}

	// A rejected or timed-out judgment terminates rather than fails: the
	// pipeline was stopped on purpose, not broken.
	status := pipeline.ExecutionFailed
	if errors.Is(cause, ErrJudgmentRejected) || errors.Is(cause, ErrJudgmentTimeout) {
		status = pipeline.ExecutionTerminated
	}

	e.markSkipped(ctx, rs)
	e.finalize(ctx, rs.exec, status, cause.Error())
}

// terminateRun handles operator cancellation observed by the run loop.
func (e *Engine) terminateRun(ctx context.Context, rs *runState) {
	if rs.cutoverBegun {
		if err := e.rollback(context.Background(), rs); err != nil {
			e.freeze(context.Background(), rs.exec, err)
			return
		}
	}
	e.markSkipped(context.Background(), rs)
	e.finalize(context.Background(), rs.exec, pipeline.ExecutionTerminated, "terminated by operator")
}

// rollback restores the pre-execution active group under the service
// cutover lock.
func (e *Engine) rollback(ctx context.Context, rs *runState) error {
	e.cutover.Lock(rs.ec.Service)
	defer e.cutover.Unlock(rs.ec.Service)
	return e.cutover.Rollback(ctx, rs.ec)
}

// freeze marks an execution as needing manual intervention after a
// failed rollback and raises the urgent, non-suppressible notification.
func (e *Engine) freeze(ctx context.Context, exec *pipeline.Execution, cause error) {
	e.logger.Error("rollback failed, freezing execution",
		"execution", exec.ID, "service", exec.Service, "error", cause)
	e.finalizeWith(ctx, exec, pipeline.ExecutionNeedsIntervention, cause.Error(), true)
}

func (e *Engine) finalize(ctx context.Context, exec *pipeline.Execution, status pipeline.ExecutionStatus, errMsg string) {
	e.finalizeWith(ctx, exec, status, errMsg, false)
}

// finalizeWith writes the terminal transition and its ledger record in
// one transaction, then runs the finalizer list. The finalized flag is
// only set after the finalizers succeed, so a crash in between re-runs
// them on recovery (at-least-once).
func (e *Engine) finalizeWith(ctx context.Context, exec *pipeline.Execution, status pipeline.ExecutionStatus, errMsg string, urgent bool) {
	// Terminal transitions must land even when the triggering context
	// was cancelled.
	ctx = context.WithoutCancel(ctx)

	now := time.Now()
	exec.Status = status
	exec.FinishedAt = &now
	exec.Error = errMsg

	tx, err := e.store.BeginTx(ctx)
	if err != nil {
		e.logger.Error("failed to begin terminal transition", "error", err, "execution", exec.ID)
		return
	}
	defer tx.Rollback()

	if err := e.store.UpdateExecutionTx(ctx, tx, exec); err != nil {
		e.logger.Error("failed to persist terminal status", "error", err, "execution", exec.ID)
		return
	}
	payload, _ := json.Marshal(map[string]any{"status": status, "error": errMsg, "urgent": urgent})
	rec := ledger.Record{
		ExecutionID: exec.ID,
		Event:       ledger.EventExecutionFinished,
		Payload:     string(payload),
	}
	if err := e.ledger.AppendTx(ctx, tx, rec); err != nil {
		e.logger.Error("failed to append terminal audit record", "error", err, "execution", exec.ID)
		return
	}
	if err := tx.Commit(); err != nil {
		e.logger.Error("failed to commit terminal transition", "error", err, "execution", exec.ID)
		return
	}

	e.logger.Info("execution finished",
		"execution", exec.ID, "service", exec.Service, "status", status, "error", errMsg)

	e.runFinalizers(ctx, exec)
}

// runFinalizers delivers the terminal notification and marks the
// execution finalized. Runs on every terminal transition, including
// crash-recovery replay.
func (e *Engine) runFinalizers(ctx context.Context, exec *pipeline.Execution) {
	ctx = context.WithoutCancel(ctx)

	urgent := exec.Status == pipeline.ExecutionNeedsIntervention
	text := fmt.Sprintf("execution %s for %s finished with status %s", exec.ID, exec.Service, exec.Status)
	if exec.Error != "" {
		text += ": " + exec.Error
	}

	err := e.notifier.Send(ctx, notify.Message{
		ExecutionID: exec.ID,
		Service:     exec.Service,
		ArtifactID:  exec.Artifact.ID,
		Event:       string(exec.Status),
		Text:        text,
		LedgerRef:   fmt.Sprintf("/executions/%s/audit", exec.ID),
		Urgent:      urgent,
	})
	if err != nil && urgent {
		// Keep the execution unfinalized so recovery keeps retrying the
		// urgent notification.
		return
	}

	exec.Finalized = true
	if err := e.store.UpdateExecution(ctx, exec); err != nil {
		e.logger.Error("failed to mark execution finalized", "error", err, "execution", exec.ID)
	}
}

// suspend persists the AWAITING_JUDGMENT transition together with the
// judgment request, then stops the run loop via errSuspend.
func (e *Engine) suspend(ctx context.Context, rs *runState, stage, prompt string, authorized []string, deadline time.Duration) error {
	ctx = context.WithoutCancel(ctx)

	// A crash between judgment creation and the status update leaves a
	// pending request behind; reuse it instead of asking twice.
	req, err := e.store.LatestJudgmentForStage(ctx, rs.exec.ID, stage)
	if err != nil {
		return err
	}
	if req == nil || req.Decision != pipeline.JudgmentPending {
		req = &pipeline.JudgmentRequest{
			ID:          uuid.NewString(),
			ExecutionID: rs.exec.ID,
			Service:     rs.exec.Service,
			Stage:       stage,
			Prompt:      prompt,
			Authorized:  authorized,
			Decision:    pipeline.JudgmentPending,
			CreatedAt:   time.Now(),
		}
		if deadline > 0 {
			d := time.Now().Add(deadline)
			req.Deadline = &d
		}
		if err := e.store.CreateJudgment(ctx, req); err != nil {
			return err
		}
	}

	rs.exec.Status = pipeline.ExecutionAwaitingJudgment
	if err := e.store.UpdateExecution(ctx, rs.exec); err != nil {
		return err
	}
	e.appendEvent(ctx, rs.exec.ID, stage, ledger.EventJudgmentRequested, "", map[string]any{
		"judgment": req.ID,
		"prompt":   prompt,
	})

	if req.Deadline != nil {
		e.armJudgmentDeadline(rs.exec.ID, *req.Deadline)
	}

	e.logger.Info("execution awaiting judgment",
		"execution", rs.exec.ID, "service", rs.exec.Service, "prompt", prompt)
	return errSuspend
}

// armJudgmentDeadline schedules the timeout-as-reject for a pending
// judgment. Timers do not survive restarts; Recover re-arms them.
func (e *Engine) armJudgmentDeadline(executionID string, deadline time.Time) {
	delay := time.Until(deadline)
	if delay < 0 {
		delay = 0
	}
	time.AfterFunc(delay, func() {
		ctx := context.Background()
		pending, err := e.store.PendingJudgment(ctx, executionID)
		if err != nil || pending == nil {
			return
		}
		e.logger.Warn("judgment deadline passed, treating as reject", "execution", executionID)
		if _, err := e.store.DecideJudgment(ctx, executionID, "system:timeout", pipeline.JudgmentRejected); err != nil {
			return
		}
		e.appendEvent(ctx, executionID, "", ledger.EventJudgmentDecided, "system:timeout", map[string]any{
			"decision": pipeline.JudgmentRejected,
			"timeout":  true,
		})
		if err := e.resume(ctx, executionID); err != nil {
			e.logger.Error("failed to resume after judgment timeout", "error", err, "execution", executionID)
		}
	})
}

func (e *Engine) appendEvent(ctx context.Context, executionID, stage, event, actor string, fields map[string]any) {
	var payload string
	if fields != nil {
		b, _ := json.Marshal(fields)
		payload = string(b)
	}
	rec := ledger.Record{
		ExecutionID: executionID,
		StageName:   stage,
		Event:       event,
		Actor:       actor,
		Payload:     payload,
	}
	if err := e.ledger.Append(context.WithoutCancel(ctx), rec); err != nil {
		e.logger.Error("failed to append audit record", "error", err, "event", event)
	}
}

// beginStage persists the RUNNING stage row and its audit record in one
// transaction. A stage row surviving from before a restart keeps its
// original start time so resumable stages continue where they left off.
func (e *Engine) beginStage(ctx context.Context, rs *runState, index int, spec *pipeline.StageSpec) (*pipeline.StageExecution, error) {
	ctx = context.WithoutCancel(ctx)

	st := &pipeline.StageExecution{
		ExecutionID: rs.exec.ID,
		Index:       index,
		Name:        spec.Name,
		Type:        spec.Type,
		Status:      pipeline.StageRunning,
		StartedAt:   time.Now(),
	}
	if prior, ok := rs.priorStages[spec.Name]; ok && prior.Status == pipeline.StageRunning {
		st.StartedAt = prior.StartedAt
	}

	if err := e.writeStage(ctx, st, ledger.EventStageStarted); err != nil {
		return nil, err
	}
	return st, nil
}

// finishStage persists the stage outcome and its audit record in one
// transaction, before the executor advances.
func (e *Engine) finishStage(ctx context.Context, st *pipeline.StageExecution, status pipeline.StageStatus, detail string) error {
	ctx = context.WithoutCancel(ctx)

	now := time.Now()
	st.Status = status
	st.Detail = detail
	st.FinishedAt = &now

	return e.writeStage(ctx, st, ledger.EventStageFinished)
}

func (e *Engine) writeStage(ctx context.Context, st *pipeline.StageExecution, event string) error {
	tx, err := e.store.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin stage transition: %w", err)
	}
	defer tx.Rollback()

	if err := e.store.UpsertStageTx(ctx, tx, st); err != nil {
		return err
	}
	payload, _ := json.Marshal(map[string]any{"status": st.Status, "detail": st.Detail})
	rec := ledger.Record{
		ExecutionID: st.ExecutionID,
		StageName:   st.Name,
		Event:       event,
		Payload:     string(payload),
	}
	if err := e.ledger.AppendTx(ctx, tx, rec); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit stage transition: %w", err)
	}
	return nil
}
