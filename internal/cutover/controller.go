// Package cutover owns which server group receives production traffic.
// It is the sole writer of traffic weights and of the ACTIVE role, and it
// serializes those writes per service.
package cutover

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"rolloutd/internal/infra"
	"rolloutd/internal/ledger"
	"rolloutd/internal/pipeline"
	"rolloutd/internal/store"
)

// Controller performs cutovers, ramp steps and rollbacks.
type Controller struct {
	store  *store.Store
	ledger *ledger.Ledger
	infra  infra.Controller
	logger *slog.Logger
	locks  *lockTable
}

// New creates a controller.
func New(st *store.Store, led *ledger.Ledger, ctrl infra.Controller, logger *slog.Logger) *Controller {
	return &Controller{
		store:  st,
		ledger: led,
		infra:  ctrl,
		logger: logger,
		locks:  newLockTable(),
	}
}

// Lock acquires the service's cutover lock, blocking until any in-flight
// cutover for the same service completes.
func (c *Controller) Lock(service string) { c.locks.Lock(service) }

// Unlock releases the service's cutover lock.
func (c *Controller) Unlock(service string) { c.locks.Unlock(service) }

// BlueGreen atomically moves 100% of traffic from the current active
// group to the execution's candidate group. The old group is kept in
// RoleDisabled so rollback is a second atomic reassignment. The caller
// must hold the service's cutover lock.
func (c *Controller) BlueGreen(ctx context.Context, ec pipeline.Context) error {
	candidate, err := c.store.GetGroup(ctx, ec.Service, ec.CandidateGroup)
	if err != nil {
		return err
	}
	if candidate == nil {
		return fmt.Errorf("candidate group '%s' not found for %s", ec.CandidateGroup, ec.Service)
	}

	active, err := c.store.ActiveGroup(ctx, ec.Service)
	if err != nil {
		return err
	}
	if active != nil && active.Name == candidate.Name {
		// Crash recovery replays the stage after the promotion already
		// committed; there is nothing left to move.
		c.logger.Info("cutover already applied",
			"service", ec.Service, "execution", ec.ExecutionID, "active", candidate.Name)
		return nil
	}

	weights := map[string]int{candidate.Name: 100}
	if active != nil {
		weights[active.Name] = 0
	}

	if err := c.applyWeights(ctx, ec, weights); err != nil {
		return err
	}

	changes := map[string]pipeline.Role{candidate.Name: pipeline.RoleActive}
	if active != nil {
		changes[active.Name] = pipeline.RoleDisabled
	}
	if err := c.transition(ctx, ec, changes, ledger.EventCutoverApplied); err != nil {
		return err
	}

	c.logger.Info("blue/green cutover complete",
		"service", ec.Service, "execution", ec.ExecutionID,
		"new_active", candidate.Name)
	return nil
}

// RampStep moves the canary group's traffic share to the given percent,
// with the remainder on the active group. The final step (100) promotes
// the canary to active like a blue/green switch.
func (c *Controller) RampStep(ctx context.Context, ec pipeline.Context, percent int) error {
	canaryGroup, err := c.store.GetGroup(ctx, ec.Service, ec.CandidateGroup)
	if err != nil {
		return err
	}
	if canaryGroup == nil {
		return fmt.Errorf("canary group '%s' not found for %s", ec.CandidateGroup, ec.Service)
	}

	active, err := c.store.ActiveGroup(ctx, ec.Service)
	if err != nil {
		return err
	}
	if active != nil && active.Name == canaryGroup.Name {
		// Only possible on replay after the final ramp step committed:
		// the canary already holds all traffic and the ACTIVE role.
		c.logger.Info("ramp step already promoted",
			"service", ec.Service, "execution", ec.ExecutionID, "canary", canaryGroup.Name)
		return nil
	}

	weights := map[string]int{canaryGroup.Name: percent}
	if active != nil {
		weights[active.Name] = 100 - percent
	}

	if err := c.applyWeights(ctx, ec, weights); err != nil {
		return err
	}

	if percent >= 100 {
		changes := map[string]pipeline.Role{canaryGroup.Name: pipeline.RoleActive}
		if active != nil {
			changes[active.Name] = pipeline.RoleDisabled
		}
		if err := c.transition(ctx, ec, changes, ledger.EventCutoverApplied); err != nil {
			return err
		}
	}

	c.logger.Info("canary ramp step applied",
		"service", ec.Service, "execution", ec.ExecutionID,
		"canary", canaryGroup.Name, "percent", percent)
	return nil
}

// Collapse drops the canary group to 0% traffic and scales it to zero
// instances. Called immediately on a FAIL verdict, independent of the
// deploy and cutover stages.
func (c *Controller) Collapse(ctx context.Context, ec pipeline.Context) error {
	active, err := c.store.ActiveGroup(ctx, ec.Service)
	if err != nil {
		return err
	}

	weights := map[string]int{ec.CandidateGroup: 0}
	if active != nil {
		weights[active.Name] = 100
	}
	if err := c.applyWeights(ctx, ec, weights); err != nil {
		return err
	}

	handle := infra.GroupHandle{Service: ec.Service, Name: ec.CandidateGroup}
	if err := c.infra.Scale(ctx, handle, 0); err != nil {
		return fmt.Errorf("failed to scale down canary %s: %w", ec.CandidateGroup, err)
	}

	c.appendRecord(ctx, ec, ledger.EventCanaryScaledDown, map[string]any{
		"group": ec.CandidateGroup,
	})
	c.logger.Warn("canary collapsed to zero traffic",
		"service", ec.Service, "execution", ec.ExecutionID, "group", ec.CandidateGroup)
	return nil
}

// Rollback reassigns traffic and the ACTIVE role back to the group that
// was active when the execution began. A rollback that cannot be applied
// returns a RollbackFailure; the executor freezes the execution for
// manual intervention on that error.
func (c *Controller) Rollback(ctx context.Context, ec pipeline.Context) error {
	fail := func(cause error) error {
		c.appendRecord(ctx, ec, ledger.EventRollbackFailed, map[string]any{
			"target": ec.RollbackTarget,
			"error":  cause.Error(),
		})
		return &RollbackFailure{Service: ec.Service, Target: ec.RollbackTarget, Cause: cause}
	}

	weights := make(map[string]int)
	changes := make(map[string]pipeline.Role)

	if ec.RollbackTarget != "" {
		target, err := c.store.GetGroup(ctx, ec.Service, ec.RollbackTarget)
		if err != nil {
			return fail(err)
		}
		if target == nil {
			return fail(fmt.Errorf("rollback target group '%s' no longer exists", ec.RollbackTarget))
		}
		weights[target.Name] = 100
		changes[target.Name] = pipeline.RoleActive
	}

	// The execution's candidate loses all traffic either way. When there
	// was no previous active group (first deploy), rollback means no
	// group serves traffic, matching the pre-execution state.
	if ec.CandidateGroup != "" && ec.CandidateGroup != ec.RollbackTarget {
		weights[ec.CandidateGroup] = 0
		if g, err := c.store.GetGroup(ctx, ec.Service, ec.CandidateGroup); err == nil && g != nil {
			changes[ec.CandidateGroup] = pipeline.RoleDisabled
		}
	}

	if len(weights) > 0 {
		if err := c.applyWeights(ctx, ec, weights); err != nil {
			return fail(err)
		}
	}
	if len(changes) > 0 {
		if err := c.transition(ctx, ec, changes, ledger.EventRollbackApplied); err != nil {
			return fail(err)
		}
	} else {
		c.appendRecord(ctx, ec, ledger.EventRollbackApplied, map[string]any{
			"target": ec.RollbackTarget,
		})
	}

	c.logger.Warn("rollback applied",
		"service", ec.Service, "execution", ec.ExecutionID, "target", ec.RollbackTarget)
	return nil
}

// applyWeights issues the single reassignment request and verifies the
// applied state matches the intent. Partial application surfaces as a
// CutoverFailure, never a silent half-shift.
func (c *Controller) applyWeights(ctx context.Context, ec pipeline.Context, weights map[string]int) error {
	if err := c.infra.SetTrafficWeights(ctx, ec.Service, weights); err != nil {
		c.appendRecord(ctx, ec, ledger.EventCutoverFailed, map[string]any{"error": err.Error()})
		return &CutoverFailure{Service: ec.Service, Intended: weights, Cause: err}
	}

	applied, err := c.infra.TrafficWeights(ctx, ec.Service)
	if err != nil {
		c.appendRecord(ctx, ec, ledger.EventCutoverFailed, map[string]any{"error": err.Error()})
		return &CutoverFailure{Service: ec.Service, Intended: weights, Cause: err}
	}

	for name, want := range weights {
		if got, ok := applied[name]; !ok || got != want {
			c.appendRecord(ctx, ec, ledger.EventCutoverFailed, map[string]any{
				"intended": weights,
				"applied":  applied,
			})
			return &CutoverFailure{Service: ec.Service, Intended: weights, Applied: applied}
		}
	}

	return nil
}

// transition commits role changes and the matching audit record in one
// transaction, so the ledger and the group registry cannot diverge.
func (c *Controller) transition(ctx context.Context, ec pipeline.Context, changes map[string]pipeline.Role, event string) error {
	tx, err := c.store.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin role transition: %w", err)
	}
	defer tx.Rollback()

	if err := c.store.TransitionRoles(ctx, tx, ec.Service, changes); err != nil {
		return err
	}

	payload, _ := json.Marshal(map[string]any{"roles": changes})
	rec := ledger.Record{
		ExecutionID: ec.ExecutionID,
		Event:       event,
		Payload:     string(payload),
	}
	if err := c.ledger.AppendTx(ctx, tx, rec); err != nil {
		return err
	}
	for name, role := range changes {
		rolePayload, _ := json.Marshal(map[string]any{"group": name, "role": role})
		roleRec := ledger.Record{
			ExecutionID: ec.ExecutionID,
			Event:       ledger.EventRoleChanged,
			Payload:     string(rolePayload),
		}
		if err := c.ledger.AppendTx(ctx, tx, roleRec); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit role transition: %w", err)
	}
	return nil
}

func (c *Controller) appendRecord(ctx context.Context, ec pipeline.Context, event string, fields map[string]any) {
	payload, _ := json.Marshal(fields)
	rec := ledger.Record{
		ExecutionID: ec.ExecutionID,
		Event:       event,
		Payload:     string(payload),
	}
	if err := c.ledger.Append(ctx, rec); err != nil {
		c.logger.Error("failed to append audit record", "error", err, "event", event)
	}
}
