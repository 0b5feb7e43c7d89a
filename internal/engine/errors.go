package engine

import (
	"errors"
	"fmt"

	"rolloutd/internal/pipeline"
)

// ErrHealthTimeout is returned when a health check's readiness predicate
// does not hold within the stage deadline.
var ErrHealthTimeout = errors.New("health check timed out")

// ErrJudgmentRejected terminates an execution whose judgment gate was
// rejected, or whose judgment deadline passed.
var ErrJudgmentRejected = errors.New("judgment rejected")

// ErrJudgmentTimeout marks a judgment deadline expiry. It is treated as
// a rejection.
var ErrJudgmentTimeout = errors.New("judgment timed out")

// errSuspend is the internal control-flow signal that the execution has
// entered AWAITING_JUDGMENT and the run loop must stop without reaching
// a terminal state.
var errSuspend = errors.New("execution suspended awaiting judgment")

// DeployError reports an infra apply that kept failing after the
// configured retries.
type DeployError struct {
	Group    string
	Attempts int
	Cause    error
}

func (e *DeployError) Error() string {
	return fmt.Sprintf("deploy of %s failed after %d attempts: %v", e.Group, e.Attempts, e.Cause)
}

func (e *DeployError) Unwrap() error { return e.Cause }

// VerificationFailure reports an external verification job that exited
// unsuccessfully.
type VerificationFailure struct {
	TestSpec string
	Output   string
}

func (e *VerificationFailure) Error() string {
	return fmt.Sprintf("verification '%s' failed", e.TestSpec)
}

// CanaryFailError carries a FAIL verdict. It always escalates, even on a
// continue-on-failure stage: serving traffic to a known-bad candidate is
// never acceptable.
type CanaryFailError struct {
	Result *pipeline.CanaryResult
}

func (e *CanaryFailError) Error() string {
	if e.Result.Reason != "" {
		return fmt.Sprintf("canary analysis failed: %s", e.Result.Reason)
	}
	return fmt.Sprintf("canary analysis failed with score %.1f", e.Result.Score)
}
