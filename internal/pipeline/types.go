package pipeline

import "time"

// Artifact identifies one immutable build output. The ID is the unit of
// idempotency: two triggers carrying the same ID for the same service are
// the same deployment.
type Artifact struct {
	ID      string `json:"id" yaml:"id"`
	Version string `json:"version,omitempty" yaml:"version,omitempty"`
	Source  string `json:"source,omitempty" yaml:"source,omitempty"`
}

// StageType identifies the behavior of a pipeline stage.
type StageType string

const (
	StageDeploy       StageType = "deploy"
	StageWait         StageType = "wait"
	StageHealthCheck  StageType = "healthcheck"
	StageVerification StageType = "verification"
	StageCanary       StageType = "canary"
	StageJudgment     StageType = "judgment"
	StageCutover      StageType = "cutover"
	StageCleanup      StageType = "cleanup"
)

// OnFailure controls whether a failed stage aborts the execution or lets
// the next stage run anyway.
type OnFailure string

const (
	FailureAbort    OnFailure = "abort"
	FailureContinue OnFailure = "continue"
)

// ExecutionStatus is the overall status of a pipeline execution.
type ExecutionStatus string

const (
	ExecutionRunning          ExecutionStatus = "RUNNING"
	ExecutionSucceeded        ExecutionStatus = "SUCCEEDED"
	ExecutionFailed           ExecutionStatus = "FAILED"
	ExecutionTerminated       ExecutionStatus = "TERMINATED"
	ExecutionAwaitingJudgment ExecutionStatus = "AWAITING_JUDGMENT"

	// ExecutionNeedsIntervention marks an execution whose rollback could
	// not be applied. No further automated action is taken on it.
	ExecutionNeedsIntervention ExecutionStatus = "TERMINATED_NEEDS_MANUAL_INTERVENTION"
)

// Terminal reports whether the status admits no further transitions.
func (s ExecutionStatus) Terminal() bool {
	switch s {
	case ExecutionSucceeded, ExecutionFailed, ExecutionTerminated, ExecutionNeedsIntervention:
		return true
	}
	return false
}

// StageStatus is the status of a single stage execution.
type StageStatus string

const (
	StagePending   StageStatus = "PENDING"
	StageRunning   StageStatus = "RUNNING"
	StageSucceeded StageStatus = "SUCCEEDED"
	StageFailed    StageStatus = "FAILED"
	StageSkipped   StageStatus = "SKIPPED"
	StageTimedOut  StageStatus = "TIMED_OUT"
)

// Role tags a server group's relationship to production traffic.
type Role string

const (
	RoleActive    Role = "active"
	RoleCandidate Role = "candidate"
	RoleCanary    Role = "canary"
	RoleDisabled  Role = "disabled"
)

// ServerGroup is one named, versioned running population of an artifact
// for a service. At most one group per service holds RoleActive.
type ServerGroup struct {
	Service    string    `json:"service"`
	Name       string    `json:"name"`
	ArtifactID string    `json:"artifact_id"`
	Role       Role      `json:"role"`
	CreatedAt  time.Time `json:"created_at"`
}

// Execution is one instantiation of a pipeline definition against one
// artifact. Mutated only by the stage executor.
type Execution struct {
	ID         string          `json:"id"`
	Service    string          `json:"service"`
	Artifact   Artifact        `json:"artifact"`
	DefVersion string          `json:"definition_version"`
	Status     ExecutionStatus `json:"status"`
	StageIndex int             `json:"stage_index"`
	Trigger    string          `json:"triggered_by"`

	// RollbackTarget is the name of the server group that held RoleActive
	// when the execution began. Recorded once so rollback is unambiguous
	// even after multiple cutovers within the execution. Empty when the
	// service had no active group yet.
	RollbackTarget string `json:"rollback_target,omitempty"`

	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`

	// Finalized is set after terminal finalizers (notifications, cleanup
	// hooks) have run. Recovery re-drives finalizers when it is false on
	// a terminal execution, giving at-least-once delivery.
	Finalized bool `json:"finalized"`

	Error string `json:"error,omitempty"`
}

// StageExecution records one stage's outcome within an execution.
type StageExecution struct {
	ExecutionID string      `json:"execution_id"`
	Index       int         `json:"index"`
	Name        string      `json:"name"`
	Type        StageType   `json:"type"`
	Status      StageStatus `json:"status"`
	Detail      string      `json:"detail,omitempty"`
	StartedAt   time.Time   `json:"started_at"`
	FinishedAt  *time.Time  `json:"finished_at,omitempty"`
}

// JudgmentDecision is the state of a manual judgment request.
type JudgmentDecision string

const (
	JudgmentPending  JudgmentDecision = "pending"
	JudgmentApproved JudgmentDecision = "approved"
	JudgmentRejected JudgmentDecision = "rejected"

	// JudgmentVoided marks a request whose execution was terminated
	// before anyone decided it.
	JudgmentVoided JudgmentDecision = "voided"
)

// JudgmentRequest is a persisted request for a human decision. The owning
// execution sits in AWAITING_JUDGMENT until the request is decided.
type JudgmentRequest struct {
	ID          string           `json:"id"`
	ExecutionID string           `json:"execution_id"`
	Service     string           `json:"service"`
	Stage       string           `json:"stage"`
	Prompt      string           `json:"prompt"`
	Authorized  []string         `json:"authorized"`
	Decision    JudgmentDecision `json:"decision"`
	DecidedBy   string           `json:"decided_by,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
	DecidedAt   *time.Time       `json:"decided_at,omitempty"`
	Deadline    *time.Time       `json:"deadline,omitempty"`
}

// Authorizes reports whether the actor may decide this request. An empty
// authorized list means any actor may decide.
func (j *JudgmentRequest) Authorizes(actor string) bool {
	if len(j.Authorized) == 0 {
		return true
	}
	for _, a := range j.Authorized {
		if a == actor {
			return true
		}
	}
	return false
}

// Verdict is the three-way outcome of a canary analysis.
type Verdict string

const (
	VerdictPass     Verdict = "PASS"
	VerdictMarginal Verdict = "MARGINAL"
	VerdictFail     Verdict = "FAIL"
)

// CanaryResult is the outcome of comparing a canary population against
// its baseline.
type CanaryResult struct {
	BaselineGroup string             `json:"baseline_group"`
	CanaryGroup   string             `json:"canary_group"`
	MetricScores  map[string]float64 `json:"metric_scores"`
	Score         float64            `json:"score"`
	Verdict       Verdict            `json:"verdict"`
	Reason        string             `json:"reason,omitempty"`
}

// Context is the immutable per-execution context threaded through every
// stage invocation. Stages communicate forward only through the values
// recorded here by the executor, never through ambient lookup.
type Context struct {
	ExecutionID    string
	Service        string
	Artifact       Artifact
	RollbackTarget string

	// CandidateGroup is the server group created by this execution's
	// deploy stage, set by the executor once the deploy succeeds.
	CandidateGroup string
}
