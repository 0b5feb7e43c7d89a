// Package infra defines the narrow interfaces through which the core
// reaches the infrastructure controller, the metrics backend and the
// verification runner. Implementations live outside the core; the fakes
// in this package back the tests.
package infra

import (
	"context"
	"time"

	"rolloutd/internal/pipeline"
)

// DeploySpec describes one server group to create or update.
type DeploySpec struct {
	Service     string
	GroupName   string
	ArtifactID  string
	Environment string
	Role        pipeline.Role
	Replicas    int
}

// GroupHandle identifies a concrete running instance set at the
// infrastructure controller.
type GroupHandle struct {
	Service string
	Name    string
}

// HealthStatus is the controller's readiness report for a group.
type HealthStatus struct {
	Ready  bool
	Detail string
}

// Controller applies deployment specs, reports instance health and
// reconfigures load-balancing weights.
type Controller interface {
	Apply(ctx context.Context, spec DeploySpec) (GroupHandle, error)
	Health(ctx context.Context, handle GroupHandle) (HealthStatus, error)

	// SetTrafficWeights reassigns traffic as a single request. Weights
	// are percentages keyed by group name and must sum to 100.
	SetTrafficWeights(ctx context.Context, service string, weights map[string]int) error

	// TrafficWeights reads back the applied weights so callers can
	// detect partial application.
	TrafficWeights(ctx context.Context, service string) (map[string]int, error)

	// Scale resizes a group. Scaling to zero is the immediate response
	// to a failed canary.
	Scale(ctx context.Context, handle GroupHandle, replicas int) error

	Destroy(ctx context.Context, handle GroupHandle) error
}

// TimeWindow bounds a metrics query.
type TimeWindow struct {
	From time.Time
	To   time.Time
}

// MetricsProvider answers time-series queries for a named population.
type MetricsProvider interface {
	Query(ctx context.Context, template, population string, window TimeWindow) ([]float64, error)
}

// Report is the outcome of a verification run.
type Report struct {
	Success bool
	Output  string
}

// VerificationRunner executes an external test spec against a group's
// endpoint and awaits its completion signal.
type VerificationRunner interface {
	Run(ctx context.Context, testSpec, endpoint string) (Report, error)
}
