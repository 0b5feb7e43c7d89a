// Package trigger turns artifact events into pipeline executions. The
// dispatcher polls the artifact registry per service; manual triggers
// arrive through the same Fire path so both share one idempotency and
// ordering gate.
package trigger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/blang/semver/v4"

	"rolloutd/internal/engine"
	"rolloutd/internal/pipeline"
	"rolloutd/internal/registry"
)

// ErrNoDefinition is returned when a trigger names a service with no
// loaded pipeline definition.
var ErrNoDefinition = errors.New("no pipeline definition for service")

// ErrStaleArtifact is returned when a trigger carries a semver older
// than the newest artifact already executed for the service.
var ErrStaleArtifact = errors.New("artifact is older than the latest executed version")

// ErrRegistryUnavailable wraps registry failures on the manual
// fire-latest path. The polling loop retries instead of returning it.
var ErrRegistryUnavailable = errors.New("artifact registry unavailable")

// ErrNoArtifact is returned when a fire-latest trigger finds no
// published artifact for the service.
var ErrNoArtifact = errors.New("no artifact published for service")

// Dispatcher polls the registry on a fixed interval and fires an
// execution whenever a service's latest artifact changes.
type Dispatcher struct {
	engine   *engine.Engine
	registry registry.ArtifactRegistry
	logger   *slog.Logger
	interval time.Duration

	mu       sync.Mutex
	lastSeen map[string]string
}

// NewDispatcher creates a dispatcher polling at the given interval for
// every service the engine has a definition for.
func NewDispatcher(eng *engine.Engine, reg registry.ArtifactRegistry, interval time.Duration, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		engine:   eng,
		registry: reg,
		logger:   logger,
		interval: interval,
		lastSeen: make(map[string]string),
	}
}

// Run polls until the context is cancelled. Registry errors are logged
// and retried at the next tick, never fatal.
func (d *Dispatcher) Run(ctx context.Context, services []string) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	d.poll(ctx, services)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.poll(ctx, services)
		}
	}
}

func (d *Dispatcher) poll(ctx context.Context, services []string) {
	for _, service := range services {
		artifact, err := d.registry.Latest(ctx, service)
		if err != nil {
			d.logger.Warn("registry poll failed, will retry",
				"service", service, "error", err)
			continue
		}
		if artifact == nil {
			continue
		}

		d.mu.Lock()
		seen := d.lastSeen[service] == artifact.ID
		d.mu.Unlock()
		if seen {
			continue
		}

		if _, err := d.Fire(ctx, service, *artifact, "registry"); err != nil {
			d.logger.Warn("automatic trigger rejected",
				"service", service, "artifact", artifact.ID, "error", err)
			continue
		}

		d.mu.Lock()
		d.lastSeen[service] = artifact.ID
		d.mu.Unlock()
	}
}

// Fire instantiates an execution for the artifact. Firing the same
// artifact twice for a service returns the existing execution; firing a
// semver older than the newest executed one is rejected.
func (d *Dispatcher) Fire(ctx context.Context, service string, artifact pipeline.Artifact, actor string) (*pipeline.Execution, error) {
	def := d.engine.Definition(service)
	if def == nil {
		return nil, fmt.Errorf("%w: '%s'", ErrNoDefinition, service)
	}

	if err := d.checkOrdering(ctx, service, artifact); err != nil {
		return nil, err
	}

	exec, err := d.engine.Instantiate(ctx, def, artifact, actor)
	if err != nil {
		return nil, err
	}

	d.logger.Info("execution triggered",
		"service", service, "artifact", artifact.ID,
		"execution", exec.ID, "actor", actor)
	return exec, nil
}

// FireLatest fetches the service's newest artifact from the registry and
// fires it. Used by manual triggers that name a service without carrying
// an artifact inline.
func (d *Dispatcher) FireLatest(ctx context.Context, service, actor string) (*pipeline.Execution, error) {
	artifact, err := d.registry.Latest(ctx, service)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRegistryUnavailable, err)
	}
	if artifact == nil {
		return nil, fmt.Errorf("%w: '%s'", ErrNoArtifact, service)
	}
	return d.Fire(ctx, service, *artifact, actor)
}

// checkOrdering rejects artifacts with a semver older than the newest
// version already executed for the service. Artifacts without a parsable
// version are always admitted; ordering only applies where versions are
// comparable.
func (d *Dispatcher) checkOrdering(ctx context.Context, service string, artifact pipeline.Artifact) error {
	incoming, err := semver.ParseTolerant(artifact.Version)
	if err != nil {
		return nil
	}

	execs, err := d.engine.ListExecutions(ctx, service)
	if err != nil {
		return err
	}
	for _, ex := range execs {
		if ex.Artifact.ID == artifact.ID {
			// Same artifact re-fired; idempotency handles it downstream.
			return nil
		}
		prior, err := semver.ParseTolerant(ex.Artifact.Version)
		if err != nil {
			continue
		}
		if incoming.LT(prior) {
			return fmt.Errorf("%w: %s < %s", ErrStaleArtifact, artifact.Version, ex.Artifact.Version)
		}
	}
	return nil
}
