package infra

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"rolloutd/internal/pipeline"
	"rolloutd/pkg/cmdutil"
)

// HookSet configures the commands an ExecController delegates to. Each
// hook is a shell-quoted command line; empty hooks make the operation
// fail with an explicit error rather than silently succeed.
type HookSet struct {
	Apply      string `yaml:"apply"`
	Health     string `yaml:"health"`
	SetWeights string `yaml:"set_weights"`
	GetWeights string `yaml:"get_weights"`
	Scale      string `yaml:"scale"`
	Destroy    string `yaml:"destroy"`

	// QueryMetrics serves canary analysis queries. It receives the query
	// template, population and window through the environment and prints
	// a JSON array of float samples.
	QueryMetrics string `yaml:"query_metrics"`

	// Timeout bounds each hook invocation. Default 60s.
	Timeout pipeline.Duration `yaml:"timeout"`
}

// ExecController is a Controller that shells out to operator-supplied
// hook commands, passing the operation's parameters through ROLLOUT_*
// environment variables. Hooks that report state (health, get_weights)
// print a single JSON document on stdout.
type ExecController struct {
	hooks  HookSet
	logger *slog.Logger
}

// NewExecController creates a controller over the given hook set.
func NewExecController(hooks HookSet, logger *slog.Logger) *ExecController {
	if hooks.Timeout == 0 {
		hooks.Timeout = pipeline.Duration(60 * time.Second)
	}
	return &ExecController{hooks: hooks, logger: logger}
}

func (c *ExecController) Apply(ctx context.Context, spec DeploySpec) (GroupHandle, error) {
	env := []string{
		"ROLLOUT_SERVICE=" + spec.Service,
		"ROLLOUT_GROUP=" + spec.GroupName,
		"ROLLOUT_ARTIFACT=" + spec.ArtifactID,
		"ROLLOUT_ENVIRONMENT=" + spec.Environment,
		"ROLLOUT_ROLE=" + string(spec.Role),
		"ROLLOUT_REPLICAS=" + strconv.Itoa(spec.Replicas),
	}
	if _, err := c.invoke(ctx, "apply", c.hooks.Apply, env); err != nil {
		return GroupHandle{}, err
	}
	return GroupHandle{Service: spec.Service, Name: spec.GroupName}, nil
}

func (c *ExecController) Health(ctx context.Context, handle GroupHandle) (HealthStatus, error) {
	env := []string{
		"ROLLOUT_SERVICE=" + handle.Service,
		"ROLLOUT_GROUP=" + handle.Name,
	}
	out, err := c.invoke(ctx, "health", c.hooks.Health, env)
	if err != nil {
		return HealthStatus{}, err
	}

	var status struct {
		Ready  bool   `json:"ready"`
		Detail string `json:"detail"`
	}
	if err := json.Unmarshal(out, &status); err != nil {
		return HealthStatus{}, fmt.Errorf("health hook produced invalid JSON: %w", err)
	}
	return HealthStatus{Ready: status.Ready, Detail: status.Detail}, nil
}

func (c *ExecController) SetTrafficWeights(ctx context.Context, service string, weights map[string]int) error {
	encoded, err := json.Marshal(weights)
	if err != nil {
		return err
	}
	env := []string{
		"ROLLOUT_SERVICE=" + service,
		"ROLLOUT_WEIGHTS=" + string(encoded),
	}
	_, err = c.invoke(ctx, "set_weights", c.hooks.SetWeights, env)
	return err
}

func (c *ExecController) TrafficWeights(ctx context.Context, service string) (map[string]int, error) {
	env := []string{"ROLLOUT_SERVICE=" + service}
	out, err := c.invoke(ctx, "get_weights", c.hooks.GetWeights, env)
	if err != nil {
		return nil, err
	}

	weights := make(map[string]int)
	if err := json.Unmarshal(out, &weights); err != nil {
		return nil, fmt.Errorf("get_weights hook produced invalid JSON: %w", err)
	}
	return weights, nil
}

func (c *ExecController) Scale(ctx context.Context, handle GroupHandle, replicas int) error {
	env := []string{
		"ROLLOUT_SERVICE=" + handle.Service,
		"ROLLOUT_GROUP=" + handle.Name,
		"ROLLOUT_REPLICAS=" + strconv.Itoa(replicas),
	}
	_, err := c.invoke(ctx, "scale", c.hooks.Scale, env)
	return err
}

func (c *ExecController) Destroy(ctx context.Context, handle GroupHandle) error {
	env := []string{
		"ROLLOUT_SERVICE=" + handle.Service,
		"ROLLOUT_GROUP=" + handle.Name,
	}
	_, err := c.invoke(ctx, "destroy", c.hooks.Destroy, env)
	return err
}

// ExecMetrics is a MetricsProvider backed by the query_metrics hook.
type ExecMetrics struct {
	ctrl *ExecController
}

// Metrics returns a MetricsProvider delegating to the controller's
// query_metrics hook.
func (c *ExecController) Metrics() *ExecMetrics {
	return &ExecMetrics{ctrl: c}
}

func (m *ExecMetrics) Query(ctx context.Context, template, population string, window TimeWindow) ([]float64, error) {
	env := []string{
		"ROLLOUT_QUERY=" + template,
		"ROLLOUT_POPULATION=" + population,
		"ROLLOUT_FROM=" + window.From.Format(time.RFC3339),
		"ROLLOUT_TO=" + window.To.Format(time.RFC3339),
	}
	out, err := m.ctrl.invoke(ctx, "query_metrics", m.ctrl.hooks.QueryMetrics, env)
	if err != nil {
		return nil, err
	}

	var samples []float64
	if err := json.Unmarshal(out, &samples); err != nil {
		return nil, fmt.Errorf("query_metrics hook produced invalid JSON: %w", err)
	}
	return samples, nil
}

func (c *ExecController) invoke(ctx context.Context, name, command string, env []string) ([]byte, error) {
	if command == "" {
		return nil, fmt.Errorf("no %s hook configured", name)
	}

	parts, err := cmdutil.ParseCommandString(command)
	if err != nil {
		return nil, fmt.Errorf("invalid %s hook: %w", name, err)
	}

	start := time.Now()
	result, err := cmdutil.Run(ctx, cmdutil.ExecOptions{
		Timeout: c.hooks.Timeout.Std(),
		Env:     append(os.Environ(), env...),
	}, parts)

	if err != nil {
		output := ""
		if result != nil {
			output = string(result.Stderr)
		}
		c.logger.Error("infra hook failed",
			"hook", name, "duration_ms", time.Since(start).Milliseconds(),
			"error", err, "stderr", output)
		return nil, fmt.Errorf("%s hook failed: %w", name, err)
	}

	c.logger.Debug("infra hook completed",
		"hook", name, "duration_ms", time.Since(start).Milliseconds())
	return result.Stdout, nil
}
