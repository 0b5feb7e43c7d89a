package pipeline

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from YAML strings such as
// "30s" or "5m".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("duration must be a string like '30s': %w", err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration '%s': %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Strategy selects how an execution moves production traffic to the new
// server group.
type Strategy string

const (
	StrategyBlueGreen  Strategy = "bluegreen"
	StrategyCanaryRamp Strategy = "canary"
)

// Definition is the ordered stage list for one service, loaded once at
// startup and versioned independently of artifacts.
type Definition struct {
	Service  string      `yaml:"-"`
	Version  string      `yaml:"version"`
	Strategy Strategy    `yaml:"strategy"`
	Stages   []StageSpec `yaml:"stages"`
}

// StageSpec is the validated, typed configuration of one stage. Exactly
// one of the per-type config blocks is set, matching Type. A spec with a
// non-empty Parallel list is a join barrier: its members run concurrently
// and the next sequential stage starts only after all of them finish.
type StageSpec struct {
	Name      string        `yaml:"name"`
	Type      StageType     `yaml:"type"`
	OnFailure OnFailure     `yaml:"on_failure"`
	Timeout   Duration  `yaml:"timeout"`

	Parallel []StageSpec `yaml:"parallel,omitempty"`

	Deploy   *DeployConfig   `yaml:"deploy,omitempty"`
	Wait     *WaitConfig     `yaml:"wait,omitempty"`
	Health   *HealthConfig   `yaml:"healthcheck,omitempty"`
	Verify   *VerifyConfig   `yaml:"verification,omitempty"`
	Canary   *CanaryConfig   `yaml:"canary,omitempty"`
	Judgment *JudgmentConfig `yaml:"judgment,omitempty"`
	Cutover  *CutoverConfig  `yaml:"cutover,omitempty"`
	Cleanup  *CleanupConfig  `yaml:"cleanup,omitempty"`
}

// CanaryGate returns the canary config of the definition's first canary
// stage, used to gate traffic ramp steps. Nil when the definition has no
// canary stage.
func (d *Definition) CanaryGate() *CanaryConfig {
	for i := range d.Stages {
		if d.Stages[i].Type == StageCanary {
			return d.Stages[i].Canary
		}
		for j := range d.Stages[i].Parallel {
			if d.Stages[i].Parallel[j].Type == StageCanary {
				return d.Stages[i].Parallel[j].Canary
			}
		}
	}
	return nil
}

// DeployConfig creates or updates a server group for the execution's
// artifact.
type DeployConfig struct {
	Environment string        `yaml:"environment"`
	Role        Role          `yaml:"role"`
	Replicas    int           `yaml:"replicas"`
	MaxRetries  int           `yaml:"max_retries"`
	Backoff     Duration `yaml:"backoff"`
}

// WaitConfig suspends the execution for a fixed duration.
type WaitConfig struct {
	Duration Duration `yaml:"duration"`
}

// HealthConfig polls the infra controller until the target group reports
// ready or the stage deadline passes.
type HealthConfig struct {
	Interval Duration `yaml:"interval"`
}

// VerifyConfig runs an external test against the target group's endpoint.
type VerifyConfig struct {
	TestSpec string `yaml:"test_spec"`
	Endpoint string `yaml:"endpoint"`
}

// CanaryMetric is one metric compared between baseline and canary.
type CanaryMetric struct {
	Name  string `yaml:"name"`
	Query string `yaml:"query"`
	// Direction is "lower" when smaller values are better (latency,
	// error rate) or "higher" when larger values are better (throughput).
	Direction string  `yaml:"direction"`
	Weight    float64 `yaml:"weight"`
	// Tolerance is the relative deviation from baseline that still scores
	// 100. Deviation at twice the tolerance scores 0.
	Tolerance float64 `yaml:"tolerance"`
}

// CanaryConfig drives a canary analysis run.
type CanaryConfig struct {
	Metrics  []CanaryMetric `yaml:"metrics"`
	Interval Duration       `yaml:"interval"`
	Duration Duration       `yaml:"duration"`

	PassThreshold     float64 `yaml:"pass_threshold"`
	MarginalThreshold float64 `yaml:"marginal_threshold"`

	// MaxMissingFraction is the largest tolerated fraction of sampling
	// intervals with failed queries before the analysis reports FAIL
	// with reason insufficient-data.
	MaxMissingFraction float64 `yaml:"max_missing_fraction"`

	// OnMarginal selects the fallback for a MARGINAL verdict: "fail" or
	// "judgment". Default "fail".
	OnMarginal string `yaml:"on_marginal"`
}

// JudgmentConfig gates the execution on a human decision.
type JudgmentConfig struct {
	Prompt     string        `yaml:"prompt"`
	Authorized []string      `yaml:"authorized"`
	Deadline   Duration `yaml:"deadline"`
}

// CutoverConfig reassigns production traffic to the execution's candidate
// group using the definition's strategy.
type CutoverConfig struct {
	// Steps are the canary ramp weights in percent, ignored for the
	// blue/green strategy. Defaults to 5, 25, 100.
	Steps []int `yaml:"steps,omitempty"`
}

// CleanupConfig destroys a retired server group after a grace period.
type CleanupConfig struct {
	GracePeriod Duration `yaml:"grace_period"`
	// Role selects the group to destroy, normally the disabled one left
	// behind by the cutover.
	Role Role `yaml:"role"`
}
