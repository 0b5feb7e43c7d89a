package pipeline

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultDeployRetries  = 3
	DefaultDeployBackoff  = "10s"
	DefaultHealthInterval = "5s"
)

// DefaultRampSteps are the traffic percentages used by the canary ramp
// strategy when the cutover stage does not configure its own.
var DefaultRampSteps = []int{5, 25, 100}

type definitionsFile struct {
	Services map[string]Definition `yaml:"services"`
}

// LoadDefinitions reads and validates the pipeline definitions file.
// Unknown fields and ill-typed values are rejected at load time; the
// definitions are configuration, never executable script.
func LoadDefinitions(path string) (map[string]*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read definitions file: %w", err)
	}
	return ParseDefinitions(data)
}

// ParseDefinitions parses and validates pipeline definitions from YAML.
func ParseDefinitions(data []byte) (map[string]*Definition, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var file definitionsFile
	if err := dec.Decode(&file); err != nil && err != io.EOF {
		return nil, fmt.Errorf("failed to parse definitions YAML: %w", err)
	}

	defs := make(map[string]*Definition, len(file.Services))
	for name, def := range file.Services {
		def := def
		def.Service = name
		applyDefaults(&def)

		if errs := ValidateDefinition(&def); len(errs) > 0 {
			return nil, fmt.Errorf("invalid pipeline definition for service '%s':\n%s",
				name, strings.Join(errs, "\n"))
		}
		defs[name] = &def
	}

	return defs, nil
}

func applyDefaults(def *Definition) {
	if def.Strategy == "" {
		def.Strategy = StrategyBlueGreen
	}
	for i := range def.Stages {
		applyStageDefaults(&def.Stages[i])
	}
}

func applyStageDefaults(spec *StageSpec) {
	if spec.OnFailure == "" {
		spec.OnFailure = FailureAbort
	}
	if spec.Deploy != nil {
		if spec.Deploy.MaxRetries == 0 {
			spec.Deploy.MaxRetries = DefaultDeployRetries
		}
		if spec.Deploy.Backoff == 0 {
			spec.Deploy.Backoff = mustDuration(DefaultDeployBackoff)
		}
		if spec.Deploy.Role == "" {
			spec.Deploy.Role = RoleCandidate
		}
		if spec.Deploy.Replicas == 0 {
			spec.Deploy.Replicas = 1
		}
	}
	if spec.Health != nil && spec.Health.Interval == 0 {
		spec.Health.Interval = mustDuration(DefaultHealthInterval)
	}
	if spec.Canary != nil {
		if spec.Canary.OnMarginal == "" {
			spec.Canary.OnMarginal = "fail"
		}
		if spec.Canary.MaxMissingFraction == 0 {
			spec.Canary.MaxMissingFraction = 0.5
		}
	}
	if spec.Cleanup != nil && spec.Cleanup.Role == "" {
		spec.Cleanup.Role = RoleDisabled
	}
	for i := range spec.Parallel {
		applyStageDefaults(&spec.Parallel[i])
	}
}

// ValidateDefinition checks a single definition and returns a list of
// human-readable problems, empty when the definition is valid.
func ValidateDefinition(def *Definition) []string {
	var errs []string

	if def.Strategy != StrategyBlueGreen && def.Strategy != StrategyCanaryRamp {
		errs = append(errs, fmt.Sprintf("  - unknown strategy '%s' (want bluegreen or canary)", def.Strategy))
	}
	if len(def.Stages) == 0 {
		errs = append(errs, "  - definition has no stages")
	}

	seen := make(map[string]bool)
	for i := range def.Stages {
		errs = append(errs, validateStage(&def.Stages[i], i, seen)...)
	}

	return errs
}

func validateStage(spec *StageSpec, index int, seen map[string]bool) []string {
	var errs []string

	where := fmt.Sprintf("stage %d", index)
	if spec.Name != "" {
		where = fmt.Sprintf("stage '%s'", spec.Name)
	}

	if spec.Name == "" {
		errs = append(errs, fmt.Sprintf("  - %s: missing required 'name' field", where))
	} else if seen[spec.Name] {
		errs = append(errs, fmt.Sprintf("  - %s: duplicate stage name", where))
	} else {
		seen[spec.Name] = true
	}

	if len(spec.Parallel) > 0 {
		if spec.Type != "" {
			errs = append(errs, fmt.Sprintf("  - %s: a parallel group cannot also declare a type", where))
		}
		for i := range spec.Parallel {
			inner := &spec.Parallel[i]
			if len(inner.Parallel) > 0 {
				errs = append(errs, fmt.Sprintf("  - %s: parallel groups cannot nest", where))
				continue
			}
			if inner.Type == StageJudgment {
				errs = append(errs, fmt.Sprintf("  - %s: judgment stages cannot run inside a parallel group", where))
				continue
			}
			if inner.Type == StageCanary && inner.Canary != nil && inner.Canary.OnMarginal == "judgment" {
				errs = append(errs, fmt.Sprintf("  - %s: canary stages with on_marginal 'judgment' cannot run inside a parallel group", where))
				continue
			}
			errs = append(errs, validateStage(inner, i, seen)...)
		}
		return errs
	}

	if spec.OnFailure != FailureAbort && spec.OnFailure != FailureContinue {
		errs = append(errs, fmt.Sprintf("  - %s: on_failure must be 'abort' or 'continue', got '%s'", where, spec.OnFailure))
	}
	if spec.Timeout < 0 {
		errs = append(errs, fmt.Sprintf("  - %s: timeout must not be negative", where))
	}

	// Exactly one config block, and it must match the declared type.
	blocks := 0
	if spec.Deploy != nil {
		blocks++
	}
	if spec.Wait != nil {
		blocks++
	}
	if spec.Health != nil {
		blocks++
	}
	if spec.Verify != nil {
		blocks++
	}
	if spec.Canary != nil {
		blocks++
	}
	if spec.Judgment != nil {
		blocks++
	}
	if spec.Cutover != nil {
		blocks++
	}
	if spec.Cleanup != nil {
		blocks++
	}

	switch spec.Type {
	case StageDeploy:
		if spec.Deploy == nil {
			errs = append(errs, fmt.Sprintf("  - %s: type 'deploy' requires a 'deploy' block", where))
		} else {
			if spec.Deploy.Environment == "" {
				errs = append(errs, fmt.Sprintf("  - %s: deploy requires 'environment'", where))
			}
			switch spec.Deploy.Role {
			case RoleCandidate, RoleCanary:
			default:
				errs = append(errs, fmt.Sprintf("  - %s: deploy role must be 'candidate' or 'canary', got '%s'", where, spec.Deploy.Role))
			}
			if spec.Deploy.MaxRetries < 0 {
				errs = append(errs, fmt.Sprintf("  - %s: max_retries must not be negative", where))
			}
		}
	case StageWait:
		if spec.Wait == nil || spec.Wait.Duration <= 0 {
			errs = append(errs, fmt.Sprintf("  - %s: type 'wait' requires a positive 'wait.duration'", where))
		}
	case StageHealthCheck:
		if spec.Health == nil {
			errs = append(errs, fmt.Sprintf("  - %s: type 'healthcheck' requires a 'healthcheck' block", where))
		}
		if spec.Timeout <= 0 {
			errs = append(errs, fmt.Sprintf("  - %s: healthcheck requires a positive 'timeout'", where))
		}
	case StageVerification:
		if spec.Verify == nil || spec.Verify.TestSpec == "" {
			errs = append(errs, fmt.Sprintf("  - %s: type 'verification' requires 'verification.test_spec'", where))
		}
	case StageCanary:
		errs = append(errs, validateCanaryConfig(spec.Canary, where)...)
	case StageJudgment:
		if spec.Judgment == nil || spec.Judgment.Prompt == "" {
			errs = append(errs, fmt.Sprintf("  - %s: type 'judgment' requires 'judgment.prompt'", where))
		}
	case StageCutover:
		if spec.Cutover == nil {
			errs = append(errs, fmt.Sprintf("  - %s: type 'cutover' requires a 'cutover' block", where))
		} else {
			for _, step := range spec.Cutover.Steps {
				if step <= 0 || step > 100 {
					errs = append(errs, fmt.Sprintf("  - %s: cutover step weights must be in 1..100, got %d", where, step))
				}
			}
		}
	case StageCleanup:
		if spec.Cleanup == nil {
			errs = append(errs, fmt.Sprintf("  - %s: type 'cleanup' requires a 'cleanup' block", where))
		}
	case "":
		errs = append(errs, fmt.Sprintf("  - %s: missing required 'type' field", where))
	default:
		errs = append(errs, fmt.Sprintf("  - %s: unknown stage type '%s'", where, spec.Type))
	}

	if blocks > 1 {
		errs = append(errs, fmt.Sprintf("  - %s: more than one stage config block set", where))
	}

	return errs
}

func validateCanaryConfig(cfg *CanaryConfig, where string) []string {
	var errs []string

	if cfg == nil {
		return []string{fmt.Sprintf("  - %s: type 'canary' requires a 'canary' block", where)}
	}
	if len(cfg.Metrics) == 0 {
		errs = append(errs, fmt.Sprintf("  - %s: canary requires at least one metric", where))
	}
	for i, m := range cfg.Metrics {
		if m.Name == "" || m.Query == "" {
			errs = append(errs, fmt.Sprintf("  - %s: canary metric %d requires 'name' and 'query'", where, i))
		}
		if m.Direction != "lower" && m.Direction != "higher" {
			errs = append(errs, fmt.Sprintf("  - %s: canary metric '%s' direction must be 'lower' or 'higher'", where, m.Name))
		}
		if m.Weight <= 0 {
			errs = append(errs, fmt.Sprintf("  - %s: canary metric '%s' weight must be positive", where, m.Name))
		}
		if m.Tolerance <= 0 {
			errs = append(errs, fmt.Sprintf("  - %s: canary metric '%s' tolerance must be positive", where, m.Name))
		}
	}
	if cfg.Interval <= 0 || cfg.Duration <= 0 {
		errs = append(errs, fmt.Sprintf("  - %s: canary requires positive 'interval' and 'duration'", where))
	}
	if cfg.PassThreshold <= 0 || cfg.PassThreshold > 100 {
		errs = append(errs, fmt.Sprintf("  - %s: pass_threshold must be in (0,100]", where))
	}
	if cfg.MarginalThreshold < 0 || cfg.MarginalThreshold >= cfg.PassThreshold {
		errs = append(errs, fmt.Sprintf("  - %s: marginal_threshold must be below pass_threshold", where))
	}
	if cfg.MaxMissingFraction < 0 || cfg.MaxMissingFraction >= 1 {
		errs = append(errs, fmt.Sprintf("  - %s: max_missing_fraction must be in [0,1)", where))
	}
	if cfg.OnMarginal != "fail" && cfg.OnMarginal != "judgment" {
		errs = append(errs, fmt.Sprintf("  - %s: on_marginal must be 'fail' or 'judgment', got '%s'", where, cfg.OnMarginal))
	}

	return errs
}

func mustDuration(s string) Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		panic(err)
	}
	return Duration(d)
}
