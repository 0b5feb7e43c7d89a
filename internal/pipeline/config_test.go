package pipeline

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const validPipeline = `
services:
  payments:
    version: "1"
    strategy: bluegreen
    stages:
      - name: deploy
        type: deploy
        deploy:
          environment: production
          replicas: 2
      - name: health
        type: healthcheck
        timeout: 2m
        healthcheck:
          interval: 10s
      - name: approve
        type: judgment
        judgment:
          prompt: "Promote payments?"
          authorized: [alice, bob]
          deadline: 1h
      - name: cutover
        type: cutover
        cutover: {}
      - name: cleanup
        type: cleanup
        on_failure: continue
        cleanup:
          grace_period: 1m
`

func TestParseDefinitionsValid(t *testing.T) {
	defs, err := ParseDefinitions([]byte(validPipeline))
	if err != nil {
		t.Fatalf("ParseDefinitions() error = %v", err)
	}

	def, ok := defs["payments"]
	if !ok {
		t.Fatal("ParseDefinitions() missing 'payments' definition")
	}
	if def.Service != "payments" {
		t.Errorf("Service = %q, want 'payments'", def.Service)
	}
	if len(def.Stages) != 5 {
		t.Fatalf("got %d stages, want 5", len(def.Stages))
	}

	// Defaults applied
	deploy := def.Stages[0]
	if deploy.OnFailure != FailureAbort {
		t.Errorf("deploy OnFailure = %q, want abort default", deploy.OnFailure)
	}
	if deploy.Deploy.MaxRetries != DefaultDeployRetries {
		t.Errorf("deploy MaxRetries = %d, want %d", deploy.Deploy.MaxRetries, DefaultDeployRetries)
	}
	if deploy.Deploy.Backoff.Std() != 10*time.Second {
		t.Errorf("deploy Backoff = %v, want 10s", deploy.Deploy.Backoff.Std())
	}
	if deploy.Deploy.Role != RoleCandidate {
		t.Errorf("deploy Role = %q, want candidate default", deploy.Deploy.Role)
	}

	health := def.Stages[1]
	if health.Health.Interval.Std() != 10*time.Second {
		t.Errorf("health Interval = %v, want 10s", health.Health.Interval.Std())
	}
	if health.Timeout.Std() != 2*time.Minute {
		t.Errorf("health Timeout = %v, want 2m", health.Timeout.Std())
	}

	cleanup := def.Stages[4]
	if cleanup.OnFailure != FailureContinue {
		t.Errorf("cleanup OnFailure = %q, want continue", cleanup.OnFailure)
	}
	if cleanup.Cleanup.Role != RoleDisabled {
		t.Errorf("cleanup Role = %q, want disabled default", cleanup.Cleanup.Role)
	}
}

func TestParseDefinitionsRejectsUnknownFields(t *testing.T) {
	data := `
services:
  payments:
    strategy: bluegreen
    surprise: true
    stages:
      - name: wait
        type: wait
        wait:
          duration: 5s
`
	if _, err := ParseDefinitions([]byte(data)); err == nil {
		t.Error("ParseDefinitions() accepted unknown field, want error")
	}
}

func TestValidateDefinition(t *testing.T) {
	wait := func(name string) StageSpec {
		return StageSpec{
			Name:      name,
			Type:      StageWait,
			OnFailure: FailureAbort,
			Wait:      &WaitConfig{Duration: Duration(time.Second)},
		}
	}

	tests := []struct {
		name    string
		def     Definition
		wantErr string
	}{
		{
			"no stages",
			Definition{Strategy: StrategyBlueGreen},
			"no stages",
		},
		{
			"unknown strategy",
			Definition{Strategy: "rolling", Stages: []StageSpec{wait("w")}},
			"unknown strategy",
		},
		{
			"duplicate stage names",
			Definition{Strategy: StrategyBlueGreen, Stages: []StageSpec{wait("w"), wait("w")}},
			"duplicate stage name",
		},
		{
			"missing type",
			Definition{Strategy: StrategyBlueGreen, Stages: []StageSpec{{Name: "x", OnFailure: FailureAbort}}},
			"missing required 'type'",
		},
		{
			"two config blocks",
			Definition{Strategy: StrategyBlueGreen, Stages: []StageSpec{{
				Name:      "x",
				Type:      StageWait,
				OnFailure: FailureAbort,
				Wait:      &WaitConfig{Duration: Duration(time.Second)},
				Cleanup:   &CleanupConfig{Role: RoleDisabled},
			}}},
			"more than one stage config block",
		},
		{
			"judgment inside parallel group",
			Definition{Strategy: StrategyBlueGreen, Stages: []StageSpec{{
				Name: "group",
				Parallel: []StageSpec{
					wait("a"),
					{Name: "j", Type: StageJudgment, OnFailure: FailureAbort,
						Judgment: &JudgmentConfig{Prompt: "ok?"}},
				},
			}}},
			"judgment stages cannot run inside a parallel group",
		},
		{
			"marginal-judgment canary inside parallel group",
			Definition{Strategy: StrategyBlueGreen, Stages: []StageSpec{{
				Name: "group",
				Parallel: []StageSpec{
					wait("a"),
					{Name: "c", Type: StageCanary, OnFailure: FailureAbort,
						Canary: &CanaryConfig{
							Metrics:            []CanaryMetric{{Name: "latency", Query: "p99", Direction: "lower", Weight: 1, Tolerance: 0.1}},
							Interval:           Duration(time.Second),
							Duration:           Duration(time.Minute),
							PassThreshold:      90,
							MarginalThreshold:  60,
							MaxMissingFraction: 0.25,
							OnMarginal:         "judgment",
						}},
				},
			}}},
			"canary stages with on_marginal 'judgment' cannot run inside a parallel group",
		},
		{
			"nested parallel group",
			Definition{Strategy: StrategyBlueGreen, Stages: []StageSpec{{
				Name: "outer",
				Parallel: []StageSpec{
					{Name: "inner", Parallel: []StageSpec{wait("a")}},
				},
			}}},
			"parallel groups cannot nest",
		},
		{
			"deploy role active rejected",
			Definition{Strategy: StrategyBlueGreen, Stages: []StageSpec{{
				Name:      "d",
				Type:      StageDeploy,
				OnFailure: FailureAbort,
				Deploy:    &DeployConfig{Environment: "prod", Role: RoleActive, Replicas: 1, MaxRetries: 1, Backoff: Duration(time.Second)},
			}}},
			"deploy role must be 'candidate' or 'canary'",
		},
		{
			"cutover step out of range",
			Definition{Strategy: StrategyCanaryRamp, Stages: []StageSpec{{
				Name:      "c",
				Type:      StageCutover,
				OnFailure: FailureAbort,
				Cutover:   &CutoverConfig{Steps: []int{5, 120}},
			}}},
			"step weights must be in 1..100",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			errs := ValidateDefinition(&tt.def)
			if len(errs) == 0 {
				t.Fatalf("ValidateDefinition() = no errors, want %q", tt.wantErr)
			}
			if !strings.Contains(strings.Join(errs, "\n"), tt.wantErr) {
				t.Errorf("ValidateDefinition() = %v, want message containing %q", errs, tt.wantErr)
			}
		})
	}
}

func TestValidateCanaryConfig(t *testing.T) {
	valid := CanaryConfig{
		Metrics: []CanaryMetric{
			{Name: "latency", Query: "p99", Direction: "lower", Weight: 1, Tolerance: 0.1},
		},
		Interval:           Duration(10 * time.Second),
		Duration:           Duration(time.Minute),
		PassThreshold:      90,
		MarginalThreshold:  70,
		MaxMissingFraction: 0.5,
		OnMarginal:         "fail",
	}

	if errs := validateCanaryConfig(&valid, "stage 'c'"); len(errs) != 0 {
		t.Fatalf("validateCanaryConfig(valid) = %v, want none", errs)
	}

	mutations := []struct {
		name    string
		mutate  func(*CanaryConfig)
		wantErr string
	}{
		{"no metrics", func(c *CanaryConfig) { c.Metrics = nil }, "at least one metric"},
		{"bad direction", func(c *CanaryConfig) { c.Metrics[0].Direction = "sideways" }, "direction must be"},
		{"zero weight", func(c *CanaryConfig) { c.Metrics[0].Weight = 0 }, "weight must be positive"},
		{"zero tolerance", func(c *CanaryConfig) { c.Metrics[0].Tolerance = 0 }, "tolerance must be positive"},
		{"no interval", func(c *CanaryConfig) { c.Interval = 0 }, "positive 'interval'"},
		{"marginal above pass", func(c *CanaryConfig) { c.MarginalThreshold = 95 }, "below pass_threshold"},
		{"missing fraction out of range", func(c *CanaryConfig) { c.MaxMissingFraction = 1 }, "max_missing_fraction"},
		{"bad on_marginal", func(c *CanaryConfig) { c.OnMarginal = "retry" }, "on_marginal"},
	}

	for _, tt := range mutations {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			cfg.Metrics = append([]CanaryMetric(nil), valid.Metrics...)
			tt.mutate(&cfg)

			errs := validateCanaryConfig(&cfg, "stage 'c'")
			if len(errs) == 0 {
				t.Fatalf("validateCanaryConfig() = no errors, want %q", tt.wantErr)
			}
			if !strings.Contains(strings.Join(errs, "\n"), tt.wantErr) {
				t.Errorf("validateCanaryConfig() = %v, want message containing %q", errs, tt.wantErr)
			}
		})
	}
}

func TestLoadDefinitions(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pipelines.yaml")
	if err := os.WriteFile(path, []byte(validPipeline), 0644); err != nil {
		t.Fatalf("Failed to write pipelines file: %v", err)
	}

	defs, err := LoadDefinitions(path)
	if err != nil {
		t.Fatalf("LoadDefinitions() error = %v", err)
	}
	if len(defs) != 1 {
		t.Errorf("LoadDefinitions() returned %d definitions, want 1", len(defs))
	}

	if _, err := LoadDefinitions(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Error("LoadDefinitions() on missing file succeeded, want error")
	}
}

func TestDurationUnmarshal(t *testing.T) {
	data := `
services:
  svc:
    strategy: bluegreen
    stages:
      - name: wait
        type: wait
        timeout: 90s
        wait:
          duration: 1m30s
`
	defs, err := ParseDefinitions([]byte(data))
	if err != nil {
		t.Fatalf("ParseDefinitions() error = %v", err)
	}
	stage := defs["svc"].Stages[0]
	if stage.Wait.Duration.Std() != 90*time.Second {
		t.Errorf("wait duration = %v, want 90s", stage.Wait.Duration.Std())
	}
	if stage.Timeout.Std() != 90*time.Second {
		t.Errorf("timeout = %v, want 90s", stage.Timeout.Std())
	}
}

func TestCanaryGate(t *testing.T) {
	canaryCfg := &CanaryConfig{}
	def := &Definition{Stages: []StageSpec{
		{Name: "d", Type: StageDeploy},
		{Name: "c", Type: StageCanary, Canary: canaryCfg},
	}}
	if def.CanaryGate() != canaryCfg {
		t.Error("CanaryGate() did not return the canary stage config")
	}

	none := &Definition{Stages: []StageSpec{{Name: "d", Type: StageDeploy}}}
	if none.CanaryGate() != nil {
		t.Error("CanaryGate() = non-nil for definition without canary stage")
	}
}
