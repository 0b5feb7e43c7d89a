package infra

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"rolloutd/internal/pipeline"
)

func execLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestExecControllerHealth(t *testing.T) {
	// The hook sees the operation parameters through the environment.
	ctrl := NewExecController(HookSet{
		Health: `sh -c 'echo "{\"ready\":true,\"detail\":\"$ROLLOUT_GROUP ready\"}"'`,
	}, execLogger())

	status, err := ctrl.Health(context.Background(), GroupHandle{Service: "payments", Name: "payments-01"})
	if err != nil {
		t.Fatalf("Health() error = %v", err)
	}
	if !status.Ready || status.Detail != "payments-01 ready" {
		t.Errorf("Health() = %+v", status)
	}
}

func TestExecControllerTrafficWeights(t *testing.T) {
	ctrl := NewExecController(HookSet{
		GetWeights: `echo '{"blue":100,"green":0}'`,
	}, execLogger())

	weights, err := ctrl.TrafficWeights(context.Background(), "payments")
	if err != nil {
		t.Fatalf("TrafficWeights() error = %v", err)
	}
	if weights["blue"] != 100 || weights["green"] != 0 {
		t.Errorf("TrafficWeights() = %v", weights)
	}
}

func TestExecControllerApply(t *testing.T) {
	ctrl := NewExecController(HookSet{Apply: "true"}, execLogger())

	handle, err := ctrl.Apply(context.Background(), DeploySpec{
		Service: "payments", GroupName: "payments-01", Replicas: 2,
	})
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if handle.Service != "payments" || handle.Name != "payments-01" {
		t.Errorf("Apply() handle = %+v", handle)
	}
}

func TestExecControllerHookFailure(t *testing.T) {
	ctrl := NewExecController(HookSet{Apply: "false"}, execLogger())

	_, err := ctrl.Apply(context.Background(), DeploySpec{Service: "payments", GroupName: "g"})
	if err == nil || !strings.Contains(err.Error(), "apply hook failed") {
		t.Fatalf("Apply() error = %v, want apply hook failure", err)
	}
}

func TestExecControllerMissingHook(t *testing.T) {
	ctrl := NewExecController(HookSet{}, execLogger())

	if err := ctrl.Destroy(context.Background(), GroupHandle{Service: "payments", Name: "g"}); err == nil {
		t.Error("Destroy() with no hook succeeded, want error")
	}
	if _, err := ctrl.Health(context.Background(), GroupHandle{}); err == nil {
		t.Error("Health() with no hook succeeded, want error")
	}
}

func TestExecControllerInvalidJSON(t *testing.T) {
	ctrl := NewExecController(HookSet{Health: "echo not-json"}, execLogger())

	if _, err := ctrl.Health(context.Background(), GroupHandle{}); err == nil ||
		!strings.Contains(err.Error(), "invalid JSON") {
		t.Fatalf("Health() error = %v, want invalid JSON", err)
	}
}

func TestExecMetricsQuery(t *testing.T) {
	ctrl := NewExecController(HookSet{
		QueryMetrics: "echo [12.5,13.0,12.8]",
	}, execLogger())

	window := TimeWindow{From: time.Now().Add(-time.Minute), To: time.Now()}
	samples, err := ctrl.Metrics().Query(context.Background(), "latency{%s}", "payments-01", window)
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if len(samples) != 3 || samples[0] != 12.5 {
		t.Errorf("Query() = %v", samples)
	}
}

func TestExecControllerDefaultTimeout(t *testing.T) {
	ctrl := NewExecController(HookSet{}, execLogger())
	if ctrl.hooks.Timeout.Std() != 60*time.Second {
		t.Errorf("default timeout = %v, want 60s", ctrl.hooks.Timeout.Std())
	}

	ctrl = NewExecController(HookSet{Timeout: pipeline.Duration(5 * time.Second)}, execLogger())
	if ctrl.hooks.Timeout.Std() != 5*time.Second {
		t.Errorf("configured timeout = %v, want 5s", ctrl.hooks.Timeout.Std())
	}
}
