package cmdutil

import (
	"context"
	"reflect"
	"strings"
	"testing"
	"time"
)

func TestRun(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name    string
		opts    ExecOptions
		argv    []string
		wantErr bool
	}{
		{
			"successful command",
			ExecOptions{CombinedOutput: true},
			[]string{"echo", "hello"},
			false,
		},
		{
			"command that fails",
			ExecOptions{CombinedOutput: true},
			[]string{"ls", "/nonexistent/directory/path"},
			true,
		},
		{
			"empty command",
			ExecOptions{CombinedOutput: true},
			[]string{},
			true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := Run(ctx, tt.opts, tt.argv)
			if (err != nil) != tt.wantErr {
				t.Errorf("Run() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if !tt.wantErr {
				if result == nil {
					t.Fatal("Run() returned nil result for successful command")
				}
				if result.Duration == 0 {
					t.Error("Run() did not record execution duration")
				}
			}
		})
	}
}

func TestRunSeparateStreams(t *testing.T) {
	ctx := context.Background()

	result, err := Run(ctx, ExecOptions{}, []string{"sh", "-c", "echo out; echo err >&2; exit 3"})
	if err == nil {
		t.Fatal("Run() error = nil, want exit failure")
	}
	if result == nil {
		t.Fatal("Run() returned nil result on exit failure")
	}
	if got := strings.TrimSpace(string(result.Stdout)); got != "out" {
		t.Errorf("Stdout = %q, want %q", got, "out")
	}
	if got := strings.TrimSpace(string(result.Stderr)); got != "err" {
		t.Errorf("Stderr = %q, want %q", got, "err")
	}
	if result.ExitCode != 3 {
		t.Errorf("ExitCode = %d, want 3", result.ExitCode)
	}
}

func TestRunEnv(t *testing.T) {
	ctx := context.Background()

	result, err := Run(ctx, ExecOptions{
		Env:            []string{"ROLLOUT_GROUP=payments-new"},
		CombinedOutput: true,
	}, []string{"sh", "-c", "echo $ROLLOUT_GROUP"})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if got := strings.TrimSpace(string(result.Output)); got != "payments-new" {
		t.Errorf("Output = %q, want the injected environment value", got)
	}
}

func TestRunTimeout(t *testing.T) {
	ctx := context.Background()

	if _, err := Run(ctx, ExecOptions{
		Timeout:        5 * time.Second,
		CombinedOutput: true,
	}, []string{"echo", "fast"}); err != nil {
		t.Errorf("Run() with generous timeout error = %v, want nil", err)
	}

	if _, err := Run(ctx, ExecOptions{
		Timeout:        time.Millisecond,
		CombinedOutput: true,
	}, []string{"sleep", "10"}); err == nil {
		t.Error("Run() did not time out a long command")
	}
}

func TestParseCommandString(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    []string
		wantErr bool
	}{
		{
			"simple command",
			"kubectl get pods",
			[]string{"kubectl", "get", "pods"},
			false,
		},
		{
			"double-quoted argument",
			`notify-send "cutover applied"`,
			[]string{"notify-send", "cutover applied"},
			false,
		},
		{
			"single-quoted argument",
			"run-suite 'smoke suite'",
			[]string{"run-suite", "smoke suite"},
			false,
		},
		{
			"empty string",
			"",
			nil,
			true,
		},
		{
			"unterminated quote",
			`echo "unterminated`,
			nil,
			true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseCommandString(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("ParseCommandString() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if !tt.wantErr && !reflect.DeepEqual(got, tt.want) {
				t.Errorf("ParseCommandString() = %v, want %v", got, tt.want)
			}
		})
	}
}
