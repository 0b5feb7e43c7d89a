// Package cmdutil runs the external commands behind infra hooks and
// verification specs. Command strings are split with shell quoting
// rules but never executed through a shell, so metacharacters in
// configuration carry no meaning.
package cmdutil

import (
	"context"
	"fmt"
	"os/exec"
	"time"

	"github.com/kballard/go-shellquote"
)

// ExecOptions configures a command run.
type ExecOptions struct {
	// Timeout bounds the run. Zero means no limit.
	Timeout time.Duration

	// Env is the full environment for the command, "KEY=value" entries.
	Env []string

	// CombinedOutput merges stdout and stderr into Result.Output.
	// When false, the streams are captured separately.
	CombinedOutput bool
}

// Result is the outcome of a command run.
type Result struct {
	// Stdout and Stderr are the separate streams, populated when
	// CombinedOutput is false.
	Stdout []byte
	Stderr []byte

	// Output is the merged stream when CombinedOutput is true.
	Output []byte

	// ExitCode is the command's exit code.
	ExitCode int

	// Duration is how long the command ran.
	Duration time.Duration
}

// Run executes the command given as argv. On failure the Result is
// still returned when available, so callers can log captured output.
func Run(ctx context.Context, opts ExecOptions, argv []string) (*Result, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("empty command")
	}

	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Env = opts.Env

	start := time.Now()

	var result Result
	var err error
	if opts.CombinedOutput {
		result.Output, err = cmd.CombinedOutput()
	} else {
		result.Stdout, err = cmd.Output()
		if exitErr, ok := err.(*exec.ExitError); ok {
			result.Stderr = exitErr.Stderr
		}
	}
	result.Duration = time.Since(start)

	if cmd.ProcessState != nil {
		result.ExitCode = cmd.ProcessState.ExitCode()
	}

	if err != nil {
		return &result, fmt.Errorf("command failed: %w", err)
	}
	return &result, nil
}

// ParseCommandString splits a shell-quoted command string into argv.
// Quoting is honored; nothing is expanded or substituted.
//
// Example:
//
//	`kubectl rollout status "payments canary"` -> ["kubectl", "rollout", "status", "payments canary"]
func ParseCommandString(cmdStr string) ([]string, error) {
	parts, err := shellquote.Split(cmdStr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse command string: %w", err)
	}
	if len(parts) == 0 {
		return nil, fmt.Errorf("empty command string")
	}
	return parts, nil
}
