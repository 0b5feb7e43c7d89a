package infra

import (
	"context"
	"fmt"
	"os"

	"rolloutd/pkg/cmdutil"
)

// LocalRunner is a VerificationRunner that executes the test spec as a
// local command. The command string is split with shell quoting rules but never
// passed through a shell, so metacharacters carry no meaning. The
// target endpoint is exported as VERIFY_ENDPOINT.
type LocalRunner struct{}

func (LocalRunner) Run(ctx context.Context, testSpec, endpoint string) (Report, error) {
	parts, err := cmdutil.ParseCommandString(testSpec)
	if err != nil {
		return Report{}, fmt.Errorf("invalid test spec: %w", err)
	}

	result, err := cmdutil.Run(ctx, cmdutil.ExecOptions{
		Env:            append(os.Environ(), "VERIFY_ENDPOINT="+endpoint),
		CombinedOutput: true,
	}, parts)

	var report Report
	if result != nil {
		report.Output = string(result.Output)
	}
	if err != nil {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		// A non-zero exit is a verification failure, not a runner error.
		if result != nil && result.ExitCode > 0 {
			return report, nil
		}
		return report, fmt.Errorf("failed to run verification command: %w", err)
	}

	report.Success = true
	return report, nil
}
