package handlers

import (
	"context"
	"fmt"
	"time"

	"github.com/arkeep-io/dispatch-agent/internal/hooks"
)

// RegisterExec wires the supplemental "exec" operation (SPEC_FULL.md §4.3):
// runs payload.command as a shell command via a hooks.Runner and returns
// its captured output and exit code. Not part of spec.md's required
// handlers — an operator opts an agent into it by listing "exec" in the
// assignment's operations, same as any other op.
func RegisterExec(r *Registry, runner *hooks.Runner) {
	r.Register("exec", func(ctx context.Context, job Job) (map[string]any, error) {
		command, ok := job.Payload["command"].(string)
		if !ok || command == "" {
			return nil, fmt.Errorf("payload missing required field %q", "command")
		}

		execCtx := ctx
		if ms, ok := job.Payload["timeout_ms"].(float64); ok && ms > 0 {
			var cancel context.CancelFunc
			execCtx, cancel = context.WithTimeout(ctx, time.Duration(ms)*time.Millisecond)
			defer cancel()
		}

		result, err := runner.Run(execCtx, command)
		if err != nil {
			return nil, fmt.Errorf("%w: %s", err, result.Output)
		}
		return map[string]any{
			"output":    result.Output,
			"exit_code": result.ExitCode,
		}, nil
	})
}
