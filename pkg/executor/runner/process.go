package runner

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"time"
)

type ExecRunner struct{}

func NewExecRunner() *ExecRunner {
	return &ExecRunner{}
}

func (r *ExecRunner) Run(ctx context.Context, argv []string, opts Options) Result {
	if len(argv) == 0 {
		return Result{ExitCode: -1, Error: errors.New("empty argv")}
	}

	start := time.Now()

	// The environment is inherited; stdout is left nil so it goes to the null device.
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)

	var stderrBuf bytes.Buffer
	cmd.Stderr = &stderrBuf
	cmd.SysProcAttr = sysProcAttr(opts)

	if err := cmd.Start(); err != nil {
		return Result{ExitCode: -1, Duration: time.Since(start), Error: err}
	}
	pid := cmd.Process.Pid

	err := cmd.Wait()
	duration := time.Since(start)

	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = -1
		}
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		// Killed by CommandContext; report why rather than "signal: killed".
		if exitCode == 0 {
			exitCode = -1
		}
		err = ctxErr
	}

	return Result{
		ExitCode: exitCode,
		PID:      pid,
		Stderr:   stderrBuf.String(),
		Duration: duration,
		Error:    err,
	}
}
