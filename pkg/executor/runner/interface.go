package runner

import (
	"context"
	"time"
)

// Options control how the child process is presented to the OS.
type Options struct {
	// ShowWindow keeps the engine's console window visible. Only meaningful on
	// Windows; elsewhere the child always runs detached in its own group.
	ShowWindow bool
}

// Result captures the outcome of one child process.
type Result struct {
	ExitCode int
	PID      int
	Stderr   string
	Duration time.Duration
	Error    error // set when the process exited non-zero, failed to start, or was killed
}

// Started reports whether the OS ever created the child process.
func (r Result) Started() bool {
	return r.PID > 0
}

// ProcessRunner launches exactly one child process per call and blocks until it exits.
type ProcessRunner interface {
	// Run executes argv[0] with argv[1:] as arguments. Standard error is
	// captured in full; standard output is discarded.
	Run(ctx context.Context, argv []string, opts Options) Result
}
