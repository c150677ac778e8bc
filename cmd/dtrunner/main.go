// Package main provides the dtrunner CLI entrypoint.
//
// Usage:
//
//	dtrunner <command> [options]
//
// Exit codes for run and schedule:
//   - 0: every scenario finished cleanly
//   - 1: the engine reported a classified failure
//   - 2: fatal OS-level failure (priority, launch, timeout)
//   - 3: configuration error
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"dtrunner/pkg/failure"
	"dtrunner/pkg/logger"
)

// version is set via ldflags at build time.
var version = "dev"

const (
	exitEngineFailure = 1
	exitFatal         = 2
	exitConfiguration = 3
)

func main() {
	app := &cli.App{
		Name:           "dtrunner",
		Usage:          "Run DemandTools scenarios with failure classification and retry",
		Version:        version,
		ExitErrHandler: exitErrHandler,
		Flags:          globalFlags(),
		Commands: []*cli.Command{
			runCommand(),
			workerCommand(),
			watchCommand(),
			listCommand(),
			predictOutputCommand(),
			scheduleCommand(),
			serveCommand(),
			apiKeyCommand(),
		},
	}

	err := app.Run(os.Args)
	_ = logger.Sync()
	if err != nil {
		os.Exit(1)
	}
}

// exitErrHandler maps the error taxonomy onto exit codes.
func exitErrHandler(_ *cli.Context, err error) {
	if err == nil {
		return
	}

	var exitCoder cli.ExitCoder
	if errors.As(err, &exitCoder) {
		if msg := exitCoder.Error(); msg != "" && msg != fmt.Sprintf("exit status %d", exitCoder.ExitCode()) {
			fmt.Fprintln(os.Stderr, msg)
		}
		os.Exit(exitCoder.ExitCode())
	}

	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(exitCode(err))
}

func exitCode(err error) int {
	switch {
	case failure.IsConfiguration(err):
		return exitConfiguration
	case failure.IsFatal(err):
		return exitFatal
	default:
		if _, ok := failure.CategoryOf(err); ok {
			return exitEngineFailure
		}
		return exitFatal
	}
}
