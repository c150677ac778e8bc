package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	config "dtrunner/configs"
	"dtrunner/pkg/api"
	"dtrunner/pkg/auth"
	"dtrunner/pkg/executor"
	"dtrunner/pkg/failure"
	"dtrunner/pkg/logwatch"
	"dtrunner/pkg/models"
	"dtrunner/pkg/scenario"
	"dtrunner/pkg/scheduler"
)

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func runFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "input", Usage: "Input file passed to the engine"},
		&cli.StringFlag{Name: "output", Usage: "Output file passed to the engine"},
		&cli.StringSliceFlag{Name: "arg", Usage: "Extra engine argument (repeatable)"},
		&cli.StringFlag{Name: "priority", Usage: "idle, below_normal, normal, above_normal or high", Value: string(models.PriorityIdle)},
		&cli.BoolFlag{Name: "debug", Usage: "Show the engine window and print its argv"},
		&cli.StringSliceFlag{Name: "retry-on", Usage: "Failure category to retry (repeatable)"},
		&cli.IntFlag{Name: "max-retries", Usage: "Retry budget for --retry-on categories"},
		&cli.BoolFlag{Name: "isolated", Usage: "Run each scenario in its own worker process"},
		&cli.IntFlag{Name: "concurrency", Usage: "Scenarios run at once (0 = logical CPUs)"},
		&cli.BoolFlag{Name: "watch", Usage: "Tail the engine log while running"},
	}
}

func retryPolicy(c *cli.Context) (models.RetryPolicy, error) {
	return config.RetryConfig{
		Categories: c.StringSlice("retry-on"),
		MaxRetries: c.Int("max-retries"),
	}.Policy()
}

// expandTargets turns files and directories into scenario paths.
func expandTargets(targets []string) ([]string, error) {
	var paths []string
	for _, t := range targets {
		info, err := os.Stat(t)
		if err != nil {
			return nil, failure.Configf("scenario %s: %v", t, err)
		}
		if !info.IsDir() {
			paths = append(paths, t)
			continue
		}
		found, err := scenario.ScenariosInPath(t)
		if err != nil {
			return nil, err
		}
		paths = append(paths, found...)
	}
	return paths, nil
}

func runCommand() *cli.Command {
	return &cli.Command{
		Name:      "run",
		Usage:     "Run scenario files, or every scenario in a directory",
		ArgsUsage: "<scenario-or-dir>...",
		Flags:     runFlags(),
		Action:    runAction,
	}
}

func runAction(c *cli.Context) error {
	if c.NArg() == 0 {
		return cli.Exit("at least one scenario or directory is required", exitConfiguration)
	}
	policy, err := retryPolicy(c)
	if err != nil {
		return err
	}
	paths, err := expandTargets(c.Args().Slice())
	if err != nil {
		return err
	}
	if len(paths) > 1 && (c.String("input") != "" || c.String("output") != "") {
		return failure.Configf("--input and --output apply to a single scenario")
	}

	e, err := newEnv(c, true)
	if err != nil {
		return err
	}
	defer e.Close()
	if err := e.cfg.Preflight(); err != nil {
		return err
	}

	ctx, cancel := signalContext(c.Context)
	defer cancel()

	if c.Bool("watch") {
		w := logwatch.New(watchConfig(e.cfg), e.Sink(), e.logger)
		if err := w.Start(ctx); err != nil {
			return err
		}
		defer w.Wait()
		defer w.Stop()
	}

	jobs := make([]executor.Job, 0, len(paths))
	for _, p := range paths {
		jobs = append(jobs, executor.Job{
			Descriptor: models.ScenarioDescriptor{
				ScenarioPath: p,
				InputFile:    c.String("input"),
				OutputFile:   c.String("output"),
				ExtraArgs:    c.StringSlice("arg"),
				Priority:     models.Priority(c.String("priority")),
				Debug:        c.Bool("debug"),
			},
			Policy: policy,
		})
	}

	pool, err := e.Pool(e.isolated(c), c.Int("concurrency"))
	if err != nil {
		return err
	}
	_, err = pool.Run(ctx, jobs)
	return err
}

func workerCommand() *cli.Command {
	return &cli.Command{
		Name:   executor.WorkerSubcommand,
		Usage:  "Serve one scenario request on stdin/stdout (used by --isolated)",
		Hidden: true,
		Action: func(c *cli.Context) error {
			e, err := newEnv(c, false)
			if err != nil {
				return err
			}
			defer e.Close()
			if err := e.connectEngineSupport(c.Context); err != nil {
				return err
			}

			ctx, cancel := signalContext(c.Context)
			defer cancel()

			opts := []executor.Option{executor.WithLogger(e.logger)}
			if e.diag != nil {
				opts = append(opts, executor.WithDiagnosticStore(e.diag))
			}
			if e.locker != nil {
				opts = append(opts, executor.WithLocker(e.locker))
			}
			return executor.ServeWorker(ctx, os.Stdin, os.Stdout, opts...)
		},
	}
}

func watchConfig(cfg *config.Config) logwatch.Config {
	wc := logwatch.DefaultConfig(cfg.LogDirectory)
	wc.OrganizationID = cfg.OrganizationID
	wc.MaxLineLength = cfg.MaxLineLength
	wc.PollInterval = cfg.PollInterval
	return wc
}

func watchCommand() *cli.Command {
	return &cli.Command{
		Name:  "watch",
		Usage: "Tail today's engine log until interrupted",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "org", Usage: "Organization log folder", EnvVars: []string{"DT_ORG_ID"}},
		},
		Action: func(c *cli.Context) error {
			e, err := newEnv(c, false)
			if err != nil {
				return err
			}
			defer e.Close()
			if err := e.cfg.Validate(); err != nil {
				return err
			}
			e.connectStream()

			ctx, cancel := signalContext(c.Context)
			defer cancel()

			wc := watchConfig(e.cfg)
			wc.OrganizationID = c.String("org")
			w := logwatch.New(wc, e.Sink(), e.logger)
			if err := w.Start(ctx); err != nil {
				return err
			}
			w.Wait()
			return nil
		},
	}
}

func listCommand() *cli.Command {
	return &cli.Command{
		Name:      "list",
		Usage:     "List the scenarios in a directory",
		ArgsUsage: "<dir>",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return cli.Exit("exactly one directory is required", exitConfiguration)
			}
			paths, err := scenario.ScenariosInPath(c.Args().First())
			if err != nil {
				return err
			}
			for _, p := range paths {
				d := models.ScenarioDescriptor{ScenarioPath: p}
				fmt.Fprintf(c.App.Writer, "%-20s %s\n", d.Kind(), d.Name())
			}
			return nil
		},
	}
}

func apiKeyCommand() *cli.Command {
	return &cli.Command{
		Name:      "api-key",
		Usage:     "Print a new DT_API_KEYS entry for the HTTP API",
		ArgsUsage: "<name>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "role", Usage: "viewer or operator", Value: string(auth.RoleViewer)},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 || strings.Contains(c.Args().First(), ":") {
				return cli.Exit("exactly one key name, without ':', is required", exitConfiguration)
			}
			role := auth.Role(c.String("role"))
			if !role.Valid() {
				return failure.Configf("unknown role %q", role)
			}
			key, err := auth.GenerateKey()
			if err != nil {
				return err
			}
			fmt.Fprintf(c.App.Writer, "%s:%s:%s\n", c.Args().First(), role, key)
			return nil
		},
	}
}

func predictOutputCommand() *cli.Command {
	return &cli.Command{
		Name:      "predict-output",
		Usage:     "Print the file the engine will write for an output path today",
		ArgsUsage: "<output-file>",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return cli.Exit("exactly one output file is required", exitConfiguration)
			}
			name, err := scenario.PredictOutputFile(c.Args().First(), time.Now())
			if err != nil {
				return err
			}
			fmt.Fprintln(c.App.Writer, name)
			return nil
		},
	}
}

func scheduleCommand() *cli.Command {
	return &cli.Command{
		Name:  "schedule",
		Usage: "Run scenario directories on cron schedules from a YAML file",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Usage: "Schedule file", Value: "dtrunner.yaml"},
			&cli.BoolFlag{Name: "isolated", Usage: "Run each scenario in its own worker process"},
			&cli.IntFlag{Name: "concurrency", Usage: "Scenarios run at once (0 = logical CPUs)"},
			&cli.BoolFlag{Name: "serve", Usage: "Also serve the HTTP API"},
		},
		Action: func(c *cli.Context) error {
			file, err := config.LoadFile(c.String("config"))
			if err != nil {
				return err
			}
			if file.Engine != "" && !c.IsSet("engine") {
				if err := c.Set("engine", file.Engine); err != nil {
					return err
				}
			}
			entries, err := scheduler.EntriesFromFile(file)
			if err != nil {
				return err
			}

			e, err := newEnv(c, true)
			if err != nil {
				return err
			}
			defer e.Close()
			if err := e.cfg.Preflight(); err != nil {
				return err
			}

			pool, err := e.Pool(e.isolated(c), c.Int("concurrency"))
			if err != nil {
				return err
			}
			core, err := scheduler.NewCore(entries, pool, e.logger)
			if err != nil {
				return err
			}

			ctx, cancel := signalContext(c.Context)
			defer cancel()

			if c.Bool("serve") {
				srv, err := e.Server(pool)
				if err != nil {
					return err
				}
				go func() {
					if err := srv.Start(); err != nil {
						e.logger.Error("api server stopped", zap.Error(err))
						cancel()
					}
				}()
				defer shutdown(srv, e.logger)
			}

			core.Run(ctx)
			return nil
		},
	}
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Serve the HTTP API: health, metrics, run history and on-demand runs",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "isolated", Usage: "Run each scenario in its own worker process"},
			&cli.IntFlag{Name: "concurrency", Usage: "Scenarios run at once (0 = logical CPUs)"},
		},
		Action: func(c *cli.Context) error {
			e, err := newEnv(c, true)
			if err != nil {
				return err
			}
			defer e.Close()
			if err := e.cfg.Preflight(); err != nil {
				return err
			}

			pool, err := e.Pool(e.isolated(c), c.Int("concurrency"))
			if err != nil {
				return err
			}
			srv, err := e.Server(pool)
			if err != nil {
				return err
			}

			ctx, cancel := signalContext(c.Context)
			defer cancel()

			errCh := make(chan error, 1)
			go func() { errCh <- srv.Start() }()

			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
			}
			return shutdown(srv, e.logger)
		},
	}
}

// Server builds the API over the env's stores and log sources. Callers are
// authenticated when DT_API_KEYS is set.
func (e *env) Server(pool *executor.Pool) (*api.Server, error) {
	if err := e.cfg.ValidateAPI(); err != nil {
		return nil, err
	}
	var keys auth.KeyStore
	if len(e.cfg.APIKeys) > 0 {
		store, err := auth.ParseKeys(e.cfg.APIKeys)
		if err != nil {
			return nil, err
		}
		keys = store
	}

	source := api.RingSource(e.ring)
	if e.stream != nil {
		source = api.StreamSource(e.stream)
	}
	return api.NewServer(api.Config{
		Addr:     e.cfg.APIAddr(),
		Keys:     keys,
		Runs:     e.runs,
		Pool:     pool,
		Log:      source,
		Breakers: e.breakers,
		Logger:   e.logger,
	}), nil
}

func shutdown(srv *api.Server, l *zap.Logger) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	err := srv.Shutdown(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		l.Warn("api shutdown incomplete", zap.Error(err))
	}
	return err
}
