package main

import (
	"context"
	"errors"
	"os"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	config "dtrunner/configs"
	"dtrunner/pkg/coordination"
	"dtrunner/pkg/coordination/etcd"
	"dtrunner/pkg/executor"
	"dtrunner/pkg/logger"
	tracing "dtrunner/pkg/observability"
	"dtrunner/pkg/resilience"
	"dtrunner/pkg/sink"
	"dtrunner/pkg/storage"
	"dtrunner/pkg/storage/memory"
	"dtrunner/pkg/storage/postgres"
	redisstore "dtrunner/pkg/storage/redis"
)

const serviceName = "dtrunner"

func globalFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "log-level",
			Usage:   "Operational log level: debug, info, warn, error",
			EnvVars: []string{"LOG_LEVEL"},
			Value:   "info",
		},
		&cli.StringFlag{
			Name:    "engine",
			Usage:   "Engine executable",
			EnvVars: []string{"DT_ENGINE"},
			Value:   executor.DefaultEngine,
		},
	}
}

// env is everything a command needs, built from the environment once.
type env struct {
	cfg    *config.Config
	logger *zap.Logger

	console  sink.Sink
	ring     *sink.Ring
	out      sink.Sink
	stream   *redisstore.LogStream
	runs     storage.RunStore
	diag     storage.DiagnosticStore
	locker   coordination.Locker
	breakers []*resilience.CircuitBreaker

	closers []func() error
}

// newEnv loads configuration and connects the optional backends. Commands
// that do not need the backends pass withBackends=false.
func newEnv(c *cli.Context, withBackends bool) (*env, error) {
	cfg := config.LoadConfig()
	cfg.LogLevel = c.String("log-level")
	cfg.Engine = c.String("engine")

	l, err := logger.Init(cfg.LoggerConfig(serviceName))
	if err != nil {
		return nil, err
	}

	e := &env{
		cfg:     cfg,
		logger:  l,
		console: sink.Writer(os.Stdout),
		ring:    sink.NewRing(500),
	}
	if !withBackends {
		return e, nil
	}

	ctx := c.Context
	provider, err := tracing.Init(ctx, cfg.TracingConfig(serviceName))
	if err != nil {
		return nil, err
	}
	e.closers = append(e.closers, func() error { return provider.Shutdown(context.Background()) })

	if err := e.connect(ctx); err != nil {
		e.Close()
		return nil, err
	}
	return e, nil
}

func (e *env) connect(ctx context.Context) error {
	if err := e.connectRuns(); err != nil {
		return err
	}
	if err := e.connectEngineSupport(ctx); err != nil {
		return err
	}
	e.connectStream()
	return nil
}

func (e *env) connectRuns() error {
	if dsn := e.cfg.PostgresDSN(); dsn != "" {
		store, err := postgres.NewPostgresStore(dsn)
		if err != nil {
			return err
		}
		e.runs = store
		e.closers = append(e.closers, store.Close)
	} else {
		e.runs = memory.NewRunStore()
	}
	return nil
}

// connectEngineSupport sets up what each engine attempt touches: the
// diagnostic archive and the engine lock.
func (e *env) connectEngineSupport(ctx context.Context) error {
	cfg := e.cfg
	switch {
	case cfg.S3Bucket != "":
		store, err := storage.NewS3DiagnosticStore(ctx, storage.S3Config{
			Bucket:          cfg.S3Bucket,
			Prefix:          cfg.S3Prefix,
			Region:          cfg.S3Region,
			Endpoint:        cfg.S3Endpoint,
			AccessKeyID:     cfg.S3AccessKey,
			SecretAccessKey: cfg.S3SecretKey,
			LocalCacheDir:   cfg.DiagnosticDir,
		})
		if err != nil {
			return err
		}
		e.diag = store
	case cfg.DiagnosticDir != "":
		store, err := storage.NewLocalDiagnosticStore(cfg.DiagnosticDir)
		if err != nil {
			return err
		}
		e.diag = store
	}

	if cfg.EngineLock {
		if len(cfg.EtcdEndpoints) > 0 {
			l, err := etcd.NewLocker(cfg.EtcdEndpoints, cfg.LockTTL)
			if err != nil {
				return err
			}
			e.locker = l
			e.closers = append(e.closers, l.Close)
		} else {
			l := coordination.NewLocalLocker()
			e.locker = l
			e.closers = append(e.closers, l.Close)
		}
	}
	return nil
}

func (e *env) connectStream() {
	if addr := e.cfg.RedisAddr(); addr != "" {
		rc := redisstore.DefaultLogStreamConfig(addr)
		rc.Password = e.cfg.RedisPassword
		stream, err := redisstore.NewLogStream(rc, e.logger)
		if err != nil {
			// The stream is a best-effort mirror; runs go ahead without it.
			e.logger.Warn("redis log stream unavailable", zap.Error(err))
		} else {
			e.stream = stream
			e.breakers = append(e.breakers, stream.Breaker())
			e.closers = append(e.closers, stream.Close)
		}
	}
}

// Sink fans progress lines out to stdout, the in-memory ring and the redis
// stream when configured. It is built once, behind one lock, so every
// destination records concurrent emitters in the same order.
func (e *env) Sink() sink.Sink {
	if e.out == nil {
		sinks := []sink.Sink{e.console, e.ring}
		if e.stream != nil {
			sinks = append(sinks, e.stream)
		}
		e.out = sink.Serialized(sink.Multi(sinks...))
	}
	return e.out
}

// isolated reports whether runs go to worker processes. An explicit
// --isolated flag wins over DT_ISOLATED.
func (e *env) isolated(c *cli.Context) bool {
	if c.IsSet("isolated") {
		return c.Bool("isolated")
	}
	return e.cfg.Isolated
}

// runnerOptions configures in-process runners.
func (e *env) runnerOptions() []executor.Option {
	opts := []executor.Option{
		executor.WithEngine(e.cfg.Engine),
		executor.WithTimeout(e.cfg.Timeout),
		executor.WithSink(e.Sink()),
		executor.WithLogger(e.logger),
	}
	if e.diag != nil {
		opts = append(opts, executor.WithDiagnosticStore(e.diag))
	}
	if e.locker != nil {
		opts = append(opts, executor.WithLocker(e.locker))
	}
	return opts
}

// Dispatcher runs jobs in-process, or in worker processes when isolated.
func (e *env) Dispatcher(isolated bool) (executor.Dispatcher, error) {
	if !isolated {
		return &executor.InProcessDispatcher{Options: e.runnerOptions()}, nil
	}
	wc, err := executor.DefaultWorkerCommand()
	if err != nil {
		return nil, err
	}
	return &executor.IsolatedDispatcher{
		Command: wc,
		Engine:  e.cfg.Engine,
		Timeout: e.cfg.Timeout,
		Sink:    e.Sink(),
	}, nil
}

func (e *env) Pool(isolated bool, concurrency int) (*executor.Pool, error) {
	d, err := e.Dispatcher(isolated)
	if err != nil {
		return nil, err
	}
	if concurrency == 0 {
		concurrency = e.cfg.Concurrency
	}
	return executor.NewPool(d, e.runs, concurrency, e.logger), nil
}

func (e *env) Close() error {
	var errs []error
	for i := len(e.closers) - 1; i >= 0; i-- {
		errs = append(errs, e.closers[i]())
	}
	e.closers = nil
	return errors.Join(errs...)
}
