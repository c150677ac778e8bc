package executor

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"runtime"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"dtrunner/pkg/coordination"
	"dtrunner/pkg/executor/runner"
	"dtrunner/pkg/failure"
	"dtrunner/pkg/logger"
	"dtrunner/pkg/metrics"
	"dtrunner/pkg/models"
	tracing "dtrunner/pkg/observability"
	"dtrunner/pkg/sink"
	"dtrunner/pkg/storage"
)

const (
	// DefaultEngine is the engine executable looked up on PATH.
	DefaultEngine = "demandtools"

	// CommandPrefix marks progress lines emitted by a CommandRunner.
	CommandPrefix = "DTCmd>>> "
)

// PostRunFunc is called once after a clean engine exit. Arguments the caller
// wants passed along are captured by the closure.
type PostRunFunc func(ctx context.Context, result models.InvocationResult) error

// Option configures a CommandRunner.
type Option func(*CommandRunner)

func WithRetryPolicy(p models.RetryPolicy) Option {
	return func(c *CommandRunner) { c.policy = p }
}

func WithPostRun(fn PostRunFunc) Option {
	return func(c *CommandRunner) { c.postRun = fn }
}

func WithSink(s sink.Sink) Option {
	return func(c *CommandRunner) { c.sink = sink.OrDiscard(s) }
}

func WithEngine(name string) Option {
	return func(c *CommandRunner) {
		if name != "" {
			c.engine = name
		}
	}
}

func WithProcessRunner(r runner.ProcessRunner) Option {
	return func(c *CommandRunner) { c.procs = r }
}

func WithPrioritizer(p Prioritizer) Option {
	return func(c *CommandRunner) { c.prio = p }
}

// WithTimeout bounds each engine process. Zero waits forever.
func WithTimeout(d time.Duration) Option {
	return func(c *CommandRunner) { c.timeout = d }
}

func WithDiagnosticStore(s storage.DiagnosticStore) Option {
	return func(c *CommandRunner) { c.diagnostics = s }
}

// WithLocker holds the engine storage lock while each engine process runs.
func WithLocker(l coordination.Locker) Option {
	return func(c *CommandRunner) { c.locker = l }
}

func WithLogger(l *zap.Logger) Option {
	return func(c *CommandRunner) { c.logger = l }
}

func WithTracer(t trace.Tracer) Option {
	return func(c *CommandRunner) { c.tracer = t }
}

// CommandRunner drives one scenario through the engine, retrying classified
// failures its RetryPolicy covers. The retry counter lives on the runner, so
// repeated Run calls share one budget. Run must not be called concurrently.
//
// The engine's support for concurrent instances is unreliable: parallel runs
// can corrupt each other's local storage. The only signal is the diagnostic
// text, which is why DBAccessCollision exists and is usually worth retrying.
type CommandRunner struct {
	desc    models.ScenarioDescriptor
	kind    models.ScenarioKind
	name    string
	policy  models.RetryPolicy
	postRun PostRunFunc
	engine  string
	timeout time.Duration

	sink        sink.Sink
	procs       runner.ProcessRunner
	prio        Prioritizer
	diagnostics storage.DiagnosticStore
	locker      coordination.Locker
	logger      *zap.Logger
	tracer      trace.Tracer

	retried int
}

// NewCommandRunner validates everything it can before any process exists.
func NewCommandRunner(desc models.ScenarioDescriptor, opts ...Option) (*CommandRunner, error) {
	if err := desc.Validate(); err != nil {
		return nil, err
	}

	c := &CommandRunner{
		desc:   desc,
		kind:   desc.Kind(),
		name:   desc.Name(),
		engine: DefaultEngine,
		sink:   sink.Discard,
	}
	for _, opt := range opts {
		opt(c)
	}

	if err := c.policy.Validate(); err != nil {
		return nil, err
	}

	c.logger = logger.ForScenario(c.logger, c.name, string(c.kind))
	if c.procs == nil {
		c.procs = runner.NewExecRunner()
	}
	if c.prio == nil {
		c.prio = NewOSPrioritizer(c.logger)
	}
	if c.tracer == nil {
		c.tracer = tracing.Tracer()
	}
	return c, nil
}

func (c *CommandRunner) Name() string                          { return c.name }
func (c *CommandRunner) Kind() models.ScenarioKind             { return c.kind }
func (c *CommandRunner) Descriptor() models.ScenarioDescriptor { return c.desc }
func (c *CommandRunner) Policy() models.RetryPolicy            { return c.policy }
func (c *CommandRunner) Retries() int                          { return c.retried }

// Args is the argv the engine is launched with.
func (c *CommandRunner) Args() []string {
	return c.desc.Args(c.engine)
}

func (c *CommandRunner) emit(msg string) {
	c.sink.Emit(CommandPrefix + msg)
}

// Run launches the engine until it exits cleanly, fails with a category the
// policy does not cover, or the retry budget is spent.
func (c *CommandRunner) Run(ctx context.Context) (models.InvocationResult, error) {
	res := models.InvocationResult{
		ID:        uuid.New(),
		Scenario:  c.name,
		Kind:      c.kind,
		StartedAt: time.Now(),
	}
	log := c.logger.With(zap.String("invocation_id", res.ID.String()))

	for {
		res.Attempts++
		diagnostic, err := c.attemptOnThread(ctx, &res, log)
		if err != nil {
			res.Outcome = models.OutcomeFatal
			if category, ok := failure.CategoryOf(err); ok {
				res.Outcome = models.OutcomeFailed
				res.Category = category
			}
			return c.finish(res, log), c.annotate(err)
		}
		if diagnostic == "" {
			break
		}

		category := failure.Classify(diagnostic)
		metrics.FailuresTotal.WithLabelValues(string(category)).Inc()
		res.Category = category
		res.Diagnostic = diagnostic
		res.DiagnosticRef = c.archive(ctx, res, diagnostic, log)

		if c.policy.Covers(category) && c.retried < c.policy.MaxRetries {
			c.retried++
			metrics.RetriesTotal.WithLabelValues(string(category)).Inc()
			log.Warn("retrying classified engine failure",
				zap.String("category", string(category)),
				zap.Int("retry", c.retried),
				zap.Int("max_retries", c.policy.MaxRetries))
			c.emit(fmt.Sprintf("encountered %s which was specified as a retry error. Retrying (retry %d/%d) - %s",
				category, c.retried, c.policy.MaxRetries, c.name))
			continue
		}

		res.Outcome = models.OutcomeFailed
		return c.finish(res, log), c.annotate(&failure.EngineError{Category: category, Diagnostic: diagnostic})
	}

	res.Outcome = models.OutcomeSuccess
	res.Category = ""
	res.Diagnostic = ""
	res = c.finish(res, log)
	c.emit(fmt.Sprintf("%s is done processing %s", c.engine, c.name))

	if c.postRun != nil {
		if err := c.postRun(ctx, res); err != nil {
			return res, err
		}
	}
	return res, nil
}

func (c *CommandRunner) finish(res models.InvocationResult, log *zap.Logger) models.InvocationResult {
	res.Retries = c.retried
	res.Duration = time.Since(res.StartedAt)
	metrics.RecordInvocation(string(c.kind), string(res.Outcome))
	log.Info("invocation finished",
		zap.String("outcome", string(res.Outcome)),
		zap.Int("attempts", res.Attempts),
		zap.Int("retries", res.Retries),
		zap.Duration("duration", res.Duration))
	return res
}

// attemptOnThread runs attempt on a goroutine bound to its own OS thread.
// Linux niceness is per thread and the child inherits the forking thread's
// value. The goroutine exits without unlocking, so the runtime retires the
// thread instead of handing its lowered priority to other goroutines.
func (c *CommandRunner) attemptOnThread(ctx context.Context, res *models.InvocationResult, log *zap.Logger) (string, error) {
	type outcome struct {
		diagnostic string
		err        error
	}
	done := make(chan outcome, 1)
	go func() {
		runtime.LockOSThread()
		diagnostic, err := c.attempt(ctx, res, log)
		done <- outcome{diagnostic, err}
	}()
	o := <-done
	return o.diagnostic, o.err
}

// attempt runs one engine process and returns its diagnostic stream.
// A non-nil error means no retry is possible.
func (c *CommandRunner) attempt(ctx context.Context, res *models.InvocationResult, log *zap.Logger) (string, error) {
	if err := c.prio.SetPriority(c.desc.Priority); err != nil {
		if !failure.IsFatal(err) {
			err = &failure.FatalError{Op: "set process priority", Err: err}
		}
		return "", err
	}

	if c.desc.InputFile != "" {
		if _, err := os.Stat(c.desc.InputFile); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return "", &failure.EngineError{
					Category:   failure.InputFileMissing,
					Diagnostic: c.desc.InputFile + " does not exist",
				}
			}
			return "", &failure.FatalError{Op: "check input file", Err: err}
		}
	}

	c.emit(fmt.Sprintf("sending %s scenario '%s' to %s", c.kind, c.name, c.engine))
	argv := c.Args()
	if c.desc.Debug {
		c.emit(fmt.Sprintf("%q", argv))
	}

	ctx, span := c.tracer.Start(ctx, "engine.attempt", trace.WithAttributes(
		attribute.String("scenario", c.name),
		attribute.String("kind", string(c.kind)),
		attribute.Int("attempt", res.Attempts),
	))
	defer span.End()

	if c.locker != nil {
		unlock, err := c.locker.Lock(ctx, coordination.EngineStorageKey)
		if err != nil {
			return "", fmt.Errorf("waiting for engine lock: %w", err)
		}
		defer func() {
			if err := unlock(context.Background()); err != nil {
				log.Warn("failed to release engine lock", zap.Error(err))
			}
		}()
	}

	runCtx := ctx
	if c.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	metrics.RunningProcesses.Inc()
	result := c.procs.Run(runCtx, argv, runner.Options{ShowWindow: c.desc.Debug})
	metrics.RunningProcesses.Dec()
	metrics.RecordAttempt(string(c.kind), result.Duration.Seconds())

	res.ExitCode = result.ExitCode
	res.PID = result.PID
	span.SetAttributes(
		attribute.Int("exit_code", result.ExitCode),
		attribute.Int("pid", result.PID),
	)

	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("engine run cancelled: %w", err)
	}
	if !result.Started() {
		err := &failure.FatalError{Op: "start " + c.engine, Err: result.Error}
		tracing.SetError(ctx, err)
		return "", err
	}
	if err := runCtx.Err(); err != nil {
		return "", &failure.FatalError{Op: fmt.Sprintf("engine exceeded timeout of %s", c.timeout), Err: err}
	}

	if result.Stderr == "" && result.ExitCode != 0 {
		log.Warn("engine exited non-zero without diagnostics; treating as success",
			zap.Int("exit_code", result.ExitCode))
	}
	if result.Stderr != "" {
		span.SetAttributes(attribute.Bool("diagnostic", true))
	}
	log.Debug("engine process exited",
		zap.Int("pid", result.PID),
		zap.Int("exit_code", result.ExitCode),
		zap.Strings("argv", argv),
		zap.Duration("duration", result.Duration))

	return result.Stderr, nil
}

func (c *CommandRunner) archive(ctx context.Context, res models.InvocationResult, diagnostic string, log *zap.Logger) string {
	if c.diagnostics == nil {
		return ""
	}
	ref, err := c.diagnostics.Store(ctx, res.ID.String(), res.Attempts, []byte(diagnostic))
	if err != nil {
		log.Warn("failed to archive engine diagnostic", zap.Error(err))
		return ""
	}
	return ref
}

// annotate tags err with this process's identity.
func (c *CommandRunner) annotate(err error) error {
	return &failure.ProcessError{Process: c.name, PID: os.Getpid(), Err: err}
}
