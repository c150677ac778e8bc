package executor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dtrunner/pkg/coordination"
	"dtrunner/pkg/executor/runner"
	"dtrunner/pkg/failure"
	"dtrunner/pkg/models"
	"dtrunner/pkg/sink"
)

const (
	collisionText = "The process cannot access the file because it is being used by another process."
	nullRefText   = "Object reference not set to an instance of an object."
)

// scriptedRunner returns the queued diagnostics in order, then succeeds.
type scriptedRunner struct {
	mu        sync.Mutex
	stderr    []string
	calls     [][]string
	opts      []runner.Options
	notStart  bool
	blockTill bool
}

func (r *scriptedRunner) Run(ctx context.Context, argv []string, opts runner.Options) runner.Result {
	r.mu.Lock()
	r.calls = append(r.calls, argv)
	r.opts = append(r.opts, opts)
	n := len(r.calls)
	var stderr string
	if len(r.stderr) > 0 {
		stderr, r.stderr = r.stderr[0], r.stderr[1:]
	}
	r.mu.Unlock()

	if r.notStart {
		return runner.Result{ExitCode: -1, Error: errors.New("exec: \"demandtools\": executable file not found in $PATH")}
	}
	if r.blockTill {
		<-ctx.Done()
		return runner.Result{ExitCode: -1, PID: 1000 + n, Error: ctx.Err()}
	}
	exit := 0
	if stderr != "" {
		exit = 1
	}
	return runner.Result{ExitCode: exit, PID: 1000 + n, Stderr: stderr}
}

func (r *scriptedRunner) Calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

var noopPriority = PrioritizerFunc(func(models.Priority) error { return nil })

func newTestRunner(t *testing.T, desc models.ScenarioDescriptor, procs runner.ProcessRunner, opts ...Option) (*CommandRunner, *sink.Ring) {
	t.Helper()
	ring := sink.NewRing(100)
	base := []Option{
		WithProcessRunner(procs),
		WithPrioritizer(noopPriority),
		WithSink(ring),
	}
	c, err := NewCommandRunner(desc, append(base, opts...)...)
	require.NoError(t, err)
	return c, ring
}

func dedupe() models.ScenarioDescriptor {
	return models.ScenarioDescriptor{ScenarioPath: "/scenarios/Accounts.STDxml"}
}

func TestCommandRunner_Success(t *testing.T) {
	procs := &scriptedRunner{}
	c, ring := newTestRunner(t, dedupe(), procs)

	res, err := c.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, models.OutcomeSuccess, res.Outcome)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, 0, res.Retries)
	assert.Equal(t, "Accounts", res.Scenario)
	assert.Equal(t, models.KindDedupe, res.Kind)
	assert.Equal(t, [][]string{{"demandtools", "/scenarios/Accounts.STDxml"}}, procs.calls)
	assert.Equal(t, []string{
		"DTCmd>>> sending dedupe scenario 'Accounts' to demandtools",
		"DTCmd>>> demandtools is done processing Accounts",
	}, ring.Lines())
}

func TestCommandRunner_RetriesThenSucceeds(t *testing.T) {
	procs := &scriptedRunner{stderr: []string{collisionText, collisionText}}
	var callbacks []models.InvocationResult
	c, ring := newTestRunner(t, dedupe(), procs,
		WithRetryPolicy(models.RetryPolicy{
			Categories: []failure.Category{failure.DBAccessCollision},
			MaxRetries: 3,
		}),
		WithPostRun(func(_ context.Context, r models.InvocationResult) error {
			callbacks = append(callbacks, r)
			return nil
		}),
	)

	res, err := c.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 3, procs.Calls())
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, 2, res.Retries)
	assert.Equal(t, 2, c.Retries())
	require.Len(t, callbacks, 1)
	assert.Equal(t, models.OutcomeSuccess, callbacks[0].Outcome)

	var retryLines int
	for _, l := range ring.Lines() {
		if strings.Contains(l, "which was specified as a retry error") {
			retryLines++
		}
	}
	assert.Equal(t, 2, retryLines)
	assert.Contains(t, ring.Lines(),
		"DTCmd>>> encountered DBAccessCollision which was specified as a retry error. Retrying (retry 1/3) - Accounts")
}

func TestCommandRunner_ExhaustsRetryBudget(t *testing.T) {
	procs := &scriptedRunner{stderr: []string{collisionText, collisionText, collisionText, collisionText}}
	called := false
	c, _ := newTestRunner(t, dedupe(), procs,
		WithRetryPolicy(models.RetryPolicy{
			Categories: []failure.Category{failure.DBAccessCollision},
			MaxRetries: 2,
		}),
		WithPostRun(func(context.Context, models.InvocationResult) error {
			called = true
			return nil
		}),
	)

	res, err := c.Run(context.Background())
	require.Error(t, err)

	assert.Equal(t, 3, procs.Calls(), "max retries + 1 launches")
	assert.False(t, called)
	assert.Equal(t, models.OutcomeFailed, res.Outcome)
	assert.Equal(t, failure.DBAccessCollision, res.Category)
	assert.True(t, errors.Is(err, failure.ErrDBAccessCollision))

	var engineErr *failure.EngineError
	require.ErrorAs(t, err, &engineErr)
	assert.Equal(t, collisionText, engineErr.Diagnostic)
}

func TestCommandRunner_UncoveredCategoryFailsImmediately(t *testing.T) {
	procs := &scriptedRunner{stderr: []string{nullRefText}}
	c, _ := newTestRunner(t, dedupe(), procs,
		WithRetryPolicy(models.RetryPolicy{
			Categories: []failure.Category{failure.DBAccessCollision},
			MaxRetries: 5,
		}),
	)

	res, err := c.Run(context.Background())
	require.Error(t, err)

	assert.Equal(t, 1, procs.Calls())
	assert.Equal(t, failure.ObjectReferenceFault, res.Category)
	assert.True(t, errors.Is(err, failure.ErrObjectReference))
}

func TestCommandRunner_GenericFailureWithoutPolicy(t *testing.T) {
	procs := &scriptedRunner{stderr: []string{"something else went wrong"}}
	c, _ := newTestRunner(t, dedupe(), procs)

	_, err := c.Run(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, failure.ErrCommandFailure))
	assert.Equal(t, 1, procs.Calls())
}

func TestCommandRunner_ErrorsAreAnnotated(t *testing.T) {
	procs := &scriptedRunner{stderr: []string{nullRefText}}
	c, _ := newTestRunner(t, dedupe(), procs)

	_, err := c.Run(context.Background())

	var procErr *failure.ProcessError
	require.ErrorAs(t, err, &procErr)
	assert.Equal(t, "Accounts", procErr.Process)
	assert.Equal(t, os.Getpid(), procErr.PID)
	assert.Contains(t, err.Error(), "Accounts process (pid ")
}

func TestCommandRunner_MissingInputFileNeverLaunches(t *testing.T) {
	desc := dedupe()
	desc.InputFile = filepath.Join(t.TempDir(), "missing.csv")
	procs := &scriptedRunner{}
	c, ring := newTestRunner(t, desc, procs,
		WithRetryPolicy(models.RetryPolicy{
			Categories: []failure.Category{failure.InputFileMissing},
			MaxRetries: 3,
		}),
	)

	res, err := c.Run(context.Background())
	require.Error(t, err)

	assert.Equal(t, 0, procs.Calls())
	assert.Empty(t, ring.Lines())
	assert.True(t, errors.Is(err, failure.ErrInputFileMissing))
	assert.Equal(t, models.OutcomeFailed, res.Outcome)
	assert.Contains(t, err.Error(), "missing.csv")
}

func TestCommandRunner_InputAndOutputInArgv(t *testing.T) {
	input := filepath.Join(t.TempDir(), "in.csv")
	require.NoError(t, os.WriteFile(input, []byte("Id\n"), 0o644))

	desc := models.ScenarioDescriptor{
		ScenarioPath: "/scenarios/Contacts.MExml",
		InputFile:    input,
		OutputFile:   "/out/result.csv",
		ExtraArgs:    []string{"--flag"},
		Debug:        true,
	}
	procs := &scriptedRunner{}
	c, ring := newTestRunner(t, desc, procs, WithEngine("dt.exe"))

	_, err := c.Run(context.Background())
	require.NoError(t, err)

	require.Len(t, procs.calls, 1)
	assert.Equal(t, []string{"dt.exe", "/scenarios/Contacts.MExml", input, "/out/result.csv", "--flag"}, procs.calls[0])
	assert.True(t, procs.opts[0].ShowWindow)
	assert.Len(t, ring.Lines(), 3, "debug mode also echoes argv")
}

func TestCommandRunner_PriorityFailureIsFatal(t *testing.T) {
	procs := &scriptedRunner{}
	c, err := NewCommandRunner(dedupe(),
		WithProcessRunner(procs),
		WithPrioritizer(PrioritizerFunc(func(models.Priority) error {
			return errors.New("permission denied")
		})),
	)
	require.NoError(t, err)

	res, err := c.Run(context.Background())
	require.Error(t, err)

	assert.True(t, failure.IsFatal(err))
	assert.Equal(t, models.OutcomeFatal, res.Outcome)
	assert.Equal(t, 0, procs.Calls())
}

func TestCommandRunner_PriorityPassedThrough(t *testing.T) {
	var got []models.Priority
	desc := dedupe()
	desc.Priority = models.PriorityBelowNormal

	c, err := NewCommandRunner(desc,
		WithProcessRunner(&scriptedRunner{}),
		WithPrioritizer(PrioritizerFunc(func(p models.Priority) error {
			got = append(got, p)
			return nil
		})),
	)
	require.NoError(t, err)

	_, err = c.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []models.Priority{models.PriorityBelowNormal}, got)
}

func TestCommandRunner_LaunchFailureIsFatal(t *testing.T) {
	procs := &scriptedRunner{notStart: true}
	c, _ := newTestRunner(t, dedupe(), procs)

	res, err := c.Run(context.Background())
	require.Error(t, err)
	assert.True(t, failure.IsFatal(err))
	assert.Equal(t, models.OutcomeFatal, res.Outcome)
	assert.Equal(t, 1, procs.Calls())
}

func TestCommandRunner_CancelledBeforeLaunch(t *testing.T) {
	procs := &scriptedRunner{notStart: true}
	c, _ := newTestRunner(t, dedupe(), procs)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.Run(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.False(t, failure.IsFatal(err), "cancellation is not a launch failure")
	assert.Contains(t, err.Error(), "engine run cancelled")
}

func TestCommandRunner_CallbackErrorPropagates(t *testing.T) {
	sentinel := errors.New("callback failed")
	c, _ := newTestRunner(t, dedupe(), &scriptedRunner{},
		WithPostRun(func(context.Context, models.InvocationResult) error { return sentinel }),
	)

	res, err := c.Run(context.Background())
	assert.Same(t, sentinel, err)
	assert.Equal(t, models.OutcomeSuccess, res.Outcome)
}

func TestCommandRunner_Timeout(t *testing.T) {
	procs := &scriptedRunner{blockTill: true}
	c, _ := newTestRunner(t, dedupe(), procs, WithTimeout(20*time.Millisecond))

	_, err := c.Run(context.Background())
	require.Error(t, err)
	assert.True(t, failure.IsFatal(err))
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestCommandRunner_Cancelled(t *testing.T) {
	procs := &scriptedRunner{blockTill: true}
	c, _ := newTestRunner(t, dedupe(), procs)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(10*time.Millisecond, cancel)

	_, err := c.Run(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestCommandRunner_HoldsEngineLock(t *testing.T) {
	locker := coordination.NewLocalLocker()
	unlock, err := locker.Lock(context.Background(), coordination.EngineStorageKey)
	require.NoError(t, err)

	procs := &scriptedRunner{}
	c, _ := newTestRunner(t, dedupe(), procs, WithLocker(locker))

	done := make(chan error, 1)
	go func() {
		_, err := c.Run(context.Background())
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, procs.Calls(), "engine must wait for the lock")

	require.NoError(t, unlock(context.Background()))
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("runner never acquired the lock")
	}
	assert.Equal(t, 1, procs.Calls())
}

type memDiagnostics struct {
	stored map[string]string
}

func (m *memDiagnostics) Store(_ context.Context, id string, attempt int, diagnostic []byte) (string, error) {
	ref := fmt.Sprintf("%s/%d", id, attempt)
	m.stored[ref] = string(diagnostic)
	return ref, nil
}

func (m *memDiagnostics) Retrieve(_ context.Context, ref string) ([]byte, error) {
	return []byte(m.stored[ref]), nil
}

func TestCommandRunner_ArchivesDiagnostics(t *testing.T) {
	store := &memDiagnostics{stored: map[string]string{}}
	c, _ := newTestRunner(t, dedupe(), &scriptedRunner{stderr: []string{nullRefText}},
		WithDiagnosticStore(store))

	res, err := c.Run(context.Background())
	require.Error(t, err)
	require.NotEmpty(t, res.DiagnosticRef)
	assert.Equal(t, nullRefText, store.stored[res.DiagnosticRef])
}

func TestNewCommandRunner_Validation(t *testing.T) {
	tests := []struct {
		name   string
		desc   models.ScenarioDescriptor
		policy models.RetryPolicy
	}{
		{"unsupported extension", models.ScenarioDescriptor{ScenarioPath: "a.xml"}, models.RetryPolicy{}},
		{"empty path", models.ScenarioDescriptor{}, models.RetryPolicy{}},
		{"unknown category", dedupe(), models.RetryPolicy{Categories: []failure.Category{"Nope"}, MaxRetries: 1}},
		{"categories without count", dedupe(), models.RetryPolicy{Categories: []failure.Category{failure.DBAccessCollision}}},
		{"count without categories", dedupe(), models.RetryPolicy{MaxRetries: 2}},
		{"bad priority", models.ScenarioDescriptor{ScenarioPath: "a.BBxml", Priority: "realtime"}, models.RetryPolicy{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			procs := &scriptedRunner{}
			_, err := NewCommandRunner(tt.desc, WithRetryPolicy(tt.policy), WithProcessRunner(procs))
			require.Error(t, err)
			assert.True(t, failure.IsConfiguration(err))
			assert.Equal(t, 0, procs.Calls())
		})
	}
}

func TestCommandRunner_Accessors(t *testing.T) {
	c, _ := newTestRunner(t, models.ScenarioDescriptor{ScenarioPath: "/x/Backup.BBxml"}, &scriptedRunner{})
	assert.Equal(t, "Backup", c.Name())
	assert.Equal(t, models.KindBulkBackup, c.Kind())
	assert.Equal(t, []string{"demandtools", "/x/Backup.BBxml"}, c.Args())
	assert.Equal(t, 0, c.Retries())
}
