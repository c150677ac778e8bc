package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"

	"go.uber.org/zap"

	"dtrunner/pkg/failure"
	"dtrunner/pkg/ipc"
	"dtrunner/pkg/logger"
	"dtrunner/pkg/metrics"
	"dtrunner/pkg/models"
	"dtrunner/pkg/sink"
)

// WorkerSubcommand is the CLI subcommand that serves one WorkerRequest.
const WorkerSubcommand = "worker"

// WorkerGracePeriod is how long a cancelled worker has to stop its engine
// and report before it is killed.
var WorkerGracePeriod = 10 * time.Second

// WorkerCommand describes how to start a worker process.
type WorkerCommand struct {
	Path string
	Args []string
	// Env is appended to the parent's environment.
	Env []string
}

// DefaultWorkerCommand re-executes the current binary as a worker.
func DefaultWorkerCommand() (WorkerCommand, error) {
	exe, err := os.Executable()
	if err != nil {
		return WorkerCommand{}, &failure.FatalError{Op: "locate own executable", Err: err}
	}
	return WorkerCommand{Path: exe, Args: []string{WorkerSubcommand}}, nil
}

// SpawnWorker runs req in a separate worker process. Progress lines arrive on
// s as the child emits them. postRun runs here, in the parent, after a clean
// engine exit.
func SpawnWorker(ctx context.Context, wc WorkerCommand, req ipc.WorkerRequest, s sink.Sink, postRun PostRunFunc) (models.InvocationResult, error) {
	if err := req.Descriptor.Validate(); err != nil {
		return models.InvocationResult{}, err
	}
	if err := req.Policy.Validate(); err != nil {
		return models.InvocationResult{}, err
	}
	s = sink.OrDiscard(s)

	cmd := exec.CommandContext(ctx, wc.Path, wc.Args...)
	// The engine runs in its own process group, so the worker must be
	// asked to stop rather than killed outright.
	cmd.Cancel = func() error { return interruptProcess(cmd.Process) }
	cmd.WaitDelay = WorkerGracePeriod
	cmd.Stderr = os.Stderr
	if len(wc.Env) > 0 {
		cmd.Env = append(os.Environ(), wc.Env...)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return models.InvocationResult{}, &failure.FatalError{Op: "open worker stdin", Err: err}
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return models.InvocationResult{}, &failure.FatalError{Op: "open worker stdout", Err: err}
	}
	if err := cmd.Start(); err != nil {
		return models.InvocationResult{}, &failure.FatalError{Op: "start worker", Err: err}
	}
	metrics.WorkersSpawned.Inc()
	pid := cmd.Process.Pid

	encErr := ipc.NewFrameEncoder(stdin).Encode(req)
	stdin.Close()

	frame, streamErr := ReadWorkerStream(stdout, s)
	// Drain so Wait is not blocked on a child still writing.
	_, _ = io.Copy(io.Discard, stdout)
	waitErr := cmd.Wait()

	if streamErr != nil {
		switch {
		case ctx.Err() != nil:
			streamErr = fmt.Errorf("worker cancelled: %w", ctx.Err())
		case encErr != nil:
			streamErr = &failure.FatalError{Op: "send worker request", Err: encErr}
		case waitErr != nil:
			streamErr = &failure.FatalError{Op: "worker exited", Err: waitErr}
		default:
			streamErr = &failure.FatalError{Op: "read worker result", Err: streamErr}
		}
		return models.InvocationResult{PID: pid}, &failure.ProcessError{Process: WorkerSubcommand, PID: pid, Err: streamErr}
	}

	res := frame.Result
	if err := frame.Error.Err(); err != nil {
		var procErr *failure.ProcessError
		if !errors.As(err, &procErr) {
			err = &failure.ProcessError{Process: res.Scenario, PID: pid, Err: err}
		}
		return res, err
	}

	if postRun != nil {
		if err := postRun(ctx, res); err != nil {
			return res, err
		}
	}
	return res, nil
}

// ReadWorkerStream forwards line frames to s until the result frame arrives.
func ReadWorkerStream(r io.Reader, s sink.Sink) (ipc.ResultFrame, error) {
	dec := ipc.NewFrameDecoder(r)
	for {
		payload, err := dec.ReadFrame()
		if err == io.EOF {
			return ipc.ResultFrame{}, errors.New("worker exited without a result")
		}
		if err != nil {
			return ipc.ResultFrame{}, err
		}

		typ, err := ipc.PeekType(payload)
		if err != nil {
			return ipc.ResultFrame{}, err
		}
		switch typ {
		case ipc.LineType:
			var lf ipc.LineFrame
			if err := ipc.Unmarshal(payload, &lf); err != nil {
				return ipc.ResultFrame{}, err
			}
			s.Emit(lf.Line)
		case ipc.ResultType:
			var rf ipc.ResultFrame
			if err := ipc.Unmarshal(payload, &rf); err != nil {
				return ipc.ResultFrame{}, err
			}
			return rf, nil
		default:
			return ipc.ResultFrame{}, fmt.Errorf("unexpected worker frame type %q", typ)
		}
	}
}

// ServeWorker is the child half of SpawnWorker: read one request from in,
// run it, stream lines and the result to out. Runner failures travel in the
// result frame; only protocol failures are returned.
func ServeWorker(ctx context.Context, in io.Reader, out io.Writer, opts ...Option) error {
	var req ipc.WorkerRequest
	if err := ipc.NewFrameDecoder(in).Decode(&req); err != nil {
		return fmt.Errorf("failed to read worker request: %w", err)
	}

	enc := ipc.NewFrameEncoder(out)
	log := logger.Get()
	lines := sink.Func(func(line string) {
		if err := enc.Encode(ipc.NewLineFrame(line)); err != nil {
			log.Warn("failed to forward line to parent", zap.Error(err))
		}
	})

	opts = append(opts,
		WithRetryPolicy(req.Policy),
		WithEngine(req.Engine),
		WithTimeout(req.Timeout),
		WithSink(lines),
	)

	var res models.InvocationResult
	runner, err := NewCommandRunner(req.Descriptor, opts...)
	if err == nil {
		res, err = runner.Run(ctx)
	} else {
		res = models.InvocationResult{Scenario: req.Descriptor.Name(), Outcome: models.OutcomeFatal}
	}

	if encErr := enc.Encode(ipc.NewResultFrame(res, err)); encErr != nil {
		return fmt.Errorf("failed to send worker result: %w", encErr)
	}
	return nil
}
