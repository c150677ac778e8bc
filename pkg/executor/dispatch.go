package executor

import (
	"context"
	"time"

	"dtrunner/pkg/ipc"
	"dtrunner/pkg/models"
	"dtrunner/pkg/sink"
)

// Job is one scenario submitted for execution.
type Job struct {
	Descriptor models.ScenarioDescriptor
	Policy     models.RetryPolicy
	PostRun    PostRunFunc
	// Timeout overrides the dispatcher's engine timeout when positive.
	Timeout    time.Duration
}

// Dispatcher runs a Job to completion.
type Dispatcher interface {
	Dispatch(ctx context.Context, job Job) (models.InvocationResult, error)
}

// DispatcherFunc adapts a function to Dispatcher.
type DispatcherFunc func(ctx context.Context, job Job) (models.InvocationResult, error)

func (f DispatcherFunc) Dispatch(ctx context.Context, job Job) (models.InvocationResult, error) {
	return f(ctx, job)
}

// InProcessDispatcher runs the engine from this process. Options apply to
// every runner it builds.
type InProcessDispatcher struct {
	Options []Option
}

func (d *InProcessDispatcher) Dispatch(ctx context.Context, job Job) (models.InvocationResult, error) {
	opts := append([]Option{}, d.Options...)
	opts = append(opts, WithRetryPolicy(job.Policy), WithPostRun(job.PostRun))
	if job.Timeout > 0 {
		opts = append(opts, WithTimeout(job.Timeout))
	}

	r, err := NewCommandRunner(job.Descriptor, opts...)
	if err != nil {
		return models.InvocationResult{Scenario: job.Descriptor.Name(), Outcome: models.OutcomeFatal}, err
	}
	return r.Run(ctx)
}

// IsolatedDispatcher runs each Job in its own worker process so a crashing
// or wedged engine cannot take the caller down with it.
type IsolatedDispatcher struct {
	Command WorkerCommand
	Engine  string
	Timeout time.Duration
	Sink    sink.Sink
}

func (d *IsolatedDispatcher) Dispatch(ctx context.Context, job Job) (models.InvocationResult, error) {
	req := ipc.WorkerRequest{
		Descriptor: job.Descriptor,
		Policy:     job.Policy,
		Engine:     d.Engine,
		Timeout:    d.Timeout,
	}
	if job.Timeout > 0 {
		req.Timeout = job.Timeout
	}
	return SpawnWorker(ctx, d.Command, req, d.Sink, job.PostRun)
}
