package executor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"
	"sync"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v3/cpu"
	"go.uber.org/zap"

	"dtrunner/pkg/logger"
	"dtrunner/pkg/models"
	"dtrunner/pkg/storage"
)

// Pool runs jobs with bounded concurrency and records every result.
type Pool struct {
	ID          string
	Concurrency int

	dispatcher Dispatcher
	runs       storage.RunStore
	logger     *zap.Logger
	sem        chan struct{}
}

// NewPool creates a pool. concurrency <= 0 means one slot per logical CPU.
// runs may be nil.
func NewPool(d Dispatcher, runs storage.RunStore, concurrency int, l *zap.Logger) *Pool {
	hostname, _ := os.Hostname()
	l = logger.OrGlobal(l)
	if concurrency <= 0 {
		concurrency = detectConcurrency(l)
	}
	return &Pool{
		ID:          fmt.Sprintf("%s-%s", hostname, uuid.New().String()[:8]),
		Concurrency: concurrency,
		dispatcher:  d,
		runs:        runs,
		logger:      l,
		sem:         make(chan struct{}, concurrency),
	}
}

func detectConcurrency(l *zap.Logger) int {
	n, err := cpu.Counts(true)
	if err != nil || n <= 0 {
		l.Warn("failed to detect logical CPUs; falling back to runtime.NumCPU", zap.Error(err))
		return runtime.NumCPU()
	}
	return n
}

// Submit runs one job once a slot is free.
func (p *Pool) Submit(ctx context.Context, job Job) (models.InvocationResult, error) {
	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return models.InvocationResult{Scenario: job.Descriptor.Name()}, ctx.Err()
	}
	defer func() { <-p.sem }()

	res, err := p.dispatcher.Dispatch(ctx, job)
	p.record(ctx, job, res, err)
	return res, err
}

// Run executes jobs concurrently. Results keep the order of jobs; the error
// joins every failed job's error, prefixed with its scenario name.
func (p *Pool) Run(ctx context.Context, jobs []Job) ([]models.InvocationResult, error) {
	p.logger.Info("running scenario batch",
		zap.String("pool_id", p.ID),
		zap.Int("jobs", len(jobs)),
		zap.Int("concurrency", p.Concurrency))

	results := make([]models.InvocationResult, len(jobs))
	errs := make([]error, len(jobs))

	var wg sync.WaitGroup
	for i, job := range jobs {
		wg.Add(1)
		go func(i int, job Job) {
			defer wg.Done()
			res, err := p.Submit(ctx, job)
			results[i] = res
			if err != nil {
				errs[i] = fmt.Errorf("%s: %w", job.Descriptor.Name(), err)
			}
		}(i, job)
	}
	wg.Wait()

	return results, errors.Join(errs...)
}

func (p *Pool) record(ctx context.Context, job Job, res models.InvocationResult, runErr error) {
	if runErr != nil {
		p.logger.Warn("scenario failed",
			zap.String("scenario", job.Descriptor.Name()),
			zap.Error(runErr))
	}
	if p.runs == nil {
		return
	}
	rec := models.NewRunRecord(job.Descriptor, res, runErr)
	// Record cancelled runs too.
	if err := p.runs.CreateRun(context.WithoutCancel(ctx), rec); err != nil {
		p.logger.Warn("failed to record run", zap.String("scenario", rec.Scenario), zap.Error(err))
	}
}
