package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	config "dtrunner/configs"
	"dtrunner/pkg/executor"
	"dtrunner/pkg/failure"
	"dtrunner/pkg/logger"
	"dtrunner/pkg/metrics"
	"dtrunner/pkg/models"
	"dtrunner/pkg/scenario"
)

// Entry runs every scenario found in Dir whenever Schedule fires.
type Entry struct {
	Name     string
	Schedule string
	Dir      string
	Policy   models.RetryPolicy
	Priority models.Priority
	Debug    bool
	Timeout  time.Duration
	PostRun  executor.PostRunFunc
}

// Submitter runs a batch of jobs. *executor.Pool satisfies it.
type Submitter interface {
	Run(ctx context.Context, jobs []executor.Job) ([]models.InvocationResult, error)
}

type scheduled struct {
	Entry
	schedule cron.Schedule
	next     time.Time
}

type Core struct {
	entries []*scheduled
	pool    Submitter
	logger  *zap.Logger

	now   func() time.Time
	after func(time.Duration) <-chan time.Time

	mu      sync.Mutex
	running map[string]bool
	wg      sync.WaitGroup
}

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// NewCore parses every schedule up front; an invalid expression is a
// configuration error.
func NewCore(entries []Entry, pool Submitter, l *zap.Logger) (*Core, error) {
	c := &Core{
		pool:    pool,
		logger:  logger.OrGlobal(l).With(zap.String("component", "scheduler")),
		now:     time.Now,
		after:   time.After,
		running: make(map[string]bool),
	}
	for _, e := range entries {
		sched, err := parser.Parse(e.Schedule)
		if err != nil {
			return nil, failure.Configf("schedule %q has an invalid cron expression: %v", e.Name, err)
		}
		c.entries = append(c.entries, &scheduled{Entry: e, schedule: sched})
	}
	return c, nil
}

// EntriesFromFile converts the schedules of a loaded config file.
func EntriesFromFile(f *config.File) ([]Entry, error) {
	entries := make([]Entry, 0, len(f.Schedules))
	for _, s := range f.Schedules {
		policy, err := s.Retry.Policy()
		if err != nil {
			return nil, fmt.Errorf("schedule %q: %w", s.Name, err)
		}
		entries = append(entries, Entry{
			Name:     s.Name,
			Schedule: s.Schedule,
			Dir:      s.Dir,
			Policy:   policy,
			Priority: s.Priority,
			Debug:    s.Debug,
			Timeout:  s.Timeout.Duration,
		})
	}
	return entries, nil
}

// Run fires entries until ctx is cancelled, then waits for in-flight batches.
func (c *Core) Run(ctx context.Context) {
	defer c.wg.Wait()
	if len(c.entries) == 0 {
		c.logger.Warn("no schedules configured")
		<-ctx.Done()
		return
	}

	now := c.now()
	for _, e := range c.entries {
		e.next = e.schedule.Next(now)
		c.logger.Info("schedule registered",
			zap.String("entry", e.Name),
			zap.String("schedule", e.Schedule),
			zap.Time("next_run", e.next))
	}

	for {
		earliest := c.entries[0].next
		for _, e := range c.entries[1:] {
			if e.next.Before(earliest) {
				earliest = e.next
			}
		}

		select {
		case <-ctx.Done():
			c.logger.Info("scheduler shutting down")
			return
		case <-c.after(earliest.Sub(c.now())):
		}

		now := c.now()
		for _, e := range c.entries {
			if e.next.After(now) {
				continue
			}
			e.next = e.schedule.Next(now)
			c.launch(ctx, e.Entry)
		}
	}
}

// launch starts a batch unless the previous batch of the same entry is
// still running.
func (c *Core) launch(ctx context.Context, e Entry) {
	c.mu.Lock()
	if c.running[e.Name] {
		c.mu.Unlock()
		c.logger.Warn("previous batch still running; skipping", zap.String("entry", e.Name))
		return
	}
	c.running[e.Name] = true
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer func() {
			c.mu.Lock()
			delete(c.running, e.Name)
			c.mu.Unlock()
		}()
		if err := c.Fire(ctx, e); err != nil {
			c.logger.Error("scheduled batch failed", zap.String("entry", e.Name), zap.Error(err))
		}
	}()
}

// Fire runs one batch for e immediately.
func (c *Core) Fire(ctx context.Context, e Entry) error {
	paths, err := scenario.ScenariosInPath(e.Dir)
	if err != nil {
		return err
	}
	metrics.ScheduledBatches.WithLabelValues(e.Name).Inc()
	if len(paths) == 0 {
		c.logger.Info("no scenarios found", zap.String("entry", e.Name), zap.String("dir", e.Dir))
		return nil
	}

	jobs := make([]executor.Job, 0, len(paths))
	for _, p := range paths {
		jobs = append(jobs, executor.Job{
			Descriptor: models.ScenarioDescriptor{
				ScenarioPath: p,
				Priority:     e.Priority,
				Debug:        e.Debug,
			},
			Policy:  e.Policy,
			PostRun: e.PostRun,
			Timeout: e.Timeout,
		})
	}

	c.logger.Info("dispatching scheduled batch",
		zap.String("entry", e.Name),
		zap.Int("scenarios", len(jobs)))
	_, err = c.pool.Run(ctx, jobs)
	return err
}
