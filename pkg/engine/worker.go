package engine

import (
	"context"
	"sync"
	"time"

	"github.com/srxops/srxops/pkg/telemetry"
)

// PoolConfig configures a worker pool.
type PoolConfig struct {
	// MaxConcurrent is the number of jobs executed at once.
	MaxConcurrent int

	// Queues limits the pool to the given queues. Empty means all.
	Queues []Queue

	// PollInterval is the pause between claims when no job is pending.
	PollInterval time.Duration
}

// Pool claims pending jobs from the store and executes them through a Runner.
// A job is claimed only when a slot is free, so at most one job per slot is
// ever taken off the queue.
type Pool struct {
	runner *Runner
	jobs   JobStore
	cfg    PoolConfig
	types  []JobType
	clock  Clock
	logger *telemetry.Logger

	wg sync.WaitGroup
}

// NewPool creates a worker pool.
func NewPool(runner *Runner, jobs JobStore, cfg PoolConfig) *Pool {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 5
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}

	queues := make([]string, 0, len(cfg.Queues))
	for _, q := range cfg.Queues {
		queues = append(queues, string(q))
	}

	return &Pool{
		runner: runner,
		jobs:   jobs,
		cfg:    cfg,
		types:  JobTypesFor(cfg.Queues),
		clock:  runner.clock,
		logger: runner.tel.Logger.NewComponentLogger("worker").WithField("queues", queues),
	}
}

// Run claims and executes jobs until ctx is done, then waits for in-flight
// jobs to reach a terminal status. In-flight jobs are not cancelled by ctx;
// they are bounded by the runner's hard budget.
func (p *Pool) Run(ctx context.Context) error {
	slots := make(chan struct{}, p.cfg.MaxConcurrent)
	jobCtx := context.WithoutCancel(ctx)

	p.logger.WithField("max_concurrent", p.cfg.MaxConcurrent).Info("worker pool started")
	defer func() {
		p.logger.Info("waiting for in-flight jobs")
		p.wg.Wait()
		p.logger.Info("worker pool stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case slots <- struct{}{}:
		}

		job, err := p.jobs.ClaimNextJob(ctx, p.types)
		if err != nil || job == nil {
			<-slots
			if err != nil && ctx.Err() == nil {
				p.logger.WithError(err).Error("failed to claim job")
			}
			if err := p.clock.Sleep(ctx, p.cfg.PollInterval); err != nil {
				return nil
			}
			continue
		}

		p.logger.WithJobID(job.ID).
			WithField("job_type", string(job.Type)).
			WithField("device_id", job.DeviceID).
			Info("job claimed")

		p.wg.Add(1)
		go func(job *Job) {
			defer p.wg.Done()
			defer func() { <-slots }()

			if err := p.runner.Execute(jobCtx, job); err != nil {
				p.logger.WithJobID(job.ID).WithError(err).Error("job execution failed")
			}
		}(job)
	}
}

// Drain claims and executes pending jobs until none is left. It is used by
// one-shot commands and tests.
func (p *Pool) Drain(ctx context.Context) (int, error) {
	count := 0
	for {
		job, err := p.jobs.ClaimNextJob(ctx, p.types)
		if err != nil {
			return count, err
		}
		if job == nil {
			return count, nil
		}
		if err := p.runner.Execute(ctx, job); err != nil {
			return count, err
		}
		count++
	}
}
