package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/eduverse/engine/internal/storage"
)

// JobQueue is the slice of the store the worker pool needs.
type JobQueue interface {
	ClaimNextJob() (*storage.Job, error)
	RequeueOrphans() (int, error)
}

// JobRunner executes one claimed job to a terminal state.
type JobRunner interface {
	Run(ctx context.Context, job *storage.Job) error
}

// Pool runs N workers over the persistent job queue. Each worker claims
// jobs one at a time; claims are transactional, so workers never collide.
type Pool struct {
	queue   JobQueue
	runner  JobRunner
	workers int
	poll    time.Duration
	logger  *slog.Logger
}

// NewPool creates a worker pool. workers <= 0 defaults to 2 and a
// non-positive pollInterval defaults to 500ms.
func NewPool(queue JobQueue, runner JobRunner, workers int, pollInterval time.Duration, logger *slog.Logger) *Pool {
	if workers <= 0 {
		workers = 2
	}
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		queue:   queue,
		runner:  runner,
		workers: workers,
		poll:    pollInterval,
		logger:  logger,
	}
}

// Run requeues orphaned jobs from a previous crash, then polls for work
// until ctx is cancelled.
func (p *Pool) Run(ctx context.Context) error {
	requeued, err := p.queue.RequeueOrphans()
	if err != nil {
		return fmt.Errorf("requeuing orphaned jobs: %w", err)
	}
	if requeued > 0 {
		p.logger.Info("requeued orphaned jobs", "count", requeued)
	}

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.workers; i++ {
		worker := i
		g.Go(func() error {
			p.loop(ctx, worker)
			return nil
		})
	}
	return g.Wait()
}

func (p *Pool) loop(ctx context.Context, worker int) {
	for {
		if ctx.Err() != nil {
			return
		}

		claimed, err := p.RunOnce(ctx)
		if err != nil {
			p.logger.Error("worker iteration failed", "worker", worker, "error", err)
		}
		if claimed {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(p.poll):
		}
	}
}

// RunOnce claims and processes a single job. Returns true if a job was
// claimed (regardless of its outcome).
func (p *Pool) RunOnce(ctx context.Context) (bool, error) {
	job, err := p.queue.ClaimNextJob()
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	if err := p.runner.Run(ctx, job); err != nil {
		return true, fmt.Errorf("running job %s: %w", job.ID, err)
	}
	return true, nil
}
