// Package worker runs the claim-and-process loops that drive every submission
// state transition. A scheduler owns a bounded pool of workers; each worker
// claims at most one job at a time, so jobs never overlap within a worker,
// and the store's exclusive claim keeps them from overlapping across workers
// or processes.
package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"questpay/internal/fault"
	"questpay/internal/models"
	"questpay/internal/telemetry"
)

// Handler processes one claimed job.
type Handler func(ctx context.Context, job models.Job) error

// JobStore is the queue surface the scheduler needs.
type JobStore interface {
	ClaimNextJob(ctx context.Context) (models.Job, bool, error)
	FinalizeJob(ctx context.Context, id string, jobErr error) error
	RequeueJob(ctx context.Context, id string, jobErr error, runAfter time.Time) error
	QueuedDepth(ctx context.Context) (int64, error)
}

// Options tune the scheduler loop.
type Options struct {
	Workers        int
	PollInterval   time.Duration
	MaxAttempts    int
	BackoffInitial time.Duration
	BackoffMax     time.Duration
}

// Scheduler dispatches claimed jobs to type handlers.
type Scheduler struct {
	store    JobStore
	log      *zap.Logger
	opts     Options
	handlers map[string]Handler
}

func NewScheduler(store JobStore, log *zap.Logger, opts Options) *Scheduler {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 500 * time.Millisecond
	}
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 3
	}
	if opts.BackoffInitial <= 0 {
		opts.BackoffInitial = 2 * time.Second
	}
	if opts.BackoffMax <= 0 {
		opts.BackoffMax = time.Minute
	}
	return &Scheduler{
		store:    store,
		log:      log,
		opts:     opts,
		handlers: make(map[string]Handler),
	}
}

// RegisterHandler binds a handler to a job type.
func (s *Scheduler) RegisterHandler(jobType string, handler Handler) {
	if jobType == "" || handler == nil {
		return
	}
	s.handlers[jobType] = handler
}

// Run starts the worker pool and blocks until context cancellation.
func (s *Scheduler) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for i := 0; i < s.opts.Workers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			s.runWorker(ctx, workerID)
		}(i)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		s.reportDepth(ctx)
	}()

	wg.Wait()
	return ctx.Err()
}

// runWorker ticks on a fixed interval. Processing happens inline, so a tick
// that arrives while a job is still in flight is simply dropped by the ticker
// rather than overlapping it. An empty queue is not an error.
func (s *Scheduler) runWorker(ctx context.Context, workerID int) {
	ticker := time.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx, workerID)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context, workerID int) {
	job, found, err := s.store.ClaimNextJob(ctx)
	if err != nil {
		if ctx.Err() == nil {
			s.log.Error("claim failed", zap.Int("worker", workerID), zap.Error(err))
		}
		return
	}
	if !found {
		return
	}

	telemetry.JobsClaimed.WithLabelValues(job.Type).Inc()
	log := s.log.With(
		zap.Int("worker", workerID),
		zap.String("job_id", job.ID),
		zap.String("job_type", job.Type),
		zap.String("entity_id", job.EntityID),
		zap.Int("attempt", job.Attempts),
	)

	procErr := s.process(ctx, job)
	if procErr == nil {
		if err := s.store.FinalizeJob(ctx, job.ID, nil); err != nil {
			log.Error("finalize completed job", zap.Error(err))
			return
		}
		telemetry.JobsCompleted.WithLabelValues(job.Type).Inc()
		log.Info("job completed")
		return
	}

	// Failures are recorded on the job and logged; they never escape the loop.
	if fault.IsTransient(procErr) && job.Attempts < s.opts.MaxAttempts {
		delay := backoffWithJitter(s.opts.BackoffInitial, s.opts.BackoffMax, job.Attempts)
		if err := s.store.RequeueJob(ctx, job.ID, procErr, time.Now().Add(delay)); err != nil {
			log.Error("requeue job", zap.Error(err))
			return
		}
		telemetry.JobsRequeued.WithLabelValues(job.Type).Inc()
		log.Warn("job requeued after transient failure", zap.Duration("delay", delay), zap.Error(procErr))
		return
	}

	if err := s.store.FinalizeJob(ctx, job.ID, procErr); err != nil {
		log.Error("finalize failed job", zap.Error(err))
		return
	}
	telemetry.JobsFailed.WithLabelValues(job.Type).Inc()
	log.Error("job failed", zap.String("fault_kind", fault.KindOf(procErr).String()), zap.Error(procErr))
}

// process dispatches to the registered handler, converting panics into
// recorded failures so a bad job cannot take the loop down.
func (s *Scheduler) process(ctx context.Context, job models.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()

	handler, ok := s.handlers[job.Type]
	if !ok {
		return fault.New(fault.KindValidation, "no handler registered for job type %q", job.Type)
	}
	return handler(ctx, job)
}

func (s *Scheduler) reportDepth(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if depth, err := s.store.QueuedDepth(ctx); err == nil {
				telemetry.QueueDepthGauge.Set(float64(depth))
			}
		}
	}
}
