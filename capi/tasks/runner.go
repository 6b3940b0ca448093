package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"code.cloudfoundry.org/lager/v3"
	"golang.org/x/sync/semaphore"

	"github.com/aixcc-sc/capi/capi/metric"
	"github.com/aixcc-sc/capi/capi/queue"
)

const (
	DefaultMaxConcurrentJobs   = 50
	DefaultJobTimeout          = 1000 * time.Second
	DefaultHealthCheckInterval = 30 * time.Second
)

type RunnerConfig struct {
	WorkerID            string
	MaxConcurrentJobs   int64
	JobTimeout          time.Duration
	HealthCheckInterval time.Duration
}

// Runner leases jobs from one worker queue and runs them concurrently up
// to the configured limit.
type Runner struct {
	logger  lager.Logger
	config  RunnerConfig
	queue   *queue.Queue
	handler *Handler
	sem     *semaphore.Weighted
}

func NewRunner(logger lager.Logger, config RunnerConfig, q *queue.Queue, handler *Handler) *Runner {
	if config.WorkerID == "" {
		config.WorkerID = queue.DefaultWorkerID
	}
	if config.MaxConcurrentJobs <= 0 {
		config.MaxConcurrentJobs = DefaultMaxConcurrentJobs
	}
	if config.JobTimeout == 0 {
		config.JobTimeout = DefaultJobTimeout
	}
	if config.HealthCheckInterval == 0 {
		config.HealthCheckInterval = DefaultHealthCheckInterval
	}

	return &Runner{
		logger:  logger.Session("runner", lager.Data{"worker_id": config.WorkerID}),
		config:  config,
		queue:   q,
		handler: handler,
		sem:     semaphore.NewWeighted(config.MaxConcurrentJobs),
	}
}

// Run consumes jobs until the context is cancelled, then waits for the
// in-flight ones to drain.
func (r *Runner) Run(ctx context.Context) error {
	// recover jobs stranded by a previous crash of this worker
	if _, err := r.queue.Requeue(ctx, r.config.WorkerID); err != nil {
		return err
	}

	go r.healthLoop(ctx)

	r.logger.Info("started", lager.Data{"max_jobs": r.config.MaxConcurrentJobs})

	for {
		if err := r.sem.Acquire(ctx, 1); err != nil {
			break
		}

		job, err := r.queue.Lease(ctx, r.config.WorkerID)
		if err != nil {
			r.sem.Release(1)
			if ctx.Err() != nil {
				break
			}
			r.logger.Error("lease-failed", err)
			continue
		}

		go func() {
			defer r.sem.Release(1)
			r.execute(ctx, job)
		}()
	}

	// drain: take the whole semaphore back
	drainCtx, cancel := context.WithTimeout(context.Background(), r.config.JobTimeout)
	defer cancel()
	if err := r.sem.Acquire(drainCtx, r.config.MaxConcurrentJobs); err != nil {
		r.logger.Error("drain-timed-out", err)
	}

	r.logger.Info("stopped")
	return ctx.Err()
}

func (r *Runner) healthLoop(ctx context.Context) {
	ticker := time.NewTicker(r.config.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.logger.Info("healthy")
		}
	}
}

func (r *Runner) execute(ctx context.Context, job *queue.Job) {
	logger := r.logger.Session("job", lager.Data{"job_id": job.ID, "kind": job.Kind})

	jobCtx, cancel := context.WithTimeout(ctx, r.config.JobTimeout)
	defer cancel()

	metric.JobStarted(jobCtx, job.Kind)
	start := time.Now()

	err := r.dispatch(jobCtx, job)

	outcome := "ok"
	if err != nil {
		outcome = "error"
		logger.Error("job-failed", err)
	}
	metric.JobFinished(jobCtx, job.Kind, time.Since(start), outcome)

	// completion must survive job-context expiry
	ackCtx, ackCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer ackCancel()
	if err := r.queue.Complete(ackCtx, r.config.WorkerID, job, outcome); err != nil {
		logger.Error("failed-to-complete", err)
	}
}

func (r *Runner) dispatch(ctx context.Context, job *queue.Job) (err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("job panicked: %v", recovered)
		}
	}()

	switch job.Kind {
	case queue.KindCheckVDS:
		var payload VDSPayload
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			return fmt.Errorf("parsing vds payload: %w", err)
		}
		return r.handler.CheckVDS(ctx, payload)
	case queue.KindCheckGP:
		var payload GPPayload
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			return fmt.Errorf("parsing gp payload: %w", err)
		}
		return r.handler.CheckGP(ctx, payload)
	default:
		return fmt.Errorf("unknown job kind %q", job.Kind)
	}
}
