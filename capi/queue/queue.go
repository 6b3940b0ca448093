// Package queue is the Redis job queue between the API and the workers.
// Queues are partitioned by worker id; job ids are deterministic so that
// network-retried submissions deduplicate instead of double-scoring.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"code.cloudfoundry.org/lager/v3"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	DefaultWorkerID = "default"

	// hash tag keeps all job keys in one slot under redis cluster ACLs
	jobKeyPrefix = "{capijobs}"

	leaseBlock = 2 * time.Second
)

const (
	KindCheckVDS = "check-vds"
	KindCheckGP  = "check-gp"
)

// Job is what travels through a queue list.
type Job struct {
	ID         string          `json:"id"`
	Kind       string          `json:"kind"`
	Payload    json.RawMessage `json:"payload"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
}

func VDSJobID(id uuid.UUID) string {
	return fmt.Sprintf("%s%s-%s", jobKeyPrefix, KindCheckVDS, id)
}

func GPJobID(id uuid.UUID) string {
	return fmt.Sprintf("%s%s-%s", jobKeyPrefix, KindCheckGP, id)
}

func queueKey(workerID string) string {
	return "arq:queue:" + workerID
}

func processingKey(workerID string) string {
	return queueKey(workerID) + ":processing"
}

func resultKey(jobID string) string {
	return "arq:result:" + jobID
}

type Queue struct {
	logger lager.Logger
	client redis.UniversalClient
}

func New(logger lager.Logger, client redis.UniversalClient) *Queue {
	return &Queue{
		logger: logger.Session("queue"),
		client: client,
	}
}

// Enqueue pushes a job onto workerID's queue. Returns false without
// pushing when the job id was already enqueued; the id claim is kept
// forever, matching keep-result-forever semantics.
func (q *Queue) Enqueue(ctx context.Context, workerID, jobID, kind string, payload any) (bool, error) {
	claimed, err := q.client.SetNX(ctx, jobID, workerID, 0).Result()
	if err != nil {
		return false, fmt.Errorf("claiming job id %s: %w", jobID, err)
	}
	if !claimed {
		q.logger.Info("job-already-enqueued", lager.Data{"job_id": jobID})
		return false, nil
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return false, fmt.Errorf("marshalling job payload: %w", err)
	}

	encoded, err := json.Marshal(Job{
		ID:         jobID,
		Kind:       kind,
		Payload:    raw,
		EnqueuedAt: time.Now().UTC(),
	})
	if err != nil {
		return false, fmt.Errorf("marshalling job: %w", err)
	}

	if err := q.client.RPush(ctx, queueKey(workerID), encoded).Err(); err != nil {
		return false, fmt.Errorf("pushing job %s: %w", jobID, err)
	}

	q.logger.Info("enqueued", lager.Data{"job_id": jobID, "worker_id": workerID})
	return true, nil
}

// Lease blocks until a job is available on workerID's queue, moving it to
// the processing list so a crash mid-job leaves it recoverable.
func (q *Queue) Lease(ctx context.Context, workerID string) (*Job, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		encoded, err := q.client.BLMove(ctx, queueKey(workerID), processingKey(workerID), "LEFT", "RIGHT", leaseBlock).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("leasing job: %w", err)
		}

		var job Job
		if err := json.Unmarshal([]byte(encoded), &job); err != nil {
			q.client.LRem(ctx, processingKey(workerID), 1, encoded)
			return nil, fmt.Errorf("parsing leased job: %w", err)
		}
		return &job, nil
	}
}

// Complete acknowledges a leased job and stores its result forever.
func (q *Queue) Complete(ctx context.Context, workerID string, job *Job, result string) error {
	encoded, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshalling job: %w", err)
	}

	if err := q.client.LRem(ctx, processingKey(workerID), 1, encoded).Err(); err != nil {
		return fmt.Errorf("acknowledging job %s: %w", job.ID, err)
	}

	if err := q.client.Set(ctx, resultKey(job.ID), result, 0).Err(); err != nil {
		return fmt.Errorf("storing result for %s: %w", job.ID, err)
	}

	q.logger.Debug("completed", lager.Data{"job_id": job.ID})
	return nil
}

// Result returns a completed job's stored result, if any.
func (q *Queue) Result(ctx context.Context, jobID string) (string, bool, error) {
	result, err := q.client.Get(ctx, resultKey(jobID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("fetching result for %s: %w", jobID, err)
	}
	return result, true, nil
}

// Requeue moves jobs stranded on the processing list back onto the queue.
// Called on worker startup; delivery becomes at-least-once, which the
// replay guard in the handlers makes safe.
func (q *Queue) Requeue(ctx context.Context, workerID string) (int, error) {
	moved := 0
	for {
		_, err := q.client.LMove(ctx, processingKey(workerID), queueKey(workerID), "RIGHT", "LEFT").Result()
		if errors.Is(err, redis.Nil) {
			break
		}
		if err != nil {
			return moved, fmt.Errorf("requeueing stranded jobs: %w", err)
		}
		moved++
	}

	if moved > 0 {
		q.logger.Info("requeued-stranded-jobs", lager.Data{"worker_id": workerID, "count": moved})
	}
	return moved, nil
}
