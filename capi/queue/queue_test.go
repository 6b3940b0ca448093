package queue_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"code.cloudfoundry.org/lager/v3/lagertest"
	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/aixcc-sc/capi/capi/queue"
)

func setup(t *testing.T) *queue.Queue {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	return queue.New(lagertest.NewTestLogger("queue"), client)
}

type vdsPayload struct {
	VDSID string `json:"vds_id"`
}

func TestEnqueueDeduplicates(t *testing.T) {
	q := setup(t)
	ctx := context.Background()

	jobID := queue.VDSJobID(uuid.New())

	pushed, err := q.Enqueue(ctx, "default", jobID, queue.KindCheckVDS, vdsPayload{VDSID: "one"})
	require.NoError(t, err)
	require.True(t, pushed)

	pushed, err = q.Enqueue(ctx, "default", jobID, queue.KindCheckVDS, vdsPayload{VDSID: "one"})
	require.NoError(t, err)
	require.False(t, pushed)

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	job, err := q.Lease(ctx, "default")
	require.NoError(t, err)
	require.Equal(t, jobID, job.ID)
	require.Equal(t, queue.KindCheckVDS, job.Kind)

	var payload vdsPayload
	require.NoError(t, json.Unmarshal(job.Payload, &payload))
	require.Equal(t, "one", payload.VDSID)
}

func TestQueuesArePartitionedByWorker(t *testing.T) {
	q := setup(t)
	ctx := context.Background()

	teamJob := queue.GPJobID(uuid.New())
	_, err := q.Enqueue(ctx, "team-worker", teamJob, queue.KindCheckGP, vdsPayload{})
	require.NoError(t, err)

	leaseCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	_, err = q.Lease(leaseCtx, "default")
	require.ErrorIs(t, err, context.DeadlineExceeded)

	leaseCtx2, cancel2 := context.WithTimeout(ctx, 5*time.Second)
	defer cancel2()

	job, err := q.Lease(leaseCtx2, "team-worker")
	require.NoError(t, err)
	require.Equal(t, teamJob, job.ID)
}

func TestCompleteStoresResultForever(t *testing.T) {
	q := setup(t)
	ctx := context.Background()

	jobID := queue.VDSJobID(uuid.New())
	_, err := q.Enqueue(ctx, "default", jobID, queue.KindCheckVDS, vdsPayload{})
	require.NoError(t, err)

	leaseCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	job, err := q.Lease(leaseCtx, "default")
	require.NoError(t, err)

	require.NoError(t, q.Complete(ctx, "default", job, "ok"))

	result, found, err := q.Result(ctx, jobID)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "ok", result)

	// processing list is empty again
	moved, err := q.Requeue(ctx, "default")
	require.NoError(t, err)
	require.Zero(t, moved)
}

func TestRequeueRecoversStrandedJobs(t *testing.T) {
	q := setup(t)
	ctx := context.Background()

	jobID := queue.VDSJobID(uuid.New())
	_, err := q.Enqueue(ctx, "default", jobID, queue.KindCheckVDS, vdsPayload{})
	require.NoError(t, err)

	leaseCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err = q.Lease(leaseCtx, "default")
	require.NoError(t, err)

	// simulate a crash: job leased but never completed
	moved, err := q.Requeue(ctx, "default")
	require.NoError(t, err)
	require.Equal(t, 1, moved)

	leaseCtx2, cancel2 := context.WithTimeout(ctx, 5*time.Second)
	defer cancel2()
	job, err := q.Lease(leaseCtx2, "default")
	require.NoError(t, err)
	require.Equal(t, jobID, job.ID)
}
