package tasks_test

import (
	"context"
	"testing"
	"time"

	"code.cloudfoundry.org/lager/v3/lagertest"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/aixcc-sc/capi"
	"github.com/aixcc-sc/capi/capi/queue"
	"github.com/aixcc-sc/capi/capi/tasks"
)

func TestRunnerExecutesAndCompletesJobs(t *testing.T) {
	f := setup(t, true)

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	q := queue.New(lagertest.NewTestLogger("queue"), client)

	payload := f.vdsPayload(f.head())
	f.firePoVAt("master", f.head())

	jobID := queue.VDSJobID(payload.VDS.ID)
	pushed, err := q.Enqueue(context.Background(), "default", jobID, queue.KindCheckVDS, payload)
	require.NoError(t, err)
	require.True(t, pushed)

	runner := tasks.NewRunner(lagertest.NewTestLogger("runner"), tasks.RunnerConfig{
		WorkerID:          "default",
		MaxConcurrentJobs: 2,
		JobTimeout:        30 * time.Second,
	}, q, f.handler)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		runner.Run(ctx)
	}()

	require.Eventually(t, func() bool {
		_, found, err := q.Result(context.Background(), jobID)
		return err == nil && found
	}, 10*time.Second, 50*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("runner did not stop")
	}

	result, found, err := q.Result(context.Background(), jobID)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "ok", result)

	reported := f.gpResults()
	require.Len(t, reported, 1)
	require.Equal(t, capi.StatusAccepted, reported[0].FeedbackStatus)
}

func TestRunnerSurvivesBadJobs(t *testing.T) {
	f := setup(t, true)

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	q := queue.New(lagertest.NewTestLogger("queue"), client)

	_, err := q.Enqueue(context.Background(), "default", "{capijobs}mystery-1", "mystery", map[string]string{})
	require.NoError(t, err)

	runner := tasks.NewRunner(lagertest.NewTestLogger("runner"), tasks.RunnerConfig{
		WorkerID:   "default",
		JobTimeout: 10 * time.Second,
	}, q, f.handler)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		runner.Run(ctx)
	}()

	require.Eventually(t, func() bool {
		result, found, err := q.Result(context.Background(), "{capijobs}mystery-1")
		return err == nil && found && result == "error"
	}, 10*time.Second, 50*time.Millisecond)

	cancel()
	<-done
}
