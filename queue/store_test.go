package queue_test

import (
	"context"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftline/metasync/fault"
	metasynctest "github.com/driftline/metasync/internal/testing"
	"github.com/driftline/metasync/queue"
)

func testJob(sceneID uint64) *queue.SyncJob {
	return queue.NewSyncJob(sceneID, map[string]interface{}{
		"title": "Example Title",
		"path":  "/media/library/example.mkv",
	})
}

func TestEnqueueDequeueAck(t *testing.T) {
	d := metasynctest.CreateQueueDB(t)
	q := queue.NewQueue(d)

	item, err := q.Enqueue(testJob(1))
	require.NoError(t, err)
	assert.Equal(t, queue.StatusReady, item.Status)

	claimed, err := q.GetPending(context.Background(), time.Second)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, queue.StatusInProgress, claimed.Status)
	assert.Equal(t, uint64(1), claimed.Job.SceneID)
	assert.Equal(t, "Example Title", claimed.Job.Data["title"])

	require.NoError(t, q.Ack(claimed))

	stats, err := q.GetStats()
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Pending)
	assert.Equal(t, 0, stats.InProgress)
	assert.Equal(t, 1, stats.Completed)
}

func TestGetPending_EmptyTimesOut(t *testing.T) {
	d := metasynctest.CreateQueueDB(t)
	q := queue.NewQueue(d)

	start := time.Now()
	item, err := q.GetPending(context.Background(), 300*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, item)
	assert.GreaterOrEqual(t, time.Since(start), 300*time.Millisecond)
}

func TestGetPending_ContextCancel(t *testing.T) {
	d := metasynctest.CreateQueueDB(t)
	q := queue.NewQueue(d)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	_, err := q.GetPending(ctx, 10*time.Second)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestGetPending_FIFO(t *testing.T) {
	d := metasynctest.CreateQueueDB(t)
	q := queue.NewQueue(d)

	for _, id := range []uint64{10, 20, 30} {
		_, err := q.Enqueue(testJob(id))
		require.NoError(t, err)
	}

	for _, want := range []uint64{10, 20, 30} {
		item, err := q.GetPending(context.Background(), time.Second)
		require.NoError(t, err)
		require.NotNil(t, item)
		assert.Equal(t, want, item.Job.SceneID)
		require.NoError(t, q.Ack(item))
	}
}

func TestNackReturnsToReady(t *testing.T) {
	d := metasynctest.CreateQueueDB(t)
	q := queue.NewQueue(d)

	_, err := q.Enqueue(testJob(7))
	require.NoError(t, err)

	item, err := q.GetPending(context.Background(), time.Second)
	require.NoError(t, err)
	require.NotNil(t, item)

	require.NoError(t, q.Nack(item))

	again, err := q.GetPending(context.Background(), time.Second)
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, item.ID, again.ID)
}

func TestRequeueWithRetry_ReplacesRow(t *testing.T) {
	d := metasynctest.CreateQueueDB(t)
	q := queue.NewQueue(d)

	_, err := q.Enqueue(testJob(5))
	require.NoError(t, err)

	item, err := q.GetPending(context.Background(), time.Second)
	require.NoError(t, err)
	require.NotNil(t, item)

	now := time.Now()
	next := item.Job.PrepareForRetry(fault.KindTransient, 0, now)
	assert.Equal(t, 1, next.RetryCount)
	assert.Equal(t, fault.KindTransient, next.LastErrorKind)
	// original untouched
	assert.Equal(t, 0, item.Job.RetryCount)

	replaced, err := q.RequeueWithRetry(item, next)
	require.NoError(t, err)
	assert.NotEqual(t, item.ID, replaced.ID, "retry must be a fresh row")

	// old row retired, fresh copy ready
	stats, err := q.GetStats()
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Pending)
	assert.Equal(t, 0, stats.InProgress)
	assert.Equal(t, 1, stats.Completed)

	// retry metadata survives a round trip through storage
	claimed, err := q.GetPending(context.Background(), time.Second)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, 1, claimed.Job.RetryCount)
	assert.Equal(t, fault.KindTransient, claimed.Job.LastErrorKind)
	assert.False(t, claimed.Job.NextRetryAt.IsZero())
}

func TestReadyForRetry(t *testing.T) {
	job := testJob(1)
	now := time.Now()

	// no backoff window set
	assert.True(t, job.ReadyForRetry(now))

	next := job.PrepareForRetry(fault.KindNotFound, time.Minute, now)
	assert.False(t, next.ReadyForRetry(now))
	assert.False(t, next.ReadyForRetry(now.Add(59*time.Second)))
	assert.True(t, next.ReadyForRetry(now.Add(time.Minute)))
}

func TestActiveSceneIDs(t *testing.T) {
	d := metasynctest.CreateQueueDB(t)
	q := queue.NewQueue(d)

	_, err := q.Enqueue(testJob(1)) // stays ready
	require.NoError(t, err)
	_, err = q.Enqueue(testJob(2)) // goes in_progress
	require.NoError(t, err)
	_, err = q.Enqueue(testJob(3)) // completes
	require.NoError(t, err)

	first, err := q.GetPending(context.Background(), time.Second)
	require.NoError(t, err)
	require.NoError(t, q.Ack(first)) // scene 1 completed

	second, err := q.GetPending(context.Background(), time.Second)
	require.NoError(t, err)
	require.Equal(t, uint64(2), second.Job.SceneID) // scene 2 left in_progress

	// zero window: only non-terminal rows count
	active, err := q.ActiveSceneIDs(0)
	require.NoError(t, err)
	assert.NotContains(t, active, uint64(1))
	assert.Contains(t, active, uint64(2))
	assert.Contains(t, active, uint64(3))

	// with a window, the fresh completion dedups too
	active, err = q.ActiveSceneIDs(time.Hour)
	require.NoError(t, err)
	assert.Contains(t, active, uint64(1))
	assert.Contains(t, active, uint64(2))
	assert.Contains(t, active, uint64(3))
}

func TestRecoverOrphans(t *testing.T) {
	d := metasynctest.CreateQueueDB(t)
	q := queue.NewQueue(d)

	_, err := q.Enqueue(testJob(11))
	require.NoError(t, err)
	_, err = q.GetPending(context.Background(), time.Second)
	require.NoError(t, err)

	// simulate a restart: the in_progress row is now an orphan
	q2 := queue.NewQueue(d)
	recovered, err := q2.RecoverOrphans(100)
	require.NoError(t, err)
	assert.Equal(t, 1, recovered)

	item, err := q2.GetPending(context.Background(), time.Second)
	require.NoError(t, err)
	require.NotNil(t, item)
	assert.Equal(t, uint64(11), item.Job.SceneID)
}

func TestPrunePending(t *testing.T) {
	d := metasynctest.CreateQueueDB(t)
	q := queue.NewQueue(d)

	_, err := q.Enqueue(testJob(1))
	require.NoError(t, err)
	_, err = q.Enqueue(testJob(2))
	require.NoError(t, err)

	item, err := q.GetPending(context.Background(), time.Second)
	require.NoError(t, err)
	require.NoError(t, q.Ack(item))

	removed, err := q.PrunePending()
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	stats, err := q.GetStats()
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Pending)
	assert.Equal(t, 1, stats.Completed, "terminal rows survive a clear")
}

func TestJobKeyAndMarshalRoundTrip(t *testing.T) {
	assert.Equal(t, "scene:42", queue.JobKey(42))

	job := testJob(42)
	job.RetryCount = 3
	job.LastErrorKind = fault.KindNotFound

	blob, err := job.Marshal()
	require.NoError(t, err)

	restored, err := queue.UnmarshalJob(blob)
	require.NoError(t, err)
	assert.Equal(t, job.SceneID, restored.SceneID)
	assert.Equal(t, job.JobKey, restored.JobKey)
	assert.Equal(t, 3, restored.RetryCount)
	assert.Equal(t, fault.KindNotFound, restored.LastErrorKind)
}

func TestIsValidStatus(t *testing.T) {
	for _, s := range []string{"inited", "ready", "in_progress", "completed", "failed"} {
		assert.True(t, queue.IsValidStatus(s), s)
	}
	assert.False(t, queue.IsValidStatus("running"))
	assert.False(t, queue.IsValidStatus(""))
}
