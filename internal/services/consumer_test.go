package services

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/refinedata/refinery/internal/db/models"
	"github.com/refinedata/refinery/internal/processor"
	"github.com/refinedata/refinery/internal/queue"
)

// submitEntry submits a job through the producer and returns the queue entry
// a worker would receive for it.
func submitEntry(t *testing.T, ts *TestSetup, ownerID uint, blobID string) (string, *queue.Job) {
	req := ts.validRequest()
	req.BlobID = blobID
	jobID, err := ts.Producer.Submit(ts.ctx, ownerID, req)
	require.NoError(t, err)

	e := ts.Engine.lastEntry()
	return jobID, &queue.Job{ID: e.ID, Payload: e.Payload, Priority: e.Opts.Priority}
}

func TestHandleBatchCompletesJob(t *testing.T) {
	ts := NewTestSetup(t)
	user := ts.createUser(t, "alice")
	jobID, entry := submitEntry(t, ts, user.ID, "blob-1")

	err := ts.Consumer.HandleBatch(ts.ctx, []*queue.Job{entry})
	require.NoError(t, err)

	job := ts.getJob(t, jobID)
	assert.Equal(t, models.JobStatusCompleted, job.Status)
	assert.Equal(t, 1, job.Attempts)
	assert.Equal(t, ts.Cfg.WorkerInstanceID, job.WorkerID)
	assert.NotNil(t, job.StartedAt)
	assert.NotNil(t, job.CompletedAt)
	assert.JSONEq(t, `{"ok":true}`, string(job.ResultData))
}

func TestHandleBatchRecordsFailure(t *testing.T) {
	ts := NewTestSetup(t)
	user := ts.createUser(t, "alice")
	jobID, entry := submitEntry(t, ts, user.ID, "blob-1")

	ts.Proc.result = &processor.Result{Status: processor.StatusError, Message: "refinement rejected"}

	err := ts.Consumer.HandleBatch(ts.ctx, []*queue.Job{entry})
	assert.Error(t, err, "a fully failed batch is re-raised to the engine")

	job := ts.getJob(t, jobID)
	assert.Equal(t, models.JobStatusFailed, job.Status)
	assert.Contains(t, job.ErrorMessage, "refinement rejected")
	assert.NotNil(t, job.FailedAt)
}

func TestHandleBatchProcessorError(t *testing.T) {
	ts := NewTestSetup(t)
	user := ts.createUser(t, "alice")
	jobID, entry := submitEntry(t, ts, user.ID, "blob-1")

	ts.Proc.err = assert.AnError

	err := ts.Consumer.HandleBatch(ts.ctx, []*queue.Job{entry})
	assert.Error(t, err)

	job := ts.getJob(t, jobID)
	assert.Equal(t, models.JobStatusFailed, job.Status)
	assert.NotEmpty(t, job.ErrorMessage)
}

func TestHandleBatchPartialFailureNotReraised(t *testing.T) {
	ts := NewTestSetup(t)
	user := ts.createUser(t, "alice")

	goodID, goodEntry := submitEntry(t, ts, user.ID, "blob-good")
	badID, badEntry := submitEntry(t, ts, user.ID, "blob-bad")
	otherID, otherEntry := submitEntry(t, ts, user.ID, "blob-other")

	ts.Proc.perRefs = map[string]*processor.Result{
		"blob-bad": {Status: processor.StatusError, Message: "boom"},
	}

	err := ts.Consumer.HandleBatch(ts.ctx, []*queue.Job{goodEntry, badEntry, otherEntry})
	assert.NoError(t, err, "a partially failed batch must not be re-raised")

	assert.Equal(t, models.JobStatusCompleted, ts.getJob(t, goodID).Status)
	assert.Equal(t, models.JobStatusFailed, ts.getJob(t, badID).Status)
	assert.Equal(t, models.JobStatusCompleted, ts.getJob(t, otherID).Status)
}

func TestHandleBatchAllFailedReraised(t *testing.T) {
	ts := NewTestSetup(t)
	user := ts.createUser(t, "alice")

	aID, aEntry := submitEntry(t, ts, user.ID, "blob-a")
	bID, bEntry := submitEntry(t, ts, user.ID, "blob-b")

	ts.Proc.err = assert.AnError

	err := ts.Consumer.HandleBatch(ts.ctx, []*queue.Job{aEntry, bEntry})
	assert.Error(t, err)

	assert.Equal(t, models.JobStatusFailed, ts.getJob(t, aID).Status)
	assert.Equal(t, models.JobStatusFailed, ts.getJob(t, bID).Status)
}

func TestHandleBatchEmpty(t *testing.T) {
	ts := NewTestSetup(t)
	assert.Error(t, ts.Consumer.HandleBatch(ts.ctx, nil))
}

func TestHandleBatchMalformedPayload(t *testing.T) {
	ts := NewTestSetup(t)

	entry := &queue.Job{ID: "entry-x", Payload: []byte("not json")}
	assert.Error(t, ts.Consumer.HandleBatch(ts.ctx, []*queue.Job{entry}))
}

func TestHandleBatchSkipsTerminalJob(t *testing.T) {
	ts := NewTestSetup(t)
	user := ts.createUser(t, "alice")
	jobID, entry := submitEntry(t, ts, user.ID, "blob-1")

	completedAt := time.Now()
	require.NoError(t, ts.JobRepo.UpdateFields(ts.ctx, jobID, map[string]interface{}{
		models.JobStatusField:      models.JobStatusCancelled,
		models.JobCompletedAtField: completedAt,
	}))

	err := ts.Consumer.HandleBatch(ts.ctx, []*queue.Job{entry})
	assert.NoError(t, err, "redelivery of a terminal job is a no-op")

	job := ts.getJob(t, jobID)
	assert.Equal(t, models.JobStatusCancelled, job.Status)
	assert.Zero(t, ts.Proc.calls, "the processor must not run for a terminal job")
}

func TestProcessingStats(t *testing.T) {
	ts := NewTestSetup(t)
	user := ts.createUser(t, "alice")

	goodID, goodEntry := submitEntry(t, ts, user.ID, "blob-good")
	badID, badEntry := submitEntry(t, ts, user.ID, "blob-bad")
	ts.Proc.perRefs = map[string]*processor.Result{
		"blob-bad": {Status: processor.StatusError, Message: "boom"},
	}
	require.NoError(t, ts.Consumer.HandleBatch(ts.ctx, []*queue.Job{goodEntry, badEntry}))
	require.Equal(t, models.JobStatusCompleted, ts.getJob(t, goodID).Status)
	require.Equal(t, models.JobStatusFailed, ts.getJob(t, badID).Status)

	stats, err := ts.Consumer.ProcessingStats(ts.ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.TotalProcessed)
	assert.InDelta(t, 50.0, stats.SuccessRate, 0.01)
}
