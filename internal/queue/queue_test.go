package queue

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmalmgren/scribed/internal/events"
	"github.com/jmalmgren/scribed/internal/store"
	"github.com/jmalmgren/scribed/internal/types"
)

func newPool(t *testing.T) (*WorkerPool, *store.Store) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "scribed.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return NewWorkerPool(2, s, events.NewHub()), s
}

func waitForJob(t *testing.T, s *store.Store, jobID string) *types.Job {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		job, err := s.GetJob(jobID)
		require.NoError(t, err)
		if types.TerminalJob(job.Status) {
			return job
		}
		select {
		case <-deadline:
			t.Fatalf("job %s never reached a terminal status (stuck at %s)", jobID, job.Status)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func waitForRecordingStatus(t *testing.T, s *store.Store, recordingID, status string) *types.Recording {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		rec, err := s.GetRecording(recordingID)
		require.NoError(t, err)
		if rec.Status == status {
			return rec
		}
		select {
		case <-deadline:
			t.Fatalf("recording %s never reached status %s (stuck at %s)", recordingID, status, rec.Status)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestJobSuccessDrivesRecordingCompleted(t *testing.T) {
	wp, s := newPool(t)
	rec, err := s.CreateRecording("r", types.ModeUpload, 0, 0)
	require.NoError(t, err)

	wp.Register(types.KindFullPipeline, func(ctx context.Context, job *types.Job) (string, error) {
		return "ok", nil
	})
	wp.Start()

	job, err := wp.Enqueue(rec.ID, types.KindFullPipeline)
	require.NoError(t, err)
	done := waitForJob(t, s, job.ID)

	assert.Equal(t, types.JobCompleted, done.Status)
	assert.Equal(t, "ok", done.Result)
	assert.Equal(t, float64(100), done.Progress)

	got, err := s.GetRecording(rec.ID)
	require.NoError(t, err)
	assert.Equal(t, types.RecordingCompleted, got.Status)
}

func TestJobFailureDrivesRecordingFailed(t *testing.T) {
	wp, s := newPool(t)
	rec, err := s.CreateRecording("r", types.ModeUpload, 0, 0)
	require.NoError(t, err)

	wp.Register(types.KindFullPipeline, func(ctx context.Context, job *types.Job) (string, error) {
		return "", fmt.Errorf("transcriber unreachable")
	})
	wp.Start()

	job, err := wp.Enqueue(rec.ID, types.KindFullPipeline)
	require.NoError(t, err)
	done := waitForJob(t, s, job.ID)

	assert.Equal(t, types.JobFailed, done.Status)
	assert.Equal(t, "transcriber unreachable", done.Error)

	got, err := s.GetRecording(rec.ID)
	require.NoError(t, err)
	assert.Equal(t, types.RecordingFailed, got.Status)
}

func TestPanicBecomesJobFailure(t *testing.T) {
	wp, s := newPool(t)
	rec, err := s.CreateRecording("r", types.ModeUpload, 0, 0)
	require.NoError(t, err)

	wp.Register(types.KindFullPipeline, func(ctx context.Context, job *types.Job) (string, error) {
		panic("boom")
	})
	wp.Start()

	job, err := wp.Enqueue(rec.ID, types.KindFullPipeline)
	require.NoError(t, err)
	done := waitForJob(t, s, job.ID)

	assert.Equal(t, types.JobFailed, done.Status)
	assert.Contains(t, done.Error, "panic")
	got, err := s.GetRecording(rec.ID)
	require.NoError(t, err)
	assert.Equal(t, types.RecordingFailed, got.Status)
}

func TestClaimedRecordingRejectsSecondJob(t *testing.T) {
	wp, s := newPool(t)
	rec, err := s.CreateRecording("r", types.ModeUpload, 0, 0)
	require.NoError(t, err)

	// A previous worker holds the recording.
	require.NoError(t, s.ClaimRecording(rec.ID, types.RecordingProcessing))

	wp.Register(types.KindFullPipeline, func(ctx context.Context, job *types.Job) (string, error) {
		return "", nil
	})
	wp.Start()

	job, err := wp.Enqueue(rec.ID, types.KindFullPipeline)
	require.NoError(t, err)
	done := waitForJob(t, s, job.ID)

	assert.Equal(t, types.JobFailed, done.Status)
	assert.Contains(t, done.Error, "already being processed")

	// The holder's status is untouched.
	got, err := s.GetRecording(rec.ID)
	require.NoError(t, err)
	assert.Equal(t, types.RecordingProcessing, got.Status)
}

func TestRefineJobLeavesRecordingStatusAlone(t *testing.T) {
	wp, s := newPool(t)
	rec, err := s.CreateRecording("live", types.ModeLive, 0, 0)
	require.NoError(t, err)

	wp.Register(types.KindRefine, func(ctx context.Context, job *types.Job) (string, error) {
		return "", nil
	})
	wp.Start()

	job, err := wp.Enqueue(rec.ID, types.KindRefine)
	require.NoError(t, err)
	done := waitForJob(t, s, job.ID)

	assert.Equal(t, types.JobCompleted, done.Status)
	got, err := s.GetRecording(rec.ID)
	require.NoError(t, err)
	assert.Equal(t, types.RecordingRecording, got.Status)
}

func TestCancelledBeforePickupIsSkipped(t *testing.T) {
	wp, s := newPool(t)
	rec, err := s.CreateRecording("r", types.ModeUpload, 0, 0)
	require.NoError(t, err)

	ran := make(chan struct{}, 1)
	wp.Register(types.KindFullPipeline, func(ctx context.Context, job *types.Job) (string, error) {
		ran <- struct{}{}
		return "", nil
	})

	// Cancel before any worker exists, then start the pool.
	job, err := wp.Enqueue(rec.ID, types.KindFullPipeline)
	require.NoError(t, err)
	require.NoError(t, s.CancelJob(job.ID))
	wp.Start()

	select {
	case <-ran:
		t.Fatal("cancelled job must not run")
	case <-time.After(200 * time.Millisecond):
	}

	got, err := s.GetJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobCancelled, got.Status)
}

func TestCancelRunningJobStaysCancelled(t *testing.T) {
	wp, s := newPool(t)
	rec, err := s.CreateRecording("r", types.ModeUpload, 0, 0)
	require.NoError(t, err)

	running := make(chan struct{})
	wp.Register(types.KindFullPipeline, func(ctx context.Context, job *types.Job) (string, error) {
		close(running)
		<-ctx.Done()
		return "", ctx.Err()
	})
	wp.Start()

	job, err := wp.Enqueue(rec.ID, types.KindFullPipeline)
	require.NoError(t, err)
	<-running
	require.NoError(t, wp.Cancel(job.ID))

	done := waitForJob(t, s, job.ID)
	assert.Equal(t, types.JobCancelled, done.Status)

	got := waitForRecordingStatus(t, s, rec.ID, types.RecordingFailed)
	assert.Equal(t, types.RecordingFailed, got.Status)
}

func TestCancelDoesNotLoseFinishedResult(t *testing.T) {
	wp, s := newPool(t)
	rec, err := s.CreateRecording("r", types.ModeUpload, 0, 0)
	require.NoError(t, err)

	wp.Register(types.KindFullPipeline, func(ctx context.Context, job *types.Job) (string, error) {
		return "ok", nil
	})
	wp.Start()

	job, err := wp.Enqueue(rec.ID, types.KindFullPipeline)
	require.NoError(t, err)
	done := waitForJob(t, s, job.ID)
	require.Equal(t, types.JobCompleted, done.Status)

	// Cancelling a finished job is rejected and changes nothing.
	assert.Error(t, wp.Cancel(job.ID))
	got, err := s.GetJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobCompleted, got.Status)
	assert.Equal(t, "ok", got.Result)
}

func TestUnknownKindRejected(t *testing.T) {
	wp, _ := newPool(t)
	_, err := wp.Enqueue("some-id", "no-such-kind")
	assert.Error(t, err)
}
