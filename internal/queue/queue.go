// Package queue runs background jobs on a worker pool backed by the
// durable jobs table. Job rows survive restarts; the in-memory channel
// only carries IDs of work to pick up.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log"
	"runtime/debug"
	"sync"
	"time"

	"github.com/jmalmgren/scribed/internal/events"
	"github.com/jmalmgren/scribed/internal/metrics"
	"github.com/jmalmgren/scribed/internal/store"
	"github.com/jmalmgren/scribed/internal/types"
)

// Wall-clock limits per job family. Exceeding one is a distinct,
// user-legible failure, not a generic error.
const (
	BatchTimeLimit  = 55 * time.Minute
	RefineTimeLimit = 10 * time.Minute
)

// Handler runs one job and returns an optional result payload.
type Handler func(ctx context.Context, job *types.Job) (string, error)

type WorkerPool struct {
	store       *store.Store
	hub         *events.Hub
	jobQueue    chan string
	workerCount int
	handlers    map[string]Handler

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

func NewWorkerPool(workerCount int, s *store.Store, hub *events.Hub) *WorkerPool {
	return &WorkerPool{
		store:       s,
		hub:         hub,
		jobQueue:    make(chan string, 100),
		workerCount: workerCount,
		handlers:    make(map[string]Handler),
		cancels:     make(map[string]context.CancelFunc),
	}
}

// Register binds a job kind to its handler. Must be called before Start.
func (wp *WorkerPool) Register(kind string, h Handler) {
	wp.handlers[kind] = h
}

func (wp *WorkerPool) Start() {
	log.Printf("Starting worker pool with %d workers", wp.workerCount)
	for i := 0; i < wp.workerCount; i++ {
		go wp.worker(i)
	}
}

// Enqueue creates a pending job row and schedules it for pickup.
func (wp *WorkerPool) Enqueue(recordingID, kind string) (*types.Job, error) {
	if _, ok := wp.handlers[kind]; !ok {
		return nil, fmt.Errorf("unknown job kind %q", kind)
	}
	job, err := wp.store.CreateJob(recordingID, kind)
	if err != nil {
		return nil, err
	}
	select {
	case wp.jobQueue <- job.ID:
	default:
		wp.failJob(job, "job queue is full")
		return nil, fmt.Errorf("job queue is full")
	}
	log.Printf("Job %s enqueued (kind: %s, recording: %s)", job.ID, kind, recordingID)
	return job, nil
}

// EnqueueFunc adapts Enqueue for components that only need fire-and-forget
// scheduling.
func (wp *WorkerPool) EnqueueFunc(recordingID, kind string) error {
	_, err := wp.Enqueue(recordingID, kind)
	return err
}

func (wp *WorkerPool) worker(id int) {
	log.Printf("Worker %d started", id)
	for jobID := range wp.jobQueue {
		wp.runOne(id, jobID)
	}
}

func (wp *WorkerPool) runOne(workerID int, jobID string) {
	job, err := wp.store.GetJob(jobID)
	if err != nil {
		log.Printf("Worker %d: failed to load job %s: %v", workerID, jobID, err)
		return
	}
	if job.Status != types.JobPending {
		// Cancelled or already handled before pickup.
		log.Printf("Worker %d: skipping job %s in status %s", workerID, job.ID, job.Status)
		return
	}
	if err := wp.store.StartJob(job.ID); err != nil {
		log.Printf("Worker %d: failed to start job %s: %v", workerID, job.ID, err)
		return
	}

	claimed := claimsRecording(job.Kind)
	if claimed {
		if err := wp.store.ClaimRecording(job.RecordingID, inProgressStatus(job.Kind)); err != nil {
			if errors.Is(err, store.ErrAlreadyRunning) {
				// Another writer owns this recording; abort, never retry.
				wp.failJob(job, "recording is already being processed")
				return
			}
			wp.failJob(job, err.Error())
			return
		}
	}

	limit := timeLimit(job.Kind)
	ctx, cancel := context.WithTimeout(context.Background(), limit)
	defer cancel()
	wp.trackRunning(job.ID, cancel)
	defer wp.untrackRunning(job.ID)

	started := time.Now()
	result, err := wp.invoke(ctx, workerID, job)
	elapsed := time.Since(started)

	switch {
	case err == nil:
		if err := wp.store.CompleteJob(job.ID, result); err != nil {
			if errors.Is(err, store.ErrNotRunning) {
				// Cancelled while finishing; the result is discarded.
				wp.finishCancelled(workerID, job, claimed, elapsed)
				return
			}
			log.Printf("Worker %d: failed to complete job %s: %v", workerID, job.ID, err)
		}
		if claimed {
			if err := wp.store.SetRecordingStatus(job.RecordingID, types.RecordingCompleted); err != nil {
				log.Printf("Worker %d: failed to mark recording %s completed: %v", workerID, job.RecordingID, err)
			}
		}
		metrics.RecordJob(job.Kind, types.JobCompleted, elapsed.Seconds())
		log.Printf("Worker %d: job %s completed in %s", workerID, job.ID, elapsed.Round(time.Millisecond))

	case errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled):
		wp.finishCancelled(workerID, job, claimed, elapsed)

	case errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded):
		wp.failJob(job, fmt.Sprintf("time limit of %s exceeded", limit))
		if claimed {
			wp.failRecording(job.RecordingID)
		}
		metrics.RecordJob(job.Kind, types.JobFailed, elapsed.Seconds())

	default:
		wp.failJob(job, err.Error())
		if claimed {
			wp.failRecording(job.RecordingID)
		}
		metrics.RecordJob(job.Kind, types.JobFailed, elapsed.Seconds())
	}
}

// invoke runs the handler with panic recovery so a crashing job never
// takes down a worker.
func (wp *WorkerPool) invoke(ctx context.Context, workerID int, job *types.Job) (result string, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("Worker %d: PANIC processing job %s: %v\n%s",
				workerID, job.ID, r, string(debug.Stack()))
			err = fmt.Errorf("worker panic: %v", r)
		}
	}()
	return wp.handlers[job.Kind](ctx, job)
}

// Cancel moves a job to cancelled and, when it is already running,
// cancels the handler's context so the orchestrator stops persisting.
func (wp *WorkerPool) Cancel(jobID string) error {
	if err := wp.store.CancelJob(jobID); err != nil {
		return err
	}
	wp.mu.Lock()
	cancel := wp.cancels[jobID]
	wp.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}

func (wp *WorkerPool) trackRunning(jobID string, cancel context.CancelFunc) {
	wp.mu.Lock()
	wp.cancels[jobID] = cancel
	wp.mu.Unlock()
}

func (wp *WorkerPool) untrackRunning(jobID string) {
	wp.mu.Lock()
	delete(wp.cancels, jobID)
	wp.mu.Unlock()
}

// finishCancelled closes out a job that ended because of cancellation.
// The row usually already carries its terminal status; if the handler
// surfaced context.Canceled on its own the row is still running, so the
// transition is repeated here and is a no-op otherwise.
func (wp *WorkerPool) finishCancelled(workerID int, job *types.Job, claimed bool, elapsed time.Duration) {
	log.Printf("Worker %d: job %s cancelled after %s", workerID, job.ID, elapsed.Round(time.Millisecond))
	if err := wp.store.CancelJob(job.ID); err != nil {
		log.Printf("Worker %d: job %s already terminal: %v", workerID, job.ID, err)
	}
	if claimed {
		wp.failRecording(job.RecordingID)
	}
	metrics.RecordJob(job.Kind, types.JobCancelled, elapsed.Seconds())
}

func (wp *WorkerPool) failJob(job *types.Job, reason string) {
	log.Printf("Job %s failed: %s", job.ID, reason)
	if err := wp.store.FailJob(job.ID, reason); err != nil {
		if errors.Is(err, store.ErrNotRunning) {
			// Already terminal, usually cancelled; nothing to report.
			return
		}
		log.Printf("Failed to mark job %s failed: %v", job.ID, err)
	}
	wp.hub.Publish(job.RecordingID, events.TypeError, map[string]string{
		"job_id": job.ID,
		"error":  reason,
	})
}

func (wp *WorkerPool) failRecording(recordingID string) {
	if err := wp.store.SetRecordingStatus(recordingID, types.RecordingFailed); err != nil {
		log.Printf("Failed to mark recording %s failed: %v", recordingID, err)
	}
}

// claimsRecording reports whether a job kind takes exclusive write
// ownership of its recording's segment ordering.
func claimsRecording(kind string) bool {
	switch kind {
	case types.KindFullPipeline, types.KindRediarize, types.KindReidentify, types.KindFinalizeLive:
		return true
	}
	return false
}

func inProgressStatus(kind string) string {
	if kind == types.KindFinalizeLive {
		return types.RecordingFinalizing
	}
	return types.RecordingProcessing
}

func timeLimit(kind string) time.Duration {
	switch kind {
	case types.KindRefine, types.KindExtractInsights:
		return RefineTimeLimit
	}
	return BatchTimeLimit
}
