package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/jmalmgren/scribed/internal/types"
)

// CreateJob inserts a new job in pending state.
func (s *Store) CreateJob(recordingID, kind string) (*types.Job, error) {
	job := &types.Job{
		ID:          uuid.New().String(),
		RecordingID: recordingID,
		Kind:        kind,
		Status:      types.JobPending,
		CreatedAt:   time.Now().UTC(),
	}
	_, err := s.db.Exec(`
		INSERT INTO jobs (id, recording_id, kind, status, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		job.ID, job.RecordingID, job.Kind, job.Status, job.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create job: %v", err)
	}
	return job, nil
}

const jobSelect = `
	SELECT id, recording_id, kind, status, progress, current_step, result, error,
	       started_at, completed_at, created_at
	FROM jobs`

// GetJob loads one job.
func (s *Store) GetJob(id string) (*types.Job, error) {
	row := s.db.QueryRow(jobSelect+` WHERE id = ?`, id)
	var job types.Job
	var started, completed sql.NullTime
	err := row.Scan(&job.ID, &job.RecordingID, &job.Kind, &job.Status, &job.Progress,
		&job.CurrentStep, &job.Result, &job.Error, &started, &completed, &job.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %v", err)
	}
	if started.Valid {
		job.StartedAt = &started.Time
	}
	if completed.Valid {
		job.CompletedAt = &completed.Time
	}
	return &job, nil
}

// ListJobs returns all jobs of a recording, newest first.
func (s *Store) ListJobs(recordingID string) ([]types.Job, error) {
	rows, err := s.db.Query(jobSelect+` WHERE recording_id = ? ORDER BY created_at DESC`, recordingID)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %v", err)
	}
	defer rows.Close()

	var jobs []types.Job
	for rows.Next() {
		var job types.Job
		var started, completed sql.NullTime
		if err := rows.Scan(&job.ID, &job.RecordingID, &job.Kind, &job.Status, &job.Progress,
			&job.CurrentStep, &job.Result, &job.Error, &started, &completed, &job.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan job: %v", err)
		}
		if started.Valid {
			job.StartedAt = &started.Time
		}
		if completed.Valid {
			job.CompletedAt = &completed.Time
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// StartJob moves a pending job to running. Cancelled jobs stay cancelled.
func (s *Store) StartJob(id string) error {
	res, err := s.db.Exec(`
		UPDATE jobs SET status = ?, started_at = ? WHERE id = ? AND status = ?`,
		types.JobRunning, time.Now().UTC(), id, types.JobPending)
	if err != nil {
		return fmt.Errorf("failed to start job: %v", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		job, err := s.GetJob(id)
		if err != nil {
			return err
		}
		return fmt.Errorf("job %s is %s, cannot start", id, job.Status)
	}
	return nil
}

// UpdateJobProgress sets progress percentage and step label of a running job.
func (s *Store) UpdateJobProgress(id string, progress float64, step string) error {
	_, err := s.db.Exec(`UPDATE jobs SET progress = ?, current_step = ? WHERE id = ?`,
		progress, step, id)
	if err != nil {
		return fmt.Errorf("failed to update job progress: %v", err)
	}
	return nil
}

// CompleteJob marks a running job completed with full progress. A job
// cancelled in the meantime keeps its cancelled status; ErrNotRunning
// tells the caller the result was discarded.
func (s *Store) CompleteJob(id, result string) error {
	res, err := s.db.Exec(`
		UPDATE jobs SET status = ?, progress = 100, current_step = 'done', result = ?, completed_at = ?
		WHERE id = ? AND status = ?`,
		types.JobCompleted, result, time.Now().UTC(), id, types.JobRunning)
	if err != nil {
		return fmt.Errorf("failed to complete job: %v", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotRunning
	}
	return nil
}

// FailJob marks a pending or running job failed with the triggering
// error's message. No stack traces, just the text. A terminal status,
// cancelled included, is never overwritten.
func (s *Store) FailJob(id, errMsg string) error {
	res, err := s.db.Exec(`
		UPDATE jobs SET status = ?, error = ?, completed_at = ? WHERE id = ? AND status IN (?, ?)`,
		types.JobFailed, errMsg, time.Now().UTC(), id, types.JobPending, types.JobRunning)
	if err != nil {
		return fmt.Errorf("failed to fail job: %v", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotRunning
	}
	return nil
}

// CancelJob moves a pending or running job to cancelled. Queued jobs are
// skipped at pickup; for running jobs the queue cancels the handler's
// context, and the guarded terminal updates keep this status final.
func (s *Store) CancelJob(id string) error {
	res, err := s.db.Exec(`
		UPDATE jobs SET status = ?, completed_at = ? WHERE id = ? AND status IN (?, ?)`,
		types.JobCancelled, time.Now().UTC(), id, types.JobPending, types.JobRunning)
	if err != nil {
		return fmt.Errorf("failed to cancel job: %v", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		job, err := s.GetJob(id)
		if err != nil {
			return err
		}
		return fmt.Errorf("job %s is %s, cannot cancel", id, job.Status)
	}
	return nil
}

// FailInterrupted force-fails every non-terminal job and every recording an
// interrupted job left in-progress. Mandatory at process startup: work that
// was running when the process died cannot be resumed, only observed as
// failed and retried.
func (s *Store) FailInterrupted() (int, error) {
	res, err := s.db.Exec(`
		UPDATE jobs SET status = ?, error = 'interrupted by restart; retry', completed_at = ?
		WHERE status IN (?, ?)`,
		types.JobFailed, time.Now().UTC(), types.JobPending, types.JobRunning)
	if err != nil {
		return 0, fmt.Errorf("failed to fail interrupted jobs: %v", err)
	}
	n, _ := res.RowsAffected()

	_, err = s.db.Exec(`
		UPDATE recordings SET status = ?, updated_at = ? WHERE status IN (?, ?)`,
		types.RecordingFailed, time.Now().UTC(),
		types.RecordingProcessing, types.RecordingFinalizing)
	if err != nil {
		return int(n), fmt.Errorf("failed to fail interrupted recordings: %v", err)
	}
	return int(n), nil
}
