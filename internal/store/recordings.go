package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/jmalmgren/scribed/internal/types"
)

// CreateRecording inserts a new recording in its initial status.
func (s *Store) CreateRecording(title, mode string, minSpeakers, maxSpeakers int) (*types.Recording, error) {
	rec := &types.Recording{
		ID:          uuid.New().String(),
		Title:       title,
		Mode:        mode,
		Status:      types.RecordingUploaded,
		MinSpeakers: minSpeakers,
		MaxSpeakers: maxSpeakers,
		CreatedAt:   time.Now().UTC(),
		UpdatedAt:   time.Now().UTC(),
	}
	if mode == types.ModeLive {
		rec.Status = types.RecordingRecording
	}

	_, err := s.db.Exec(`
		INSERT INTO recordings (id, title, status, mode, min_speakers, max_speakers, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Title, rec.Status, rec.Mode, rec.MinSpeakers, rec.MaxSpeakers, rec.CreatedAt, rec.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create recording: %v", err)
	}
	return rec, nil
}

// GetRecording loads one recording, including its raw service outputs.
func (s *Store) GetRecording(id string) (*types.Recording, error) {
	row := s.db.QueryRow(`
		SELECT id, title, status, mode, audio_path, duration, min_speakers, max_speakers,
		       intro_end_time, raw_transcript, raw_diarization, refine_history, created_at, updated_at
		FROM recordings WHERE id = ?`, id)

	var rec types.Recording
	var rawTranscript, rawDiarization, refineHistory sql.NullString
	err := row.Scan(&rec.ID, &rec.Title, &rec.Status, &rec.Mode, &rec.AudioPath,
		&rec.Duration, &rec.MinSpeakers, &rec.MaxSpeakers, &rec.IntroEndTime,
		&rawTranscript, &rawDiarization, &refineHistory, &rec.CreatedAt, &rec.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get recording: %v", err)
	}

	if rawTranscript.Valid && rawTranscript.String != "" {
		if err := json.Unmarshal([]byte(rawTranscript.String), &rec.RawTranscript); err != nil {
			return nil, fmt.Errorf("corrupt raw transcript for %s: %v", id, err)
		}
	}
	if rawDiarization.Valid && rawDiarization.String != "" {
		if err := json.Unmarshal([]byte(rawDiarization.String), &rec.RawDiarization); err != nil {
			return nil, fmt.Errorf("corrupt raw diarization for %s: %v", id, err)
		}
	}
	if refineHistory.Valid && refineHistory.String != "" {
		if err := json.Unmarshal([]byte(refineHistory.String), &rec.RefineHistory); err != nil {
			return nil, fmt.Errorf("corrupt refine history for %s: %v", id, err)
		}
	}
	return &rec, nil
}

// ClaimRecording atomically flips the recording into an in-progress status.
// The compare-and-swap guards against two writers producing ordered segments
// for the same recording: zero rows affected means someone else holds it.
func (s *Store) ClaimRecording(id, inProgressStatus string) error {
	res, err := s.db.Exec(`
		UPDATE recordings SET status = ?, updated_at = ?
		WHERE id = ? AND status NOT IN (?, ?)`,
		inProgressStatus, time.Now().UTC(), id,
		types.RecordingProcessing, types.RecordingFinalizing)
	if err != nil {
		return fmt.Errorf("failed to claim recording: %v", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to claim recording: %v", err)
	}
	if n == 0 {
		if _, err := s.GetRecording(id); err != nil {
			return err
		}
		return ErrAlreadyRunning
	}
	return nil
}

// SetRecordingStatus unconditionally moves a recording to a status.
func (s *Store) SetRecordingStatus(id, status string) error {
	_, err := s.db.Exec(`UPDATE recordings SET status = ?, updated_at = ? WHERE id = ?`,
		status, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to set recording status: %v", err)
	}
	return nil
}

// SetRecordingDuration refreshes the known audio length.
func (s *Store) SetRecordingDuration(id string, seconds float64) error {
	_, err := s.db.Exec(`UPDATE recordings SET duration = ?, updated_at = ? WHERE id = ?`,
		seconds, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to set duration: %v", err)
	}
	return nil
}

// SetRecordingAudioPath records where the canonical mono waveform lives.
func (s *Store) SetRecordingAudioPath(id, path string) error {
	_, err := s.db.Exec(`UPDATE recordings SET audio_path = ?, updated_at = ? WHERE id = ?`,
		path, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to set audio path: %v", err)
	}
	return nil
}

// SetRawTranscript stores the transcriber's output for later reprocessing.
func (s *Store) SetRawTranscript(id string, spans []types.Span) error {
	data, err := json.Marshal(spans)
	if err != nil {
		return fmt.Errorf("failed to marshal transcript: %v", err)
	}
	_, err = s.db.Exec(`UPDATE recordings SET raw_transcript = ?, updated_at = ? WHERE id = ?`,
		string(data), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to store raw transcript: %v", err)
	}
	return nil
}

// SetRawDiarization stores the diarizer's output for later reprocessing.
func (s *Store) SetRawDiarization(id string, turns []types.Turn) error {
	data, err := json.Marshal(turns)
	if err != nil {
		return fmt.Errorf("failed to marshal diarization: %v", err)
	}
	_, err = s.db.Exec(`UPDATE recordings SET raw_diarization = ?, updated_at = ? WHERE id = ?`,
		string(data), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to store raw diarization: %v", err)
	}
	return nil
}

// SetSpeakerBounds records the discovered or user-supplied speaker count
// bounds plus where the introduction phase ended.
func (s *Store) SetSpeakerBounds(id string, minSpeakers, maxSpeakers int, introEnd float64) error {
	_, err := s.db.Exec(`
		UPDATE recordings SET min_speakers = ?, max_speakers = ?, intro_end_time = ?, updated_at = ?
		WHERE id = ?`,
		minSpeakers, maxSpeakers, introEnd, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to set speaker bounds: %v", err)
	}
	return nil
}

// AppendRefineHistory adds one refinement-pass entry to the recording's log.
func (s *Store) AppendRefineHistory(id string, entry types.RefineEntry) error {
	rec, err := s.GetRecording(id)
	if err != nil {
		return err
	}
	history := append(rec.RefineHistory, entry)
	data, err := json.Marshal(history)
	if err != nil {
		return fmt.Errorf("failed to marshal refine history: %v", err)
	}
	_, err = s.db.Exec(`UPDATE recordings SET refine_history = ?, updated_at = ? WHERE id = ?`,
		string(data), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to append refine history: %v", err)
	}
	return nil
}

// DeleteRecording removes the recording and, via cascade, its segments,
// speakers and jobs.
func (s *Store) DeleteRecording(id string) error {
	res, err := s.db.Exec(`DELETE FROM recordings WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete recording: %v", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
