package store

import (
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/jmalmgren/scribed/internal/types"
)

// CreateSpeaker inserts one speaker row.
func (s *Store) CreateSpeaker(sp *types.Speaker) error {
	if sp.ID == "" {
		sp.ID = uuid.New().String()
	}
	_, err := s.db.Exec(`
		INSERT INTO speakers (id, recording_id, label, display_name, color, identified_by,
		                      confidence, total_speaking_time, segment_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sp.ID, sp.RecordingID, sp.Label, sp.DisplayName, sp.Color, sp.IdentifiedBy,
		sp.Confidence, sp.SpeakingTime, sp.SegmentCount)
	if err != nil {
		return fmt.Errorf("failed to create speaker: %v", err)
	}
	return nil
}

// CreateSpeakerIndexed inserts a speaker whose palette color is derived
// from the recording's current speaker count. Count and insert run in
// one transaction so concurrent creations cannot pick the same index.
func (s *Store) CreateSpeakerIndexed(sp *types.Speaker) error {
	if sp.ID == "" {
		sp.ID = uuid.New().String()
	}
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin speaker insert: %v", err)
	}
	defer tx.Rollback()

	var n int
	if err := tx.QueryRow(`SELECT COUNT(*) FROM speakers WHERE recording_id = ?`,
		sp.RecordingID).Scan(&n); err != nil {
		return fmt.Errorf("failed to count speakers: %v", err)
	}
	sp.Color = types.ColorForIndex(n)

	_, err = tx.Exec(`
		INSERT INTO speakers (id, recording_id, label, display_name, color, identified_by,
		                      confidence, total_speaking_time, segment_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sp.ID, sp.RecordingID, sp.Label, sp.DisplayName, sp.Color, sp.IdentifiedBy,
		sp.Confidence, sp.SpeakingTime, sp.SegmentCount)
	if err != nil {
		return fmt.Errorf("failed to create speaker: %v", err)
	}
	return tx.Commit()
}

// GetSpeaker loads one speaker by ID.
func (s *Store) GetSpeaker(id string) (*types.Speaker, error) {
	return s.scanSpeaker(s.db.QueryRow(speakerSelect+` WHERE id = ?`, id))
}

// GetSpeakerByLabel loads a speaker by (recording, label).
func (s *Store) GetSpeakerByLabel(recordingID, label string) (*types.Speaker, error) {
	return s.scanSpeaker(s.db.QueryRow(speakerSelect+` WHERE recording_id = ? AND label = ?`,
		recordingID, label))
}

const speakerSelect = `
	SELECT id, recording_id, label, display_name, color, identified_by,
	       confidence, total_speaking_time, segment_count
	FROM speakers`

func (s *Store) scanSpeaker(row *sql.Row) (*types.Speaker, error) {
	var sp types.Speaker
	err := row.Scan(&sp.ID, &sp.RecordingID, &sp.Label, &sp.DisplayName, &sp.Color,
		&sp.IdentifiedBy, &sp.Confidence, &sp.SpeakingTime, &sp.SegmentCount)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get speaker: %v", err)
	}
	return &sp, nil
}

// ListSpeakers returns all speakers of a recording in label order.
func (s *Store) ListSpeakers(recordingID string) ([]types.Speaker, error) {
	rows, err := s.db.Query(speakerSelect+` WHERE recording_id = ? ORDER BY label`, recordingID)
	if err != nil {
		return nil, fmt.Errorf("failed to list speakers: %v", err)
	}
	defer rows.Close()

	var speakers []types.Speaker
	for rows.Next() {
		var sp types.Speaker
		if err := rows.Scan(&sp.ID, &sp.RecordingID, &sp.Label, &sp.DisplayName, &sp.Color,
			&sp.IdentifiedBy, &sp.Confidence, &sp.SpeakingTime, &sp.SegmentCount); err != nil {
			return nil, fmt.Errorf("failed to scan speaker: %v", err)
		}
		speakers = append(speakers, sp)
	}
	return speakers, rows.Err()
}

// UpdateSpeakerName sets a display name and its identification provenance.
func (s *Store) UpdateSpeakerName(id, displayName, identifiedBy string, confidence float64) error {
	res, err := s.db.Exec(`
		UPDATE speakers SET display_name = ?, identified_by = ?, confidence = ? WHERE id = ?`,
		displayName, identifiedBy, confidence, id)
	if err != nil {
		return fmt.Errorf("failed to update speaker name: %v", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteSpeaker removes one speaker. Segments still pointing at it must be
// reassigned or nulled first; the foreign key makes violations explicit.
func (s *Store) DeleteSpeaker(id string) error {
	res, err := s.db.Exec(`DELETE FROM speakers WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete speaker: %v", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// RecomputeSpeakerStats recalculates the aggregate speaking time and segment
// count from the speaker's current segment set. Invoked at defined
// checkpoints instead of scattering incremental updates, so the aggregates
// cannot drift.
func (s *Store) RecomputeSpeakerStats(speakerID string) error {
	_, err := s.db.Exec(`
		UPDATE speakers SET
			segment_count = (SELECT COUNT(*) FROM segments WHERE speaker_id = ?),
			total_speaking_time = (SELECT COALESCE(SUM(end_time - start_time), 0)
			                       FROM segments WHERE speaker_id = ?)
		WHERE id = ?`,
		speakerID, speakerID, speakerID)
	if err != nil {
		return fmt.Errorf("failed to recompute speaker stats: %v", err)
	}
	return nil
}

// RecomputeAllSpeakerStats refreshes aggregates for every speaker of a recording.
func (s *Store) RecomputeAllSpeakerStats(recordingID string) error {
	speakers, err := s.ListSpeakers(recordingID)
	if err != nil {
		return err
	}
	for _, sp := range speakers {
		if err := s.RecomputeSpeakerStats(sp.ID); err != nil {
			return err
		}
	}
	return nil
}
