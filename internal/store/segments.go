package store

import (
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/jmalmgren/scribed/internal/types"
)

// CreateSegment inserts one segment row. A foreign-key violation here means a
// concurrent pass deleted the referenced speaker; callers in the live path
// re-resolve the speaker and retry (see IsConflict).
func (s *Store) CreateSegment(seg *types.Segment) error {
	if seg.ID == "" {
		seg.ID = uuid.New().String()
	}
	var speakerID interface{}
	if seg.SpeakerID != "" {
		speakerID = seg.SpeakerID
	}
	_, err := s.db.Exec(`
		INSERT INTO segments (id, recording_id, speaker_id, start_time, end_time,
		                      text, original_text, ord, is_edited)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		seg.ID, seg.RecordingID, speakerID, seg.Start, seg.End,
		seg.Text, seg.OriginalText, seg.Order, seg.Edited)
	if err != nil {
		return fmt.Errorf("failed to create segment: %w", err)
	}
	return nil
}

// ListSegments returns all segments of a recording ordered by ord.
func (s *Store) ListSegments(recordingID string) ([]types.Segment, error) {
	rows, err := s.db.Query(`
		SELECT id, recording_id, speaker_id, start_time, end_time, text, original_text, ord, is_edited
		FROM segments WHERE recording_id = ? ORDER BY ord`, recordingID)
	if err != nil {
		return nil, fmt.Errorf("failed to list segments: %v", err)
	}
	defer rows.Close()

	var segments []types.Segment
	for rows.Next() {
		var seg types.Segment
		var speakerID sql.NullString
		if err := rows.Scan(&seg.ID, &seg.RecordingID, &speakerID, &seg.Start, &seg.End,
			&seg.Text, &seg.OriginalText, &seg.Order, &seg.Edited); err != nil {
			return nil, fmt.Errorf("failed to scan segment: %v", err)
		}
		seg.SpeakerID = speakerID.String
		segments = append(segments, seg)
	}
	return segments, rows.Err()
}

// EditedSegments returns the (start, end, text) snapshots of every segment
// whose text a user has edited, for edit preservation across rebuilds.
func (s *Store) EditedSegments(recordingID string) ([]types.Segment, error) {
	rows, err := s.db.Query(`
		SELECT id, recording_id, speaker_id, start_time, end_time, text, original_text, ord, is_edited
		FROM segments WHERE recording_id = ? AND is_edited = 1 ORDER BY ord`, recordingID)
	if err != nil {
		return nil, fmt.Errorf("failed to list edited segments: %v", err)
	}
	defer rows.Close()

	var segments []types.Segment
	for rows.Next() {
		var seg types.Segment
		var speakerID sql.NullString
		if err := rows.Scan(&seg.ID, &seg.RecordingID, &speakerID, &seg.Start, &seg.End,
			&seg.Text, &seg.OriginalText, &seg.Order, &seg.Edited); err != nil {
			return nil, fmt.Errorf("failed to scan segment: %v", err)
		}
		seg.SpeakerID = speakerID.String
		segments = append(segments, seg)
	}
	return segments, rows.Err()
}

// EditSegmentText replaces a segment's text with a user correction. The
// first edit snapshots the automatic text into original_text.
func (s *Store) EditSegmentText(segmentID, text string) error {
	res, err := s.db.Exec(`
		UPDATE segments
		SET original_text = CASE WHEN is_edited = 0 THEN text ELSE original_text END,
		    text = ?, is_edited = 1
		WHERE id = ?`, text, segmentID)
	if err != nil {
		return fmt.Errorf("failed to edit segment: %v", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteRecordingResults wipes all segments and speakers of a recording, in
// that order so no speaker row is deleted while segments still reference it.
// Reprocessing is idempotent because every pipeline run starts here.
func (s *Store) DeleteRecordingResults(recordingID string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin cleanup: %v", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM segments WHERE recording_id = ?`, recordingID); err != nil {
		return fmt.Errorf("failed to delete segments: %v", err)
	}
	if _, err := tx.Exec(`DELETE FROM speakers WHERE recording_id = ?`, recordingID); err != nil {
		return fmt.Errorf("failed to delete speakers: %v", err)
	}
	return tx.Commit()
}

// ReassignSegments moves every segment of one speaker to another.
func (s *Store) ReassignSegments(fromSpeakerID, toSpeakerID string) (int, error) {
	res, err := s.db.Exec(`UPDATE segments SET speaker_id = ? WHERE speaker_id = ?`,
		toSpeakerID, fromSpeakerID)
	if err != nil {
		return 0, fmt.Errorf("failed to reassign segments: %v", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// ReassignSegment moves a single segment to a speaker.
func (s *Store) ReassignSegment(segmentID, speakerID string) error {
	_, err := s.db.Exec(`UPDATE segments SET speaker_id = ? WHERE id = ?`, speakerID, segmentID)
	if err != nil {
		return fmt.Errorf("failed to reassign segment: %v", err)
	}
	return nil
}

// CountSegmentsBySpeaker returns how many segments currently reference a speaker.
func (s *Store) CountSegmentsBySpeaker(speakerID string) (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM segments WHERE speaker_id = ?`, speakerID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count segments: %v", err)
	}
	return n, nil
}
