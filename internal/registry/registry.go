// Package registry manages the per-recording speaker roster: one row
// per diarization label, created on first sight and reused afterwards.
package registry

import (
	"fmt"

	"github.com/jmalmgren/scribed/internal/store"
	"github.com/jmalmgren/scribed/internal/types"
)

type Registry struct {
	store *store.Store
}

func New(s *store.Store) *Registry {
	return &Registry{store: s}
}

// Resolve returns the speaker for a diarization label, creating it if
// this is the first segment carrying the label. Colors are assigned by
// creation index; the UNKNOWN sentinel always gets the same gray.
func (r *Registry) Resolve(recordingID, label string) (*types.Speaker, error) {
	sp, err := r.store.GetSpeakerByLabel(recordingID, label)
	if err == nil {
		return sp, nil
	}
	if err != store.ErrNotFound {
		return nil, err
	}

	sp = &types.Speaker{
		RecordingID: recordingID,
		Label:       label,
	}
	var createErr error
	if label == types.UnknownLabel {
		sp.Color = types.UnknownColor
		createErr = r.store.CreateSpeaker(sp)
	} else {
		// Count and insert run atomically so two concurrent first
		// sightings cannot take the same palette index.
		createErr = r.store.CreateSpeakerIndexed(sp)
	}
	if createErr != nil {
		// Two callers can race on the same new label; the UNIQUE
		// constraint makes one of them lose, so re-read.
		if existing, lookupErr := r.store.GetSpeakerByLabel(recordingID, label); lookupErr == nil {
			return existing, nil
		}
		return nil, createErr
	}
	return sp, nil
}

// Rename sets a human display name on a speaker and records how the
// identity was established.
func (r *Registry) Rename(speakerID, displayName, identifiedBy string, confidence float64) error {
	if displayName == "" {
		return fmt.Errorf("display name must not be empty")
	}
	return r.store.UpdateSpeakerName(speakerID, displayName, identifiedBy, confidence)
}

// Merge moves every segment from one speaker onto another within the
// same recording, deletes the source speaker, and refreshes the
// target's aggregates. Returns the number of segments moved.
func (r *Registry) Merge(fromID, toID string) (int, error) {
	if fromID == toID {
		return 0, fmt.Errorf("cannot merge a speaker into itself")
	}
	from, err := r.store.GetSpeaker(fromID)
	if err != nil {
		return 0, err
	}
	to, err := r.store.GetSpeaker(toID)
	if err != nil {
		return 0, err
	}
	if from.RecordingID != to.RecordingID {
		return 0, fmt.Errorf("speakers belong to different recordings")
	}

	moved, err := r.store.ReassignSegments(fromID, toID)
	if err != nil {
		return 0, err
	}
	if err := r.store.DeleteSpeaker(fromID); err != nil {
		return moved, fmt.Errorf("failed to delete merged speaker: %v", err)
	}
	if err := r.store.RecomputeSpeakerStats(toID); err != nil {
		return moved, err
	}
	return moved, nil
}
