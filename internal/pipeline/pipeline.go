// Package pipeline runs the batch processing stages that turn a stored
// audio file into ordered, speaker-attributed transcript segments.
package pipeline

import (
	"context"
	"fmt"
	"log"
	"math"
	"os"
	"sort"

	"github.com/jmalmgren/scribed/internal/align"
	"github.com/jmalmgren/scribed/internal/events"
	"github.com/jmalmgren/scribed/internal/services"
	"github.com/jmalmgren/scribed/internal/store"
	"github.com/jmalmgren/scribed/internal/types"
)

// EditMatchTolerance is how far (seconds) a rebuilt segment's start and
// end may drift from an edited snapshot and still inherit its text.
const EditMatchTolerance = 1.5

// Orchestrator owns the batch pipeline stages. A failing stage aborts
// the whole job; later stages never commit partial results.
type Orchestrator struct {
	store       *store.Store
	audio       services.AudioBackend
	transcriber services.Transcriber
	diarizer    services.Diarizer
	embedder    services.Embedder
	textgen     services.TextGenerator
	hub         *events.Hub

	// enqueue schedules a follow-up job. Wired to the queue at startup;
	// nil disables downstream scheduling.
	enqueue func(recordingID, kind string) error
}

func NewOrchestrator(s *store.Store, audio services.AudioBackend, tr services.Transcriber,
	d services.Diarizer, e services.Embedder, tg services.TextGenerator, hub *events.Hub) *Orchestrator {
	return &Orchestrator{
		store:       s,
		audio:       audio,
		transcriber: tr,
		diarizer:    d,
		embedder:    e,
		textgen:     tg,
		hub:         hub,
	}
}

// SetEnqueue wires the downstream job scheduler.
func (o *Orchestrator) SetEnqueue(fn func(recordingID, kind string) error) {
	o.enqueue = fn
}

func (o *Orchestrator) progress(jobID string, rec *types.Recording, pct float64, step string) {
	if err := o.store.UpdateJobProgress(jobID, pct, step); err != nil {
		log.Printf("Failed to update job %s progress: %v", jobID, err)
	}
	o.hub.Publish(rec.ID, events.TypeProgress, map[string]interface{}{
		"job_id":  jobID,
		"percent": pct,
		"step":    step,
	})
}

// RunFull executes the complete offline pipeline for an uploaded
// recording.
func (o *Orchestrator) RunFull(ctx context.Context, job *types.Job) error {
	rec, err := o.store.GetRecording(job.RecordingID)
	if err != nil {
		return err
	}
	if rec.AudioPath == "" {
		return fmt.Errorf("recording %s has no audio file", rec.ID)
	}

	o.progress(job.ID, rec, 5, "normalizing audio")
	wavPath, err := o.audio.Normalize(ctx, rec.AudioPath)
	if err != nil {
		return err
	}
	defer os.Remove(wavPath)

	duration, err := o.audio.Duration(ctx, wavPath)
	if err != nil {
		return err
	}
	if err := o.store.SetRecordingDuration(rec.ID, duration); err != nil {
		return err
	}

	o.progress(job.ID, rec, 15, "transcribing")
	spans, err := o.transcriber.Transcribe(ctx, wavPath, services.TranscribeOptions{Tier: services.TierQuality})
	if err != nil {
		return fmt.Errorf("transcription failed: %v", err)
	}
	if err := o.store.SetRawTranscript(rec.ID, spans); err != nil {
		return err
	}

	minSpeakers, maxSpeakers := rec.MinSpeakers, rec.MaxSpeakers
	introEnd := rec.IntroEndTime
	if maxSpeakers == 0 {
		o.progress(job.ID, rec, 45, "analyzing introductions")
		intro := o.analyzeIntro(ctx, spans)
		if intro.SpeakerEstimate > 0 {
			minSpeakers, maxSpeakers = intro.SpeakerEstimate, intro.SpeakerEstimate
		}
		introEnd = intro.EndTime
		if err := o.store.SetSpeakerBounds(rec.ID, minSpeakers, maxSpeakers, introEnd); err != nil {
			return err
		}
	}

	o.progress(job.ID, rec, 55, "diarizing")
	turns, err := o.diarizer.Diarize(ctx, wavPath, minSpeakers, maxSpeakers)
	if err != nil {
		return fmt.Errorf("diarization failed: %v", err)
	}
	if err := o.store.SetRawDiarization(rec.ID, turns); err != nil {
		return err
	}

	o.progress(job.ID, rec, 75, "aligning")
	labeled := align.Align(spans, turns)

	o.progress(job.ID, rec, 80, "persisting segments")
	speakers, err := o.persistResults(rec.ID, labeled, false)
	if err != nil {
		return err
	}

	o.progress(job.ID, rec, 85, "identifying speakers")
	o.identifySpeakers(ctx, rec.ID, wavPath, speakers)

	if err := o.store.RecomputeAllSpeakerStats(rec.ID); err != nil {
		return err
	}

	o.progress(job.ID, rec, 100, "done")
	o.scheduleInsights(rec.ID)
	return nil
}

// Rediarize reruns diarization, alignment, identification, and persist
// against the stored raw transcript, preserving edited segments.
func (o *Orchestrator) Rediarize(ctx context.Context, job *types.Job) error {
	rec, err := o.store.GetRecording(job.RecordingID)
	if err != nil {
		return err
	}
	if len(rec.RawTranscript) == 0 {
		return fmt.Errorf("recording %s has no stored transcript to rediarize", rec.ID)
	}
	if rec.AudioPath == "" {
		return fmt.Errorf("recording %s has no audio file", rec.ID)
	}

	o.progress(job.ID, rec, 10, "normalizing audio")
	wavPath, err := o.audio.Normalize(ctx, rec.AudioPath)
	if err != nil {
		return err
	}
	defer os.Remove(wavPath)

	o.progress(job.ID, rec, 25, "diarizing")
	turns, err := o.diarizer.Diarize(ctx, wavPath, rec.MinSpeakers, rec.MaxSpeakers)
	if err != nil {
		return fmt.Errorf("diarization failed: %v", err)
	}
	if err := o.store.SetRawDiarization(rec.ID, turns); err != nil {
		return err
	}

	o.progress(job.ID, rec, 70, "aligning")
	labeled := align.Align(rec.RawTranscript, turns)

	o.progress(job.ID, rec, 80, "persisting segments")
	speakers, err := o.persistResults(rec.ID, labeled, true)
	if err != nil {
		return err
	}

	o.progress(job.ID, rec, 90, "identifying speakers")
	o.identifySpeakers(ctx, rec.ID, wavPath, speakers)

	if err := o.store.RecomputeAllSpeakerStats(rec.ID); err != nil {
		return err
	}
	o.progress(job.ID, rec, 100, "done")
	return nil
}

// Reidentify reruns only the speaker-identification stage against the
// existing segments and speakers.
func (o *Orchestrator) Reidentify(ctx context.Context, job *types.Job) error {
	rec, err := o.store.GetRecording(job.RecordingID)
	if err != nil {
		return err
	}

	speakers, err := o.store.ListSpeakers(rec.ID)
	if err != nil {
		return err
	}
	if len(speakers) == 0 {
		return fmt.Errorf("recording %s has no speakers to identify", rec.ID)
	}

	wavPath := ""
	if rec.AudioPath != "" {
		o.progress(job.ID, rec, 20, "normalizing audio")
		if p, err := o.audio.Normalize(ctx, rec.AudioPath); err == nil {
			wavPath = p
			defer os.Remove(p)
		} else {
			log.Printf("Skipping voice-profile matching for %s: %v", rec.ID, err)
		}
	}

	o.progress(job.ID, rec, 50, "identifying speakers")
	o.identifySpeakers(ctx, rec.ID, wavPath, speakers)

	if err := o.store.RecomputeAllSpeakerStats(rec.ID); err != nil {
		return err
	}
	o.progress(job.ID, rec, 100, "done")
	return nil
}

// FinalizeLive re-runs the full quality pipeline over a completed live
// session's audio, rebuilding segments while preserving user edits.
func (o *Orchestrator) FinalizeLive(ctx context.Context, job *types.Job) error {
	rec, err := o.store.GetRecording(job.RecordingID)
	if err != nil {
		return err
	}
	if rec.AudioPath == "" {
		return fmt.Errorf("live recording %s has no captured audio", rec.ID)
	}

	o.hub.Publish(rec.ID, events.TypeFinalizeStarted, nil)

	o.progress(job.ID, rec, 10, "re-transcribing with quality model")
	spans, err := o.transcriber.Transcribe(ctx, rec.AudioPath, services.TranscribeOptions{Tier: services.TierQuality})
	if err != nil {
		return fmt.Errorf("transcription failed: %v", err)
	}
	if err := o.store.SetRawTranscript(rec.ID, spans); err != nil {
		return err
	}

	o.progress(job.ID, rec, 50, "diarizing")
	turns, err := o.diarizer.Diarize(ctx, rec.AudioPath, rec.MinSpeakers, rec.MaxSpeakers)
	if err != nil {
		return fmt.Errorf("diarization failed: %v", err)
	}
	if err := o.store.SetRawDiarization(rec.ID, turns); err != nil {
		return err
	}

	o.progress(job.ID, rec, 75, "aligning")
	labeled := align.Align(spans, turns)

	o.progress(job.ID, rec, 80, "rebuilding segments")
	speakers, err := o.persistResults(rec.ID, labeled, true)
	if err != nil {
		return err
	}

	o.progress(job.ID, rec, 90, "identifying speakers")
	o.identifySpeakers(ctx, rec.ID, rec.AudioPath, speakers)

	if err := o.store.RecomputeAllSpeakerStats(rec.ID); err != nil {
		return err
	}

	o.progress(job.ID, rec, 100, "done")
	o.hub.Publish(rec.ID, events.TypeFinalizeComplete, nil)
	o.scheduleInsights(rec.ID)
	return nil
}

// persistResults replaces a recording's segments and speakers with the
// aligned output. Speakers are created in sorted label order so colors
// are stable across reprocessing runs. When preserveEdits is set,
// edited segment text survives the rebuild if the new timing stays
// within EditMatchTolerance of the old.
func (o *Orchestrator) persistResults(recordingID string, labeled []align.Labeled, preserveEdits bool) ([]types.Speaker, error) {
	var edited []types.Segment
	if preserveEdits {
		var err error
		edited, err = o.store.EditedSegments(recordingID)
		if err != nil {
			return nil, err
		}
	}

	if err := o.store.DeleteRecordingResults(recordingID); err != nil {
		return nil, err
	}

	labels := align.Labels(labeled)
	sort.Strings(labels)

	byLabel := make(map[string]*types.Speaker, len(labels))
	speakers := make([]types.Speaker, 0, len(labels)+1)
	for i, label := range labels {
		sp := &types.Speaker{
			RecordingID: recordingID,
			Label:       label,
			Color:       types.ColorForIndex(i),
		}
		if err := o.store.CreateSpeaker(sp); err != nil {
			return nil, err
		}
		byLabel[label] = sp
		speakers = append(speakers, *sp)
	}
	if align.HasUnknown(labeled) {
		sp := &types.Speaker{
			RecordingID: recordingID,
			Label:       types.UnknownLabel,
			Color:       types.UnknownColor,
		}
		if err := o.store.CreateSpeaker(sp); err != nil {
			return nil, err
		}
		byLabel[types.UnknownLabel] = sp
		speakers = append(speakers, *sp)
	}

	for i, l := range labeled {
		seg := &types.Segment{
			RecordingID: recordingID,
			SpeakerID:   byLabel[l.Speaker].ID,
			Start:       l.Start,
			End:         l.End,
			Text:        l.Text,
			Order:       i,
		}
		if snap := matchEdited(edited, l.Start, l.End); snap != nil {
			seg.OriginalText = l.Text
			seg.Text = snap.Text
			seg.Edited = true
		}
		if err := o.store.CreateSegment(seg); err != nil {
			return nil, err
		}
	}
	return speakers, nil
}

func matchEdited(edited []types.Segment, start, end float64) *types.Segment {
	for i := range edited {
		if math.Abs(edited[i].Start-start) <= EditMatchTolerance &&
			math.Abs(edited[i].End-end) <= EditMatchTolerance {
			return &edited[i]
		}
	}
	return nil
}

func (o *Orchestrator) scheduleInsights(recordingID string) {
	if o.enqueue == nil {
		return
	}
	if err := o.enqueue(recordingID, types.KindExtractInsights); err != nil {
		log.Printf("Failed to enqueue insight extraction for %s: %v", recordingID, err)
	}
}
