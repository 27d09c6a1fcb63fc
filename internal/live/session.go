// Package live implements the incremental transcription engine for
// streaming recordings: chunks arrive in order, are transcribed with a
// low-latency model, attributed to a speaker via adaptive voice
// centroids, and persisted immediately.
package live

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/jmalmgren/scribed/internal/events"
	"github.com/jmalmgren/scribed/internal/metrics"
	"github.com/jmalmgren/scribed/internal/refine"
	"github.com/jmalmgren/scribed/internal/registry"
	"github.com/jmalmgren/scribed/internal/services"
	"github.com/jmalmgren/scribed/internal/store"
	"github.com/jmalmgren/scribed/internal/types"
)

// Live processing thresholds.
const (
	// SilenceFloor is the RMS amplitude below which a chunk is dropped
	// without a transcription call.
	SilenceFloor = 500.0

	// CentroidThreshold is the minimum cosine similarity for assigning
	// a span to an existing voice centroid.
	CentroidThreshold = 0.45

	// MinEmbedSecs is the shortest span worth embedding; anything
	// shorter reuses the most recent label.
	MinEmbedSecs = 2.0

	// centroidBlend weights the new sample when adapting a centroid,
	// favoring it over history to track within-speaker variation.
	centroidBlend = 0.7

	wordWindow   = 60 // rolling context words retained
	promptWords  = 30 // words passed as the decoding prompt
	persistTries = 3  // insert attempts before a segment is dropped
)

var specialTokenPattern = regexp.MustCompile(`<\|[^|]*\|>`)

// Session is the per-recording live engine. One goroutine calls
// Process at a time; chunks are handled strictly in arrival order.
type Session struct {
	recordingID string

	store       *store.Store
	registry    *registry.Registry
	audio       services.AudioBackend
	transcriber services.Transcriber
	embedder    services.Embedder
	hub         *events.Hub
	enqueue     func(recordingID, kind string) error

	snapshotPath string
	tempDir      string

	pcm       []int16
	elapsed   float64
	seq       int
	segOrder  int
	words     []string
	centroids map[string][]float32
	lastLabel string
	schedule  refine.Schedule

	closeOnce sync.Once
}

func newSession(recordingID string, s *store.Store, reg *registry.Registry, audio services.AudioBackend,
	tr services.Transcriber, emb services.Embedder, hub *events.Hub,
	enqueue func(string, string) error, audioDir, tempDir string) *Session {
	return &Session{
		recordingID:  recordingID,
		store:        s,
		registry:     reg,
		audio:        audio,
		transcriber:  tr,
		embedder:     emb,
		hub:          hub,
		enqueue:      enqueue,
		snapshotPath: filepath.Join(audioDir, fmt.Sprintf("live_%s.wav", recordingID)),
		tempDir:      tempDir,
		centroids:    make(map[string][]float32),
	}
}

// Process ingests one audio chunk. Chunk-local failures (a dropped
// span, a failed embed) are absorbed; only decode failures are
// reported to the caller.
func (s *Session) Process(ctx context.Context, chunk []byte) error {
	started := time.Now()

	samples, err := s.audio.DecodePCM(ctx, chunk)
	if err != nil {
		metrics.RecordLiveChunk("error", 0)
		return fmt.Errorf("failed to decode chunk: %v", err)
	}
	chunkStart := s.elapsed
	chunkDur := float64(len(samples)) / services.SampleRate
	s.pcm = append(s.pcm, samples...)
	s.elapsed += chunkDur
	s.seq++

	if services.RMS(samples) < SilenceFloor {
		metrics.RecordLiveChunk("silent", 0)
		s.finishChunk(ctx)
		return nil
	}

	spans, err := s.transcribeChunk(ctx, samples)
	if err != nil {
		log.Printf("Chunk %d transcription failed for %s: %v", s.seq, s.recordingID, err)
		metrics.RecordLiveChunk("error", 0)
		s.finishChunk(ctx)
		return nil
	}

	kept := 0
	for _, span := range spans {
		text, ok := filterHallucination(span.Text)
		if !ok {
			continue
		}
		label := s.resolveLabel(ctx, samples, span)
		s.persistSpan(ctx, label, chunkStart+span.Start, chunkStart+span.End, text)
		s.pushWords(text)
		kept++
	}
	if kept == 0 && len(spans) > 0 {
		metrics.RecordLiveChunk("filtered", 0)
	} else {
		metrics.RecordLiveChunk("processed", time.Since(started).Seconds())
	}

	s.finishChunk(ctx)
	return nil
}

// finishChunk runs the per-chunk bookkeeping that happens whether or
// not any text survived: duration refresh, audio snapshot, and the
// refinement schedule check.
func (s *Session) finishChunk(ctx context.Context) {
	// Concurrent passes may be updating the same row; losing this
	// write is harmless since the next chunk repeats it.
	if err := s.store.SetRecordingDuration(s.recordingID, s.elapsed); err != nil {
		log.Printf("Failed to refresh duration for %s: %v", s.recordingID, err)
	}

	if err := s.flushSnapshot(); err != nil {
		log.Printf("Failed to write audio snapshot for %s: %v", s.recordingID, err)
	}

	if s.schedule.ShouldRun(s.elapsed) {
		s.schedule.Mark()
		if err := s.enqueue(s.recordingID, types.KindRefine); err != nil {
			log.Printf("Failed to enqueue refinement pass for %s: %v", s.recordingID, err)
		}
	}
}

func (s *Session) flushSnapshot() error {
	if err := services.WriteWAV(s.snapshotPath, s.pcm, services.SampleRate); err != nil {
		return err
	}
	return s.store.SetRecordingAudioPath(s.recordingID, s.snapshotPath)
}

func (s *Session) transcribeChunk(ctx context.Context, samples []int16) ([]types.Span, error) {
	chunkPath := filepath.Join(s.tempDir, fmt.Sprintf("chunk_%s_%d.wav", s.recordingID, s.seq))
	if err := services.WriteWAV(chunkPath, samples, services.SampleRate); err != nil {
		return nil, err
	}
	defer os.Remove(chunkPath)

	return s.transcriber.Transcribe(ctx, chunkPath, services.TranscribeOptions{
		Tier:          services.TierFast,
		InitialPrompt: s.prompt(),
	})
}

// resolveLabel picks the speaker label for one span. Short spans reuse
// the last label; longer ones are embedded and matched against the
// session's centroids.
func (s *Session) resolveLabel(ctx context.Context, samples []int16, span types.Span) string {
	if span.End-span.Start < MinEmbedSecs {
		return s.fallbackLabel()
	}

	lo := int(span.Start * services.SampleRate)
	hi := int(span.End * services.SampleRate)
	if lo < 0 {
		lo = 0
	}
	if hi > len(samples) {
		hi = len(samples)
	}
	if hi-lo < int(MinEmbedSecs*services.SampleRate) {
		return s.fallbackLabel()
	}

	slicePath := filepath.Join(s.tempDir, fmt.Sprintf("embed_%s_%d.wav", s.recordingID, s.seq))
	if err := services.WriteWAV(slicePath, samples[lo:hi], services.SampleRate); err != nil {
		log.Printf("Failed to write embed slice for %s: %v", s.recordingID, err)
		return s.fallbackLabel()
	}
	defer os.Remove(slicePath)

	embedding, err := s.embedder.Embed(ctx, slicePath)
	if err != nil {
		log.Printf("Failed to embed span for %s: %v", s.recordingID, err)
		return s.fallbackLabel()
	}

	bestLabel := ""
	bestSim := 0.0
	for label, centroid := range s.centroids {
		if sim := services.CosineSimilarity(embedding, centroid); sim > bestSim {
			bestSim = sim
			bestLabel = label
		}
	}

	if bestLabel != "" && bestSim >= CentroidThreshold {
		s.adaptCentroid(bestLabel, embedding)
		s.lastLabel = bestLabel
		return bestLabel
	}

	label := fmt.Sprintf("Speaker %d", len(s.centroids)+1)
	s.centroids[label] = embedding
	s.lastLabel = label
	return label
}

// fallbackLabel reuses the most recent label without touching the
// centroid map; the first span long enough to embed seeds "Speaker 1".
func (s *Session) fallbackLabel() string {
	if s.lastLabel == "" {
		s.lastLabel = "Speaker 1"
	}
	return s.lastLabel
}

func (s *Session) adaptCentroid(label string, sample []float32) {
	centroid := s.centroids[label]
	if len(centroid) != len(sample) {
		s.centroids[label] = sample
		return
	}
	blended := make([]float32, len(centroid))
	for i := range centroid {
		blended[i] = (1-centroidBlend)*centroid[i] + centroidBlend*sample[i]
	}
	s.centroids[label] = blended
}

// persistSpan stores one segment, retrying on foreign-key conflicts
// caused by a refinement pass deleting the speaker row mid-write. After
// the final attempt the segment is dropped and logged; one lost segment
// never ends the session.
func (s *Session) persistSpan(ctx context.Context, label string, start, end float64, text string) {
	for attempt := 1; attempt <= persistTries; attempt++ {
		sp, err := s.registry.Resolve(s.recordingID, label)
		if err != nil {
			log.Printf("Failed to resolve speaker %q for %s: %v", label, s.recordingID, err)
			return
		}
		seg := &types.Segment{
			RecordingID: s.recordingID,
			SpeakerID:   sp.ID,
			Start:       start,
			End:         end,
			Text:        text,
			Order:       s.segOrder,
		}
		err = s.store.CreateSegment(seg)
		if err == nil {
			s.segOrder++
			s.hub.Publish(s.recordingID, events.TypeLiveSegment, map[string]interface{}{
				"segment": seg,
				"speaker": sp,
			})
			return
		}
		if !store.IsConflict(err) {
			log.Printf("Failed to persist segment for %s: %v", s.recordingID, err)
			return
		}
		log.Printf("Segment insert conflict for %s (attempt %d/%d), re-resolving speaker",
			s.recordingID, attempt, persistTries)
	}
	log.Printf("Dropping segment for %s after %d conflicted attempts", s.recordingID, persistTries)
}

func (s *Session) prompt() string {
	if len(s.words) == 0 {
		return ""
	}
	start := len(s.words) - promptWords
	if start < 0 {
		start = 0
	}
	return strings.Join(s.words[start:], " ")
}

func (s *Session) pushWords(text string) {
	s.words = append(s.words, strings.Fields(text)...)
	if n := len(s.words) - wordWindow; n > 0 {
		s.words = s.words[n:]
	}
}

// filterHallucination strips model special-token markers and rejects
// text that carried markers or is near-empty once stripped.
func filterHallucination(text string) (string, bool) {
	if specialTokenPattern.MatchString(text) || strings.Contains(text, "<|") || strings.Contains(text, "|>") {
		return "", false
	}
	cleaned := strings.TrimSpace(text)
	if len(cleaned) <= 2 {
		return "", false
	}
	return cleaned, true
}

// Close ends the session: the final snapshot is flushed and exactly one
// finalize job is enqueued, whether the client stopped cleanly or the
// transport dropped.
func (s *Session) Close(ctx context.Context) {
	s.closeOnce.Do(func() {
		if err := s.flushSnapshot(); err != nil {
			log.Printf("Failed to flush final snapshot for %s: %v", s.recordingID, err)
		}
		if err := s.enqueue(s.recordingID, types.KindFinalizeLive); err != nil {
			log.Printf("Failed to enqueue finalize job for %s: %v", s.recordingID, err)
			s.hub.Publish(s.recordingID, events.TypeError, map[string]string{"error": err.Error()})
		}
		s.hub.Publish(s.recordingID, events.TypeSessionStopped, map[string]float64{"duration": s.elapsed})
	})
}

// Elapsed reports the cumulative audio seconds ingested so far.
func (s *Session) Elapsed() float64 {
	return s.elapsed
}
