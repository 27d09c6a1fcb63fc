package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmalmgren/scribed/internal/events"
	"github.com/jmalmgren/scribed/internal/services"
	"github.com/jmalmgren/scribed/internal/store"
	"github.com/jmalmgren/scribed/internal/types"
)

type fakeAudio struct{ duration float64 }

func (f *fakeAudio) Normalize(ctx context.Context, inputPath string) (string, error) {
	return inputPath, nil
}
func (f *fakeAudio) DecodePCM(ctx context.Context, chunk []byte) ([]int16, error) {
	return nil, nil
}
func (f *fakeAudio) Duration(ctx context.Context, path string) (float64, error) {
	return f.duration, nil
}
func (f *fakeAudio) ExtractSlice(ctx context.Context, inputPath string, start, end float64) (string, error) {
	return inputPath, nil
}

type fakeTranscriber struct{ spans []types.Span }

func (f *fakeTranscriber) Transcribe(ctx context.Context, audioPath string, opts services.TranscribeOptions) ([]types.Span, error) {
	return f.spans, nil
}

type fakeDiarizer struct{ turns []types.Turn }

func (f *fakeDiarizer) Diarize(ctx context.Context, audioPath string, minSpeakers, maxSpeakers int) ([]types.Turn, error) {
	return f.turns, nil
}

type fakeEmbedder struct{ embedding []float32 }

func (f *fakeEmbedder) Embed(ctx context.Context, audioPath string) ([]float32, error) {
	return f.embedding, nil
}

type fakeTextgen struct{ replies []string }

func (f *fakeTextgen) Complete(ctx context.Context, prompt string) (string, error) {
	if len(f.replies) == 0 {
		return `{"intro_ongoing": false, "names": []}`, nil
	}
	reply := f.replies[0]
	f.replies = f.replies[1:]
	return reply, nil
}

func setup(t *testing.T, tr services.Transcriber, d services.Diarizer, e services.Embedder,
	tg services.TextGenerator) (*Orchestrator, *store.Store) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "scribed.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return NewOrchestrator(s, &fakeAudio{duration: 300}, tr, d, e, tg, events.NewHub()), s
}

func seedRecording(t *testing.T, s *store.Store) (*types.Recording, *types.Job) {
	t.Helper()
	rec, err := s.CreateRecording("standup", types.ModeUpload, 0, 0)
	require.NoError(t, err)
	audioPath := filepath.Join(t.TempDir(), "in.wav")
	require.NoError(t, os.WriteFile(audioPath, []byte("riff"), 0644))
	require.NoError(t, s.SetRecordingAudioPath(rec.ID, audioPath))
	rec.AudioPath = audioPath

	job, err := s.CreateJob(rec.ID, types.KindFullPipeline)
	require.NoError(t, err)
	return rec, job
}

func TestRunFullProducesOrderedAttributedSegments(t *testing.T) {
	tr := &fakeTranscriber{spans: []types.Span{
		{Start: 0, End: 4, Text: "Hi everyone, my name is Anna."},
		{Start: 4, End: 8, Text: "Thanks Anna, let's get started."},
		{Start: 8, End: 12, Text: "First item on the agenda."},
	}}
	d := &fakeDiarizer{turns: []types.Turn{
		{Start: 0, End: 4, Speaker: "SPEAKER_00"},
		{Start: 4, End: 12, Speaker: "SPEAKER_01"},
	}}
	tg := &fakeTextgen{replies: []string{
		`{"intro_ongoing": false, "names": ["Anna"]}`,
		`{}`, // naming pass finds nothing further
	}}
	o, s := setup(t, tr, d, &fakeEmbedder{}, tg)
	rec, job := seedRecording(t, s)

	require.NoError(t, o.RunFull(context.Background(), job))

	segments, err := s.ListSegments(rec.ID)
	require.NoError(t, err)
	require.Len(t, segments, 3)
	for i, seg := range segments {
		assert.Equal(t, i, seg.Order)
	}

	speakers, err := s.ListSpeakers(rec.ID)
	require.NoError(t, err)
	require.Len(t, speakers, 2)

	// Sorted label order drives color assignment.
	assert.Equal(t, "SPEAKER_00", speakers[0].Label)
	assert.Equal(t, types.ColorForIndex(0), speakers[0].Color)
	assert.Equal(t, types.ColorForIndex(1), speakers[1].Color)

	// The self-introduction names SPEAKER_00; the other voice falls
	// back to a placeholder numbered after the resolved name.
	assert.Equal(t, "Anna", speakers[0].DisplayName)
	assert.Equal(t, types.IdentifiedIntro, speakers[0].IdentifiedBy)
	assert.Equal(t, "Participant 2", speakers[1].DisplayName)

	// Aggregates reflect the final segment set.
	assert.Equal(t, 1, speakers[0].SegmentCount)
	assert.Equal(t, 2, speakers[1].SegmentCount)
	assert.InDelta(t, 8.0, speakers[1].SpeakingTime, 1e-9)

	got, err := s.GetRecording(rec.ID)
	require.NoError(t, err)
	assert.Len(t, got.RawTranscript, 3)
	assert.Len(t, got.RawDiarization, 2)
	assert.InDelta(t, 300, got.Duration, 1e-9)
}

func TestRunFullIsIdempotent(t *testing.T) {
	tr := &fakeTranscriber{spans: []types.Span{{Start: 0, End: 2, Text: "hello"}}}
	d := &fakeDiarizer{turns: []types.Turn{{Start: 0, End: 2, Speaker: "SPEAKER_00"}}}
	o, s := setup(t, tr, d, &fakeEmbedder{}, &fakeTextgen{})
	rec, job := seedRecording(t, s)

	require.NoError(t, o.RunFull(context.Background(), job))
	job2, err := s.CreateJob(rec.ID, types.KindFullPipeline)
	require.NoError(t, err)
	require.NoError(t, o.RunFull(context.Background(), job2))

	segments, err := s.ListSegments(rec.ID)
	require.NoError(t, err)
	assert.Len(t, segments, 1)
	speakers, err := s.ListSpeakers(rec.ID)
	require.NoError(t, err)
	assert.Len(t, speakers, 1)
}

func TestRediarizePreservesEditedSegments(t *testing.T) {
	tr := &fakeTranscriber{spans: []types.Span{
		{Start: 0, End: 5, Text: "original text"},
		{Start: 5, End: 10, Text: "second segment"},
	}}
	d := &fakeDiarizer{turns: []types.Turn{{Start: 0, End: 10, Speaker: "SPEAKER_00"}}}
	o, s := setup(t, tr, d, &fakeEmbedder{}, &fakeTextgen{})
	rec, job := seedRecording(t, s)
	require.NoError(t, o.RunFull(context.Background(), job))

	// User fixes the first segment's text.
	segments, err := s.ListSegments(rec.ID)
	require.NoError(t, err)
	require.Len(t, segments, 2)
	require.NoError(t, s.EditSegmentText(segments[0].ID, "corrected text"))

	// Rediarization re-times everything slightly.
	d.turns = []types.Turn{{Start: 0.4, End: 10, Speaker: "SPEAKER_00"}}
	job2, err := s.CreateJob(rec.ID, types.KindRediarize)
	require.NoError(t, err)
	require.NoError(t, o.Rediarize(context.Background(), job2))

	rebuilt, err := s.ListSegments(rec.ID)
	require.NoError(t, err)
	require.Len(t, rebuilt, 2)
	assert.Equal(t, "corrected text", rebuilt[0].Text)
	assert.True(t, rebuilt[0].Edited)
	assert.Equal(t, "original text", rebuilt[0].OriginalText)
	assert.Equal(t, "second segment", rebuilt[1].Text)
	assert.False(t, rebuilt[1].Edited)
}

func TestRunFullUnknownSpeakerFallback(t *testing.T) {
	tr := &fakeTranscriber{spans: []types.Span{
		{Start: 0, End: 2, Text: "covered"},
		{Start: 50, End: 52, Text: "orphaned"},
	}}
	d := &fakeDiarizer{turns: []types.Turn{{Start: 0, End: 4, Speaker: "SPEAKER_00"}}}
	o, s := setup(t, tr, d, &fakeEmbedder{}, &fakeTextgen{})
	rec, job := seedRecording(t, s)

	require.NoError(t, o.RunFull(context.Background(), job))

	speakers, err := s.ListSpeakers(rec.ID)
	require.NoError(t, err)
	require.Len(t, speakers, 2)

	unknown, err := s.GetSpeakerByLabel(rec.ID, types.UnknownLabel)
	require.NoError(t, err)
	assert.Equal(t, types.UnknownColor, unknown.Color)
	// The sentinel never gets a placeholder name.
	assert.Empty(t, unknown.DisplayName)
}

func TestNamingPassRejectsSpeakerLabels(t *testing.T) {
	tr := &fakeTranscriber{spans: []types.Span{{Start: 0, End: 3, Text: "let's begin"}}}
	d := &fakeDiarizer{turns: []types.Turn{{Start: 0, End: 3, Speaker: "SPEAKER_00"}}}
	tg := &fakeTextgen{replies: []string{
		`{"intro_ongoing": false, "names": []}`,
		`{"SPEAKER_00": "Speaker 1"}`,
	}}
	o, s := setup(t, tr, d, &fakeEmbedder{}, tg)
	rec, job := seedRecording(t, s)

	require.NoError(t, o.RunFull(context.Background(), job))

	speakers, err := s.ListSpeakers(rec.ID)
	require.NoError(t, err)
	require.Len(t, speakers, 1)
	assert.Equal(t, "Participant 1", speakers[0].DisplayName)
}

func TestReidentifyUsesVoiceProfiles(t *testing.T) {
	tr := &fakeTranscriber{spans: []types.Span{{Start: 0, End: 6, Text: "quarterly numbers look fine"}}}
	d := &fakeDiarizer{turns: []types.Turn{{Start: 0, End: 6, Speaker: "SPEAKER_00"}}}
	emb := &fakeEmbedder{embedding: []float32{1, 0, 0}}
	o, s := setup(t, tr, d, emb, &fakeTextgen{})
	rec, job := seedRecording(t, s)
	require.NoError(t, o.RunFull(context.Background(), job))

	_, err := s.SaveVoiceProfile("Bo", []float32{0.9, 0.1, 0}, "")
	require.NoError(t, err)

	job2, err := s.CreateJob(rec.ID, types.KindReidentify)
	require.NoError(t, err)
	require.NoError(t, o.Reidentify(context.Background(), job2))

	speakers, err := s.ListSpeakers(rec.ID)
	require.NoError(t, err)
	require.Len(t, speakers, 1)
	assert.Equal(t, "Bo", speakers[0].DisplayName)
	assert.Equal(t, types.IdentifiedVoiceProfile, speakers[0].IdentifiedBy)
	assert.Greater(t, speakers[0].Confidence, profileThreshold)
}

func TestIntroAnalysisCapsWindows(t *testing.T) {
	// Every window claims the intro is still ongoing; the cap must stop
	// the loop anyway.
	spans := make([]types.Span, 0, 50)
	for i := 0; i < 50; i++ {
		spans = append(spans, types.Span{Start: float64(i * 15), End: float64(i*15 + 15), Text: "talking"})
	}
	replies := make([]string, 0, maxIntroWindows+5)
	for i := 0; i < maxIntroWindows+5; i++ {
		replies = append(replies, `{"intro_ongoing": true, "names": []}`)
	}
	tg := &fakeTextgen{replies: replies}
	o, _ := setup(t, &fakeTranscriber{}, &fakeDiarizer{}, &fakeEmbedder{}, tg)

	res := o.analyzeIntro(context.Background(), spans)
	assert.InDelta(t, maxIntroWindows*introWindowSecs, res.EndTime, 1e-9)
	// Exactly maxIntroWindows prompts were consumed.
	assert.Len(t, tg.replies, 5)
}
