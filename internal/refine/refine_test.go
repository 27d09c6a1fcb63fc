package refine

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmalmgren/scribed/internal/events"
	"github.com/jmalmgren/scribed/internal/store"
	"github.com/jmalmgren/scribed/internal/types"
)

type staticTextgen struct{ reply string }

func (f *staticTextgen) Complete(ctx context.Context, prompt string) (string, error) {
	return f.reply, nil
}

func TestScheduleBoundaries(t *testing.T) {
	var s Schedule

	assert.False(t, s.ShouldRun(59))
	assert.True(t, s.ShouldRun(60))
	s.Mark()

	assert.False(t, s.ShouldRun(61))
	assert.False(t, s.ShouldRun(119))
	assert.True(t, s.ShouldRun(120))
	s.Mark()

	// Passes 3 through 5 fire at the 3, 4, and 5 minute marks.
	for want := 3; want <= 5; want++ {
		due := float64(want * 60)
		assert.False(t, s.ShouldRun(due-1))
		assert.True(t, s.ShouldRun(due))
		s.Mark()
	}

	// From here on, every 5 minutes of audio.
	assert.False(t, s.ShouldRun(599))
	assert.True(t, s.ShouldRun(600))
	s.Mark()
	assert.False(t, s.ShouldRun(899))
	assert.True(t, s.ShouldRun(900))
	assert.Equal(t, 6, s.Passes())
}

func setup(t *testing.T) (*Runner, *store.Store, *types.Recording, *staticTextgen) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "scribed.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	rec, err := s.CreateRecording("live", types.ModeLive, 0, 0)
	require.NoError(t, err)
	tg := &staticTextgen{reply: "{}"}
	return NewRunner(s, tg, events.NewHub()), s, rec, tg
}

func addSpeaker(t *testing.T, s *store.Store, rec *types.Recording, label string, idx int) *types.Speaker {
	t.Helper()
	sp := &types.Speaker{RecordingID: rec.ID, Label: label, Color: types.ColorForIndex(idx)}
	require.NoError(t, s.CreateSpeaker(sp))
	return sp
}

func addSegment(t *testing.T, s *store.Store, rec *types.Recording, sp *types.Speaker, start, end float64, order int) {
	t.Helper()
	require.NoError(t, s.CreateSegment(&types.Segment{
		RecordingID: rec.ID, SpeakerID: sp.ID, Start: start, End: end, Text: "words", Order: order,
	}))
}

func TestMergeTinySpeakerIntoTemporalNeighbor(t *testing.T) {
	r, s, rec, _ := setup(t)

	big := addSpeaker(t, s, rec, "Speaker 1", 0)
	tiny := addSpeaker(t, s, rec, "Speaker 2", 1)

	// Five segments with midpoints clustered around 10.2s.
	for i := 0; i < 5; i++ {
		mid := 10.2 + float64(i)*0.1
		addSegment(t, s, rec, big, mid-0.5, mid+0.5, i)
	}
	// One stray segment with midpoint 10.0s.
	addSegment(t, s, rec, tiny, 9.5, 10.5, 5)

	job, err := s.CreateJob(rec.ID, types.KindRefine)
	require.NoError(t, err)
	require.NoError(t, r.Run(context.Background(), job))

	_, err = s.GetSpeaker(tiny.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)

	kept, err := s.GetSpeaker(big.ID)
	require.NoError(t, err)
	assert.Equal(t, 6, kept.SegmentCount)

	got, err := s.GetRecording(rec.ID)
	require.NoError(t, err)
	require.Len(t, got.RefineHistory, 1)
	assert.Equal(t, 1, got.RefineHistory[0].Pass)
	assert.Equal(t, 1, got.RefineHistory[0].MergedSegments)
	assert.Equal(t, 1, got.RefineHistory[0].SpeakerCount)
}

func TestNamingPassAssignsUniqueNames(t *testing.T) {
	r, s, rec, tg := setup(t)

	a := addSpeaker(t, s, rec, "Speaker 1", 0)
	b := addSpeaker(t, s, rec, "Speaker 2", 1)
	for i := 0; i < 2; i++ {
		addSegment(t, s, rec, a, float64(i*4), float64(i*4+2), i*2)
		addSegment(t, s, rec, b, float64(i*4+2), float64(i*4+4), i*2+1)
	}

	// The model names one voice and proposes a forbidden label for the other.
	tg.reply = `{"Speaker 1": "Anna", "Speaker 2": "Speaker 2"}`

	job, err := s.CreateJob(rec.ID, types.KindRefine)
	require.NoError(t, err)
	require.NoError(t, r.Run(context.Background(), job))

	gotA, err := s.GetSpeaker(a.ID)
	require.NoError(t, err)
	assert.Equal(t, "Anna", gotA.DisplayName)
	assert.Equal(t, types.IdentifiedNamingPass, gotA.IdentifiedBy)

	gotB, err := s.GetSpeaker(b.ID)
	require.NoError(t, err)
	assert.Equal(t, "Participant 1", gotB.DisplayName)

	got, err := s.GetRecording(rec.ID)
	require.NoError(t, err)
	require.Len(t, got.RefineHistory, 1)
	assert.Equal(t, 1, got.RefineHistory[0].NamesFound)
}

func TestManualNamesSurviveRefinement(t *testing.T) {
	r, s, rec, tg := setup(t)

	a := addSpeaker(t, s, rec, "Speaker 1", 0)
	for i := 0; i < 3; i++ {
		addSegment(t, s, rec, a, float64(i*2), float64(i*2+1), i)
	}
	require.NoError(t, s.UpdateSpeakerName(a.ID, "Dr. Chen", types.IdentifiedManual, 1))

	tg.reply = `{"Speaker 1": "Bob"}`

	job, err := s.CreateJob(rec.ID, types.KindRefine)
	require.NoError(t, err)
	require.NoError(t, r.Run(context.Background(), job))

	got, err := s.GetSpeaker(a.ID)
	require.NoError(t, err)
	assert.Equal(t, "Dr. Chen", got.DisplayName)
	assert.Equal(t, types.IdentifiedManual, got.IdentifiedBy)
}

func TestPassCompleteEventCarriesLists(t *testing.T) {
	r, s, rec, _ := setup(t)
	hub := events.NewHub()
	r.hub = hub
	ch, cancel := hub.Subscribe(rec.ID)
	defer cancel()

	a := addSpeaker(t, s, rec, "Speaker 1", 0)
	addSegment(t, s, rec, a, 0, 2, 0)
	addSegment(t, s, rec, a, 2, 4, 1)

	job, err := s.CreateJob(rec.ID, types.KindRefine)
	require.NoError(t, err)
	require.NoError(t, r.Run(context.Background(), job))

	var sawComplete bool
	for len(ch) > 0 {
		ev := <-ch
		if ev.Type == events.TypePassComplete {
			sawComplete = true
			data := ev.Data.(map[string]interface{})
			assert.Len(t, data["speakers"], 1)
			assert.Len(t, data["segments"], 2)
		}
	}
	assert.True(t, sawComplete)
}
