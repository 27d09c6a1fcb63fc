package align

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmalmgren/scribed/internal/types"
)

func TestAlignAssignsMaxOverlap(t *testing.T) {
	spans := []types.Span{{Start: 1.0, End: 4.0, Text: "hello there"}}
	turns := []types.Turn{
		{Start: 0.0, End: 2.0, Speaker: "SPEAKER_00"},
		{Start: 2.0, End: 6.0, Speaker: "SPEAKER_01"},
	}

	got := Align(spans, turns)
	require.Len(t, got, 1)
	// 1s of overlap with SPEAKER_00, 2s with SPEAKER_01.
	assert.Equal(t, "SPEAKER_01", got[0].Speaker)
	assert.Equal(t, "hello there", got[0].Text)
}

func TestAlignTieBreakFirstSeen(t *testing.T) {
	// Overlap 1.0 against both turns: the strict > comparison keeps the
	// first-seen turn, so "A" wins.
	spans := []types.Span{{Start: 10.0, End: 12.0, Text: "tie"}}
	turns := []types.Turn{
		{Start: 9.0, End: 11.0, Speaker: "A"},
		{Start: 11.0, End: 13.0, Speaker: "B"},
	}

	got := Align(spans, turns)
	require.Len(t, got, 1)
	assert.Equal(t, "A", got[0].Speaker)
}

func TestAlignMidpointFallback(t *testing.T) {
	// No positive overlap, but the second turn contains the midpoint 20.5.
	spans := []types.Span{{Start: 20.0, End: 21.0, Text: "mid"}}
	turns := []types.Turn{
		{Start: 0, End: 5, Speaker: "A"},
		{Start: 18, End: 30, Speaker: "B"},
	}

	got := Align(spans, turns)
	require.Len(t, got, 1)
	assert.Equal(t, "B", got[0].Speaker)
}

func TestAlignUnknownFallback(t *testing.T) {
	spans := []types.Span{{Start: 20.0, End: 21.0, Text: "orphan"}}
	turns := []types.Turn{
		{Start: 0, End: 5, Speaker: "A"},
		{Start: 30, End: 35, Speaker: "B"},
	}

	got := Align(spans, turns)
	require.Len(t, got, 1)
	assert.Equal(t, types.UnknownLabel, got[0].Speaker)
	assert.True(t, HasUnknown(got))
}

func TestAlignDeterministicAndOrderPreserving(t *testing.T) {
	spans := []types.Span{
		{Start: 0, End: 2, Text: "one"},
		{Start: 2, End: 4, Text: "two"},
		{Start: 4, End: 6, Text: "three"},
	}
	turns := []types.Turn{
		{Start: 0, End: 3, Speaker: "SPEAKER_00"},
		{Start: 3, End: 6, Speaker: "SPEAKER_01"},
	}

	first := Align(spans, turns)
	second := Align(spans, turns)
	require.Equal(t, first, second)

	require.Len(t, first, len(spans))
	for i, seg := range first {
		assert.Equal(t, spans[i].Text, seg.Text)
	}
}

func TestAlignEmptyDiarization(t *testing.T) {
	spans := []types.Span{{Start: 0, End: 1, Text: "a"}}
	got := Align(spans, nil)
	require.Len(t, got, 1)
	assert.Equal(t, types.UnknownLabel, got[0].Speaker)
}

func TestLabelsFirstSeenOrder(t *testing.T) {
	aligned := []Labeled{
		{Speaker: "SPEAKER_01"},
		{Speaker: "SPEAKER_00"},
		{Speaker: "SPEAKER_01"},
		{Speaker: types.UnknownLabel},
	}
	assert.Equal(t, []string{"SPEAKER_01", "SPEAKER_00"}, Labels(aligned))
}
