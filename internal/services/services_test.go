package services

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRMS(t *testing.T) {
	assert.Equal(t, float64(0), RMS(nil))
	assert.Equal(t, float64(0), RMS([]int16{0, 0, 0}))
	assert.InDelta(t, 1000, RMS([]int16{1000, -1000, 1000, -1000}), 1e-9)
}

func TestCosineSimilarity(t *testing.T) {
	assert.InDelta(t, 1.0, CosineSimilarity([]float32{1, 2, 3}, []float32{2, 4, 6}), 1e-6)
	assert.InDelta(t, 0.0, CosineSimilarity([]float32{1, 0}, []float32{0, 1}), 1e-6)
	assert.InDelta(t, -1.0, CosineSimilarity([]float32{1, 0}, []float32{-1, 0}), 1e-6)

	// Degenerate inputs score zero rather than NaN.
	assert.Equal(t, float64(0), CosineSimilarity(nil, nil))
	assert.Equal(t, float64(0), CosineSimilarity([]float32{1, 2}, []float32{1}))
	assert.Equal(t, float64(0), CosineSimilarity([]float32{0, 0}, []float32{1, 1}))
}

func TestValidFormat(t *testing.T) {
	assert.True(t, ValidFormat("meeting.mp3"))
	assert.True(t, ValidFormat("Meeting.WAV"))
	assert.True(t, ValidFormat("clip.webm"))
	assert.False(t, ValidFormat("notes.txt"))
	assert.False(t, ValidFormat("audio"))
}

func TestParseModelJSON(t *testing.T) {
	var m map[string]string

	require.NoError(t, ParseModelJSON(`{"SPEAKER_00": "Anna"}`, &m))
	assert.Equal(t, "Anna", m["SPEAKER_00"])

	m = nil
	require.NoError(t, ParseModelJSON("```json\n{\"SPEAKER_01\": \"Bo\"}\n```", &m))
	assert.Equal(t, "Bo", m["SPEAKER_01"])

	m = nil
	require.NoError(t, ParseModelJSON("Sure, here is the mapping: {\"SPEAKER_02\": \"Kim\"} Hope that helps!", &m))
	assert.Equal(t, "Kim", m["SPEAKER_02"])

	assert.Error(t, ParseModelJSON("I could not find any names.", &m))
}

func TestChatClientComplete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		w.Write([]byte(`{"choices":[{"message":{"content":"hello"}}]}`))
	}))
	defer srv.Close()

	c := NewChatClient(srv.URL+"/v1", "test-key", "test-model")
	reply, err := c.Complete(context.Background(), "say hello")
	require.NoError(t, err)
	assert.Equal(t, "hello", reply)
}

func TestChatClientErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"rate limited"}}`, http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := NewChatClient(srv.URL, "", "test-model")
	_, err := c.Complete(context.Background(), "hi")
	assert.Error(t, err)
}

func TestWriteWAVHeader(t *testing.T) {
	path := t.TempDir() + "/out.wav"
	require.NoError(t, WriteWAV(path, []int16{1, 2, 3, 4}, SampleRate))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(data), 44+8)
	assert.Equal(t, "RIFF", string(data[0:4]))
	assert.Equal(t, "WAVE", string(data[8:12]))
	assert.Equal(t, "data", string(data[36:40]))
	assert.Len(t, data, 44+8)
}
