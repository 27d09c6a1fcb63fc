package handlers

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gofiber/websocket/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmalmgren/scribed/internal/events"
	"github.com/jmalmgren/scribed/internal/live"
	"github.com/jmalmgren/scribed/internal/registry"
	"github.com/jmalmgren/scribed/internal/services"
	"github.com/jmalmgren/scribed/internal/store"
	"github.com/jmalmgren/scribed/internal/types"
)

type silentAudio struct{}

func (silentAudio) DecodePCM(ctx context.Context, chunk []byte) ([]int16, error) {
	return make([]int16, services.SampleRate), nil
}
func (silentAudio) Normalize(ctx context.Context, inputPath string) (string, error) {
	return inputPath, nil
}
func (silentAudio) Duration(ctx context.Context, path string) (float64, error) { return 0, nil }
func (silentAudio) ExtractSlice(ctx context.Context, inputPath string, start, end float64) (string, error) {
	return inputPath, nil
}

type noopTranscriber struct{}

func (noopTranscriber) Transcribe(ctx context.Context, audioPath string, opts services.TranscribeOptions) ([]types.Span, error) {
	return nil, nil
}

type noopEmbedder struct{}

func (noopEmbedder) Embed(ctx context.Context, audioPath string) ([]float32, error) {
	return []float32{1, 0}, nil
}

type wsFrame struct {
	messageType int
	data        []byte
}

// scriptedConn replays a fixed frame sequence and detects overlapping
// WriteMessage calls, which the underlying websocket forbids.
type scriptedConn struct {
	frames   []wsFrame
	idx      int
	writing  int32
	overlaps int32
	writes   int32
}

func (c *scriptedConn) ReadMessage() (int, []byte, error) {
	if c.idx >= len(c.frames) {
		return 0, nil, context.Canceled
	}
	f := c.frames[c.idx]
	c.idx++
	time.Sleep(100 * time.Microsecond)
	return f.messageType, f.data, nil
}

func (c *scriptedConn) WriteMessage(messageType int, data []byte) error {
	if !atomic.CompareAndSwapInt32(&c.writing, 0, 1) {
		atomic.AddInt32(&c.overlaps, 1)
		return nil
	}
	time.Sleep(time.Millisecond)
	atomic.AddInt32(&c.writes, 1)
	atomic.StoreInt32(&c.writing, 0)
	return nil
}

func TestLiveSocketHasSingleWriter(t *testing.T) {
	s, err := store.Open(filepath.Join(t.TempDir(), "scribed.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	rec, err := s.CreateRecording("live", types.ModeLive, 0, 0)
	require.NoError(t, err)

	hub := events.NewHub()
	m := live.NewManager(s, registry.New(s), silentAudio{}, noopTranscriber{}, noopEmbedder{},
		hub, func(string, string) error { return nil }, t.TempDir(), t.TempDir())
	h := NewLiveHandler(m, hub)

	// Heartbeats race the event relay for the socket; a couple of audio
	// chunks keep the processor path in play.
	frames := make([]wsFrame, 0, 120)
	for i := 0; i < 100; i++ {
		frames = append(frames, wsFrame{websocket.TextMessage, []byte("ping")})
		if i%10 == 0 {
			frames = append(frames, wsFrame{websocket.BinaryMessage, []byte{1}})
		}
	}
	frames = append(frames, wsFrame{websocket.TextMessage, []byte("stop")})
	conn := &scriptedConn{frames: frames}

	stopFlood := make(chan struct{})
	floodDone := make(chan struct{})
	go func() {
		defer close(floodDone)
		for i := 0; ; i++ {
			select {
			case <-stopFlood:
				return
			default:
				hub.Publish(rec.ID, events.TypeProgress, map[string]int{"step": i})
			}
		}
	}()

	h.serve(rec.ID, conn)
	close(stopFlood)
	<-floodDone

	assert.Zero(t, atomic.LoadInt32(&conn.overlaps), "concurrent socket writes detected")
	assert.Greater(t, atomic.LoadInt32(&conn.writes), int32(0))
	assert.False(t, m.Active(rec.ID))
}
