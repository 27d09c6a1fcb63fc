package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishReachesSubscribers(t *testing.T) {
	h := NewHub()
	ch, cancel := h.Subscribe("rec-1")
	defer cancel()

	h.Publish("rec-1", TypeProgress, map[string]int{"percent": 50})

	select {
	case ev := <-ch:
		assert.Equal(t, TypeProgress, ev.Type)
		assert.Equal(t, "rec-1", ev.RecordingID)
	case <-time.After(time.Second):
		t.Fatal("expected an event")
	}
}

func TestPublishIsScopedToRecording(t *testing.T) {
	h := NewHub()
	ch, cancel := h.Subscribe("rec-1")
	defer cancel()

	h.Publish("rec-2", TypeError, nil)

	select {
	case ev := <-ch:
		t.Fatalf("unexpected event: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestCancelRemovesSubscriber(t *testing.T) {
	h := NewHub()
	ch, cancel := h.Subscribe("rec-1")
	require.Equal(t, 1, h.SubscriberCount("rec-1"))

	cancel()
	cancel() // idempotent
	assert.Equal(t, 0, h.SubscriberCount("rec-1"))

	_, open := <-ch
	assert.False(t, open)
}

func TestSlowSubscriberDoesNotBlockPublish(t *testing.T) {
	h := NewHub()
	_, cancel := h.Subscribe("rec-1")
	defer cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberBuffer*2; i++ {
			h.Publish("rec-1", TypeLiveSegment, i)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
}
