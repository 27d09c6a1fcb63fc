// Package events fans out per-recording progress events to WebSocket
// subscribers. Delivery is best effort: a slow subscriber drops events
// rather than stalling the pipeline.
package events

import (
	"sync"
	"time"
)

// Event types published by the pipeline, refinement, and live session.
const (
	TypeProgress         = "progress"
	TypeLiveSegment      = "live_segment"
	TypePassStarted      = "pass_started"
	TypePassComplete     = "pass_complete"
	TypeFinalizeStarted  = "finalize_started"
	TypeFinalizeComplete = "finalize_complete"
	TypeSessionStarted   = "session_started"
	TypeSessionStopped   = "session_stopped"
	TypeError            = "error"
)

type Event struct {
	Type        string      `json:"type"`
	RecordingID string      `json:"recording_id"`
	Timestamp   time.Time   `json:"timestamp"`
	Data        interface{} `json:"data,omitempty"`
}

const subscriberBuffer = 64

type Hub struct {
	mu   sync.RWMutex
	subs map[string]map[chan Event]struct{} // recording ID -> subscribers
}

func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[chan Event]struct{})}
}

// Subscribe registers a listener for one recording's events. The
// returned cancel func must be called when the listener goes away; it
// closes the channel.
func (h *Hub) Subscribe(recordingID string) (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)

	h.mu.Lock()
	if h.subs[recordingID] == nil {
		h.subs[recordingID] = make(map[chan Event]struct{})
	}
	h.subs[recordingID][ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs[recordingID], ch)
			if len(h.subs[recordingID]) == 0 {
				delete(h.subs, recordingID)
			}
			h.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

// Publish sends an event to every subscriber of the recording. Full
// subscriber buffers are skipped.
func (h *Hub) Publish(recordingID, eventType string, data interface{}) {
	ev := Event{
		Type:        eventType,
		RecordingID: recordingID,
		Timestamp:   time.Now().UTC(),
		Data:        data,
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.subs[recordingID] {
		select {
		case ch <- ev:
		default:
		}
	}
}

// SubscriberCount reports how many listeners a recording currently has.
func (h *Hub) SubscriberCount(recordingID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[recordingID])
}
