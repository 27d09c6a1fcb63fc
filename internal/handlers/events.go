package handlers

import (
	"log"

	"github.com/gofiber/websocket/v2"

	"github.com/jmalmgren/scribed/internal/events"
)

// EventsHandler relays a recording's event stream to any number of
// WebSocket listeners. Delivery is best effort; late subscribers miss
// prior events.
type EventsHandler struct {
	hub *events.Hub
}

func NewEventsHandler(hub *events.Hub) *EventsHandler {
	return &EventsHandler{hub: hub}
}

// Handle processes GET /ws/recordings/:id/events.
func (h *EventsHandler) Handle(c *websocket.Conn) {
	defer c.Close()
	recordingID := c.Params("id")

	ch, cancel := h.hub.Subscribe(recordingID)
	defer cancel()
	log.Printf("Event subscriber attached to recording %s", recordingID)

	// Reads are only used to detect disconnection.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if err := c.WriteJSON(ev); err != nil {
				log.Printf("Event subscriber for %s dropped: %v", recordingID, err)
				return
			}
		case <-done:
			return
		}
	}
}
