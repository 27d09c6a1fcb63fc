package handlers

import (
	"context"
	"encoding/json"
	"log"

	"github.com/gofiber/websocket/v2"

	"github.com/jmalmgren/scribed/internal/events"
	"github.com/jmalmgren/scribed/internal/live"
)

// LiveHandler accepts the live-session WebSocket: binary frames carry
// audio chunks, text frames carry control messages.
type LiveHandler struct {
	manager *live.Manager
	hub     *events.Hub
}

func NewLiveHandler(m *live.Manager, hub *events.Hub) *LiveHandler {
	return &LiveHandler{manager: m, hub: hub}
}

// chunkBuffer bounds how many chunks may queue while a previous chunk
// is still transcribing.
const chunkBuffer = 32

// outboundBuffer bounds the queue of frames waiting to be written back.
const outboundBuffer = 64

// liveConn is the slice of the websocket connection the session loop
// uses. The gorilla-style connection allows one concurrent writer, so
// every write must go through the single writer goroutine.
type liveConn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
}

// Handle processes GET /ws/live/:id.
func (h *LiveHandler) Handle(c *websocket.Conn) {
	defer c.Close()
	h.serve(c.Params("id"), c)
}

// serve runs one live session over the socket. Chunks are handed to a
// single processor goroutine so they are transcribed strictly in
// arrival order, and all outgoing frames are funneled through a single
// writer goroutine.
func (h *LiveHandler) serve(recordingID string, c liveConn) {
	sess, err := h.manager.Open(recordingID)
	if err != nil {
		log.Printf("Rejecting live session for %s: %v", recordingID, err)
		payload, _ := json.Marshal(map[string]string{"type": "error", "error": err.Error()})
		c.WriteMessage(websocket.TextMessage, payload)
		return
	}
	defer h.manager.Release(recordingID)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	outbound := make(chan []byte, outboundBuffer)
	go func() {
		for {
			select {
			case payload := <-outbound:
				if err := c.WriteMessage(websocket.TextMessage, payload); err != nil {
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	send := func(payload []byte) {
		select {
		case outbound <- payload:
		default:
			// A stalled client loses frames rather than stalling the
			// session.
		}
	}

	// Relay this recording's events back over the socket.
	evCh, unsubscribe := h.hub.Subscribe(recordingID)
	defer unsubscribe()
	go func() {
		for ev := range evCh {
			payload, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			send(payload)
		}
	}()

	chunks := make(chan []byte, chunkBuffer)
	processorDone := make(chan struct{})
	go func() {
		defer close(processorDone)
		for chunk := range chunks {
			if err := sess.Process(ctx, chunk); err != nil {
				log.Printf("Chunk processing error for %s: %v", recordingID, err)
			}
		}
	}()

	log.Printf("Live session started for recording %s", recordingID)

readLoop:
	for {
		messageType, message, err := c.ReadMessage()
		if err != nil {
			log.Printf("Live socket closed for %s: %v", recordingID, err)
			break
		}

		switch messageType {
		case websocket.TextMessage:
			switch string(message) {
			case "stop":
				log.Printf("Stop signal received for recording %s", recordingID)
				break readLoop
			case "ping":
				send([]byte("pong"))
			default:
				log.Printf("Ignoring unknown control message %q for %s", message, recordingID)
			}
		case websocket.BinaryMessage:
			data := make([]byte, len(message))
			copy(data, message)
			select {
			case chunks <- data:
			default:
				// The processor is too far behind; dropping beats
				// unbounded memory growth on a stalled transcriber.
				log.Printf("Dropping chunk for %s: processor backlog full", recordingID)
			}
		}
	}

	// Drain in-flight chunks, then finalize. Close enqueues the
	// finalize job exactly once whether we got here via stop or
	// disconnect.
	close(chunks)
	<-processorDone
	sess.Close(ctx)
	log.Printf("Live session ended for recording %s (%.1fs of audio)", recordingID, sess.Elapsed())
}
