package live

import (
	"fmt"
	"sync"

	"github.com/jmalmgren/scribed/internal/events"
	"github.com/jmalmgren/scribed/internal/metrics"
	"github.com/jmalmgren/scribed/internal/registry"
	"github.com/jmalmgren/scribed/internal/services"
	"github.com/jmalmgren/scribed/internal/store"
	"github.com/jmalmgren/scribed/internal/types"
)

// Manager tracks the single active session per live recording.
type Manager struct {
	store       *store.Store
	registry    *registry.Registry
	audio       services.AudioBackend
	transcriber services.Transcriber
	embedder    services.Embedder
	hub         *events.Hub
	enqueue     func(recordingID, kind string) error
	audioDir    string
	tempDir     string

	mu       sync.Mutex
	sessions map[string]*Session
}

func NewManager(s *store.Store, reg *registry.Registry, audio services.AudioBackend,
	tr services.Transcriber, emb services.Embedder, hub *events.Hub,
	enqueue func(string, string) error, audioDir, tempDir string) *Manager {
	return &Manager{
		store:       s,
		registry:    reg,
		audio:       audio,
		transcriber: tr,
		embedder:    emb,
		hub:         hub,
		enqueue:     enqueue,
		audioDir:    audioDir,
		tempDir:     tempDir,
		sessions:    make(map[string]*Session),
	}
}

// Open starts a live session for a recording. A recording can have at
// most one active session.
func (m *Manager) Open(recordingID string) (*Session, error) {
	rec, err := m.store.GetRecording(recordingID)
	if err != nil {
		return nil, err
	}
	if rec.Mode != types.ModeLive {
		return nil, fmt.Errorf("recording %s is not a live recording", recordingID)
	}
	if rec.Status != types.RecordingRecording {
		return nil, fmt.Errorf("recording %s is not accepting live audio (status %s)", recordingID, rec.Status)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.sessions[recordingID]; exists {
		return nil, fmt.Errorf("recording %s already has an active session", recordingID)
	}

	sess := newSession(recordingID, m.store, m.registry, m.audio, m.transcriber,
		m.embedder, m.hub, m.enqueue, m.audioDir, m.tempDir)
	m.sessions[recordingID] = sess
	metrics.ActiveSessions.Inc()
	m.hub.Publish(recordingID, events.TypeSessionStarted, nil)
	return sess, nil
}

// Release drops the manager's record of a session. The caller is
// responsible for closing the session first.
func (m *Manager) Release(recordingID string) {
	m.mu.Lock()
	if _, ok := m.sessions[recordingID]; ok {
		delete(m.sessions, recordingID)
		metrics.ActiveSessions.Dec()
	}
	m.mu.Unlock()
}

// Active reports whether a recording currently has a live session.
func (m *Manager) Active(recordingID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.sessions[recordingID]
	return ok
}
