package types

import "time"

// Recording status constants
const (
	RecordingUploaded   = "uploaded"
	RecordingProcessing = "processing"
	RecordingRecording  = "recording"
	RecordingFinalizing = "finalizing"
	RecordingCompleted  = "completed"
	RecordingFailed     = "failed"
)

// Recording mode constants
const (
	ModeUpload = "upload"
	ModeLive   = "live"
)

// Job status constants
const (
	JobPending   = "pending"
	JobRunning   = "running"
	JobCompleted = "completed"
	JobFailed    = "failed"
	JobCancelled = "cancelled"
)

// Job kind constants
const (
	KindFullPipeline    = "full-pipeline"
	KindRefine          = "refine"
	KindRediarize       = "rediarize"
	KindReidentify      = "reidentify"
	KindFinalizeLive    = "finalize-live"
	KindExtractInsights = "extract-insights"
)

// Speaker identification source constants
const (
	IdentifiedIntro        = "intro-inference"
	IdentifiedNamingPass   = "naming-pass"
	IdentifiedManual       = "manual"
	IdentifiedVoiceProfile = "voice-profile"
)

// UnknownLabel is assigned when alignment finds no diarization turn for a span.
const UnknownLabel = "UNKNOWN"

// Recording is one audio/video source being transcribed.
type Recording struct {
	ID             string        `json:"id"`
	Title          string        `json:"title"`
	Status         string        `json:"status"`
	Mode           string        `json:"mode"`
	AudioPath      string        `json:"audio_path,omitempty"`
	Duration       float64       `json:"duration"`
	MinSpeakers    int           `json:"min_speakers,omitempty"`
	MaxSpeakers    int           `json:"max_speakers,omitempty"`
	IntroEndTime   float64       `json:"intro_end_time,omitempty"`
	RawTranscript  []Span        `json:"-"`
	RawDiarization []Turn        `json:"-"`
	RefineHistory  []RefineEntry `json:"refine_history,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

// Span is a time-bounded piece of transcribed text, before any speaker
// has been attached to it.
type Span struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

// Turn is a who-spoke-when interval from the diarizer. Labels are only
// meaningful within one diarizer call.
type Turn struct {
	Start   float64 `json:"start"`
	End     float64 `json:"end"`
	Speaker string  `json:"speaker"`
}

// Segment is a persisted, speaker-attributed span of a recording.
type Segment struct {
	ID           string  `json:"id"`
	RecordingID  string  `json:"recording_id"`
	SpeakerID    string  `json:"speaker_id,omitempty"`
	Start        float64 `json:"start_time"`
	End          float64 `json:"end_time"`
	Text         string  `json:"text"`
	OriginalText string  `json:"original_text,omitempty"`
	Order        int     `json:"order"`
	Edited       bool    `json:"is_edited"`
}

// Speaker is one detected voice within a recording.
type Speaker struct {
	ID           string  `json:"id"`
	RecordingID  string  `json:"recording_id"`
	Label        string  `json:"label"`
	DisplayName  string  `json:"display_name,omitempty"`
	Color        string  `json:"color"`
	IdentifiedBy string  `json:"identified_by,omitempty"`
	Confidence   float64 `json:"confidence,omitempty"`
	SpeakingTime float64 `json:"total_speaking_time"`
	SegmentCount int     `json:"segment_count"`
}

// Job is one unit of orchestrated background work against a recording.
type Job struct {
	ID          string     `json:"id"`
	RecordingID string     `json:"recording_id"`
	Kind        string     `json:"kind"`
	Status      string     `json:"status"`
	Progress    float64    `json:"progress"`
	CurrentStep string     `json:"current_step,omitempty"`
	Result      string     `json:"result,omitempty"`
	Error       string     `json:"error,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// RefineEntry is one line of a recording's refinement-pass history.
type RefineEntry struct {
	Pass           int     `json:"pass"`
	DurationSecs   float64 `json:"duration_seconds"`
	SpeakerCount   int     `json:"speaker_count"`
	NamesFound     int     `json:"names_found"`
	MergedSegments int     `json:"merged_segments"`
	Timestamp      string  `json:"timestamp"`
}

// VoiceProfile is a persistent named voice embedding matched across recordings.
type VoiceProfile struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Embedding   []float32 `json:"-"`
	SampleCount float64   `json:"sample_count"`
	Notes       string    `json:"notes,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// SpeakerColors is the fixed palette assigned to speakers by creation index.
var SpeakerColors = []string{
	"#6366f1", "#ec4899", "#10b981", "#f59e0b", "#3b82f6",
	"#ef4444", "#8b5cf6", "#14b8a6", "#f97316", "#06b6d4",
}

// UnknownColor is the grey used for the UNKNOWN speaker.
const UnknownColor = "#9ca3af"

// ColorForIndex returns the palette color for the Nth created speaker.
func ColorForIndex(i int) string {
	return SpeakerColors[i%len(SpeakerColors)]
}

// InProgress reports whether a recording status means a writer currently
// owns the recording's segment ordering.
func InProgress(status string) bool {
	return status == RecordingProcessing || status == RecordingFinalizing
}

// TerminalJob reports whether a job status is terminal.
func TerminalJob(status string) bool {
	return status == JobCompleted || status == JobFailed || status == JobCancelled
}
