package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jmalmgren/scribed/internal/services"
	"github.com/jmalmgren/scribed/internal/types"
)

// maxInsightChars bounds the transcript sample sent to the model.
const maxInsightChars = 12000

// Insights is the structured output of the post-processing analysis job.
type Insights struct {
	Summary     string   `json:"summary"`
	KeyPoints   []string `json:"key_points,omitempty"`
	ActionItems []string `json:"action_items,omitempty"`
}

const insightsPrompt = `Summarize this meeting transcript.

%s

Reply with JSON only: {"summary": "...", "key_points": ["..."], "action_items": ["..."]}`

// ExtractInsights produces a summary, key points, and action items for
// a completed recording. The result is returned as the job's payload.
func (o *Orchestrator) ExtractInsights(ctx context.Context, job *types.Job) (string, error) {
	segments, err := o.store.ListSegments(job.RecordingID)
	if err != nil {
		return "", err
	}
	if len(segments) == 0 {
		return "", fmt.Errorf("recording %s has no transcript to analyze", job.RecordingID)
	}
	speakers, err := o.store.ListSpeakers(job.RecordingID)
	if err != nil {
		return "", err
	}

	names := make(map[string]string, len(speakers))
	for _, sp := range speakers {
		name := sp.DisplayName
		if name == "" {
			name = sp.Label
		}
		names[sp.ID] = name
	}

	var b strings.Builder
	for _, seg := range segments {
		if b.Len() >= maxInsightChars {
			break
		}
		fmt.Fprintf(&b, "%s: %s\n", names[seg.SpeakerID], seg.Text)
	}

	reply, err := o.textgen.Complete(ctx, fmt.Sprintf(insightsPrompt, b.String()))
	if err != nil {
		return "", fmt.Errorf("insight extraction failed: %v", err)
	}

	var insights Insights
	if err := services.ParseModelJSON(reply, &insights); err != nil {
		// Salvage an unstructured reply as a plain summary.
		insights = Insights{Summary: strings.TrimSpace(reply)}
	}
	if insights.Summary == "" {
		return "", fmt.Errorf("insight extraction produced no summary")
	}

	out, err := json.Marshal(insights)
	if err != nil {
		return "", fmt.Errorf("failed to encode insights: %v", err)
	}
	return string(out), nil
}
