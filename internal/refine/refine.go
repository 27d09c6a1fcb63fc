// Package refine improves a live recording's speaker assignment while
// the session is still running: tiny speakers are merged away, the
// survivors get proper display names, and aggregates are refreshed.
package refine

import (
	"context"
	"fmt"
	"log"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/jmalmgren/scribed/internal/events"
	"github.com/jmalmgren/scribed/internal/metrics"
	"github.com/jmalmgren/scribed/internal/services"
	"github.com/jmalmgren/scribed/internal/store"
	"github.com/jmalmgren/scribed/internal/types"
)

// MinSegmentsPerSpeaker is the threshold below which a speaker is
// considered spurious and merged into a temporally-nearest neighbor.
const MinSegmentsPerSpeaker = 2

const maxNamingSample = 600

type Runner struct {
	store   *store.Store
	textgen services.TextGenerator
	hub     *events.Hub
}

func NewRunner(s *store.Store, tg services.TextGenerator, hub *events.Hub) *Runner {
	return &Runner{store: s, textgen: tg, hub: hub}
}

// Run executes one refinement pass against the recording's current
// segments and speakers.
func (r *Runner) Run(ctx context.Context, job *types.Job) error {
	started := time.Now()
	recordingID := job.RecordingID

	rec, err := r.store.GetRecording(recordingID)
	if err != nil {
		return err
	}
	r.hub.Publish(recordingID, events.TypePassStarted, map[string]int{"pass": len(rec.RefineHistory) + 1})

	speakers, err := r.store.ListSpeakers(recordingID)
	if err != nil {
		return err
	}
	segments, err := r.store.ListSegments(recordingID)
	if err != nil {
		return err
	}

	merged, err := r.mergeTinySpeakers(speakers, segments)
	if err != nil {
		return err
	}

	// Re-read after merging; some speakers may be gone.
	speakers, err = r.store.ListSpeakers(recordingID)
	if err != nil {
		return err
	}
	segments, err = r.store.ListSegments(recordingID)
	if err != nil {
		return err
	}

	namesFound := r.nameSpeakers(ctx, speakers, segments)

	if err := r.store.RecomputeAllSpeakerStats(recordingID); err != nil {
		return err
	}

	entry := types.RefineEntry{
		Pass:           len(rec.RefineHistory) + 1,
		DurationSecs:   time.Since(started).Seconds(),
		SpeakerCount:   len(speakers),
		NamesFound:     namesFound,
		MergedSegments: merged,
		Timestamp:      time.Now().UTC().Format(time.RFC3339),
	}
	if err := r.store.AppendRefineHistory(recordingID, entry); err != nil {
		return err
	}
	metrics.RefinePassesTotal.WithLabelValues(types.JobCompleted).Inc()

	// The completion event carries the refreshed lists so listeners
	// can re-render without another round trip.
	finalSpeakers, err := r.store.ListSpeakers(recordingID)
	if err != nil {
		return err
	}
	finalSegments, err := r.store.ListSegments(recordingID)
	if err != nil {
		return err
	}
	r.hub.Publish(recordingID, events.TypePassComplete, map[string]interface{}{
		"pass":     entry.Pass,
		"merged":   merged,
		"speakers": finalSpeakers,
		"segments": finalSegments,
	})
	return nil
}

// mergeTinySpeakers reassigns every segment of an under-populated
// speaker to whichever larger speaker is temporally closest, measured
// by segment midpoints. Live voice centroids are not consulted here;
// temporal proximity is the deliberate heuristic. Speakers left empty
// are deleted.
func (r *Runner) mergeTinySpeakers(speakers []types.Speaker, segments []types.Segment) (int, error) {
	bySpeaker := make(map[string][]types.Segment)
	for _, seg := range segments {
		bySpeaker[seg.SpeakerID] = append(bySpeaker[seg.SpeakerID], seg)
	}

	var tiny, large []types.Speaker
	for _, sp := range speakers {
		if sp.Label == types.UnknownLabel {
			continue
		}
		if len(bySpeaker[sp.ID]) < MinSegmentsPerSpeaker {
			tiny = append(tiny, sp)
		} else {
			large = append(large, sp)
		}
	}
	if len(tiny) == 0 || len(large) == 0 {
		return 0, nil
	}

	merged := 0
	for _, sp := range tiny {
		for _, seg := range bySpeaker[sp.ID] {
			target := nearestSpeaker(seg, large, bySpeaker)
			if target == "" {
				continue
			}
			if err := r.store.ReassignSegment(seg.ID, target); err != nil {
				return merged, err
			}
			merged++
		}
	}

	for _, sp := range tiny {
		n, err := r.store.CountSegmentsBySpeaker(sp.ID)
		if err != nil {
			return merged, err
		}
		if n == 0 {
			if err := r.store.DeleteSpeaker(sp.ID); err != nil {
				return merged, err
			}
		}
	}
	return merged, nil
}

func nearestSpeaker(seg types.Segment, candidates []types.Speaker, bySpeaker map[string][]types.Segment) string {
	mid := (seg.Start + seg.End) / 2
	bestDist := math.MaxFloat64
	bestID := ""
	for _, sp := range candidates {
		for _, other := range bySpeaker[sp.ID] {
			d := math.Abs((other.Start+other.End)/2 - mid)
			if d < bestDist {
				bestDist = d
				bestID = sp.ID
			}
		}
	}
	return bestID
}

const namingPrompt = `These are utterances from an ongoing meeting, grouped by detected voice:

%s

Propose the real name of each voice based on self-introductions and how participants address each other. Reply with JSON only, mapping every voice label to a name, e.g. {"Speaker 1": "Anna"}. Use each name at most once. Never answer with a generic label like "Speaker 1"; if no real name is evident for a voice, omit it.`

// nameSpeakers asks the language model to name every remaining speaker
// and falls back to unique "Participant N" placeholders. Malformed
// model output degrades to placeholders rather than failing the pass.
func (r *Runner) nameSpeakers(ctx context.Context, speakers []types.Speaker, segments []types.Segment) int {
	usedNames := make(map[string]bool)
	pending := make([]types.Speaker, 0, len(speakers))
	for _, sp := range speakers {
		if sp.Label == types.UnknownLabel {
			continue
		}
		if sp.IdentifiedBy == types.IdentifiedManual && sp.DisplayName != "" {
			usedNames[sp.DisplayName] = true
			continue
		}
		pending = append(pending, sp)
	}
	if len(pending) == 0 {
		return 0
	}

	samples := make(map[string]string)
	byID := make(map[string]string, len(pending))
	for _, sp := range pending {
		byID[sp.ID] = sp.Label
	}
	for _, seg := range segments {
		label, ok := byID[seg.SpeakerID]
		if !ok || len(samples[label]) >= maxNamingSample {
			continue
		}
		samples[label] += seg.Text + " "
	}

	labels := make([]string, 0, len(samples))
	for label := range samples {
		labels = append(labels, label)
	}
	sort.Strings(labels)
	var b strings.Builder
	for _, label := range labels {
		fmt.Fprintf(&b, "%s: %s\n", label, strings.TrimSpace(samples[label]))
	}

	mapping := make(map[string]string)
	if b.Len() > 0 {
		reply, err := r.textgen.Complete(ctx, fmt.Sprintf(namingPrompt, b.String()))
		if err != nil {
			log.Printf("Naming pass failed: %v", err)
		} else if err := services.ParseModelJSON(reply, &mapping); err != nil {
			log.Printf("Naming pass returned unparseable reply: %v", err)
			mapping = map[string]string{}
		}
	}

	found := 0
	for _, sp := range pending {
		name := strings.TrimSpace(mapping[sp.Label])
		if name != "" && !usedNames[name] && !placeholderLabel(name) {
			if err := r.store.UpdateSpeakerName(sp.ID, name, types.IdentifiedNamingPass, 0.7); err != nil {
				log.Printf("Failed to name speaker %s: %v", sp.ID, err)
				continue
			}
			usedNames[name] = true
			found++
			continue
		}
		if sp.DisplayName != "" && !placeholderLabel(sp.DisplayName) {
			// Keep a real name from an earlier pass.
			usedNames[sp.DisplayName] = true
			continue
		}
		placeholder := nextPlaceholder(usedNames)
		if err := r.store.UpdateSpeakerName(sp.ID, placeholder, "", 0); err != nil {
			log.Printf("Failed to name speaker %s: %v", sp.ID, err)
			continue
		}
		usedNames[placeholder] = true
	}
	return found
}

func nextPlaceholder(usedNames map[string]bool) string {
	for n := 1; ; n++ {
		name := fmt.Sprintf("Participant %d", n)
		if !usedNames[name] {
			return name
		}
	}
}

func placeholderLabel(name string) bool {
	var n int
	if _, err := fmt.Sscanf(name, "Speaker %d", &n); err == nil {
		return true
	}
	if _, err := fmt.Sscanf(name, "Participant %d", &n); err == nil {
		return true
	}
	return false
}
