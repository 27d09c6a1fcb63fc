package pipeline

import (
	"context"
	"fmt"
	"log"
	"os"
	"regexp"
	"sort"
	"strings"

	"github.com/jmalmgren/scribed/internal/services"
	"github.com/jmalmgren/scribed/internal/types"
)

// Speaker identification windows and thresholds.
const (
	introScanSecs    = 120.0
	profileThreshold = 0.60
	maxNamingSample  = 600 // characters of sample text per speaker in the naming prompt
)

var introPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?:my name is|My name is|my name's) ([A-Z][a-z]+(?: [A-Z][a-z]+)?)`),
	regexp.MustCompile(`(?:I am|I'm) ([A-Z][a-z]+(?: [A-Z][a-z]+)?)(?:[.,!]|$| and| from| with)`),
	regexp.MustCompile(`(?:this is|This is) ([A-Z][a-z]+) (?:speaking|here)`),
	regexp.MustCompile(`(?:call me|Call me) ([A-Z][a-z]+)`),
}

// identifySpeakers resolves display names for a recording's speakers:
// introduction patterns in the first two minutes, then a model naming
// pass, then the voice-profile store, and finally "Participant N"
// placeholders numbered after the resolved names. Identification is
// best effort; failures are logged and never abort the calling job.
func (o *Orchestrator) identifySpeakers(ctx context.Context, recordingID, wavPath string, speakers []types.Speaker) {
	segments, err := o.store.ListSegments(recordingID)
	if err != nil {
		log.Printf("Speaker identification skipped for %s: %v", recordingID, err)
		return
	}
	if len(segments) == 0 || len(speakers) == 0 {
		return
	}

	named := make(map[string]string) // speaker ID -> display name
	usedNames := make(map[string]bool)
	for _, sp := range speakers {
		// Manual names always win over automated passes.
		if sp.IdentifiedBy == types.IdentifiedManual && sp.DisplayName != "" {
			named[sp.ID] = sp.DisplayName
			usedNames[sp.DisplayName] = true
		}
	}

	o.matchIntroPatterns(segments, speakers, named, usedNames)
	o.runNamingPass(ctx, segments, speakers, named, usedNames)
	o.matchVoiceProfiles(ctx, recordingID, wavPath, segments, speakers, named, usedNames)
	o.assignPlaceholders(speakers, named, usedNames)
}

// matchIntroPatterns scans segments inside the intro window for
// self-introduction phrases and names the speaking voice directly.
func (o *Orchestrator) matchIntroPatterns(segments []types.Segment, speakers []types.Speaker,
	named map[string]string, usedNames map[string]bool) {
	byID := speakerIndex(speakers)
	for _, seg := range segments {
		if seg.Start > introScanSecs {
			break
		}
		sp, ok := byID[seg.SpeakerID]
		if !ok || sp.Label == types.UnknownLabel || named[sp.ID] != "" {
			continue
		}
		for _, pat := range introPatterns {
			m := pat.FindStringSubmatch(seg.Text)
			if m == nil || usedNames[m[1]] {
				continue
			}
			if err := o.store.UpdateSpeakerName(sp.ID, m[1], types.IdentifiedIntro, 0.9); err != nil {
				log.Printf("Failed to name speaker %s: %v", sp.ID, err)
				continue
			}
			named[sp.ID] = m[1]
			usedNames[m[1]] = true
			break
		}
	}
}

const namingPrompt = `These are utterances from a meeting, grouped by detected voice. Propose the real name of each voice based on how participants address each other and introduce themselves.

%s

Reply with JSON only, mapping voice label to name, e.g. {"%s": "Anna"}. Use a name at most once. Omit voices you cannot name. Never answer with labels like "Speaker 1".`

// runNamingPass asks the language model to name the remaining speakers
// from a bounded sample of their utterances.
func (o *Orchestrator) runNamingPass(ctx context.Context, segments []types.Segment, speakers []types.Speaker,
	named map[string]string, usedNames map[string]bool) {
	unnamed := make(map[string]types.Speaker) // label -> speaker
	for _, sp := range speakers {
		if sp.Label != types.UnknownLabel && named[sp.ID] == "" {
			unnamed[sp.Label] = sp
		}
	}
	if len(unnamed) == 0 {
		return
	}

	samples := make(map[string]string)
	for _, seg := range segments {
		for label, sp := range unnamed {
			if seg.SpeakerID != sp.ID || len(samples[label]) >= maxNamingSample {
				continue
			}
			samples[label] += seg.Text + " "
		}
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
	if b.Len() == 0 {
		return
	}

	reply, err := o.textgen.Complete(ctx, fmt.Sprintf(namingPrompt, b.String(), labels[0]))
	if err != nil {
		log.Printf("Naming pass failed: %v", err)
		return
	}
	mapping := make(map[string]string)
	if err := services.ParseModelJSON(reply, &mapping); err != nil {
		log.Printf("Naming pass returned unparseable reply: %v", err)
		return
	}

	for label, name := range mapping {
		name = strings.TrimSpace(name)
		sp, ok := unnamed[label]
		if !ok || name == "" || usedNames[name] || placeholderName(name) {
			continue
		}
		if err := o.store.UpdateSpeakerName(sp.ID, name, types.IdentifiedNamingPass, 0.7); err != nil {
			log.Printf("Failed to name speaker %s: %v", sp.ID, err)
			continue
		}
		named[sp.ID] = name
		usedNames[name] = true
	}
}

// matchVoiceProfiles embeds each unresolved speaker's longest segment
// and compares it against the persistent profile store.
func (o *Orchestrator) matchVoiceProfiles(ctx context.Context, recordingID, wavPath string,
	segments []types.Segment, speakers []types.Speaker, named map[string]string, usedNames map[string]bool) {
	if wavPath == "" || o.embedder == nil {
		return
	}
	profiles, err := o.store.ListVoiceProfiles()
	if err != nil || len(profiles) == 0 {
		return
	}

	for _, sp := range speakers {
		if sp.Label == types.UnknownLabel || named[sp.ID] != "" {
			continue
		}
		longest := longestSegment(segments, sp.ID)
		if longest == nil {
			continue
		}

		slicePath, err := o.audio.ExtractSlice(ctx, wavPath, longest.Start, longest.End)
		if err != nil {
			log.Printf("Failed to extract audio for speaker %s: %v", sp.ID, err)
			continue
		}
		embedding, err := o.embedder.Embed(ctx, slicePath)
		os.Remove(slicePath)
		if err != nil {
			log.Printf("Failed to embed speaker %s: %v", sp.ID, err)
			continue
		}

		bestSim := 0.0
		var best *types.VoiceProfile
		for i := range profiles {
			if usedNames[profiles[i].Name] {
				continue
			}
			if sim := services.CosineSimilarity(embedding, profiles[i].Embedding); sim > bestSim {
				bestSim = sim
				best = &profiles[i]
			}
		}
		if best == nil || bestSim < profileThreshold {
			continue
		}
		if err := o.store.UpdateSpeakerName(sp.ID, best.Name, types.IdentifiedVoiceProfile, bestSim); err != nil {
			log.Printf("Failed to name speaker %s: %v", sp.ID, err)
			continue
		}
		named[sp.ID] = best.Name
		usedNames[best.Name] = true
		if err := o.store.UpdateVoiceProfileEmbedding(best.ID, embedding); err != nil {
			log.Printf("Failed to update voice profile %s: %v", best.ID, err)
		}
	}
}

// assignPlaceholders gives every still-unresolved speaker a unique
// "Participant N" name, numbered after the resolved ones.
func (o *Orchestrator) assignPlaceholders(speakers []types.Speaker, named map[string]string, usedNames map[string]bool) {
	n := len(usedNames)
	for _, sp := range speakers {
		if sp.Label == types.UnknownLabel || named[sp.ID] != "" {
			continue
		}
		n++
		name := fmt.Sprintf("Participant %d", n)
		for usedNames[name] {
			n++
			name = fmt.Sprintf("Participant %d", n)
		}
		if err := o.store.UpdateSpeakerName(sp.ID, name, "", 0); err != nil {
			log.Printf("Failed to name speaker %s: %v", sp.ID, err)
			continue
		}
		named[sp.ID] = name
		usedNames[name] = true
	}
}

var speakerLabelPattern = regexp.MustCompile(`^[Ss]peaker ?\d+$`)

func placeholderName(name string) bool {
	return speakerLabelPattern.MatchString(name)
}

func speakerIndex(speakers []types.Speaker) map[string]types.Speaker {
	m := make(map[string]types.Speaker, len(speakers))
	for _, sp := range speakers {
		m[sp.ID] = sp
	}
	return m
}

func longestSegment(segments []types.Segment, speakerID string) *types.Segment {
	var best *types.Segment
	for i := range segments {
		if segments[i].SpeakerID != speakerID {
			continue
		}
		if best == nil || segments[i].End-segments[i].Start > best.End-best.Start {
			best = &segments[i]
		}
	}
	return best
}
