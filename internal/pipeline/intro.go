package pipeline

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/jmalmgren/scribed/internal/services"
	"github.com/jmalmgren/scribed/internal/types"
)

const (
	introWindowSecs = 30.0
	maxIntroWindows = 20
)

type introResult struct {
	SpeakerEstimate int
	EndTime         float64
	Names           []string
}

const introPrompt = `You are analyzing the opening of a meeting transcript to find the introduction phase, where participants state their names.

Transcript window (%.0fs to %.0fs):
%s

Names heard so far: %s

Reply with JSON only: {"intro_ongoing": true/false, "names": ["list of participant names heard in this window"]}`

// analyzeIntro feeds the transcript to the language model in 30-second
// windows until the model reports the introduction phase is over, or
// the window cap is reached. The model is treated as unreliable: any
// parse failure ends the analysis with whatever was gathered so far.
func (o *Orchestrator) analyzeIntro(ctx context.Context, spans []types.Span) introResult {
	res := introResult{}
	seen := make(map[string]bool)

	for w := 0; w < maxIntroWindows; w++ {
		winStart := float64(w) * introWindowSecs
		winEnd := winStart + introWindowSecs
		text := windowText(spans, winStart, winEnd)
		if text == "" {
			break
		}

		prompt := fmt.Sprintf(introPrompt, winStart, winEnd, text, strings.Join(res.Names, ", "))
		reply, err := o.textgen.Complete(ctx, prompt)
		if err != nil {
			log.Printf("Intro analysis stopped at window %d: %v", w, err)
			break
		}

		var parsed struct {
			IntroOngoing bool     `json:"intro_ongoing"`
			Names        []string `json:"names"`
		}
		if err := services.ParseModelJSON(reply, &parsed); err != nil {
			log.Printf("Intro analysis got unparseable reply at window %d: %v", w, err)
			break
		}

		for _, name := range parsed.Names {
			name = strings.TrimSpace(name)
			if name == "" || seen[name] {
				continue
			}
			seen[name] = true
			res.Names = append(res.Names, name)
		}

		if !parsed.IntroOngoing {
			// Intros ended before this window started.
			if res.EndTime == 0 {
				res.EndTime = winStart
			}
			break
		}
		res.EndTime = winEnd
	}

	res.SpeakerEstimate = len(res.Names)
	return res
}

func windowText(spans []types.Span, start, end float64) string {
	var parts []string
	for _, sp := range spans {
		if sp.Start >= end {
			break
		}
		if sp.End > start {
			parts = append(parts, sp.Text)
		}
	}
	return strings.Join(parts, " ")
}
