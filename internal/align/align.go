// Package align merges a transcript stream and a diarization stream into
// speaker-labeled segments by maximum temporal overlap.
package align

import "github.com/jmalmgren/scribed/internal/types"

// Labeled is one transcript span with the speaker label alignment chose.
type Labeled struct {
	Start   float64
	End     float64
	Text    string
	Speaker string
}

// Align assigns exactly one speaker label to every transcript span.
//
// For each span the diarization turn with the largest temporal overlap wins;
// exact ties go to the first-seen turn in diarization order (strict >
// comparison). A span that overlaps no turn at all falls back to the first
// turn containing its midpoint, and failing that gets types.UnknownLabel.
//
// Deliberately O(n*m): both streams are bounded to low thousands of items for
// hour-scale recordings. An interval tree would only pay off far beyond that.
func Align(spans []types.Span, turns []types.Turn) []Labeled {
	out := make([]Labeled, 0, len(spans))

	for _, sp := range spans {
		mid := (sp.Start + sp.End) / 2

		best := ""
		bestOverlap := 0.0
		for _, tn := range turns {
			overlap := overlap(sp.Start, sp.End, tn.Start, tn.End)
			if overlap > bestOverlap {
				bestOverlap = overlap
				best = tn.Speaker
			}
		}

		if best == "" {
			for _, tn := range turns {
				if tn.Start <= mid && mid <= tn.End {
					best = tn.Speaker
					break
				}
			}
		}

		if best == "" {
			best = types.UnknownLabel
		}

		out = append(out, Labeled{
			Start:   sp.Start,
			End:     sp.End,
			Text:    sp.Text,
			Speaker: best,
		})
	}

	return out
}

func overlap(startA, endA, startB, endB float64) float64 {
	lo := startA
	if startB > lo {
		lo = startB
	}
	hi := endA
	if endB < hi {
		hi = endB
	}
	if hi <= lo {
		return 0
	}
	return hi - lo
}

// Labels returns the distinct non-UNKNOWN labels in first-seen order.
func Labels(aligned []Labeled) []string {
	seen := make(map[string]bool)
	var labels []string
	for _, seg := range aligned {
		if seg.Speaker == types.UnknownLabel || seen[seg.Speaker] {
			continue
		}
		seen[seg.Speaker] = true
		labels = append(labels, seg.Speaker)
	}
	return labels
}

// HasUnknown reports whether any aligned segment fell through to UNKNOWN.
func HasUnknown(aligned []Labeled) bool {
	for _, seg := range aligned {
		if seg.Speaker == types.UnknownLabel {
			return true
		}
	}
	return false
}
