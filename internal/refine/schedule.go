package refine

// Schedule decides when a live session is due for a refinement pass,
// driven by recorded audio length rather than wall-clock time. Passes
// run after 1 through 5 minutes of audio, then every 5 minutes.
type Schedule struct {
	passes int
}

func (s *Schedule) ShouldRun(elapsedSecs float64) bool {
	return elapsedSecs >= s.nextDueSecs()
}

// Mark records that a pass has been scheduled.
func (s *Schedule) Mark() {
	s.passes++
}

func (s *Schedule) Passes() int {
	return s.passes
}

func (s *Schedule) nextDueSecs() float64 {
	if s.passes < 5 {
		return float64((s.passes + 1) * 60)
	}
	return float64((5 + (s.passes-4)*5) * 60)
}
