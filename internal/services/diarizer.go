package services

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
	"sync"

	"github.com/jmalmgren/scribed/internal/types"
)

// Diarizer segments audio by who is speaking. Speaker names are opaque
// cluster labels like SPEAKER_00, not real identities.
type Diarizer interface {
	Diarize(ctx context.Context, audioPath string, minSpeakers, maxSpeakers int) ([]types.Turn, error)
}

// ScriptDiarizer runs a pyannote-based helper script that prints one
// JSON object per run: {"turns": [{"start":..,"end":..,"speaker":".."}]}.
type ScriptDiarizer struct {
	pythonCmd  string
	scriptPath string
	mu         sync.Mutex
}

func NewScriptDiarizer(scriptPath string) *ScriptDiarizer {
	return &ScriptDiarizer{pythonCmd: "python", scriptPath: scriptPath}
}

type diarizationOutput struct {
	Turns []struct {
		Start   float64 `json:"start"`
		End     float64 `json:"end"`
		Speaker string  `json:"speaker"`
	} `json:"turns"`
}

func (d *ScriptDiarizer) Diarize(ctx context.Context, audioPath string, minSpeakers, maxSpeakers int) ([]types.Turn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	args := []string{d.scriptPath, audioPath}
	if minSpeakers > 0 {
		args = append(args, "--min-speakers", strconv.Itoa(minSpeakers))
	}
	if maxSpeakers > 0 {
		args = append(args, "--max-speakers", strconv.Itoa(maxSpeakers))
	}

	cmd := exec.CommandContext(ctx, d.pythonCmd, args...)
	output, err := cmd.Output()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if exitErr, ok := err.(*exec.ExitError); ok {
			return nil, fmt.Errorf("diarization failed: %v\nStderr: %s", err, string(exitErr.Stderr))
		}
		return nil, fmt.Errorf("diarization failed: %v", err)
	}

	var result diarizationOutput
	if err := json.Unmarshal(output, &result); err != nil {
		return nil, fmt.Errorf("failed to parse diarization output: %v", err)
	}

	turns := make([]types.Turn, len(result.Turns))
	for i, t := range result.Turns {
		turns[i] = types.Turn{Start: t.Start, End: t.End, Speaker: t.Speaker}
	}
	return turns, nil
}
