package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"github.com/jmalmgren/scribed/internal/types"
)

// Model tiers. The fast tier keeps live chunks under a second or two of
// latency; the quality tier is used for batch runs and finalization.
const (
	TierFast    = "fast"
	TierQuality = "quality"
)

// TranscribeOptions tune a single transcription call.
type TranscribeOptions struct {
	Tier          string
	Language      string
	InitialPrompt string // conditioning text, e.g. the last words of the previous chunk
}

// Transcriber converts audio into timestamped text spans.
type Transcriber interface {
	Transcribe(ctx context.Context, audioPath string, opts TranscribeOptions) ([]types.Span, error)
}

// WhisperTranscriber wraps Python's OpenAI Whisper CLI. One whisper
// process at a time; the models are not safe to share across loads.
type WhisperTranscriber struct {
	fastModel    string
	qualityModel string
	pythonCmd    string
	tempDir      string
	mu           sync.Mutex
}

func NewWhisperTranscriber(fastModel, qualityModel, tempDir string) *WhisperTranscriber {
	if fastModel == "" {
		fastModel = "tiny"
	}
	if qualityModel == "" {
		qualityModel = "small"
	}
	log.Printf("Initializing Python Whisper (fast=%s quality=%s)", fastModel, qualityModel)
	return &WhisperTranscriber{
		fastModel:    fastModel,
		qualityModel: qualityModel,
		pythonCmd:    "python",
		tempDir:      tempDir,
	}
}

// whisperOutput matches the JSON file whisper writes with --output_format json.
type whisperOutput struct {
	Text     string `json:"text"`
	Segments []struct {
		Start float64 `json:"start"`
		End   float64 `json:"end"`
		Text  string  `json:"text"`
	} `json:"segments"`
}

func (wt *WhisperTranscriber) Transcribe(ctx context.Context, audioPath string, opts TranscribeOptions) ([]types.Span, error) {
	wt.mu.Lock()
	defer wt.mu.Unlock()

	model := wt.qualityModel
	if opts.Tier == TierFast {
		model = wt.fastModel
	}
	language := opts.Language
	if language == "" {
		language = "en"
	}

	outDir, err := os.MkdirTemp(wt.tempDir, "whisper_")
	if err != nil {
		return nil, fmt.Errorf("failed to create whisper output dir: %v", err)
	}
	defer os.RemoveAll(outDir)

	absAudioPath, err := filepath.Abs(audioPath)
	if err != nil {
		return nil, fmt.Errorf("failed to get absolute path: %v", err)
	}

	args := []string{"-m", "whisper",
		absAudioPath,
		"--model", model,
		"--output_dir", outDir,
		"--output_format", "json",
		"--language", language,
		"--fp16", "False",
	}
	if opts.InitialPrompt != "" {
		args = append(args, "--initial_prompt", opts.InitialPrompt)
	}

	cmd := exec.CommandContext(ctx, wt.pythonCmd, args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("whisper transcription failed: %v\nOutput: %s", err, string(output))
	}

	baseName := strings.TrimSuffix(filepath.Base(audioPath), filepath.Ext(audioPath))
	jsonPath := filepath.Join(outDir, baseName+".json")
	jsonData, err := os.ReadFile(jsonPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read whisper output: %v", err)
	}

	var result whisperOutput
	if err := json.Unmarshal(jsonData, &result); err != nil {
		return nil, fmt.Errorf("failed to parse whisper JSON: %v", err)
	}

	spans := make([]types.Span, 0, len(result.Segments))
	for _, seg := range result.Segments {
		text := strings.TrimSpace(seg.Text)
		if text == "" {
			continue
		}
		spans = append(spans, types.Span{Start: seg.Start, End: seg.End, Text: text})
	}
	return spans, nil
}
