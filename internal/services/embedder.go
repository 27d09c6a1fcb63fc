package services

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os/exec"
	"sync"
)

// Embedder produces a fixed-length voice embedding for an audio file.
// Embeddings from the same speaker should be close under cosine
// similarity.
type Embedder interface {
	Embed(ctx context.Context, audioPath string) ([]float32, error)
}

// ScriptEmbedder runs a speaker-embedding helper script (ECAPA or
// similar) that prints {"embedding": [..]} on stdout.
type ScriptEmbedder struct {
	pythonCmd  string
	scriptPath string
	mu         sync.Mutex
}

func NewScriptEmbedder(scriptPath string) *ScriptEmbedder {
	return &ScriptEmbedder{pythonCmd: "python", scriptPath: scriptPath}
}

func (e *ScriptEmbedder) Embed(ctx context.Context, audioPath string) ([]float32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	cmd := exec.CommandContext(ctx, e.pythonCmd, e.scriptPath, audioPath)
	output, err := cmd.Output()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if exitErr, ok := err.(*exec.ExitError); ok {
			return nil, fmt.Errorf("embedding failed: %v\nStderr: %s", err, string(exitErr.Stderr))
		}
		return nil, fmt.Errorf("embedding failed: %v", err)
	}

	var result struct {
		Embedding []float32 `json:"embedding"`
	}
	if err := json.Unmarshal(output, &result); err != nil {
		return nil, fmt.Errorf("failed to parse embedding output: %v", err)
	}
	if len(result.Embedding) == 0 {
		return nil, fmt.Errorf("embedding output was empty")
	}
	return result.Embedding, nil
}

// CosineSimilarity returns the cosine of the angle between two vectors,
// or 0 when either vector is empty, zero, or the lengths differ.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
