package services

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// AudioBackend is the audio conversion surface the pipeline and live
// session depend on.
type AudioBackend interface {
	Normalize(ctx context.Context, inputPath string) (string, error)
	DecodePCM(ctx context.Context, chunk []byte) ([]int16, error)
	Duration(ctx context.Context, path string) (float64, error)
	ExtractSlice(ctx context.Context, inputPath string, start, end float64) (string, error)
}

// AudioProcessor shells out to ffmpeg/ffprobe for format conversion and
// inspection. All outputs are 16kHz mono 16-bit PCM, the format the
// transcription and diarization backends expect.
type AudioProcessor struct {
	ffmpegPath  string
	ffprobePath string
	tempDir     string
}

func NewAudioProcessor(ffmpegPath, ffprobePath, tempDir string) *AudioProcessor {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	if ffprobePath == "" {
		ffprobePath = "ffprobe"
	}
	os.MkdirAll(tempDir, 0755)
	return &AudioProcessor{ffmpegPath: ffmpegPath, ffprobePath: ffprobePath, tempDir: tempDir}
}

// SampleRate is the fixed rate used throughout the pipeline.
const SampleRate = 16000

// Normalize converts any supported audio file to 16kHz mono WAV and
// returns the path of the converted file.
func (ap *AudioProcessor) Normalize(ctx context.Context, inputPath string) (string, error) {
	outputPath := filepath.Join(ap.tempDir, fmt.Sprintf("normalized_%s.wav", uuid.New().String()))

	cmd := exec.CommandContext(ctx, ap.ffmpegPath,
		"-i", inputPath,
		"-ar", strconv.Itoa(SampleRate),
		"-ac", "1",
		"-c:a", "pcm_s16le",
		"-y",
		outputPath,
	)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("ffmpeg failed: %v\nOutput: %s", err, string(output))
	}
	return outputPath, nil
}

// DecodePCM decodes a compressed audio chunk (webm, ogg, mp4 fragments)
// to raw 16kHz mono 16-bit samples via an ffmpeg pipe. Live capture
// sends whatever container the browser produces, so the input format is
// left to ffmpeg's probing.
func (ap *AudioProcessor) DecodePCM(ctx context.Context, chunk []byte) ([]int16, error) {
	cmd := exec.CommandContext(ctx, ap.ffmpegPath,
		"-i", "pipe:0",
		"-f", "s16le",
		"-ar", strconv.Itoa(SampleRate),
		"-ac", "1",
		"pipe:1",
	)
	cmd.Stdin = bytes.NewReader(chunk)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("ffmpeg decode failed: %v\nOutput: %s", err, stderr.String())
	}

	raw := stdout.Bytes()
	samples := make([]int16, len(raw)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(raw[i*2:]))
	}
	return samples, nil
}

// Duration returns the length of an audio file in seconds.
func (ap *AudioProcessor) Duration(ctx context.Context, path string) (float64, error) {
	cmd := exec.CommandContext(ctx, ap.ffprobePath,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	)
	output, err := cmd.Output()
	if err != nil {
		return 0, fmt.Errorf("ffprobe failed: %v", err)
	}
	dur, err := strconv.ParseFloat(strings.TrimSpace(string(output)), 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse duration %q: %v", strings.TrimSpace(string(output)), err)
	}
	return dur, nil
}

// ExtractSlice writes the [start,end) window of an audio file to a new
// 16kHz mono WAV and returns its path.
func (ap *AudioProcessor) ExtractSlice(ctx context.Context, inputPath string, start, end float64) (string, error) {
	outputPath := filepath.Join(ap.tempDir, fmt.Sprintf("slice_%s.wav", uuid.New().String()))

	cmd := exec.CommandContext(ctx, ap.ffmpegPath,
		"-i", inputPath,
		"-ss", fmt.Sprintf("%.3f", start),
		"-to", fmt.Sprintf("%.3f", end),
		"-ar", strconv.Itoa(SampleRate),
		"-ac", "1",
		"-c:a", "pcm_s16le",
		"-y",
		outputPath,
	)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("ffmpeg slice failed: %v\nOutput: %s", err, string(output))
	}
	return outputPath, nil
}

// ValidFormat checks whether the upload extension is one we can decode.
func ValidFormat(filename string) bool {
	ext := strings.ToLower(filepath.Ext(filename))
	supported := []string{".mp3", ".wav", ".m4a", ".ogg", ".flac", ".webm", ".aac", ".wma", ".mp4"}
	for _, s := range supported {
		if ext == s {
			return true
		}
	}
	return false
}

// RMS computes the root mean square amplitude of a PCM buffer. Silent
// chunks score near zero and are skipped by the live session.
func RMS(samples []int16) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// WriteWAV writes 16-bit mono PCM samples as a RIFF WAV file.
func WriteWAV(path string, samples []int16, sampleRate int) error {
	dataLen := len(samples) * 2
	buf := make([]byte, 44+dataLen)

	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(36+dataLen))
	copy(buf[8:12], "WAVE")
	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)
	binary.LittleEndian.PutUint16(buf[20:22], 1) // PCM
	binary.LittleEndian.PutUint16(buf[22:24], 1) // mono
	binary.LittleEndian.PutUint32(buf[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(sampleRate*2)) // byte rate
	binary.LittleEndian.PutUint16(buf[32:34], 2)                    // block align
	binary.LittleEndian.PutUint16(buf[34:36], 16)                   // bits per sample
	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(dataLen))

	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[44+i*2:], uint16(s))
	}
	return os.WriteFile(path, buf, 0644)
}
