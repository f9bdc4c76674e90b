package audio

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
)

// Normalizer converts audio into mono 16 kHz 16-bit PCM WAV. Normalizing a
// file that is already canonical returns the same path.
type Normalizer interface {
	Normalize(ctx context.Context, path string) (string, error)
}

// Reserver hands out tracked scratch paths that are removed with the run.
type Reserver interface {
	Reserve(pattern string) (string, error)
}

// CommandRunner executes an external program and returns its combined output.
type CommandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

func runCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// FFmpegNormalizer shells out to ffmpeg for anything that is not canonical.
type FFmpegNormalizer struct {
	ffmpeg  string
	reserve Reserver
	log     *slog.Logger

	// Run is swapped in tests.
	Run CommandRunner
}

func NewFFmpegNormalizer(ffmpegPath string, reserve Reserver, log *slog.Logger) *FFmpegNormalizer {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	return &FFmpegNormalizer{
		ffmpeg:  ffmpegPath,
		reserve: reserve,
		log:     log.With(slog.String("component", "normalizer")),
		Run:     runCommand,
	}
}

func (n *FFmpegNormalizer) Normalize(ctx context.Context, path string) (string, error) {
	if _, err := os.Stat(path); err != nil {
		return "", fmt.Errorf("open input: %w", err)
	}
	if hdr, err := ReadHeader(path); err == nil && hdr.Canonical() {
		return path, nil
	}

	out, err := n.reserve.Reserve("normalized-*.wav")
	if err != nil {
		return "", fmt.Errorf("reserve normalized output: %w", err)
	}
	args := []string{
		"-y", "-i", path,
		"-vn",
		"-ar", strconv.Itoa(SampleRate),
		"-ac", strconv.Itoa(Channels),
		"-c:a", "pcm_s16le",
		out,
	}
	n.log.Debug("converting audio", slog.String("input", path), slog.String("output", out))
	if output, err := n.Run(ctx, n.ffmpeg, args...); err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("%w: ffmpeg failed on %s: %v: %s", ErrUnsupportedFormat, path, err, lastLine(output))
	}

	hdr, err := ReadHeader(out)
	if err != nil {
		return "", err
	}
	if !hdr.Canonical() {
		return "", fmt.Errorf("%w: ffmpeg produced %d Hz, %d channels", ErrUnsupportedFormat, hdr.SampleRate, hdr.Channels)
	}
	return out, nil
}

func lastLine(output []byte) string {
	trimmed := strings.TrimSpace(string(output))
	if i := strings.LastIndexByte(trimmed, '\n'); i >= 0 {
		return trimmed[i+1:]
	}
	return trimmed
}
