//go:build whisper

package stt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"sync"

	whisper "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"
	"github.com/loqalabs/loqa-scribe/internal/audio"
	"github.com/loqalabs/loqa-scribe/internal/config"
)

// modelFiles maps variants to ggml model file names under model_dir.
var modelFiles = map[string]string{
	"tiny":   "ggml-tiny.bin",
	"base":   "ggml-base.bin",
	"small":  "ggml-small.bin",
	"medium": "ggml-medium.bin",
	"large":  "ggml-large-v3.bin",
}

type whisperEngine struct {
	// whisper.cpp contexts are not reentrant; one decode at a time.
	mu       sync.Mutex
	model    whisper.Model
	language string
	threads  uint
}

func NewWhisperEngine(cfg config.WhisperConfig, variant, language string) (Engine, error) {
	file, ok := modelFiles[variant]
	if !ok {
		return nil, fmt.Errorf("%w: unknown whisper variant %q", config.ErrInvalid, variant)
	}
	path := filepath.Join(cfg.ModelDir, file)
	model, err := whisper.New(path)
	if err != nil {
		return nil, fmt.Errorf("load whisper model %s: %w", path, err)
	}
	return &whisperEngine{model: model, language: language, threads: uint(max(cfg.Threads, 0))}, nil
}

func (e *whisperEngine) Transcribe(ctx context.Context, audioPath string) (string, error) {
	stream, err := audio.ReadWAV(audioPath)
	if err != nil {
		return "", err
	}
	samples := make([]float32, len(stream.Samples))
	for i, s := range stream.Samples {
		samples[i] = float32(s) / 32768
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return "", err
	}

	wctx, err := e.model.NewContext()
	if err != nil {
		return "", fmt.Errorf("whisper context: %w", err)
	}
	if e.language != "" {
		if err := wctx.SetLanguage(e.language); err != nil {
			return "", fmt.Errorf("whisper language: %w", err)
		}
	}
	if e.threads > 0 {
		wctx.SetThreads(e.threads)
	}
	if err := wctx.Process(samples, nil, nil, nil); err != nil {
		return "", fmt.Errorf("whisper process: %w", err)
	}

	var b strings.Builder
	for {
		seg, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("whisper segment: %w", err)
		}
		b.WriteString(seg.Text)
	}
	return strings.TrimSpace(b.String()), nil
}

func (e *whisperEngine) Close() error {
	return e.model.Close()
}
