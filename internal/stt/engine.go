package stt

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/config"
)

// Engine abstracts speech-to-text backends. Transcribe receives the path of a
// canonical WAV file and returns its text.
type Engine interface {
	Transcribe(ctx context.Context, audioPath string) (string, error)
}

// Loader constructs an Engine for a model variant. It is the expensive step
// the Guard runs at most once.
type Loader func(ctx context.Context, variant string) (Engine, error)

// ConstructionError reports a failed engine load. It is fatal to the run.
type ConstructionError struct {
	Variant string
	Err     error
}

func (e *ConstructionError) Error() string {
	return fmt.Sprintf("construct engine (variant %s): %v", e.Variant, e.Err)
}

func (e *ConstructionError) Unwrap() error {
	return e.Err
}

// NewLoader returns a Loader for the configured backend.
func NewLoader(cfg config.EngineConfig, log *slog.Logger) Loader {
	log = log.With(slog.String("component", "stt"))
	return func(ctx context.Context, variant string) (Engine, error) {
		start := time.Now()
		var (
			engine Engine
			err    error
		)
		switch cfg.Backend {
		case "mock":
			engine = NewMockEngine()
		case "exec":
			engine, err = NewExecEngine(cfg.Exec.Command, variant, cfg.Language)
		case "openai":
			engine = NewOpenAIEngine(cfg.OpenAI, cfg.Language)
		case "gemini":
			engine, err = NewGeminiEngine(ctx, cfg.Gemini, cfg.Language)
		case "whisper":
			engine, err = NewWhisperEngine(cfg.Whisper, variant, cfg.Language)
		default:
			err = fmt.Errorf("%w: unknown engine backend %q", config.ErrInvalid, cfg.Backend)
		}
		if err != nil {
			return nil, err
		}
		log.Info("transcription engine loaded",
			slog.String("backend", cfg.Backend),
			slog.String("variant", variant),
			slog.Duration("elapsed", time.Since(start)))
		return engine, nil
	}
}
