//go:build !whisper

package stt

import (
	"errors"

	"github.com/loqalabs/loqa-scribe/internal/config"
)

// NewWhisperEngine is unavailable without cgo bindings; build with -tags whisper.
func NewWhisperEngine(config.WhisperConfig, string, string) (Engine, error) {
	return nil, errors.New("whisper backend not compiled in (build with -tags whisper)")
}
