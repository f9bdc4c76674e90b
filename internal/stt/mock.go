package stt

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

type mockEngine struct{}

func NewMockEngine() Engine {
	return &mockEngine{}
}

func (m *mockEngine) Transcribe(_ context.Context, audioPath string) (string, error) {
	info, err := os.Stat(audioPath)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("[transcript %s bytes=%d]", filepath.Base(audioPath), info.Size()), nil
}
