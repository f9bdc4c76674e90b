package stt

import (
	"context"
	"fmt"

	"github.com/loqalabs/loqa-scribe/internal/config"
	openai "github.com/sashabaranov/go-openai"
)

type openAIEngine struct {
	client   *openai.Client
	model    string
	language string
}

// NewOpenAIEngine targets the OpenAI transcription API or any server that
// speaks the same protocol at cfg.BaseURL.
func NewOpenAIEngine(cfg config.OpenAIConfig, language string) Engine {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	model := cfg.Model
	if model == "" {
		model = openai.Whisper1
	}
	return &openAIEngine{
		client:   openai.NewClientWithConfig(clientCfg),
		model:    model,
		language: language,
	}
}

func (e *openAIEngine) Transcribe(ctx context.Context, audioPath string) (string, error) {
	resp, err := e.client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    e.model,
		FilePath: audioPath,
		Language: e.language,
	})
	if err != nil {
		return "", fmt.Errorf("openai transcription: %w", err)
	}
	return resp.Text, nil
}
