package stt

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/loqalabs/loqa-scribe/internal/config"
	"google.golang.org/genai"
)

const geminiInstruction = "Transcribe the speech in this audio verbatim. Reply with the transcript only, no commentary. Reply with nothing if there is no speech."

type geminiEngine struct {
	client   *genai.Client
	model    string
	language string
}

func NewGeminiEngine(ctx context.Context, cfg config.GeminiConfig, language string) (Engine, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:      cfg.APIKey,
		Backend:     genai.BackendGeminiAPI,
		HTTPOptions: genai.HTTPOptions{BaseURL: cfg.BaseURL},
	})
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return &geminiEngine{client: client, model: cfg.Model, language: language}, nil
}

func (e *geminiEngine) Transcribe(ctx context.Context, audioPath string) (string, error) {
	data, err := os.ReadFile(audioPath)
	if err != nil {
		return "", err
	}
	instruction := geminiInstruction
	if e.language != "" {
		instruction += " The spoken language is " + e.language + "."
	}
	contents := []*genai.Content{
		genai.NewContentFromParts([]*genai.Part{
			genai.NewPartFromText(instruction),
			genai.NewPartFromBytes(data, "audio/wav"),
		}, genai.RoleUser),
	}

	result, err := e.client.Models.GenerateContent(ctx, e.model, contents, nil)
	if err != nil {
		return "", fmt.Errorf("generate content: %w", err)
	}
	if result == nil || len(result.Candidates) == 0 || result.Candidates[0].Content == nil {
		return "", errors.New("empty response from gemini")
	}
	var b strings.Builder
	for _, part := range result.Candidates[0].Content.Parts {
		if part.Text != "" {
			b.WriteString(part.Text)
		}
	}
	return b.String(), nil
}
