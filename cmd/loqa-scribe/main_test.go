package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/loqalabs/loqa-scribe/internal/audio"
	"github.com/loqalabs/loqa-scribe/internal/config"
)

func TestParseTranscribe(t *testing.T) {
	f, err := parseTranscribe([]string{"-model", "small", "-workers", "3", "talk.wav"})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if f.input != "talk.wav" || f.model != "small" || f.workers != 3 {
		t.Fatalf("unexpected flags %+v", f)
	}
	if _, err := parseTranscribe(nil); err == nil {
		t.Fatal("expected missing input error")
	}
	if _, err := parseTranscribe([]string{"-h"}); !errors.Is(err, flag.ErrHelp) {
		t.Fatalf("expected ErrHelp, got %v", err)
	}
}

func TestLoadConfigRejectsUnknownModel(t *testing.T) {
	_, err := loadConfig("", func(cfg *config.Config) { cfg.Engine.Variant = "huge" })
	if !errors.Is(err, config.ErrInvalid) {
		t.Fatalf("expected ErrInvalid, got %v", err)
	}
}

func TestRunTranscribeRejectsNumericFlags(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("LOQA_SCRIBE_ENGINE_BACKEND", "mock")
	t.Setenv("LOQA_SCRIBE_JOURNAL_PATH", filepath.Join(dir, "journal.db"))

	for _, args := range [][]string{
		{"-input", "talk.mp3", "-fragment-size", "-1"},
		{"-input", "talk.mp3", "-workers", "-3"},
	} {
		err := runTranscribe(context.Background(), args, io.Discard)
		if !errors.Is(err, config.ErrInvalid) {
			t.Fatalf("%v: expected ErrInvalid, got %v", args, err)
		}
	}
}

func TestRunTranscribeAndList(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("LOQA_SCRIBE_ENGINE_BACKEND", "mock")
	t.Setenv("LOQA_SCRIBE_JOURNAL_PATH", filepath.Join(dir, "journal.db"))
	t.Setenv("LOQA_SCRIBE_PIPELINE_TEMP_DIR", dir)
	t.Setenv("LOQA_SCRIBE_TELEMETRY_LOG_LEVEL", "error")

	input := filepath.Join(dir, "talk.wav")
	if err := audio.WriteWAVFile(input, make([]int, 40000), audio.SampleRate, audio.Channels); err != nil {
		t.Fatalf("write input: %v", err)
	}
	output := filepath.Join(dir, "talk.txt")

	var out bytes.Buffer
	if err := runTranscribe(context.Background(), []string{"-input", input, "-output", output, "-workers", "2"}, &out); err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if !strings.Contains(out.String(), "with 2 workers") || !strings.Contains(out.String(), "fragments  2 (failed 0, cached 0)") {
		t.Fatalf("unexpected summary:\n%s", out.String())
	}
	if _, err := os.Stat(output); err != nil {
		t.Fatalf("expected transcript: %v", err)
	}

	out.Reset()
	if err := runList(context.Background(), nil, &out); err != nil {
		t.Fatalf("runs: %v", err)
	}
	if !strings.Contains(out.String(), "completed") || !strings.Contains(out.String(), input) {
		t.Fatalf("unexpected run listing:\n%s", out.String())
	}
}
