package journal

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/config"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func openStore(t *testing.T, cfg config.JournalConfig) *Store {
	t.Helper()
	if cfg.Path == "" {
		cfg.Path = filepath.Join(t.TempDir(), "journal.db")
	}
	s, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestOpenEphemeral(t *testing.T) {
	ctx := context.Background()
	s, err := Open(ctx, config.JournalConfig{RetentionMode: "ephemeral"}, newLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	if err := s.Ensure(); err != nil {
		t.Fatalf("ensure failed: %v", err)
	}
	if err := s.BeginRun(ctx, Run{ID: "r"}); err != nil {
		t.Fatalf("begin run on ephemeral store: %v", err)
	}
	runs, err := s.ListRuns(ctx, 10)
	if err != nil || runs != nil {
		t.Fatalf("expected nothing listed, got %v, %v", runs, err)
	}
}

func TestRunLifecycle(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, config.JournalConfig{RetentionMode: "session"})

	run := Run{ID: "run-1", Input: "talk.mp3", Output: "Output/Output.txt", Backend: "mock", Variant: "base", Workers: 2}
	if err := s.BeginRun(ctx, run); err != nil {
		t.Fatalf("begin run: %v", err)
	}
	for i, text := range []string{"hello", "", "world"} {
		rec := FragmentRecord{RunID: "run-1", Index: i, Text: text, Duration: 150 * time.Millisecond}
		if text == "" {
			rec.Error = "engine timeout"
		}
		if err := s.RecordFragment(ctx, rec); err != nil {
			t.Fatalf("record fragment %d: %v", i, err)
		}
	}
	run.Fragments, run.Failed, run.Status = 3, 1, StatusCompleted
	if err := s.FinishRun(ctx, run); err != nil {
		t.Fatalf("finish run: %v", err)
	}

	runs, err := s.ListRuns(ctx, 10)
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("expected 1 run, got %d", len(runs))
	}
	got := runs[0]
	if got.Status != StatusCompleted || got.Fragments != 3 || got.Failed != 1 || got.Workers != 2 {
		t.Fatalf("unexpected run %+v", got)
	}
	if got.FinishedAt.IsZero() {
		t.Fatal("expected finished timestamp")
	}

	frags, err := s.ListFragments(ctx, "run-1")
	if err != nil {
		t.Fatalf("list fragments: %v", err)
	}
	if len(frags) != 3 {
		t.Fatalf("expected 3 fragments, got %d", len(frags))
	}
	if frags[0].Text != "hello" || frags[1].Error != "engine timeout" || frags[2].Index != 2 {
		t.Fatalf("unexpected fragments %+v", frags)
	}
	if frags[0].Duration != 150*time.Millisecond {
		t.Fatalf("unexpected duration %v", frags[0].Duration)
	}
}

func TestFinishUnknownRun(t *testing.T) {
	s := openStore(t, config.JournalConfig{RetentionMode: "session"})
	if err := s.FinishRun(context.Background(), Run{ID: "missing", Status: StatusFailed}); err == nil {
		t.Fatal("expected error for unknown run")
	}
}

func TestPruneByDaysAndRuns(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, config.JournalConfig{RetentionMode: "persistent", RetentionDays: 1, MaxRuns: 1})

	s.clock = func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }
	if err := s.BeginRun(ctx, Run{ID: "old-run", Input: "a.wav"}); err != nil {
		t.Fatalf("begin run: %v", err)
	}
	if err := s.RecordFragment(ctx, FragmentRecord{RunID: "old-run", Index: 0, Text: "x"}); err != nil {
		t.Fatalf("record fragment: %v", err)
	}

	s.clock = func() time.Time { return time.Date(2025, 1, 3, 0, 0, 0, 0, time.UTC) }
	if err := s.BeginRun(ctx, Run{ID: "new-run", Input: "b.wav"}); err != nil {
		t.Fatalf("begin run: %v", err)
	}
	if err := s.Prune(ctx); err != nil {
		t.Fatalf("prune: %v", err)
	}

	frags, err := s.ListFragments(ctx, "old-run")
	if err != nil {
		t.Fatalf("list fragments: %v", err)
	}
	if len(frags) != 0 {
		t.Fatalf("expected old run pruned")
	}
	runs, err := s.ListRuns(ctx, 10)
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	if len(runs) != 1 || runs[0].ID != "new-run" {
		t.Fatalf("expected only new-run to remain, got %+v", runs)
	}
}
