package watcher

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSupported(t *testing.T) {
	cases := map[string]bool{
		"talk.wav":     true,
		"TALK.MP3":     true,
		"clip.mkv":     true,
		"notes.txt":    false,
		"no-extension": false,
	}
	for path, want := range cases {
		if got := Supported(path); got != want {
			t.Fatalf("Supported(%q) = %v, want %v", path, got, want)
		}
	}
}

func TestOutputPath(t *testing.T) {
	got := OutputPath("/out", "/in/meeting.2024.m4a")
	if got != filepath.Join("/out", "meeting.2024.txt") {
		t.Fatalf("unexpected output path %q", got)
	}
}

func TestWatcherHandlesAndArchives(t *testing.T) {
	in := t.TempDir()
	archive := filepath.Join(t.TempDir(), "done")

	var (
		mu   sync.Mutex
		seen []string
	)
	handled := make(chan struct{}, 4)
	w, err := New(in, 2, func(_ context.Context, path string) error {
		mu.Lock()
		seen = append(seen, filepath.Base(path))
		mu.Unlock()
		handled <- struct{}{}
		return nil
	}, newLogger(), WithArchiveDir(archive), WithSettleDelay(10*time.Millisecond))
	if err != nil {
		t.Fatalf("new watcher: %v", err)
	}
	defer w.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	if err := os.WriteFile(filepath.Join(in, "ignored.txt"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := os.WriteFile(filepath.Join(in, "call.wav"), []byte("RIFF"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case <-handled:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for handler")
	}
	cancel()
	<-done

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 1 || seen[0] != "call.wav" {
		t.Fatalf("unexpected handled files %v", seen)
	}
	if _, err := os.Stat(filepath.Join(archive, "call.wav")); err != nil {
		t.Fatalf("expected archived file: %v", err)
	}
	if _, err := os.Stat(filepath.Join(in, "ignored.txt")); err != nil {
		t.Fatalf("non-audio file should be left alone: %v", err)
	}
}
