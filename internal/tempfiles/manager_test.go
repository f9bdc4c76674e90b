package tempfiles

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"sync"
	"testing"

	"github.com/loqalabs/loqa-scribe/internal/audio"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestMaterializeWritesCanonicalWAV(t *testing.T) {
	m, err := New(t.TempDir(), newLogger())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	t.Cleanup(m.ReleaseAll)

	frag := audio.Fragment{Index: 7, Samples: []int{1, 2, 3, 0}, Length: 3, Padded: true}
	path, err := m.Materialize(frag, audio.SampleRate)
	if err != nil {
		t.Fatalf("materialize: %v", err)
	}
	s, err := audio.ReadWAV(path)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if !s.Canonical() || len(s.Samples) != 4 || s.Samples[2] != 3 {
		t.Fatalf("unexpected stream %+v", s)
	}
	if m.Pending() != 1 {
		t.Fatalf("expected 1 tracked artifact, got %d", m.Pending())
	}

	m.Release(path)
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("expected artifact deleted, stat err=%v", err)
	}
	if m.Pending() != 0 {
		t.Fatalf("expected nothing tracked, got %d", m.Pending())
	}
}

func TestReleaseAllSweepsEverything(t *testing.T) {
	m, err := New(t.TempDir(), newLogger())
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	var wg sync.WaitGroup
	paths := make([]string, 16)
	for i := range paths {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p, err := m.Materialize(audio.Fragment{Index: i, Samples: make([]int, 160)}, audio.SampleRate)
			if err != nil {
				t.Errorf("materialize %d: %v", i, err)
				return
			}
			paths[i] = p
		}(i)
	}
	wg.Wait()
	if _, err := m.Reserve("normalized-*.wav"); err != nil {
		t.Fatalf("reserve: %v", err)
	}

	m.ReleaseAll()
	for _, p := range paths {
		if _, err := os.Stat(p); !os.IsNotExist(err) {
			t.Fatalf("artifact %s survived ReleaseAll", p)
		}
	}
	if _, err := os.Stat(m.Dir()); !os.IsNotExist(err) {
		t.Fatalf("run directory survived ReleaseAll")
	}

	if _, err := m.Materialize(audio.Fragment{Samples: []int{1}}, audio.SampleRate); !errors.Is(err, ErrReleased) {
		t.Fatalf("expected ErrReleased, got %v", err)
	}
	m.ReleaseAll()
}

func TestReleaseToleratesMissingFiles(t *testing.T) {
	m, err := New(t.TempDir(), newLogger())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	p, err := m.Reserve("x-*.bin")
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if err := os.Remove(p); err != nil {
		t.Fatalf("remove: %v", err)
	}
	m.Release(p, "/not/tracked")
	m.ReleaseAll()
}
