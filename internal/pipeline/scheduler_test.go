package pipeline

import (
	"context"
	"errors"
	"io"
	"iter"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/audio"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func fragments(n int) iter.Seq[audio.Fragment] {
	return func(yield func(audio.Fragment) bool) {
		for i := 0; i < n; i++ {
			if !yield(audio.Fragment{Index: i, Samples: []int{i + 1}, Length: 1}) {
				return
			}
		}
	}
}

func TestSchedulerPreservesOrderUnderReversedCompletion(t *testing.T) {
	const n = 8
	s := NewScheduler(n, newLogger())
	batch := s.Submit(context.Background(), fragments(n), func(_ context.Context, f audio.Fragment) Result {
		time.Sleep(time.Duration(n-f.Index) * 5 * time.Millisecond)
		return Result{Text: string(rune('a' + f.Index))}
	})
	defer batch.Wait()

	results, err := Collect(context.Background(), batch.Handles(), newLogger(), nil)
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	if len(results) != n {
		t.Fatalf("expected %d results, got %d", n, len(results))
	}
	for i, res := range results {
		if res.Index != i || res.Text != string(rune('a'+i)) {
			t.Fatalf("position %d holds fragment %d (%q)", i, res.Index, res.Text)
		}
	}
	if batch.Err() != nil {
		t.Fatalf("unexpected batch error: %v", batch.Err())
	}
}

func TestSchedulerBoundsConcurrency(t *testing.T) {
	const workers = 3
	var inflight, peak atomic.Int32
	s := NewScheduler(workers, newLogger())
	batch := s.Submit(context.Background(), fragments(20), func(context.Context, audio.Fragment) Result {
		n := inflight.Add(1)
		defer inflight.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(3 * time.Millisecond)
		return Result{}
	})
	if _, err := Collect(context.Background(), batch.Handles(), newLogger(), nil); err != nil {
		t.Fatalf("collect: %v", err)
	}
	batch.Wait()
	if peak.Load() > workers {
		t.Fatalf("peak concurrency %d exceeds %d workers", peak.Load(), workers)
	}
	if peak.Load() < 2 {
		t.Fatalf("expected tasks to overlap, peak %d", peak.Load())
	}
}

func TestSchedulerRecoversTaskFailures(t *testing.T) {
	s := NewScheduler(2, newLogger())
	batch := s.Submit(context.Background(), fragments(4), func(_ context.Context, f audio.Fragment) Result {
		switch f.Index {
		case 1:
			return Result{Text: "partial", Err: errors.New("engine hiccup")}
		case 2:
			panic("decoder exploded")
		}
		return Result{Text: "ok"}
	})
	defer batch.Wait()

	var consumed []int
	results, err := Collect(context.Background(), batch.Handles(), newLogger(), func(r Result) {
		consumed = append(consumed, r.Index)
	})
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	want := []string{"ok", "", "", "ok"}
	for i, res := range results {
		if res.Text != want[i] {
			t.Fatalf("fragment %d text %q, want %q", i, res.Text, want[i])
		}
	}
	for _, i := range []int{1, 2} {
		var fe *FragmentError
		if !errors.As(results[i].Err, &fe) || fe.Index != i {
			t.Fatalf("fragment %d: expected FragmentError, got %v", i, results[i].Err)
		}
	}
	if len(consumed) != 4 || consumed[0] != 0 || consumed[3] != 3 {
		t.Fatalf("consume order %v", consumed)
	}
}

func TestSchedulerStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var started atomic.Int32
	s := NewScheduler(1, newLogger())
	batch := s.Submit(ctx, fragments(1000), func(ctx context.Context, f audio.Fragment) Result {
		if started.Add(1) == 3 {
			cancel()
		}
		return Result{}
	})

	_, err := Collect(context.Background(), batch.Handles(), newLogger(), nil)
	batch.Wait()
	if err != nil {
		t.Fatalf("collect should drain remaining handles, got %v", err)
	}
	if !errors.Is(batch.Err(), context.Canceled) {
		t.Fatalf("expected cancelled batch, got %v", batch.Err())
	}
	if started.Load() >= 1000 {
		t.Fatal("expected submission to stop early")
	}
}

func TestNewSchedulerFloorsWorkers(t *testing.T) {
	if NewScheduler(0, newLogger()).Workers() != 1 {
		t.Fatal("expected at least one worker")
	}
}
