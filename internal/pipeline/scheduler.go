package pipeline

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/audio"
)

// Result is the outcome of one fragment. Failed fragments carry an empty Text
// and a non-nil Err.
type Result struct {
	Index     int
	Text      string
	Err       error
	Artifacts []string
	Duration  time.Duration
	Cached    bool
}

// FragmentError wraps a recovered per-fragment failure.
type FragmentError struct {
	Index int
	Err   error
}

func (e *FragmentError) Error() string {
	return fmt.Sprintf("fragment %d: %v", e.Index, e.Err)
}

func (e *FragmentError) Unwrap() error {
	return e.Err
}

// Task transcribes one fragment. Errors belong in Result.Err.
type Task func(ctx context.Context, frag audio.Fragment) Result

// Handle is the pending result of a submitted fragment.
type Handle struct {
	Index  int
	done   chan struct{}
	result Result
}

func newHandle(index int) *Handle {
	return &Handle{Index: index, done: make(chan struct{})}
}

func (h *Handle) complete(res Result) {
	h.result = res
	close(h.done)
}

// Wait blocks until the fragment's task has finished or ctx is done.
func (h *Handle) Wait(ctx context.Context) (Result, error) {
	select {
	case <-h.done:
		return h.result, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Batch is one submission of fragments. Handles arrive in fragment order.
type Batch struct {
	handles chan *Handle
	err     error
	wg      sync.WaitGroup
}

// Handles yields one handle per submitted fragment, in submission order. The
// channel is closed once submission ends.
func (b *Batch) Handles() <-chan *Handle {
	return b.handles
}

// Err reports why submission stopped early. Valid once Handles is closed.
func (b *Batch) Err() error {
	return b.err
}

// Wait blocks until the submitter and every worker have exited.
func (b *Batch) Wait() {
	b.wg.Wait()
}

// Scheduler runs tasks on a fixed pool of workers. It keeps no state between
// batches.
type Scheduler struct {
	workers int
	log     *slog.Logger
}

func NewScheduler(workers int, log *slog.Logger) *Scheduler {
	return &Scheduler{workers: max(workers, 1), log: log}
}

func (s *Scheduler) Workers() int {
	return s.workers
}

type job struct {
	frag   audio.Fragment
	handle *Handle
}

// Submit queues one task per fragment in sequence order and returns
// immediately. At most Workers tasks run at once.
func (s *Scheduler) Submit(ctx context.Context, frags iter.Seq[audio.Fragment], task Task) *Batch {
	b := &Batch{handles: make(chan *Handle, s.workers*2)}
	jobs := make(chan job, s.workers)

	for i := 0; i < s.workers; i++ {
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			for j := range jobs {
				j.handle.complete(s.run(ctx, task, j.frag))
			}
		}()
	}

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer close(b.handles)
		defer close(jobs)
		for frag := range frags {
			if err := ctx.Err(); err != nil {
				b.err = err
				return
			}
			h := newHandle(frag.Index)
			select {
			case b.handles <- h:
			case <-ctx.Done():
				b.err = ctx.Err()
				return
			}
			select {
			case jobs <- job{frag: frag, handle: h}:
			case <-ctx.Done():
				h.complete(Result{Index: frag.Index, Err: &FragmentError{Index: frag.Index, Err: ctx.Err()}})
				b.err = ctx.Err()
				return
			}
		}
	}()
	return b
}

func (s *Scheduler) run(ctx context.Context, task Task, frag audio.Fragment) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("fragment task panicked", slog.Int("fragment", frag.Index), slog.Any("panic", r))
			res = Result{Index: frag.Index, Err: &FragmentError{Index: frag.Index, Err: fmt.Errorf("panic: %v", r)}}
		}
	}()
	if err := ctx.Err(); err != nil {
		return Result{Index: frag.Index, Err: &FragmentError{Index: frag.Index, Err: err}}
	}
	res = task(ctx, frag)
	res.Index = frag.Index
	if res.Err != nil {
		res.Text = ""
		var fe *FragmentError
		if !errors.As(res.Err, &fe) {
			res.Err = &FragmentError{Index: frag.Index, Err: res.Err}
		}
	}
	return res
}
