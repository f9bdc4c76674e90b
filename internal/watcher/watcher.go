package watcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Extensions lists the input formats the watcher picks up.
var Extensions = []string{".wav", ".mp3", ".m4a", ".flac", ".ogg", ".opus", ".aac", ".webm", ".mp4", ".mkv"}

// Handler processes one detected file.
type Handler func(ctx context.Context, path string) error

// Watcher dispatches newly created audio files in a directory to a Handler.
type Watcher struct {
	dir        string
	archiveDir string
	handler    Handler
	log        *slog.Logger
	settle     time.Duration
	fs         *fsnotify.Watcher
	semaphore  chan struct{}
	wg         sync.WaitGroup
}

type Option func(*Watcher)

// WithArchiveDir moves successfully handled files into dir.
func WithArchiveDir(dir string) Option {
	return func(w *Watcher) { w.archiveDir = dir }
}

// WithSettleDelay sets how long to wait after a create event before handling
// the file, giving writers time to finish.
func WithSettleDelay(d time.Duration) Option {
	return func(w *Watcher) { w.settle = d }
}

func New(dir string, maxConcurrent int, handler Handler, log *slog.Logger, opts ...Option) (*Watcher, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create watch dir: %w", err)
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}
	w := &Watcher{
		dir:       dir,
		handler:   handler,
		log:       log.With(slog.String("component", "watcher")),
		settle:    500 * time.Millisecond,
		fs:        fsw,
		semaphore: make(chan struct{}, max(maxConcurrent, 1)),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Run blocks until ctx is done, then waits for in-flight handlers.
func (w *Watcher) Run(ctx context.Context) error {
	w.log.Info("watching for audio", slog.String("dir", w.dir), slog.Int("max_concurrent", cap(w.semaphore)))
	defer w.wg.Wait()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-w.fs.Events:
			if !ok {
				return errors.New("watcher events channel closed")
			}
			if !event.Has(fsnotify.Create) {
				continue
			}
			if !Supported(event.Name) {
				w.log.Debug("ignoring file", slog.String("path", event.Name))
				continue
			}
			if err := w.dispatch(ctx, event.Name); err != nil {
				return err
			}
		case err, ok := <-w.fs.Errors:
			if !ok {
				return errors.New("watcher errors channel closed")
			}
			w.log.Error("watcher error", slog.String("error", err.Error()))
		}
	}
}

func (w *Watcher) dispatch(ctx context.Context, path string) error {
	select {
	case w.semaphore <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer func() { <-w.semaphore }()

		if w.settle > 0 {
			select {
			case <-time.After(w.settle):
			case <-ctx.Done():
				return
			}
		}
		w.log.Info("audio detected", slog.String("path", path))
		if err := w.handler(ctx, path); err != nil {
			w.log.Error("failed to process file", slog.String("path", path), slog.String("error", err.Error()))
			return
		}
		w.archive(path)
	}()
	return nil
}

func (w *Watcher) archive(path string) {
	if w.archiveDir == "" {
		return
	}
	if err := os.MkdirAll(w.archiveDir, 0o755); err != nil {
		w.log.Warn("failed to create archive dir", slog.String("error", err.Error()))
		return
	}
	dest := filepath.Join(w.archiveDir, filepath.Base(path))
	if err := os.Rename(path, dest); err != nil {
		w.log.Warn("failed to archive file", slog.String("path", path), slog.String("error", err.Error()))
	}
}

func (w *Watcher) Close() error {
	return w.fs.Close()
}

// Supported reports whether path has a recognised audio or container extension.
func Supported(path string) bool {
	return slices.Contains(Extensions, strings.ToLower(filepath.Ext(path)))
}

// OutputPath maps an input file to its transcript path inside dir.
func OutputPath(dir, input string) string {
	base := filepath.Base(input)
	return filepath.Join(dir, strings.TrimSuffix(base, filepath.Ext(base))+".txt")
}
