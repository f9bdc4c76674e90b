// Package tempfiles owns the scratch artifacts of a single transcription run.
package tempfiles

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/loqalabs/loqa-scribe/internal/audio"
)

var (
	ErrTempResource = errors.New("temp resource failure")
	ErrReleased     = errors.New("temp manager already released")
)

// Manager tracks every artifact it hands out and deletes them on Release or
// ReleaseAll. It is safe for concurrent use.
type Manager struct {
	dir string
	log *slog.Logger

	mu       sync.Mutex
	tracked  map[string]struct{}
	released bool
}

// New creates a private run directory under parent (os.TempDir when empty).
func New(parent string, log *slog.Logger) (*Manager, error) {
	if parent != "" {
		if err := os.MkdirAll(parent, 0o755); err != nil {
			return nil, fmt.Errorf("%w: create temp parent: %v", ErrTempResource, err)
		}
	}
	dir, err := os.MkdirTemp(parent, "loqa-scribe-*")
	if err != nil {
		return nil, fmt.Errorf("%w: create run dir: %v", ErrTempResource, err)
	}
	return &Manager{
		dir:     dir,
		log:     log.With(slog.String("component", "tempfiles")),
		tracked: make(map[string]struct{}),
	}, nil
}

// Dir returns the run directory.
func (m *Manager) Dir() string {
	return m.dir
}

// Materialize writes a fragment as a canonical WAV file and tracks it.
func (m *Manager) Materialize(frag audio.Fragment, sampleRate int) (string, error) {
	path, err := m.Reserve(fmt.Sprintf("fragment-%06d-*.wav", frag.Index))
	if err != nil {
		return "", err
	}
	if err := audio.WriteWAVFile(path, frag.Samples, sampleRate, audio.Channels); err != nil {
		m.Release(path)
		return "", fmt.Errorf("%w: write fragment %d: %v", ErrTempResource, frag.Index, err)
	}
	return path, nil
}

// Reserve creates an empty tracked file matching pattern.
func (m *Manager) Reserve(pattern string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.released {
		return "", ErrReleased
	}
	f, err := os.CreateTemp(m.dir, pattern)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrTempResource, err)
	}
	name := f.Name()
	m.tracked[name] = struct{}{}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrTempResource, err)
	}
	return name, nil
}

// Release deletes the given artifacts. Unknown paths are ignored and delete
// failures are logged.
func (m *Manager) Release(paths ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range paths {
		if _, ok := m.tracked[p]; !ok {
			continue
		}
		delete(m.tracked, p)
		m.remove(p)
	}
}

// Pending returns the number of artifacts not yet deleted.
func (m *Manager) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tracked)
}

// ReleaseAll deletes every remaining artifact and the run directory. It never
// fails; problems are logged. Later Materialize or Reserve calls fail.
func (m *Manager) ReleaseAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.released {
		return
	}
	m.released = true
	for p := range m.tracked {
		m.remove(p)
	}
	if n := len(m.tracked); n > 0 {
		m.log.Debug("swept leftover artifacts", slog.Int("count", n))
	}
	clear(m.tracked)
	if err := os.RemoveAll(m.dir); err != nil {
		m.log.Warn("failed to remove run directory", slog.String("dir", m.dir), slog.String("error", err.Error()))
	}
}

func (m *Manager) remove(path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		m.log.Warn("failed to delete temp artifact", slog.String("path", filepath.Base(path)), slog.String("error", err.Error()))
	}
}
