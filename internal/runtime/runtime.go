package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/loqalabs/loqa-scribe/internal/bus"
	"github.com/loqalabs/loqa-scribe/internal/cache"
	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/journal"
	"github.com/loqalabs/loqa-scribe/internal/natsserver"
	"github.com/loqalabs/loqa-scribe/internal/pipeline"
	"github.com/loqalabs/loqa-scribe/internal/stt"
)

// Runtime owns the long-lived dependencies of a process: the run journal,
// the optional event bus and fragment cache, and the pipeline built on them.
type Runtime struct {
	cfg      config.Config
	logger   *slog.Logger
	journal  *journal.Store
	nats     *natsserver.EmbeddedServer
	bus      *bus.Client
	cache    *cache.Cache
	pipeline *pipeline.Pipeline
	ready    atomic.Bool
}

type Option func(*options)

type options struct {
	loader   stt.Loader
	pipeline []pipeline.Option
}

// WithLoader replaces the engine loader derived from configuration.
func WithLoader(l stt.Loader) Option {
	return func(o *options) { o.loader = l }
}

// WithPipelineOptions appends options applied when building the pipeline.
func WithPipelineOptions(opts ...pipeline.Option) Option {
	return func(o *options) { o.pipeline = append(o.pipeline, opts...) }
}

func New(ctx context.Context, cfg config.Config, logger *slog.Logger, opts ...Option) (*Runtime, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.loader == nil {
		o.loader = stt.NewLoader(cfg.Engine, logger)
	}

	r := &Runtime{cfg: cfg, logger: logger}

	store, err := journal.Open(ctx, cfg.Journal, logger)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	r.journal = store
	popts := []pipeline.Option{pipeline.WithJournal(store)}

	if cfg.Bus.Enabled {
		if err := r.connectBus(ctx); err != nil {
			r.Close()
			return nil, err
		}
		popts = append(popts, pipeline.WithPublisher(r.bus))
	}

	if cfg.Cache.Enabled {
		c, err := cache.Open(ctx, cfg.Cache)
		if err != nil {
			r.Close()
			return nil, fmt.Errorf("open cache: %w", err)
		}
		r.cache = c
		popts = append(popts, pipeline.WithCache(c))
	}

	r.pipeline = pipeline.New(cfg, o.loader, logger, append(popts, o.pipeline...)...)
	return r, nil
}

func (r *Runtime) connectBus(ctx context.Context) error {
	busCfg := r.cfg.Bus
	ns, err := natsserver.Start(busCfg, r.logger)
	if err != nil {
		return err
	}
	r.nats = ns
	if ns != nil {
		busCfg.Servers = []string{ns.ClientURL()}
	}
	client, err := bus.Connect(ctx, busCfg, r.logger)
	if err != nil {
		return err
	}
	r.bus = client
	return nil
}

// Transcribe performs one pipeline run.
func (r *Runtime) Transcribe(ctx context.Context, req pipeline.Request) (pipeline.Report, error) {
	return r.pipeline.Run(ctx, req)
}

// Runs lists journaled runs, newest first.
func (r *Runtime) Runs(ctx context.Context, limit int) ([]journal.Run, error) {
	return r.journal.ListRuns(ctx, limit)
}

// Fragments lists the journaled fragment outcomes of one run.
func (r *Runtime) Fragments(ctx context.Context, runID string) ([]journal.FragmentRecord, error) {
	return r.journal.ListFragments(ctx, runID)
}

// Healthy reports an error naming the first unhealthy dependency.
func (r *Runtime) Healthy(ctx context.Context) error {
	if err := r.journal.Ensure(); err != nil {
		return fmt.Errorf("journal: %w", err)
	}
	if r.bus != nil && !r.bus.Healthy() {
		return errors.New("bus: not connected")
	}
	if r.cache != nil && !r.cache.Healthy(ctx) {
		return errors.New("cache: unreachable")
	}
	return nil
}

// Close releases every dependency opened by New. Safe on a partially
// constructed runtime.
func (r *Runtime) Close() {
	r.ready.Store(false)
	if r.cache != nil {
		if err := r.cache.Close(); err != nil {
			r.logger.Warn("cache close error", slog.String("error", err.Error()))
		}
	}
	r.bus.Close()
	r.nats.Shutdown()
	if r.journal != nil {
		if err := r.journal.Close(); err != nil {
			r.logger.Warn("journal close error", slog.String("error", err.Error()))
		}
	}
}
