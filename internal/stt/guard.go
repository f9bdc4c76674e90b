package stt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/loqalabs/loqa-scribe/internal/config"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// ErrVariantLocked is returned by SetVariant once the engine has been requested.
var ErrVariantLocked = errors.New("engine variant is fixed once loading has started")

type engineRef struct {
	Engine
}

// Guard constructs the engine lazily and at most once. Every caller of Get
// observes the same instance, or the same construction error.
type Guard struct {
	load      Loader
	serialize bool

	// lock is a capacity-1 semaphore so that waiting for it can be cancelled.
	lock    chan struct{}
	variant string
	err     error

	engine  atomic.Pointer[engineRef]
	started atomic.Bool
	loads   atomic.Int64

	tracer  trace.Tracer
	counter metric.Int64Counter
}

type GuardOption func(*Guard)

// WithSerializedCalls runs every Transcribe of the guarded engine inside a
// single critical section.
func WithSerializedCalls() GuardOption {
	return func(g *Guard) { g.serialize = true }
}

func NewGuard(variant string, load Loader, opts ...GuardOption) (*Guard, error) {
	if !config.ValidVariant(variant) {
		return nil, fmt.Errorf("%w: unknown model variant %q", config.ErrInvalid, variant)
	}
	if load == nil {
		return nil, fmt.Errorf("%w: engine loader is nil", config.ErrInvalid)
	}
	meter := otel.Meter("github.com/loqalabs/loqa-scribe/stt")
	counter, _ := meter.Int64Counter("scribe.engine.loads", metric.WithDescription("Engine construction attempts"))
	g := &Guard{
		load:    load,
		lock:    make(chan struct{}, 1),
		variant: variant,
		tracer:  otel.Tracer("github.com/loqalabs/loqa-scribe/stt"),
		counter: counter,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// Get returns the shared engine, constructing it on first use. Callers that
// arrive during construction wait for it to finish; the wait honours ctx.
func (g *Guard) Get(ctx context.Context) (Engine, error) {
	if ref := g.engine.Load(); ref != nil {
		return ref.Engine, nil
	}
	g.started.Store(true)

	select {
	case g.lock <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-g.lock }()

	if ref := g.engine.Load(); ref != nil {
		return ref.Engine, nil
	}
	if g.err != nil {
		return nil, g.err
	}

	ctx, span := g.tracer.Start(ctx, "engine.load", trace.WithAttributes(attribute.String("variant", g.variant)))
	defer span.End()

	g.loads.Add(1)
	if g.counter != nil {
		g.counter.Add(ctx, 1, metric.WithAttributes(attribute.String("variant", g.variant)))
	}
	engine, err := g.load(ctx, g.variant)
	if err == nil && engine == nil {
		err = errors.New("loader returned no engine")
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		// a cancelled load is not the engine's fault; let the next caller retry
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		g.err = &ConstructionError{Variant: g.variant, Err: err}
		return nil, g.err
	}
	if g.serialize {
		engine = &serialEngine{inner: engine}
	}
	g.engine.Store(&engineRef{Engine: engine})
	return engine, nil
}

// SetVariant changes the model variant. It fails once Get has been called.
func (g *Guard) SetVariant(variant string) error {
	if !config.ValidVariant(variant) {
		return fmt.Errorf("%w: unknown model variant %q", config.ErrInvalid, variant)
	}
	g.lock <- struct{}{}
	defer func() { <-g.lock }()
	if g.started.Load() {
		return ErrVariantLocked
	}
	g.variant = variant
	return nil
}

// Variant returns the configured model variant.
func (g *Guard) Variant() string {
	g.lock <- struct{}{}
	defer func() { <-g.lock }()
	return g.variant
}

// Loads reports how many times construction has been attempted.
func (g *Guard) Loads() int64 {
	return g.loads.Load()
}

// Close releases the engine if it holds native resources.
func (g *Guard) Close() error {
	ref := g.engine.Load()
	if ref == nil {
		return nil
	}
	inner := ref.Engine
	if s, ok := inner.(*serialEngine); ok {
		inner = s.inner
	}
	if c, ok := inner.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

type serialEngine struct {
	mu    sync.Mutex
	inner Engine
}

func (s *serialEngine) Transcribe(ctx context.Context, audioPath string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inner.Transcribe(ctx, audioPath)
}
