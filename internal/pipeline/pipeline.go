// Package pipeline turns one audio file into an ordered transcript: it splits
// the audio into fragments, transcribes them on a bounded worker pool and
// reassembles the text in fragment order.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-scribe/internal/audio"
	"github.com/loqalabs/loqa-scribe/internal/cache"
	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/journal"
	"github.com/loqalabs/loqa-scribe/internal/protocol"
	"github.com/loqalabs/loqa-scribe/internal/stt"
	"github.com/loqalabs/loqa-scribe/internal/tempfiles"
	"github.com/loqalabs/loqa-scribe/internal/transcript"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Journal records runs and their fragments.
type Journal interface {
	BeginRun(ctx context.Context, run journal.Run) error
	RecordFragment(ctx context.Context, rec journal.FragmentRecord) error
	FinishRun(ctx context.Context, run journal.Run) error
}

// Publisher announces fragment and run results.
type Publisher interface {
	PublishFragment(ctx context.Context, msg protocol.FragmentTranscript) error
	PublishRun(ctx context.Context, msg protocol.RunCompleted) error
}

// Cache stores fragment text keyed by audio content.
type Cache interface {
	Lookup(ctx context.Context, key string) (string, bool, error)
	Store(ctx context.Context, key, text string) error
}

// NormalizerFactory builds the normalizer for a run from its scratch space.
type NormalizerFactory func(audio.Reserver) audio.Normalizer

type Pipeline struct {
	cfg        config.Config
	load       stt.Loader
	log        *slog.Logger
	journal    Journal
	publisher  Publisher
	cache      Cache
	normalizer NormalizerFactory
	ins        *instruments
}

type Option func(*Pipeline)

func WithJournal(j Journal) Option {
	return func(p *Pipeline) { p.journal = j }
}

func WithPublisher(pub Publisher) Option {
	return func(p *Pipeline) { p.publisher = pub }
}

func WithCache(c Cache) Option {
	return func(p *Pipeline) { p.cache = c }
}

func WithNormalizer(f NormalizerFactory) Option {
	return func(p *Pipeline) { p.normalizer = f }
}

func New(cfg config.Config, load stt.Loader, log *slog.Logger, opts ...Option) *Pipeline {
	log = log.With(slog.String("component", "pipeline"))
	p := &Pipeline{
		cfg:  cfg,
		load: load,
		log:  log,
		ins:  newInstruments(log),
	}
	p.normalizer = func(r audio.Reserver) audio.Normalizer {
		return audio.NewFFmpegNormalizer(cfg.Normalizer.FFmpegPath, r, log)
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Request describes one run. Zero fields fall back to configuration.
type Request struct {
	Input        string
	Output       string
	Variant      string
	Workers      int
	FragmentSize int
	Docx         bool
}

// Report summarizes a run.
type Report struct {
	RunID       string
	Input       string
	Output      string
	DocxOutput  string
	Variant     string
	Workers     int
	Fragments   int
	Failed      int
	Cached      int
	EngineLoads int64
	Elapsed     time.Duration
}

func (p *Pipeline) withDefaults(req Request) Request {
	if req.Output == "" {
		req.Output = p.cfg.Output.Path
	}
	if req.Variant == "" {
		req.Variant = p.cfg.Engine.Variant
	}
	if req.Workers == 0 {
		req.Workers = p.cfg.Workers()
	}
	if req.FragmentSize == 0 {
		req.FragmentSize = p.cfg.Pipeline.FragmentSize
	}
	req.Docx = req.Docx || p.cfg.Output.Docx
	return req
}

func validate(req Request) error {
	switch {
	case req.Input == "":
		return fmt.Errorf("%w: input path is required", config.ErrInvalid)
	case req.FragmentSize <= 0 || req.FragmentSize > config.MaxFragmentSize:
		return fmt.Errorf("%w: fragment size must be between 1 and %d, got %d", config.ErrInvalid, config.MaxFragmentSize, req.FragmentSize)
	case req.Workers <= 0:
		return fmt.Errorf("%w: workers must be positive, got %d", config.ErrInvalid, req.Workers)
	case !config.ValidVariant(req.Variant):
		return fmt.Errorf("%w: unknown model variant %q", config.ErrInvalid, req.Variant)
	}
	return nil
}

// Run transcribes req.Input into req.Output. Fragment failures leave empty
// lines; any returned error means no transcript was written.
func (p *Pipeline) Run(ctx context.Context, req Request) (Report, error) {
	start := time.Now()
	req = p.withDefaults(req)
	report := Report{
		RunID:   uuid.NewString(),
		Input:   req.Input,
		Output:  req.Output,
		Variant: req.Variant,
		Workers: req.Workers,
	}
	if err := validate(req); err != nil {
		return report, err
	}
	log := p.log.With(slog.String("run_id", report.RunID))

	var guardOpts []stt.GuardOption
	if p.cfg.Engine.Serialize {
		guardOpts = append(guardOpts, stt.WithSerializedCalls())
	}
	guard, err := stt.NewGuard(req.Variant, p.load, guardOpts...)
	if err != nil {
		return report, err
	}
	defer func() {
		if err := guard.Close(); err != nil {
			log.Warn("failed to release engine", slog.String("error", err.Error()))
		}
	}()

	ctx, span := p.ins.tracer.Start(ctx, "pipeline.run", trace.WithAttributes(
		attribute.String("run_id", report.RunID),
		attribute.String("variant", req.Variant),
		attribute.Int("workers", req.Workers),
	))
	defer span.End()

	temps, err := tempfiles.New(p.cfg.Pipeline.TempDir, log)
	if err != nil {
		return report, err
	}
	defer temps.ReleaseAll()

	p.beginRun(ctx, report, log)
	log.Info("transcription started",
		slog.String("input", req.Input),
		slog.String("variant", req.Variant),
		slog.Int("workers", req.Workers))

	err = p.execute(ctx, req, &report, guard, temps, log)
	report.EngineLoads = guard.Loads()
	report.Elapsed = since(start)
	p.finishRun(context.WithoutCancel(ctx), report, err, log)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return report, err
	}

	log.Info("transcription finished",
		slog.String("output", report.Output),
		slog.Int("fragments", report.Fragments),
		slog.Int("failed", report.Failed),
		slog.Duration("elapsed", report.Elapsed))
	return report, nil
}

func (p *Pipeline) execute(ctx context.Context, req Request, report *Report, guard *stt.Guard, temps *tempfiles.Manager, log *slog.Logger) error {
	normalizer := p.normalizer(temps)
	normalized, err := normalizer.Normalize(ctx, req.Input)
	if err != nil {
		return fmt.Errorf("normalize input: %w", err)
	}
	stream, err := audio.ReadWAV(normalized)
	if err != nil {
		return fmt.Errorf("read input: %w", err)
	}
	if !stream.Canonical() {
		return fmt.Errorf("%w: normalized input is %d Hz, %d channels", audio.ErrUnsupportedFormat, stream.SampleRate, stream.Channels)
	}
	temps.Release(normalized)

	frags, err := audio.Split(stream, req.FragmentSize)
	if err != nil {
		return err
	}
	report.Fragments = audio.FragmentCount(len(stream.Samples), req.FragmentSize)

	runCtx, cancel := context.WithCancel(ctx)
	batch := NewScheduler(req.Workers, log).Submit(runCtx, frags, p.task(guard, temps, normalizer, req.Variant, log))
	defer func() {
		cancel()
		batch.Wait()
	}()

	results, err := Collect(runCtx, batch.Handles(), log, func(res Result) {
		temps.Release(res.Artifacts...)
		if res.Err != nil {
			report.Failed++
		}
		if res.Cached {
			report.Cached++
		}
		p.ins.recordFragment(ctx, res)
		p.recordFragment(ctx, report.RunID, res, log)
	})
	if err != nil {
		return err
	}
	if err := batch.Err(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(results) != report.Fragments {
		return fmt.Errorf("collected %d of %d fragments", len(results), report.Fragments)
	}

	texts := make([]string, len(results))
	for i, res := range results {
		texts[i] = res.Text
	}
	if err := transcript.Write(req.Output, texts); err != nil {
		return err
	}
	if req.Docx {
		docx := transcript.DocxPath(req.Output)
		if err := transcript.WriteDocx(docx, filepath.Base(req.Input), texts); err != nil {
			log.Warn("failed to write docx transcript", slog.String("error", err.Error()))
		} else {
			report.DocxOutput = docx
		}
	}
	return nil
}

func (p *Pipeline) task(guard *stt.Guard, temps *tempfiles.Manager, normalizer audio.Normalizer, variant string, log *slog.Logger) Task {
	return func(ctx context.Context, frag audio.Fragment) (res Result) {
		start := time.Now()
		ctx, span := p.ins.tracer.Start(ctx, "pipeline.fragment", trace.WithAttributes(attribute.Int("fragment", frag.Index)))
		defer func() {
			res.Duration = time.Since(start)
			if res.Err != nil {
				span.RecordError(res.Err)
				span.SetStatus(codes.Error, res.Err.Error())
			}
			span.End()
		}()
		res.Index = frag.Index

		var key string
		if p.cache != nil {
			key = cache.Key(p.cfg.Engine.Backend, variant, p.cfg.Engine.Language, frag.Samples)
			text, ok, err := p.cache.Lookup(ctx, key)
			if err != nil {
				log.Debug("cache lookup failed", slog.Int("fragment", frag.Index), slog.String("error", err.Error()))
			} else if ok {
				res.Text, res.Cached = text, true
				return res
			}
		}

		path, err := temps.Materialize(frag, audio.SampleRate)
		if err != nil {
			res.Err = err
			return res
		}
		res.Artifacts = append(res.Artifacts, path)

		normalized, err := normalizer.Normalize(ctx, path)
		if err != nil {
			res.Err = err
			return res
		}
		if normalized != path {
			res.Artifacts = append(res.Artifacts, normalized)
		}

		engine, err := guard.Get(ctx)
		if err != nil {
			res.Err = err
			return res
		}
		text, err := engine.Transcribe(ctx, normalized)
		if err != nil {
			res.Err = err
			return res
		}
		res.Text = text

		if key != "" {
			if err := p.cache.Store(ctx, key, text); err != nil {
				log.Debug("cache store failed", slog.Int("fragment", frag.Index), slog.String("error", err.Error()))
			}
		}
		return res
	}
}

func (p *Pipeline) recordFragment(ctx context.Context, runID string, res Result, log *slog.Logger) {
	var errText string
	if res.Err != nil {
		errText = res.Err.Error()
	}
	if p.journal != nil {
		rec := journal.FragmentRecord{
			RunID:    runID,
			Index:    res.Index,
			Text:     transcript.Line(res.Text),
			Error:    errText,
			Cached:   res.Cached,
			Duration: res.Duration,
		}
		if err := p.journal.RecordFragment(ctx, rec); err != nil {
			log.Warn("failed to journal fragment", slog.Int("fragment", res.Index), slog.String("error", err.Error()))
		}
	}
	if p.publisher != nil {
		msg := protocol.FragmentTranscript{
			RunID:     runID,
			Index:     res.Index,
			Text:      transcript.Line(res.Text),
			Error:     errText,
			Cached:    res.Cached,
			Timestamp: time.Now().UTC(),
		}
		if err := p.publisher.PublishFragment(ctx, msg); err != nil {
			log.Warn("failed to publish fragment", slog.Int("fragment", res.Index), slog.String("error", err.Error()))
		}
	}
}

func (p *Pipeline) beginRun(ctx context.Context, report Report, log *slog.Logger) {
	if p.journal == nil {
		return
	}
	run := journal.Run{
		ID:      report.RunID,
		Input:   report.Input,
		Output:  report.Output,
		Backend: p.cfg.Engine.Backend,
		Variant: report.Variant,
		Workers: report.Workers,
	}
	if err := p.journal.BeginRun(ctx, run); err != nil {
		log.Warn("failed to journal run start", slog.String("error", err.Error()))
	}
}

func (p *Pipeline) finishRun(ctx context.Context, report Report, runErr error, log *slog.Logger) {
	status := journal.StatusCompleted
	var errText string
	if runErr != nil {
		status = journal.StatusFailed
		errText = runErr.Error()
	}
	p.ins.recordRun(ctx, status)

	if p.journal != nil {
		run := journal.Run{
			ID:        report.RunID,
			Output:    report.Output,
			Fragments: report.Fragments,
			Failed:    report.Failed,
			Cached:    report.Cached,
			Status:    status,
			Error:     errText,
		}
		if err := p.journal.FinishRun(ctx, run); err != nil {
			log.Warn("failed to journal run result", slog.String("error", err.Error()))
		}
	}
	if p.publisher != nil {
		msg := protocol.RunCompleted{
			RunID:      report.RunID,
			Input:      report.Input,
			Variant:    report.Variant,
			Fragments:  report.Fragments,
			Failed:     report.Failed,
			Status:     status,
			Error:      errText,
			DurationMS: report.Elapsed.Milliseconds(),
			Timestamp:  time.Now().UTC(),
		}
		if runErr == nil {
			msg.Output = report.Output
		}
		if err := p.publisher.PublishRun(ctx, msg); err != nil {
			log.Warn("failed to publish run result", slog.String("error", err.Error()))
		}
	}
}
