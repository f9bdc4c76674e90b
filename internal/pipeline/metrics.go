package pipeline

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/loqalabs/loqa-scribe/pipeline"

type instruments struct {
	tracer    trace.Tracer
	runs      metric.Int64Counter
	fragments metric.Int64Counter
	duration  metric.Float64Histogram
}

func newInstruments(log *slog.Logger) *instruments {
	meter := otel.Meter(instrumentationName)
	ins := &instruments{tracer: otel.Tracer(instrumentationName)}

	var err error
	if ins.runs, err = meter.Int64Counter("scribe.runs", metric.WithDescription("Completed transcription runs")); err != nil {
		log.Warn("failed to create runs counter", slog.String("error", err.Error()))
	}
	if ins.fragments, err = meter.Int64Counter("scribe.fragments", metric.WithDescription("Processed fragments")); err != nil {
		log.Warn("failed to create fragments counter", slog.String("error", err.Error()))
	}
	if ins.duration, err = meter.Float64Histogram("scribe.fragment.duration",
		metric.WithDescription("Time spent on one fragment"),
		metric.WithUnit("s")); err != nil {
		log.Warn("failed to create fragment duration histogram", slog.String("error", err.Error()))
	}
	return ins
}

func (i *instruments) recordRun(ctx context.Context, status string) {
	if i.runs != nil {
		i.runs.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
	}
}

func (i *instruments) recordFragment(ctx context.Context, res Result) {
	status := "ok"
	switch {
	case res.Err != nil:
		status = "failed"
	case res.Cached:
		status = "cached"
	}
	if i.fragments != nil {
		i.fragments.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
	}
	if i.duration != nil && res.Duration > 0 {
		i.duration.Record(ctx, res.Duration.Seconds(), metric.WithAttributes(attribute.String("status", status)))
	}
}

func since(start time.Time) time.Duration {
	return time.Since(start).Round(time.Millisecond)
}
