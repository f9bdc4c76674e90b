package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/pipeline"
	"github.com/loqalabs/loqa-scribe/internal/runtime"
	"github.com/loqalabs/loqa-scribe/internal/telemetry"
)

var version = "0.1.0-dev"

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "expected 'transcribe', 'runs' or 'version'")
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var err error
	switch os.Args[1] {
	case "transcribe":
		err = runTranscribe(ctx, os.Args[2:], os.Stdout)
	case "runs":
		err = runList(ctx, os.Args[2:], os.Stdout)
	case "version":
		fmt.Println(version)
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", os.Args[1])
		os.Exit(2)
	}

	switch {
	case err == nil:
	case errors.Is(err, flag.ErrHelp):
		os.Exit(2)
	case ctx.Err() != nil:
		fmt.Fprintln(os.Stderr, "interrupted")
		os.Exit(130)
	default:
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type transcribeFlags struct {
	configPath   string
	input        string
	output       string
	model        string
	backend      string
	workers      int
	fragmentSize int
	docx         bool
}

func parseTranscribe(args []string) (transcribeFlags, error) {
	var f transcribeFlags
	fs := flag.NewFlagSet("transcribe", flag.ContinueOnError)
	fs.StringVar(&f.configPath, "config", "", "Path to configuration file")
	fs.StringVar(&f.input, "input", "", "Audio file to transcribe")
	fs.StringVar(&f.output, "output", "", "Transcript path (default from config)")
	fs.StringVar(&f.model, "model", "", "Model variant: tiny, base, small, medium, large")
	fs.StringVar(&f.backend, "backend", "", "Engine backend: whisper, exec, openai, gemini, mock")
	fs.IntVar(&f.workers, "workers", 0, "Concurrent transcriptions (default half the CPUs)")
	fs.IntVar(&f.fragmentSize, "fragment-size", 0, "Samples per fragment")
	fs.BoolVar(&f.docx, "docx", false, "Also write a .docx transcript")
	if err := fs.Parse(args); err != nil {
		return f, err
	}
	if f.input == "" && fs.NArg() > 0 {
		f.input = fs.Arg(0)
	}
	if f.input == "" {
		return f, errors.New("transcribe: -input is required")
	}
	return f, nil
}

func loadConfig(path string, apply func(*config.Config)) (config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return cfg, err
	}
	if apply != nil {
		apply(&cfg)
		if err := cfg.Validate(); err != nil {
			return cfg, err
		}
	}
	return cfg, nil
}

func runTranscribe(ctx context.Context, args []string, out io.Writer) error {
	f, err := parseTranscribe(args)
	if err != nil {
		return err
	}
	cfg, err := loadConfig(f.configPath, func(cfg *config.Config) {
		if f.backend != "" {
			cfg.Engine.Backend = f.backend
		}
		if f.model != "" {
			cfg.Engine.Variant = f.model
		}
		if f.workers != 0 {
			cfg.Pipeline.MaxWorkers = f.workers
		}
		if f.fragmentSize != 0 {
			cfg.Pipeline.FragmentSize = f.fragmentSize
		}
	})
	if err != nil {
		return err
	}

	logger := telemetry.NewLogger(cfg.Telemetry, os.Stderr)
	shutdown, _, err := telemetry.Setup(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdown(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}()

	rt, err := runtime.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer rt.Close()

	req := pipeline.Request{
		Input:  f.input,
		Output: f.output,
		Docx:   f.docx,
	}
	fmt.Fprintf(out, "transcribing %s with %d workers\n", f.input, cfg.Workers())
	report, err := rt.Transcribe(ctx, req)
	if err != nil {
		return err
	}
	printReport(out, report)
	return nil
}

func printReport(out io.Writer, r pipeline.Report) {
	fmt.Fprintln(out, "transcription completed")
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "run\t%s\n", r.RunID)
	fmt.Fprintf(tw, "output\t%s\n", r.Output)
	if r.DocxOutput != "" {
		fmt.Fprintf(tw, "docx\t%s\n", r.DocxOutput)
	}
	fmt.Fprintf(tw, "model\t%s\n", r.Variant)
	fmt.Fprintf(tw, "fragments\t%d (failed %d, cached %d)\n", r.Fragments, r.Failed, r.Cached)
	fmt.Fprintf(tw, "workers\t%d\n", r.Workers)
	fmt.Fprintf(tw, "elapsed\t%.2f seconds\n", r.Elapsed.Seconds())
	tw.Flush()
}

func runList(ctx context.Context, args []string, out io.Writer) error {
	var (
		configPath string
		limit      int
	)
	fs := flag.NewFlagSet("runs", flag.ContinueOnError)
	fs.StringVar(&configPath, "config", "", "Path to configuration file")
	fs.IntVar(&limit, "limit", 20, "Maximum runs to list")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := loadConfig(configPath, nil)
	if err != nil {
		return err
	}
	logger := telemetry.NewLogger(cfg.Telemetry, io.Discard)

	rt, err := runtime.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer rt.Close()

	runs, err := rt.Runs(ctx, limit)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Fprintln(out, "no runs recorded")
		return nil
	}
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN\tSTARTED\tSTATUS\tFRAGMENTS\tFAILED\tINPUT")
	for _, r := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%s\n",
			r.ID, r.StartedAt.Local().Format(time.DateTime), r.Status, r.Fragments, r.Failed, r.Input)
	}
	return tw.Flush()
}
