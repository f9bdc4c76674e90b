package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/loqalabs/loqa-scribe/internal/pipeline"
	"github.com/loqalabs/loqa-scribe/internal/telemetry"
	"github.com/loqalabs/loqa-scribe/internal/watcher"
)

// Start runs the daemon: telemetry, the HTTP server and the inbox watcher.
// It blocks until ctx is cancelled.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metrics, err := telemetry.Setup(ctx, r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}

	w, err := watcher.New(r.cfg.Watch.InputDir, r.cfg.Watch.MaxConcurrent, r.handleInbox, r.logger,
		watcher.WithArchiveDir(r.cfg.Watch.ArchiveDir))
	if err != nil {
		return err
	}
	defer w.Close()

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           r.Handler(metrics),
		ReadHeaderTimeout: 5 * time.Second,
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
			cancel()
		}
	}()
	go func() {
		defer wg.Done()
		if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			r.logger.Error("watcher stopped", slog.String("error", err.Error()))
			cancel()
		}
	}()

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr), slog.String("inbox", r.cfg.Watch.InputDir))

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	wg.Wait()

	if err := shutdownTelemetry(shutdownCtx); err != nil {
		r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
	}
	return nil
}

func (r *Runtime) handleInbox(ctx context.Context, path string) error {
	report, err := r.Transcribe(ctx, pipeline.Request{
		Input:  path,
		Output: watcher.OutputPath(r.cfg.Watch.OutputDir, path),
	})
	if err != nil {
		return err
	}
	r.logger.Info("inbox file transcribed",
		slog.String("run_id", report.RunID),
		slog.String("output", report.Output),
		slog.Int("fragments", report.Fragments),
		slog.Int("failed", report.Failed),
		slog.Duration("elapsed", report.Elapsed),
	)
	return nil
}

// Handler builds the HTTP surface. metrics may be nil.
func (r *Runtime) Handler(metrics http.Handler) http.Handler {
	mux := chi.NewRouter()
	mux.Use(chimiddleware.RequestID)
	mux.Use(chimiddleware.Recoverer)

	mux.Get("/healthz", r.handleHealth)
	mux.Get("/readyz", r.handleReady)
	if metrics != nil {
		mux.Method(http.MethodGet, "/metrics", metrics)
	}
	mux.Route("/runs", func(rt chi.Router) {
		rt.Get("/", r.handleRuns)
		rt.Get("/{runID}/fragments", r.handleFragments)
	})
	return mux
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, req *http.Request) {
	if !r.ready.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready"))
		return
	}
	if err := r.Healthy(req.Context()); err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(err.Error()))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

func (r *Runtime) handleRuns(w http.ResponseWriter, req *http.Request) {
	limit := 0
	if raw := req.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	runs, err := r.Runs(req.Context(), limit)
	if err != nil {
		r.logger.Error("list runs failed", slog.String("error", err.Error()))
		http.Error(w, "journal unavailable", http.StatusInternalServerError)
		return
	}
	writeJSON(w, runs)
}

func (r *Runtime) handleFragments(w http.ResponseWriter, req *http.Request) {
	records, err := r.Fragments(req.Context(), chi.URLParam(req, "runID"))
	if err != nil {
		r.logger.Error("list fragments failed", slog.String("error", err.Error()))
		http.Error(w, "journal unavailable", http.StatusInternalServerError)
		return
	}
	writeJSON(w, records)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
