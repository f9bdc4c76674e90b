package runtime

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/audio"
	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/journal"
	"github.com/loqalabs/loqa-scribe/internal/pipeline"
	"github.com/loqalabs/loqa-scribe/internal/protocol"
	"github.com/nats-io/nats.go"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testConfig(t *testing.T) config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Engine.Backend = "mock"
	cfg.Engine.Variant = "tiny"
	cfg.Pipeline.TempDir = dir
	cfg.Pipeline.FragmentSize = 32000
	cfg.Pipeline.MaxWorkers = 2
	cfg.Output.Path = filepath.Join(dir, "out", "transcript.txt")
	cfg.Journal.Path = filepath.Join(dir, "journal.db")
	return cfg
}

func writeInput(t *testing.T, dir string, samples int) string {
	t.Helper()
	path := filepath.Join(dir, "input.wav")
	data := make([]int, samples)
	for i := range data {
		data[i] = i % 1000
	}
	if err := audio.WriteWAVFile(path, data, audio.SampleRate, audio.Channels); err != nil {
		t.Fatalf("write input: %v", err)
	}
	return path
}

func TestTranscribeJournalsRun(t *testing.T) {
	cfg := testConfig(t)
	rt, err := New(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("new runtime: %v", err)
	}
	defer rt.Close()

	input := writeInput(t, t.TempDir(), 70000)
	report, err := rt.Transcribe(context.Background(), pipeline.Request{Input: input})
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if report.Fragments != 3 || report.Failed != 0 {
		t.Fatalf("unexpected report %+v", report)
	}

	data, err := os.ReadFile(cfg.Output.Path)
	if err != nil {
		t.Fatalf("read transcript: %v", err)
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected 3 lines, got %q", data)
	}
	for i, line := range lines {
		if !strings.HasPrefix(line, "[transcript fragment-00000"+string(rune('0'+i))) {
			t.Fatalf("line %d out of order: %q", i, line)
		}
	}

	runs, err := rt.Runs(context.Background(), 10)
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	if len(runs) != 1 || runs[0].ID != report.RunID || runs[0].Status != journal.StatusCompleted {
		t.Fatalf("unexpected runs %+v", runs)
	}
	frags, err := rt.Fragments(context.Background(), report.RunID)
	if err != nil {
		t.Fatalf("list fragments: %v", err)
	}
	if len(frags) != 3 {
		t.Fatalf("expected 3 journaled fragments, got %d", len(frags))
	}
}

func TestHandlerEndpoints(t *testing.T) {
	cfg := testConfig(t)
	rt, err := New(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("new runtime: %v", err)
	}
	defer rt.Close()

	report, err := rt.Transcribe(context.Background(), pipeline.Request{Input: writeInput(t, t.TempDir(), 1000)})
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}

	srv := httptest.NewServer(rt.Handler(nil))
	defer srv.Close()

	get := func(path string) (int, string) {
		t.Helper()
		resp, err := http.Get(srv.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		return resp.StatusCode, string(body)
	}

	if code, body := get("/healthz"); code != http.StatusOK || body != "ok" {
		t.Fatalf("healthz: %d %q", code, body)
	}
	if code, _ := get("/readyz"); code != http.StatusServiceUnavailable {
		t.Fatalf("readyz before start: %d", code)
	}
	rt.ready.Store(true)
	if code, body := get("/readyz"); code != http.StatusOK {
		t.Fatalf("readyz: %d %q", code, body)
	}

	code, body := get("/runs/")
	if code != http.StatusOK {
		t.Fatalf("runs: %d %q", code, body)
	}
	var runs []journal.Run
	if err := json.Unmarshal([]byte(body), &runs); err != nil {
		t.Fatalf("decode runs: %v", err)
	}
	if len(runs) != 1 || runs[0].ID != report.RunID {
		t.Fatalf("unexpected runs %+v", runs)
	}

	code, body = get("/runs/" + report.RunID + "/fragments")
	if code != http.StatusOK {
		t.Fatalf("fragments: %d %q", code, body)
	}
	var frags []journal.FragmentRecord
	if err := json.Unmarshal([]byte(body), &frags); err != nil {
		t.Fatalf("decode fragments: %v", err)
	}
	if len(frags) != 1 || frags[0].Index != 0 {
		t.Fatalf("unexpected fragments %+v", frags)
	}

	if code, _ := get("/runs/?limit=abc"); code != http.StatusBadRequest {
		t.Fatalf("expected bad request for invalid limit, got %d", code)
	}
}

func TestTranscribePublishesOnEmbeddedBus(t *testing.T) {
	cfg := testConfig(t)
	cfg.Bus.Enabled = true
	cfg.Bus.Embedded = true
	cfg.Bus.Port = -1
	cfg.Bus.ConnectTimeout = 2000

	rt, err := New(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("new runtime: %v", err)
	}
	defer rt.Close()

	nc, err := nats.Connect(rt.nats.ClientURL())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer nc.Close()
	sub, err := nc.SubscribeSync(rt.bus.Subject(protocol.SubjectRunCompleted))
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := nc.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	report, err := rt.Transcribe(context.Background(), pipeline.Request{Input: writeInput(t, t.TempDir(), 500)})
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}

	msg, err := sub.NextMsg(5 * time.Second)
	if err != nil {
		t.Fatalf("expected run completion: %v", err)
	}
	var done protocol.RunCompleted
	if err := json.Unmarshal(msg.Data, &done); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if done.RunID != report.RunID || done.Status != journal.StatusCompleted || done.Fragments != 1 {
		t.Fatalf("unexpected completion %+v", done)
	}
	if err := rt.Healthy(context.Background()); err != nil {
		t.Fatalf("expected healthy runtime: %v", err)
	}
}

func TestHandleInboxWritesPerFileTranscript(t *testing.T) {
	cfg := testConfig(t)
	cfg.Watch.OutputDir = filepath.Join(t.TempDir(), "transcripts")
	rt, err := New(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("new runtime: %v", err)
	}
	defer rt.Close()

	input := writeInput(t, t.TempDir(), 100)
	if err := rt.handleInbox(context.Background(), input); err != nil {
		t.Fatalf("handle inbox: %v", err)
	}
	if _, err := os.Stat(filepath.Join(cfg.Watch.OutputDir, "input.txt")); err != nil {
		t.Fatalf("expected per-file transcript: %v", err)
	}
}
