package main

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"droneops-edge/internal/config"
	"droneops-edge/internal/sink"
	"droneops-edge/internal/telemetry"
)

func discardLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestNewSinksNone(t *testing.T) {
	ws, cleanup, err := newSinks(config.Default(), false, discardLogger())
	if err != nil {
		t.Fatalf("newSinks returned error: %v", err)
	}
	cleanup()
	if len(ws) != 0 {
		t.Fatalf("expected no sinks, got %d", len(ws))
	}
}

func TestNewSinksPrintOnly(t *testing.T) {
	ws, cleanup, err := newSinks(config.Default(), true, discardLogger())
	if err != nil {
		t.Fatalf("newSinks returned error: %v", err)
	}
	cleanup()
	if len(ws) != 1 {
		t.Fatalf("expected one sink, got %d", len(ws))
	}
	if _, ok := ws[0].(*sink.JSONStdoutWriter); !ok {
		t.Fatalf("expected *sink.JSONStdoutWriter, got %T", ws[0])
	}
}

func TestNewSinksArchive(t *testing.T) {
	cfg := config.Default()
	cfg.Archive.Path = filepath.Join(t.TempDir(), "telemetry.jsonl")
	ws, cleanup, err := newSinks(cfg, false, discardLogger())
	if err != nil {
		t.Fatalf("newSinks returned error: %v", err)
	}
	if len(ws) != 1 {
		t.Fatalf("expected one sink, got %d", len(ws))
	}
	if _, ok := ws[0].(*sink.FileWriter); !ok {
		t.Fatalf("expected *sink.FileWriter, got %T", ws[0])
	}
	msg := telemetry.Message{Type: "ATTITUDE", Fields: map[string]any{"roll": 0.1}, CapturedAt: time.Now()}
	if err := ws[0].Write(msg); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	cleanup()
	info, err := os.Stat(cfg.Archive.Path)
	if err != nil {
		t.Fatalf("stat failed: %v", err)
	}
	if info.Size() == 0 {
		t.Fatalf("expected archive to be non-empty")
	}
}

func TestNewReplayWriterSkipsArchive(t *testing.T) {
	cfg := config.Default()
	cfg.Archive.Path = filepath.Join(t.TempDir(), "telemetry.jsonl")
	w, cleanup, err := newReplayWriter(cfg, false, discardLogger())
	if err != nil {
		t.Fatalf("newReplayWriter returned error: %v", err)
	}
	cleanup()
	if _, ok := w.(*sink.JSONStdoutWriter); !ok {
		t.Fatalf("expected *sink.JSONStdoutWriter, got %T", w)
	}
	if _, err := os.Stat(cfg.Archive.Path); !os.IsNotExist(err) {
		t.Fatalf("archive must not be opened during replay")
	}
}
