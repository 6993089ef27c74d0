package logging

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestLoggingBeforeInitIsSafe(t *testing.T) {
	Infof("no logger configured yet: %d", 1)
	Error("still fine", errors.New("x"))
}

func TestSetCapturesStructuredFields(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	Set(zap.New(core))
	t.Cleanup(func() { Set(zap.NewNop()) })

	Infow("sync complete", "run_id", "r1", "conversations", 3)
	Errorw("unit failed", "conversation_id", "c9")

	entries := logs.All()
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].ContextMap()["run_id"] != "r1" {
		t.Errorf("expected run_id r1, got %v", entries[0].ContextMap()["run_id"])
	}
	if entries[1].ContextMap()["conversation_id"] != "c9" {
		t.Errorf("expected conversation_id c9, got %v", entries[1].ContextMap()["conversation_id"])
	}
}

func TestInitWritesFile(t *testing.T) {
	dir := t.TempDir()
	if err := Init("debug", "json", dir); err != nil {
		t.Fatalf("init failed: %v", err)
	}
	t.Cleanup(func() { Set(zap.NewNop()) })

	Info("hello")
	Sync()

	if _, err := os.Stat(filepath.Join(dir, "chataudit.log")); err != nil {
		t.Errorf("expected log file: %v", err)
	}
}
