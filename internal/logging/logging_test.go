package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestNewWritesLogFile(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "logs")
	log, closeFn, err := New("debug", dir)
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	if log.GetLevel() != zerolog.DebugLevel {
		t.Fatalf("level = %v, want debug", log.GetLevel())
	}

	log.Info().Str("k", "v").Msg("hello")
	if err := closeFn(); err != nil {
		t.Fatalf("close: %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil || len(entries) != 1 {
		t.Fatalf("expected one log file, got %v err=%v", entries, err)
	}
	raw, err := os.ReadFile(filepath.Join(dir, entries[0].Name()))
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(raw), `"message":"hello"`) {
		t.Fatalf("log file missing entry: %s", raw)
	}
}

func TestNewRejectsBadLevel(t *testing.T) {
	if _, _, err := New("chatty", t.TempDir()); err == nil {
		t.Fatal("expected error for unknown level")
	}
}
