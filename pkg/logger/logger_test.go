package logger

import (
	"log/slog"
	"testing"
)

func TestLevelFor(t *testing.T) {
	if got := LevelFor("development"); got != slog.LevelDebug {
		t.Fatalf("expected debug for development, got %v", got)
	}
	for _, env := range []string{"production", "staging", ""} {
		if got := LevelFor(env); got != slog.LevelInfo {
			t.Fatalf("expected info for %q, got %v", env, got)
		}
	}
}
