package logx

import (
	"testing"

	"github.com/rs/zerolog"
)

func TestParseLevel(t *testing.T) {
	t.Parallel()
	tests := []struct {
		raw  string
		want zerolog.Level
	}{
		{raw: "TRACE", want: zerolog.TraceLevel},
		{raw: "debug", want: zerolog.DebugLevel},
		{raw: "Info", want: zerolog.InfoLevel},
		{raw: "WARNING", want: zerolog.WarnLevel},
		{raw: "error", want: zerolog.ErrorLevel},
		{raw: "", want: zerolog.InfoLevel},
		{raw: "bogus", want: zerolog.InfoLevel},
	}
	for _, tt := range tests {
		if got := parseLevel(tt.raw, zerolog.InfoLevel); got != tt.want {
			t.Fatalf("parseLevel(%q) = %v, want %v", tt.raw, got, tt.want)
		}
	}
}

func TestZeroLoggerIsSafe(t *testing.T) {
	t.Parallel()
	var l Logger
	if !l.IsZero() {
		t.Fatal("zero value should report IsZero")
	}
	// Must not panic.
	l.Info("ignored", String("k", "v"))
	l.With(Int("n", 1)).Error("still ignored")
}

func TestNopLoggerNotZero(t *testing.T) {
	t.Parallel()
	l := Nop()
	if l.IsZero() {
		t.Fatal("Nop logger carries a base and is not the zero value")
	}
	l.Warn("discarded")
}

func TestServiceApplyChangesLevel(t *testing.T) {
	t.Parallel()
	s, err := New(Config{Level: "ERROR"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer func() { _ = s.Close() }()

	l := s.Logger()
	if l.Enabled(LevelDebug) {
		t.Fatal("debug should be disabled at ERROR")
	}

	if err := s.Apply(Config{Level: "DEBUG"}); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	// The same handed-out logger observes the new level.
	if !l.Enabled(LevelDebug) {
		t.Fatal("logger did not pick up the applied level")
	}
}
