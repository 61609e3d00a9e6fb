package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
)

func TestBuild_LevelAndComponent(t *testing.T) {
	var buf bytes.Buffer
	log := Build(Config{Level: "warn", Component: "loader"}, &buf)

	log.Info().Msg("dropped")
	log.Warn().Msg("kept")

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	if len(lines) != 1 {
		t.Fatalf("expected 1 line, got %d: %s", len(lines), buf.String())
	}
	var rec map[string]any
	if err := json.Unmarshal(lines[0], &rec); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if rec["msg"] != "kept" || rec["component"] != "loader" || rec["level"] != "warn" {
		t.Errorf("unexpected record: %v", rec)
	}
	if _, ok := rec["timestamp"]; !ok {
		t.Errorf("missing timestamp field: %v", rec)
	}
}

func TestFromContext(t *testing.T) {
	var buf bytes.Buffer
	base := Build(Config{Level: "debug"}, &buf)

	ctx := WithRequestID(context.Background(), "req-1")
	ctx = WithCollection(ctx, "sentinel-2-l2a")
	FromContext(ctx, &base).Info().Msg("hello")

	var rec map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &rec); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if rec["request_id"] != "req-1" || rec["collection"] != "sentinel-2-l2a" {
		t.Errorf("context fields missing: %v", rec)
	}

	// A nil parent discards output.
	FromContext(ctx, nil).Info().Msg("discarded")
}

func TestParseLevel(t *testing.T) {
	tests := map[string]zerolog.Level{
		"":        zerolog.InfoLevel,
		"DEBUG":   zerolog.DebugLevel,
		"warning": zerolog.WarnLevel,
		"error":   zerolog.ErrorLevel,
		"bogus":   zerolog.InfoLevel,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
	if id := NewID(); len(id) != 16 {
		t.Errorf("expected 16 hex chars, got %q", id)
	}
}
