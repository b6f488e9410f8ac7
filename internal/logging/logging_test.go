package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func resetLoggingState() {
	log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
}

func TestInitSetsLevelAndComponent(t *testing.T) {
	t.Cleanup(resetLoggingState)

	var buf bytes.Buffer
	initWithWriter(Config{Level: "debug", Component: "subsync"}, &buf)

	if zerolog.GlobalLevel() != zerolog.DebugLevel {
		t.Fatalf("expected global level debug, got %s", zerolog.GlobalLevel())
	}

	log.Info().Str("event_id", "evt_1").Msg("hello")

	var line map[string]interface{}
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line); err != nil {
		t.Fatalf("unmarshal log line: %v", err)
	}
	if line["component"] != "subsync" {
		t.Fatalf("component = %v, want subsync", line["component"])
	}
	if line["event_id"] != "evt_1" {
		t.Fatalf("event_id = %v, want evt_1", line["event_id"])
	}
}

func TestInitWithoutComponentOmitsField(t *testing.T) {
	t.Cleanup(resetLoggingState)

	var buf bytes.Buffer
	initWithWriter(Config{}, &buf)
	log.Info().Msg("plain")

	if strings.Contains(buf.String(), "component") {
		t.Fatalf("expected no component field, got %q", buf.String())
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want zerolog.Level
	}{
		{"", zerolog.InfoLevel},
		{"DEBUG", zerolog.DebugLevel},
		{" warning ", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
		{"disabled", zerolog.Disabled},
		{"bogus", zerolog.InfoLevel},
	}
	for _, tt := range tests {
		if got := parseLevel(tt.in); got != tt.want {
			t.Fatalf("parseLevel(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestSelectWriterAutoWithPipe(t *testing.T) {
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("pipe: %v", err)
	}
	defer r.Close()
	defer w.Close()

	if got := selectWriter("auto", w); got != w {
		t.Fatalf("expected raw pipe writer for auto format on non-terminal, got %T", got)
	}
	if _, ok := selectWriter("console", w).(zerolog.ConsoleWriter); !ok {
		t.Fatal("expected console writer for console format")
	}
}

func TestWithRequestID(t *testing.T) {
	ctx, id := WithRequestID(context.Background(), "  req-42  ")
	if id != "req-42" {
		t.Fatalf("request id = %q, want req-42", id)
	}
	if got := RequestID(ctx); got != "req-42" {
		t.Fatalf("RequestID(ctx) = %q, want req-42", got)
	}

	_, generated := WithRequestID(nil, "") //nolint:staticcheck
	if generated == "" {
		t.Fatal("expected generated request id")
	}
	if RequestID(context.Background()) != "" {
		t.Fatal("expected empty request id on bare context")
	}
}
