package telemetry

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug": slog.LevelDebug,
		"WARN":  slog.LevelWarn,
		"error": slog.LevelError,
		"":      slog.LevelInfo,
		"loud":  slog.LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestNewLogger_WritesJSONFile(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	path := filepath.Join(t.TempDir(), "logs", "app.log")
	logger, closer, err := NewLogger(path, "info")
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	logger.Info("pushed", "session", "s1", "index", 3)
	logger.Debug("hidden")
	if err := closer.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	out := string(b)
	if !strings.Contains(out, `"msg":"pushed"`) || !strings.Contains(out, `"session":"s1"`) {
		t.Fatalf("log = %s", out)
	}
	if strings.Contains(out, "hidden") {
		t.Fatalf("debug line written at info level")
	}
}

func TestInit_WritesTelemetryFile(t *testing.T) {
	prevT, prevM := otel.GetTracerProvider(), otel.GetMeterProvider()
	t.Cleanup(func() {
		otel.SetTracerProvider(prevT)
		otel.SetMeterProvider(prevM)
	})

	path := filepath.Join(t.TempDir(), "telemetry.log")
	shutdown, err := Init(context.Background(), "tablechat-test", path)
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	_, span := otel.Tracer("test").Start(context.Background(), "work")
	span.End()
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.Contains(string(b), `"Name":"work"`) {
		t.Fatalf("span not exported: %s", b)
	}
}

func TestInit_EmptyPathIsNoop(t *testing.T) {
	shutdown, err := Init(context.Background(), "x", "")
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}
