package logger

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

type captureHandler struct {
	mu      sync.Mutex
	level   slog.Level
	attrs   []slog.Attr
	records *[]string
}

func newCapture(level slog.Level) *captureHandler {
	return &captureHandler{level: level, records: new([]string)}
}

func (c *captureHandler) Enabled(_ context.Context, level slog.Level) bool { return level >= c.level }

func (c *captureHandler) Handle(_ context.Context, r slog.Record) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var b strings.Builder
	b.WriteString(r.Message)
	for _, a := range c.attrs {
		b.WriteString(" " + a.String())
	}
	r.Attrs(func(a slog.Attr) bool {
		b.WriteString(" " + a.String())
		return true
	})
	*c.records = append(*c.records, b.String())
	return nil
}

func (c *captureHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clone := &captureHandler{level: c.level, records: c.records}
	clone.attrs = append(append([]slog.Attr(nil), c.attrs...), attrs...)
	return clone
}

func (c *captureHandler) WithGroup(string) slog.Handler { return c }

func (c *captureHandler) lines() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), *c.records...)
}

func initToFile(t *testing.T, level string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "app.log")
	if err := Init(Config{Level: level, Format: "text", OutputPaths: []string{path}}); err != nil {
		t.Fatalf("init logger: %v", err)
	}
	t.Cleanup(func() { _ = Sync() })
	return path
}

func TestAttachSinkReceivesRecordsUntilDetached(t *testing.T) {
	initToFile(t, "info")

	sink := newCapture(slog.LevelDebug)
	detach := AttachSink(sink)

	L().Info("first", slog.String("k", "v"))
	L().Debug("debug only reaches the sink")
	detach()
	detach()
	L().Info("after detach")

	lines := sink.lines()
	if len(lines) != 2 {
		t.Fatalf("expected 2 records in sink, got %d: %v", len(lines), lines)
	}
	if !strings.Contains(lines[0], "first") || !strings.Contains(lines[0], "k=v") {
		t.Fatalf("unexpected first line: %q", lines[0])
	}
	if !strings.Contains(lines[1], "debug only") {
		t.Fatalf("expected debug record in sink, got %q", lines[1])
	}
}

func TestAttachSinkSeesDerivedAttributes(t *testing.T) {
	initToFile(t, "info")

	child := Named("engine")
	sink := newCapture(slog.LevelInfo)
	detach := AttachSink(sink)
	defer detach()

	child.Info("step")

	lines := sink.lines()
	if len(lines) != 1 || !strings.Contains(lines[0], "component=engine") {
		t.Fatalf("expected component attribute in sink, got %v", lines)
	}
}

func TestBaseOutputRespectsLevel(t *testing.T) {
	path := initToFile(t, "warn")

	L().Info("hidden")
	L().Warn("visible")

	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if strings.Contains(string(content), "hidden") {
		t.Fatalf("info record should be filtered: %s", content)
	}
	if !strings.Contains(string(content), "visible") {
		t.Fatalf("warn record missing: %s", content)
	}
}

func TestTaskIDContext(t *testing.T) {
	if _, ok := TaskIDFrom(context.Background()); ok {
		t.Fatalf("expected no task id in empty context")
	}
	ctx := WithTaskID(context.Background(), "t-1")
	id, ok := TaskIDFrom(ctx)
	if !ok || id != "t-1" {
		t.Fatalf("unexpected task id: %q %v", id, ok)
	}
}
