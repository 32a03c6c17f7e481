package logrelay

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	xerrors "Crew-Relay/internal/errors"
	"Crew-Relay/pkg/logger"
)

func drain(t *testing.T, ch *Channel) []string {
	t.Helper()
	consumer, err := ch.Acquire()
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer consumer.Release()
	var lines []string
	for {
		line, ok, err := consumer.Next(context.Background(), 20*time.Millisecond)
		if err != nil {
			t.Fatalf("next: %v", err)
		}
		if !ok {
			return lines
		}
		lines = append(lines, line)
	}
}

func emitForTasks(log *slog.Logger) {
	ctxA := logger.WithTaskID(context.Background(), "task-a")
	ctxB := logger.WithTaskID(context.Background(), "task-b")
	log.InfoContext(ctxA, "alpha step")
	log.InfoContext(ctxB, "beta step")
	log.Info("untagged")
}

func TestFilteredModeIsolatesTasks(t *testing.T) {
	relay := New()
	detachA := relay.Attach("task-a")
	detachB := relay.Attach("task-b")
	emitForTasks(logger.Named("engine"))
	detachA()
	detachB()

	a, _ := relay.Lookup("task-a")
	b, _ := relay.Lookup("task-b")
	linesA, linesB := drain(t, a), drain(t, b)
	if len(linesA) != 1 || !strings.Contains(linesA[0], "alpha step") {
		t.Fatalf("task-a stream should contain only its own line: %v", linesA)
	}
	if len(linesB) != 1 || !strings.Contains(linesB[0], "beta step") {
		t.Fatalf("task-b stream should contain only its own line: %v", linesB)
	}
	if !strings.Contains(linesA[0], " - engine - INFO - alpha step") {
		t.Fatalf("unexpected line format: %s", linesA[0])
	}
}

func TestBroadcastModeInterleavesTasks(t *testing.T) {
	relay := New(WithMode(ModeBroadcast))
	detachA := relay.Attach("task-a")
	detachB := relay.Attach("task-b")
	emitForTasks(logger.L())
	detachA()
	detachB()

	for _, id := range []string{"task-a", "task-b"} {
		ch, err := relay.Lookup(id)
		if err != nil {
			t.Fatalf("lookup %s: %v", id, err)
		}
		lines := drain(t, ch)
		joined := strings.Join(lines, "\n")
		if len(lines) != 3 || !strings.Contains(joined, "alpha step") || !strings.Contains(joined, "beta step") {
			t.Fatalf("%s should receive every record in broadcast mode: %v", id, lines)
		}
		if !strings.Contains(lines[0], " - crewd - ") {
			t.Fatalf("records without component should use the default source: %s", lines[0])
		}
	}
}

func TestDetachStopsDelivery(t *testing.T) {
	relay := New()
	detach := relay.Attach("task-a")
	ctx := logger.WithTaskID(context.Background(), "task-a")
	logger.L().InfoContext(ctx, "before")
	detach()
	logger.L().InfoContext(ctx, "after")

	ch, _ := relay.Lookup("task-a")
	if lines := drain(t, ch); len(lines) != 1 {
		t.Fatalf("expected only the line emitted while attached, got %v", lines)
	}
}

func TestLookupUnknownChannel(t *testing.T) {
	_, err := New().Lookup("missing")
	if xerrors.CodeOf(err) != CodeChannelNotFound || xerrors.HTTPStatusOf(err) != 404 {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestChannelSingleConsumer(t *testing.T) {
	relay := New()
	ch := relay.Open("task-a")
	first, err := ch.Acquire()
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	if _, err := ch.Acquire(); xerrors.CodeOf(err) != CodeChannelBusy {
		t.Fatalf("expected LOG_CHANNEL_BUSY, got %v", err)
	}
	first.Release()
	first.Release()
	second, err := ch.Acquire()
	if err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
	second.Release()
	if relay.Open("task-a") != ch {
		t.Fatalf("open should be idempotent")
	}
}

func TestConsumerBlocksUntilPushAndHonoursCancel(t *testing.T) {
	ch := New().Open("task-a")
	consumer, _ := ch.Acquire()
	defer consumer.Release()

	go func() {
		time.Sleep(10 * time.Millisecond)
		ch.Push("first")
		ch.Push("second")
	}()
	for _, want := range []string{"first", "second"} {
		line, ok, err := consumer.Next(context.Background(), time.Second)
		if err != nil || !ok || line != want {
			t.Fatalf("expected %q, got %q ok=%v err=%v", want, line, ok, err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, _, err := consumer.Next(ctx, 0); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
}

func TestRemoveEndsActiveConsumer(t *testing.T) {
	relay := New()
	ch := relay.Open("task-a")
	consumer, err := ch.Acquire()
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer consumer.Release()
	ch.Push("last words")

	type result struct {
		lines []string
		err   error
	}
	done := make(chan result, 1)
	go func() {
		var res result
		for {
			line, ok, err := consumer.Next(context.Background(), 0)
			if err != nil {
				res.err = err
				done <- res
				return
			}
			if ok {
				res.lines = append(res.lines, line)
			}
		}
	}()

	time.Sleep(10 * time.Millisecond)
	relay.Remove("task-a")
	relay.Remove("task-a")

	select {
	case res := <-done:
		if !errors.Is(res.err, ErrChannelRemoved) {
			t.Fatalf("expected ErrChannelRemoved, got %v", res.err)
		}
		if len(res.lines) != 1 || res.lines[0] != "last words" {
			t.Fatalf("buffered lines should be drained first, got %v", res.lines)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("consumer kept waiting on a removed channel")
	}

	if _, err := ch.Acquire(); xerrors.CodeOf(err) != CodeChannelNotFound {
		t.Fatalf("expected LOG_CHANNEL_NOT_FOUND after removal, got %v", err)
	}
}

func TestSinkFormatsAttributes(t *testing.T) {
	relay := New()
	var handler slog.Handler
	relay.attach = func(h slog.Handler) func() {
		handler = h
		return func() {}
	}
	relay.Attach("task-a")

	ctx := logger.WithTaskID(context.Background(), "task-a")
	log := slog.New(handler).With("component", "crew").WithGroup("unit")
	log.WarnContext(ctx, "retrying", "attempt", 2, "error", "empty answer")

	ch, _ := relay.Lookup("task-a")
	lines := drain(t, ch)
	if len(lines) != 1 {
		t.Fatalf("expected one line, got %v", lines)
	}
	if !strings.HasSuffix(lines[0], ` - crew - WARNING - retrying unit.attempt=2 unit.error="empty answer"`) {
		t.Fatalf("unexpected formatting: %s", lines[0])
	}
}
