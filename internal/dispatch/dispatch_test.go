package dispatch

import (
	"context"
	"errors"
	"os"
	"sort"
	"sync"
	"testing"
	"time"
)

// collect 发布一组任务并等待 handler 全部收到。
func collect(t *testing.T, q Queue, ids []string) []string {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var (
		mu   sync.Mutex
		seen []string
		done = make(chan struct{})
	)
	consumeCtx, stop := context.WithCancel(ctx)
	go func() {
		defer close(done)
		_ = q.Consume(consumeCtx, 2, func(_ context.Context, env Envelope) error {
			mu.Lock()
			seen = append(seen, env.TaskID)
			mu.Unlock()
			return nil
		})
	}()

	for _, id := range ids {
		if err := q.Publish(ctx, NewEnvelope(id, "async")); err != nil {
			t.Fatalf("publish %s: %v", id, err)
		}
	}
	waitFor(t, ctx, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) >= len(ids)
	})
	stop()
	<-done

	mu.Lock()
	defer mu.Unlock()
	sort.Strings(seen)
	return seen
}

func waitFor(t *testing.T, ctx context.Context, cond func() bool) {
	t.Helper()
	for !cond() {
		select {
		case <-ctx.Done():
			t.Fatal("timed out waiting for condition")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestMemoryQueueDeliversEveryTask(t *testing.T) {
	q := NewMemoryQueue(4)
	got := collect(t, q, []string{"a", "b", "c", "d", "e"})
	if len(got) != 5 || got[0] != "a" || got[4] != "e" {
		t.Fatalf("unexpected delivery: %v", got)
	}
	if err := q.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := q.Publish(context.Background(), NewEnvelope("late", "async")); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected closed queue error, got %v", err)
	}
}

func TestMemoryQueuePublishRespectsContext(t *testing.T) {
	q := NewMemoryQueue(1)
	if err := q.Publish(context.Background(), NewEnvelope("a", "async")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := q.Publish(ctx, NewEnvelope("b", "async")); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline on full queue, got %v", err)
	}
	if q.Len() != 1 {
		t.Fatalf("unexpected queue length %d", q.Len())
	}
}

func TestMemoryQueueConsumeReturnsAfterClose(t *testing.T) {
	q := NewMemoryQueue(2)
	done := make(chan error, 1)
	go func() {
		done <- q.Consume(context.Background(), 3, func(context.Context, Envelope) error { return nil })
	}()
	_ = q.Close()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected nil after close, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("consume did not return after close")
	}
}

func TestRedeliveryStopsAtMaxAttempts(t *testing.T) {
	q := NewMemoryQueue(4, WithMaxAttempts(3))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var (
		mu       sync.Mutex
		attempts []int
	)
	consumeCtx, stop := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = q.Consume(consumeCtx, 1, func(_ context.Context, env Envelope) error {
			mu.Lock()
			attempts = append(attempts, env.Attempt)
			mu.Unlock()
			return errors.New("registry unavailable")
		})
	}()
	if err := q.Publish(ctx, NewEnvelope("t-1", "async")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	waitFor(t, ctx, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(attempts) >= 3
	})
	// 给可能的多余重投留出时间。
	time.Sleep(50 * time.Millisecond)
	stop()
	<-done

	mu.Lock()
	defer mu.Unlock()
	if len(attempts) != 3 || attempts[0] != 1 || attempts[2] != 3 {
		t.Fatalf("unexpected attempts: %v", attempts)
	}
}

func TestDecodeAcceptsPlainTaskID(t *testing.T) {
	env, err := decode([]byte(" task-42 \n"))
	if err != nil || env.TaskID != "task-42" || env.Attempt != 1 {
		t.Fatalf("unexpected envelope %+v (%v)", env, err)
	}

	original := NewEnvelope("task-7", "async")
	data, err := encode(original)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	env, err = decode(data)
	if err != nil || env.TaskID != "task-7" || env.Mode != "async" || !env.EnqueuedAt.Equal(original.EnqueuedAt) {
		t.Fatalf("unexpected envelope %+v (%v)", env, err)
	}

	if _, err := decode([]byte(`{"mode":"async"}`)); err == nil {
		t.Fatal("expected error for envelope without task id")
	}
	if _, err := decode(nil); err == nil {
		t.Fatal("expected error for empty message")
	}
}

func TestEnvelopeWait(t *testing.T) {
	env := NewEnvelope("t", "async")
	if got := env.Wait(env.EnqueuedAt.Add(250 * time.Millisecond)); got != 250*time.Millisecond {
		t.Fatalf("unexpected wait %v", got)
	}
	if got := (Envelope{}).Wait(time.Now()); got != 0 {
		t.Fatalf("zero envelope should report no wait, got %v", got)
	}
}

func TestOpenSelectsDriver(t *testing.T) {
	q, err := Open(context.Background(), Config{Driver: "memory", Size: 2})
	if err != nil {
		t.Fatalf("memory: %v", err)
	}
	if _, ok := q.(*MemoryQueue); !ok {
		t.Fatalf("unexpected queue type %T", q)
	}
	if _, err := Open(context.Background(), Config{Driver: "kafka"}); err == nil {
		t.Fatal("expected error for unknown driver")
	}
	if _, err := Open(context.Background(), Config{Driver: "redis"}); err == nil {
		t.Fatal("expected error for redis without address")
	}
}

func TestRedisQueue(t *testing.T) {
	addr := os.Getenv("CREWD_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("CREWD_TEST_REDIS_ADDR not set")
	}
	q, err := NewRedisQueue(context.Background(), RedisConfig{
		Address:   addr,
		Key:       "crewd:test:" + time.Now().Format("150405.000"),
		BlockWait: 200 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer q.Close()

	got := collect(t, q, []string{"r1", "r2", "r3"})
	if len(got) != 3 {
		t.Fatalf("unexpected delivery: %v", got)
	}
}

func TestRabbitMQQueue(t *testing.T) {
	url := os.Getenv("CREWD_TEST_AMQP_URL")
	if url == "" {
		t.Skip("CREWD_TEST_AMQP_URL not set")
	}
	q, err := NewRabbitMQQueue(RabbitMQConfig{
		URL:        url,
		Queue:      "crewd.test." + time.Now().Format("150405.000"),
		AutoDelete: true,
	})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer q.Close()

	got := collect(t, q, []string{"m1", "m2", "m3"})
	if len(got) != 3 {
		t.Fatalf("unexpected delivery: %v", got)
	}
}
