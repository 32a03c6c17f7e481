package task

import (
	"context"
	"errors"
	"testing"
	"time"

	"Crew-Relay/internal/logrelay"
)

type evictionCounter struct{ n int }

func (e *evictionCounter) TasksEvicted(n int) { e.n += n }

func TestJanitorSweepRemovesExpiredTasksAndChannels(t *testing.T) {
	store := NewMemoryStore()
	now, advance := fixedClock(time.Unix(1_700_000_000, 0))
	store.now = now
	relay := logrelay.New()
	ctx := context.Background()

	for _, id := range []string{"done", "running"} {
		if err := store.Create(ctx, &Task{ID: id}); err != nil {
			t.Fatalf("create: %v", err)
		}
		relay.Open(id)
	}
	if _, err := store.Complete(ctx, "done", "ok"); err != nil {
		t.Fatalf("complete: %v", err)
	}
	advance(2 * time.Hour)

	counter := &evictionCounter{}
	j := NewJanitor(store, relay, time.Hour, time.Minute, counter)
	j.now = now

	evicted, err := j.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if len(evicted) != 1 || evicted[0] != "done" || counter.n != 1 {
		t.Fatalf("unexpected eviction: %v (counter %d)", evicted, counter.n)
	}
	if _, err := relay.Lookup("done"); err == nil {
		t.Fatal("log channel of evicted task should be removed")
	}
	if _, err := relay.Lookup("running"); err != nil {
		t.Fatalf("running task channel must stay: %v", err)
	}
}

func TestJanitorSweepEndsConnectedLogConsumer(t *testing.T) {
	store := NewMemoryStore()
	now, advance := fixedClock(time.Unix(1_700_000_000, 0))
	store.now = now
	relay := logrelay.New()
	ctx := context.Background()

	if err := store.Create(ctx, &Task{ID: "watched"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	consumer, err := relay.Open("watched").Acquire()
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer consumer.Release()
	if _, err := store.Fail(ctx, "watched", CodeTaskPublish, "boom"); err != nil {
		t.Fatalf("fail: %v", err)
	}
	advance(2 * time.Hour)

	j := NewJanitor(store, relay, time.Hour, time.Minute, nil)
	j.now = now
	if _, err := j.Sweep(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if _, _, err := consumer.Next(waitCtx, 0); !errors.Is(err, logrelay.ErrChannelRemoved) {
		t.Fatalf("expected the consumer to end after eviction, got %v", err)
	}
}

func TestJanitorDisabledWithoutTTL(t *testing.T) {
	j := NewJanitor(NewMemoryStore(), nil, 0, 0, nil)
	evicted, err := j.Sweep(context.Background())
	if err != nil || evicted != nil {
		t.Fatalf("expected no-op sweep, got %v %v", evicted, err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	j.Run(ctx)
}
