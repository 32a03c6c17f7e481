package task

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"Crew-Relay/internal/config"
	"Crew-Relay/internal/crew"
	"Crew-Relay/internal/dispatch"
	xerrors "Crew-Relay/internal/errors"
	"Crew-Relay/internal/history"
	"Crew-Relay/internal/llm"
	"Crew-Relay/internal/llm/provider"
	"Crew-Relay/internal/logrelay"
	"Crew-Relay/internal/observability/alerting"
)

type stubResolver struct {
	client llm.Client
	err    error
}

func (s stubResolver) Resolve(context.Context) (llm.Client, provider.Info, error) {
	return s.client, provider.Info{Provider: "stub", Model: "stub-1"}, s.err
}

var echoClient = llm.ClientFunc(func(_ context.Context, req llm.Request) (*llm.Response, error) {
	line := req.Prompt
	if idx := strings.Index(line, "\n"); idx > 0 {
		line = line[:idx]
	}
	return &llm.Response{Text: "answer to " + line, Model: "stub-1"}, nil
})

type recordingAlerter struct {
	mu     sync.Mutex
	events []alerting.Event
}

func (r *recordingAlerter) Notify(_ context.Context, event alerting.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *recordingAlerter) codes() []xerrors.Code {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]xerrors.Code, len(r.events))
	for i, e := range r.events {
		out[i] = e.Code
	}
	return out
}

type failingProducer struct{}

func (failingProducer) Publish(context.Context, dispatch.Envelope) error {
	return errors.New("broker unavailable")
}

func (failingProducer) Close() error { return nil }

type waitRecorder struct {
	mu    sync.Mutex
	waits []time.Duration
}

func (w *waitRecorder) TaskDequeued(d time.Duration) {
	w.mu.Lock()
	w.waits = append(w.waits, d)
	w.mu.Unlock()
}

func (w *waitRecorder) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.waits)
}

type harness struct {
	store   *MemoryStore
	queue   *dispatch.MemoryQueue
	relay   *logrelay.Relay
	history *history.MemoryRepository
	alerts  *recordingAlerter
	exec    *Executor
	service *Service
}

func newHarness(t *testing.T, resolver ClientResolver) *harness {
	t.Helper()
	h := &harness{
		store:   NewMemoryStore(),
		queue:   dispatch.NewMemoryQueue(16),
		relay:   logrelay.New(),
		history: history.NewMemoryRepository(10),
		alerts:  &recordingAlerter{},
	}
	engine := crew.NewSequentialEngine(crew.WithRetryDelay(0))
	h.exec = NewExecutor(h.store, h.relay, resolver, engine,
		WithHistory(h.history),
		WithAlertDispatcher(h.alerts),
	)
	h.service = NewService(h.store, h.queue, h.exec, h.relay)
	return h
}

func (h *harness) startProcessor(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = NewProcessor(h.exec, h.queue, WithWorkerCount(2)).Start(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func boolPtr(v bool) *bool { return &v }

func waitTerminal(t *testing.T, s *Service, id string) *Task {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	task, err := s.WaitUntilCompleted(ctx, id, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("wait for %s: %v", id, err)
	}
	return task
}

func TestSyncSubmissionWithDefaultAgents(t *testing.T) {
	h := newHarness(t, stubResolver{client: echoClient})

	task, err := h.service.Submit(context.Background(), crew.Request{Objective: "summarize X", AsyncExecution: boolPtr(false)})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if task.Status != StatusCompleted || task.Mode != ModeSync {
		t.Fatalf("sync submission must return a terminal record: %+v", task)
	}
	if task.Result == nil || *task.Result != "answer to Current Task: Write content about: summarize X" {
		t.Fatalf("unexpected result: %v", task.Result)
	}

	records, _ := h.history.ListLatest(context.Background(), 1)
	if len(records) != 1 || records[0].TaskID != task.ID || records[0].Units != 2 || records[0].Provider != "stub" {
		t.Fatalf("unexpected history: %+v", records)
	}
	if strings.Join(records[0].Agents, ",") != "Researcher,Writer" {
		t.Fatalf("unexpected archived agents: %v", records[0].Agents)
	}

	ch, err := h.relay.Lookup(task.ID)
	if err != nil {
		t.Fatalf("log channel should exist: %v", err)
	}
	if ch.Pushed() == 0 {
		t.Fatal("expected execution logs to be relayed")
	}
}

func TestSyncSubmissionWithInvalidProvider(t *testing.T) {
	resolver := provider.NewResolver(config.LLMConfig{}, provider.WithGetenv(func(key string) string {
		if key == "LLM_PROVIDER" {
			return "bogus"
		}
		return ""
	}))
	h := newHarness(t, resolver)

	task, err := h.service.Submit(context.Background(), crew.Request{Objective: "summarize X", AsyncExecution: boolPtr(false)})
	if err != nil {
		t.Fatalf("configuration errors must not surface as submit errors: %v", err)
	}
	if task.Status != StatusFailed || task.ErrorCode != string(provider.CodeConfigInvalid) {
		t.Fatalf("unexpected record: %+v", task)
	}
	if !strings.Contains(*task.Result, "unsupported LLM_PROVIDER: bogus") {
		t.Fatalf("result should carry the configuration error: %q", *task.Result)
	}
	if codes := h.alerts.codes(); len(codes) != 1 || codes[0] != provider.CodeConfigInvalid {
		t.Fatalf("expected one config alert, got %v", codes)
	}
}

func TestAsyncSubmissionWithoutAgentsFails(t *testing.T) {
	h := newHarness(t, stubResolver{client: echoClient})
	h.startProcessor(t)

	task, err := h.service.Submit(context.Background(), crew.Request{
		Objective: "summarize X",
		Tasks: []crew.TaskDefinition{
			{Description: "{objective}", ExpectedOutput: "x"},
		},
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if task.Status != StatusProcessing || task.Result != nil {
		t.Fatalf("async submission must return processing: %+v", task)
	}

	final := waitTerminal(t, h.service, task.ID)
	if final.Status != StatusFailed || final.ErrorCode != string(crew.CodeNoAgents) {
		t.Fatalf("unexpected terminal record: %+v", final)
	}
	if !strings.Contains(*final.Result, "no agents could be initialized") {
		t.Fatalf("unexpected failure text: %q", *final.Result)
	}
}

func TestConcurrentAsyncSubmissionsAreIndependent(t *testing.T) {
	h := newHarness(t, stubResolver{client: echoClient})
	h.startProcessor(t)

	first, err := h.service.Submit(context.Background(), crew.Request{Objective: "first"})
	if err != nil {
		t.Fatalf("submit first: %v", err)
	}
	second, err := h.service.Submit(context.Background(), crew.Request{Objective: "second"})
	if err != nil {
		t.Fatalf("submit second: %v", err)
	}
	if first.ID == second.ID {
		t.Fatal("task ids must be unique")
	}

	a, b := waitTerminal(t, h.service, first.ID), waitTerminal(t, h.service, second.ID)
	if a.Status != StatusCompleted || b.Status != StatusCompleted {
		t.Fatalf("both tasks should complete: %+v %+v", a, b)
	}
	if !strings.Contains(*a.Result, "first") || !strings.Contains(*b.Result, "second") {
		t.Fatalf("results crossed: %q / %q", *a.Result, *b.Result)
	}
}

func TestSubmitValidation(t *testing.T) {
	h := newHarness(t, stubResolver{client: echoClient})
	zero := 0
	for _, req := range []crew.Request{
		{Objective: "   "},
		{Objective: "x", MaxIterations: &zero},
	} {
		_, err := h.service.Submit(context.Background(), req)
		if xerrors.CodeOf(err) != CodeTaskValidation || xerrors.HTTPStatusOf(err) != 400 {
			t.Fatalf("expected validation error, got %v", err)
		}
	}
	if stats, _ := h.store.Stats(context.Background(), Filter{}); stats.Total != 0 {
		t.Fatalf("invalid submissions must not create records: %+v", stats)
	}
}

func TestPublishFailureMarksTaskFailed(t *testing.T) {
	store := NewMemoryStore()
	relay := logrelay.New()
	exec := NewExecutor(store, relay, stubResolver{client: echoClient}, crew.NewSequentialEngine())
	service := NewService(store, failingProducer{}, exec, relay)

	task, err := service.Submit(context.Background(), crew.Request{Objective: "x"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if task.Status != StatusFailed || task.ErrorCode != string(CodeTaskPublish) {
		t.Fatalf("unexpected record: %+v", task)
	}
	if !strings.Contains(*task.Result, "broker unavailable") {
		t.Fatalf("unexpected failure text: %q", *task.Result)
	}
}

func TestAsyncSubmitDoesNotBlockOnFullQueue(t *testing.T) {
	store := NewMemoryStore()
	relay := logrelay.New()
	queue := dispatch.NewMemoryQueue(1)
	exec := NewExecutor(store, relay, stubResolver{client: echoClient}, crew.NewSequentialEngine())
	service := NewService(store, queue, exec, relay, WithPublishTimeout(50*time.Millisecond))

	first, err := service.Submit(context.Background(), crew.Request{Objective: "first"})
	if err != nil || first.Status != StatusProcessing {
		t.Fatalf("first submit: %+v %v", first, err)
	}

	// 请求方的超时远长于入队上限，提交仍应很快返回。
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	start := time.Now()
	second, err := service.Submit(ctx, crew.Request{Objective: "second"})
	if err != nil {
		t.Fatalf("second submit: %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("second submit blocked for %s", elapsed)
	}
	if second.Status != StatusFailed || second.ErrorCode != string(CodeTaskPublish) {
		t.Fatalf("unexpected record: %+v", second)
	}
	if queue.Len() != 1 {
		t.Fatalf("unexpected queue length %d", queue.Len())
	}
}

func TestAsyncSubmitIgnoresCanceledRequest(t *testing.T) {
	h := newHarness(t, stubResolver{client: echoClient})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	task, err := h.service.Submit(ctx, crew.Request{Objective: "detached", AsyncExecution: boolPtr(true)})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if task.Status != StatusProcessing {
		t.Fatalf("expected processing, got %+v", task)
	}
}

func TestProcessorSkipsFinishedAndUnknownTasks(t *testing.T) {
	h := newHarness(t, stubResolver{client: echoClient})
	waits := &waitRecorder{}
	p := NewProcessor(h.exec, h.queue, WithQueueMetrics(waits))

	if err := p.handle(context.Background(), dispatch.NewEnvelope("missing", "async")); err != nil {
		t.Fatalf("unknown ids should be skipped: %v", err)
	}

	task, err := h.service.Submit(context.Background(), crew.Request{Objective: "x", AsyncExecution: boolPtr(false)})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := p.handle(context.Background(), dispatch.Envelope{TaskID: task.ID, Attempt: 2}); err != nil {
		t.Fatalf("redelivered terminal task should be skipped: %v", err)
	}
	if waits.count() != 2 {
		t.Fatalf("expected two dequeue observations, got %d", waits.count())
	}
	if records, _ := h.history.ListLatest(context.Background(), 0); len(records) != 1 {
		t.Fatalf("task must run exactly once, history has %d entries", len(records))
	}
}

func TestExecutorWrapsPlainEngineErrors(t *testing.T) {
	store := NewMemoryStore()
	engine := crew.EngineFunc(func(context.Context, *crew.Crew) (*crew.Output, error) {
		return nil, errors.New("subprocess exited")
	})
	exec := NewExecutor(store, nil, stubResolver{client: echoClient}, engine)
	if err := store.Create(context.Background(), &Task{ID: "t1", Request: &crew.Request{Objective: "x"}}); err != nil {
		t.Fatalf("create: %v", err)
	}

	task, err := exec.Execute(context.Background(), "t1")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if task.ErrorCode != string(crew.CodeKickoffFailed) || *task.Result != "crew kickoff failed: subprocess exited" {
		t.Fatalf("unexpected record: %+v", task)
	}
}
