package crewclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestSubmitSendsPayload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/crew/tasks" || r.Method != http.MethodPost {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		var got TaskSubmission
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		if got.Objective != "summarize X" || got.AsyncExecution == nil || *got.AsyncExecution {
			t.Errorf("unexpected submission: %+v", got)
		}
		result := "done"
		_ = json.NewEncoder(w).Encode(Task{TaskID: "t-1", Status: StatusCompleted, Result: &result})
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	sync := false
	task, err := client.Submit(context.Background(), TaskSubmission{Objective: "summarize X", AsyncExecution: &sync})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if !task.Terminal() || *task.Result != "done" {
		t.Fatalf("unexpected task: %+v", task)
	}
}

func TestGetReturnsAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(map[string]string{"detail": "Task not found", "code": "TASK_NOT_FOUND"})
	}))
	defer srv.Close()

	client, _ := NewClient(srv.URL, srv.Client())
	_, err := client.Get(context.Background(), "missing")
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Code != "TASK_NOT_FOUND" || apiErr.Detail != "Task not found" {
		t.Fatalf("unexpected error: %v", err)
	}
	if !IsNotFound(err) {
		t.Fatal("expected IsNotFound")
	}
}

func TestListEncodesQuery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("status") != "failed,completed" || q.Get("limit") != "5" || q.Get("order") != "asc" {
			t.Errorf("unexpected query: %s", r.URL.RawQuery)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"tasks": []Task{{TaskID: "a"}, {TaskID: "b"}}})
	}))
	defer srv.Close()

	client, _ := NewClient(srv.URL, srv.Client())
	tasks, err := client.List(context.Background(), ListOptions{Statuses: []string{"failed", "completed"}, Limit: 5, Ascending: true})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(tasks) != 2 {
		t.Fatalf("unexpected tasks: %+v", tasks)
	}
}

func TestStatsAndHistory(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /crew/stats", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"tasks": Stats{Total: 3, Completed: 2, Failed: 1}, "log_channels": 3})
	})
	mux.HandleFunc("GET /crew/history", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("limit") != "2" {
			t.Errorf("unexpected query %s", r.URL.RawQuery)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"history": []Run{{TaskID: "b", Agents: []string{"Writer"}}, {TaskID: "a"}}})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client, _ := NewClient(srv.URL, srv.Client())
	stats, err := client.Stats(context.Background())
	if err != nil || stats.Total != 3 || stats.Failed != 1 {
		t.Fatalf("unexpected stats %+v (%v)", stats, err)
	}
	runs, err := client.History(context.Background(), 2)
	if err != nil || len(runs) != 2 || runs[0].Agents[0] != "Writer" {
		t.Fatalf("unexpected history %+v (%v)", runs, err)
	}
}

func TestWaitUntilCompletedPolls(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		status := StatusProcessing
		if calls.Add(1) >= 3 {
			status = StatusFailed
		}
		_ = json.NewEncoder(w).Encode(Task{TaskID: "t-1", Status: status})
	}))
	defer srv.Close()

	client, _ := NewClient(srv.URL, srv.Client())
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	task, err := client.WaitUntilCompleted(ctx, "t-1", 5*time.Millisecond)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if task.Status != StatusFailed || calls.Load() != 3 {
		t.Fatalf("unexpected result %+v after %d calls", task, calls.Load())
	}
}

func TestStreamLogsDecodesEvents(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/crew/tasks/t-1/logs" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, ": keepalive\n\n")
		fmt.Fprint(w, "data: {\"log\":\"first\"}\n\n")
		fmt.Fprint(w, "data: {\"log\":\"second\"}\n\n")
	}))
	defer srv.Close()

	client, _ := NewClient(srv.URL, srv.Client())
	var lines []string
	err := client.StreamLogs(context.Background(), "t-1", func(line string) error {
		lines = append(lines, line)
		return nil
	})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	if len(lines) != 2 || lines[0] != "first" || lines[1] != "second" {
		t.Fatalf("unexpected lines: %v", lines)
	}
}

func TestStreamLogsStopsOnCallbackError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "data: {\"log\":\"first\"}\n\ndata: {\"log\":\"second\"}\n\n")
	}))
	defer srv.Close()

	client, _ := NewClient(srv.URL, srv.Client())
	stop := errors.New("stop")
	var seen int
	err := client.StreamLogs(context.Background(), "t-1", func(string) error {
		seen++
		return stop
	})
	if !errors.Is(err, stop) || seen != 1 {
		t.Fatalf("expected callback error after one line, got %v (%d)", err, seen)
	}
}
