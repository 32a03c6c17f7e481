package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func scrape(t *testing.T, r *Recorder) string {
	t.Helper()
	srv := httptest.NewServer(r.Handler())
	defer srv.Close()
	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("scrape: %v", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	return string(body)
}

func TestRecorderExposesTaskAndHTTPMetrics(t *testing.T) {
	r := New()
	r.ObserveHTTPRequest("/crew/tasks", http.MethodPost, http.StatusOK, 20*time.Millisecond)
	r.ObserveHTTPRequest("/crew/tasks", http.MethodPost, http.StatusInternalServerError, time.Second)
	r.TaskSubmitted("async")
	r.TaskStarted()
	r.TaskFinished("completed", "async", 3*time.Second)
	r.StreamOpened()
	r.TasksEvicted(2)
	r.TaskDequeued(30 * time.Millisecond)

	body := scrape(t, r)
	for _, want := range []string{
		`crewd_http_requests_total{code="200",handler="/crew/tasks",method="POST"} 1`,
		`crewd_http_request_errors_total{handler="/crew/tasks",method="POST"} 1`,
		`crewd_tasks_submitted_total{mode="async"} 1`,
		`crewd_tasks_finished_total{mode="async",status="completed"} 1`,
		`crewd_task_duration_seconds_count{status="completed"} 1`,
		`crewd_tasks_running 0`,
		`crewd_log_streams_active 1`,
		`crewd_tasks_evicted_total 2`,
		`crewd_dispatch_wait_seconds_count 1`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("missing %q in exposition", want)
		}
	}
}

func TestNilRecorderIsNoop(t *testing.T) {
	var r *Recorder
	r.ObserveHTTPRequest("/", http.MethodGet, 200, time.Millisecond)
	r.TaskSubmitted("sync")
	r.TaskFinished("failed", "sync", time.Second)
	r.StreamClosed()
	r.TaskDequeued(time.Second)
}
