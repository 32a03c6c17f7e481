// Package metrics 基于 Prometheus 暴露 HTTP 与任务执行指标。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "crewd"

// Recorder 持有独立的指标注册表，避免测试之间互相污染。
type Recorder struct {
	registry *prometheus.Registry

	httpRequests *prometheus.CounterVec
	httpErrors   *prometheus.CounterVec
	httpLatency  *prometheus.HistogramVec

	tasksSubmitted *prometheus.CounterVec
	tasksFinished  *prometheus.CounterVec
	taskDuration   *prometheus.HistogramVec
	tasksRunning   prometheus.Gauge
	logStreams     prometheus.Gauge
	tasksEvicted   prometheus.Counter
	queueWait      prometheus.Histogram
}

// New 创建指标记录器，并注册 Go 运行时与进程指标。
func New() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests processed.",
		}, []string{"handler", "method", "code"}),
		httpErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_request_errors_total",
			Help:      "Total number of HTTP requests that resulted in a server error.",
		}, []string{"handler", "method"}),
		httpLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"handler", "method"}),
		tasksSubmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_submitted_total",
			Help:      "Crew tasks accepted by the service.",
		}, []string{"mode"}),
		tasksFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_finished_total",
			Help:      "Crew tasks that reached a terminal state.",
		}, []string{"status", "mode"}),
		taskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_duration_seconds",
			Help:      "Wall time of a crew run from claim to terminal state.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}, []string{"status"}),
		tasksRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tasks_running",
			Help:      "Crew runs currently executing.",
		}),
		logStreams: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "log_streams_active",
			Help:      "Open log streaming connections.",
		}),
		tasksEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_evicted_total",
			Help:      "Terminal task records removed by retention.",
		}),
		queueWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dispatch_wait_seconds",
			Help:      "Time an async task spent in the dispatch queue before a worker picked it up.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 4, 8),
		}),
	}
	r.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		r.httpRequests,
		r.httpErrors,
		r.httpLatency,
		r.tasksSubmitted,
		r.tasksFinished,
		r.taskDuration,
		r.tasksRunning,
		r.logStreams,
		r.tasksEvicted,
		r.queueWait,
	)
	return r
}

// Handler 以 Prometheus 文本格式输出指标。
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// Registry 返回底层注册表。
func (r *Recorder) Registry() *prometheus.Registry { return r.registry }

// ObserveHTTPRequest 记录一次 HTTP 请求。
func (r *Recorder) ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	if r == nil {
		return
	}
	r.httpRequests.WithLabelValues(handler, method, strconv.Itoa(status)).Inc()
	if status >= 500 {
		r.httpErrors.WithLabelValues(handler, method).Inc()
	}
	r.httpLatency.WithLabelValues(handler, method).Observe(duration.Seconds())
}

// TaskSubmitted 记录一次任务提交。
func (r *Recorder) TaskSubmitted(mode string) {
	if r == nil {
		return
	}
	r.tasksSubmitted.WithLabelValues(mode).Inc()
}

// TaskStarted 在任务开始执行时调用。
func (r *Recorder) TaskStarted() {
	if r == nil {
		return
	}
	r.tasksRunning.Inc()
}

// TaskFinished 记录任务终态与耗时。
func (r *Recorder) TaskFinished(status, mode string, duration time.Duration) {
	if r == nil {
		return
	}
	r.tasksRunning.Dec()
	r.tasksFinished.WithLabelValues(status, mode).Inc()
	r.taskDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// StreamOpened 与 StreamClosed 跟踪日志流连接数。
func (r *Recorder) StreamOpened() {
	if r == nil {
		return
	}
	r.logStreams.Inc()
}

func (r *Recorder) StreamClosed() {
	if r == nil {
		return
	}
	r.logStreams.Dec()
}

// TasksEvicted 记录保留策略清理的任务数。
func (r *Recorder) TasksEvicted(n int) {
	if r == nil || n <= 0 {
		return
	}
	r.tasksEvicted.Add(float64(n))
}

// TaskDequeued 记录派发消息的排队时长。
func (r *Recorder) TaskDequeued(wait time.Duration) {
	if r == nil {
		return
	}
	r.queueWait.Observe(wait.Seconds())
}
