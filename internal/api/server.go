package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"Crew-Relay/internal/crew"
	xerrors "Crew-Relay/internal/errors"
	"Crew-Relay/internal/history"
	"Crew-Relay/internal/logrelay"
	"Crew-Relay/internal/observability/metrics"
	"Crew-Relay/internal/task"
	"Crew-Relay/pkg/logger"
)

const (
	defaultMaxBodyBytes    = 1 << 20
	defaultKeepalive       = 15 * time.Second
	defaultShutdownTimeout = 5 * time.Second
)

// Server 负责暴露 REST 接口，供外部提交和观察 crew 任务。
type Server struct {
	addr            string
	tasks           *task.Service
	relay           *logrelay.Relay
	history         history.Repository
	metrics         *metrics.Recorder
	metricsPath     string
	keepalive       time.Duration
	maxBodyBytes    int64
	corsOrigin      string
	shutdownTimeout time.Duration
	logger          *slog.Logger
}

// Option 自定义 Server。
type Option func(*Server)

// WithHistory 挂载执行历史查询接口。
func WithHistory(repo history.Repository) Option {
	return func(s *Server) { s.history = repo }
}

// WithMetrics 启用指标采集并在 path 暴露。
func WithMetrics(m *metrics.Recorder, path string) Option {
	return func(s *Server) {
		s.metrics = m
		if path != "" {
			s.metricsPath = path
		}
	}
}

// WithKeepalive 设置日志流的心跳间隔。
func WithKeepalive(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.keepalive = d
		}
	}
}

// WithMaxBodyBytes 限制请求体大小。
func WithMaxBodyBytes(n int64) Option {
	return func(s *Server) {
		if n > 0 {
			s.maxBodyBytes = n
		}
	}
}

// WithCORSOrigin 设置 Access-Control-Allow-Origin。
func WithCORSOrigin(origin string) Option {
	return func(s *Server) { s.corsOrigin = origin }
}

// WithShutdownTimeout 设置优雅关闭的等待时间。
func WithShutdownTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.shutdownTimeout = d
		}
	}
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, tasks *task.Service, relay *logrelay.Relay, opts ...Option) *Server {
	s := &Server{
		addr:            addr,
		tasks:           tasks,
		relay:           relay,
		metricsPath:     "/metrics",
		keepalive:       defaultKeepalive,
		maxBodyBytes:    defaultMaxBodyBytes,
		corsOrigin:      "*",
		shutdownTimeout: defaultShutdownTimeout,
		logger:          logger.Named("api"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Handler 返回完整的路由与中间件链。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /crew/tasks", s.handleCreateTask)
	mux.HandleFunc("GET /crew/tasks", s.handleListTasks)
	mux.HandleFunc("GET /crew/tasks/{task_id}", s.handleTaskDetail)
	mux.HandleFunc("GET /crew/tasks/{task_id}/logs", s.handleTaskLogs)
	mux.HandleFunc("GET /crew/stats", s.handleStats)
	mux.HandleFunc("GET /crew/history", s.handleHistory)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
	})
	if s.metrics != nil {
		mux.Handle("GET "+s.metricsPath, s.metrics.Handler())
	}
	return s.withCORS(s.withMetrics(mux))
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.logger.Info("HTTP 服务已启动", slog.String("address", s.addr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		// 日志流是长连接，超时后强制关闭。
		if err := server.Shutdown(shutdownCtx); err != nil {
			_ = server.Close()
		}
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)

	var req crew.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.writeError(w, r, xerrors.New(xerrors.CodeRequestTooLarge, ""))
			return
		}
		s.writeError(w, r, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "invalid request body"))
		return
	}

	result, err := s.tasks.Submit(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleTaskDetail(w http.ResponseWriter, r *http.Request) {
	result, err := s.tasks.Get(r.Context(), r.PathValue("task_id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	filter, err := parseFilter(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	tasks, err := s.tasks.List(r.Context(), filter)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	filter, err := parseFilter(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	stats, err := s.tasks.Stats(r.Context(), filter)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	body := map[string]any{"tasks": stats}
	if s.relay != nil {
		body["log_channels"] = s.relay.Len()
		body["log_relay_mode"] = s.relay.Mode()
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	records := []history.Record{}
	if s.history != nil {
		latest, err := s.history.ListLatest(r.Context(), limit)
		if err != nil {
			s.writeError(w, r, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询执行历史失败"))
			return
		}
		if latest != nil {
			records = latest
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"history": records})
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := xerrors.HTTPStatusOf(err)
	if status >= http.StatusInternalServerError {
		s.logger.ErrorContext(r.Context(), "请求处理失败",
			slog.String("path", r.URL.Path),
			slog.Any("error", err),
		)
	}
	writeJSON(w, status, map[string]string{
		"detail": xerrors.Describe(err),
		"code":   string(xerrors.CodeOf(err)),
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
