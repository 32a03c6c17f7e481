package task

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"Crew-Relay/internal/crew"
	"Crew-Relay/internal/dispatch"
	xerrors "Crew-Relay/internal/errors"
	"Crew-Relay/internal/logrelay"
	"Crew-Relay/pkg/logger"
)

// Runner 同步执行一个已创建的任务。
type Runner interface {
	Execute(ctx context.Context, id string) (*Task, error)
}

// DefaultPublishTimeout 为异步任务入队的最长等待时间。
const DefaultPublishTimeout = 2 * time.Second

// Service 负责任务的创建与查询。
type Service struct {
	store          Store
	producer       dispatch.Producer
	runner         Runner
	relay          *logrelay.Relay
	metrics        MetricsRecorder
	newID          func() string
	publishTimeout time.Duration
}

// ServiceOption 定义可选配置。
type ServiceOption func(*Service)

// WithServiceMetrics 配置指标记录器。
func WithServiceMetrics(m MetricsRecorder) ServiceOption {
	return func(s *Service) { s.metrics = m }
}

// WithIDGenerator 替换任务 ID 生成函数，便于测试。
func WithIDGenerator(fn func() string) ServiceOption {
	return func(s *Service) {
		if fn != nil {
			s.newID = fn
		}
	}
}

// WithPublishTimeout 设置入队等待上限，不大于 0 时使用默认值。
func WithPublishTimeout(d time.Duration) ServiceOption {
	return func(s *Service) {
		if d > 0 {
			s.publishTimeout = d
		}
	}
}

// NewService 构造任务服务。
func NewService(store Store, producer dispatch.Producer, runner Runner, relay *logrelay.Relay, opts ...ServiceOption) *Service {
	s := &Service{
		store:          store,
		producer:       producer,
		runner:         runner,
		relay:          relay,
		newID:          uuid.NewString,
		publishTimeout: DefaultPublishTimeout,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Submit 创建一个新的任务。同步模式下直接执行并返回终态记录，
// 后台模式下推送到队列并立即返回 processing 记录。
func (s *Service) Submit(ctx context.Context, req crew.Request) (*Task, error) {
	if err := req.Validate(); err != nil {
		return nil, xerrors.New(CodeTaskValidation, xerrors.Describe(err))
	}
	if s.store == nil || s.runner == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务服务未初始化")
	}
	mode := ModeSync
	if req.Async() {
		mode = ModeAsync
		if s.producer == nil {
			return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务队列未初始化")
		}
	}

	request := cloneRequest(req)
	task := &Task{
		ID:        s.newID(),
		Mode:      mode,
		Objective: req.Objective,
		Request:   &request,
	}
	if err := s.store.Create(ctx, task); err != nil {
		return nil, err
	}
	// 先注册日志通道，客户端可以在执行开始前订阅。
	if s.relay != nil {
		s.relay.Open(task.ID)
	}
	if s.metrics != nil {
		s.metrics.TaskSubmitted(string(mode))
	}
	logger.Audit().Info("任务已创建",
		slog.String("task_id", task.ID),
		slog.String("objective", task.Objective),
		slog.String("mode", string(mode)),
		slog.Int("definitions", len(req.Tasks)),
	)

	if mode == ModeSync {
		// 同步执行不受客户端断开影响。
		return s.runner.Execute(context.WithoutCancel(ctx), task.ID)
	}

	// 入队与请求生命周期解耦，队列拥塞时在超时后快速失败。
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.publishTimeout)
	err := s.producer.Publish(pubCtx, dispatch.NewEnvelope(task.ID, string(mode)))
	cancel()
	if err != nil {
		logger.L().Error("任务入队失败", slog.Any("error", err), slog.String("task_id", task.ID))
		wrapped := xerrors.Wrap(CodeTaskPublish, err, "发布任务到队列失败")
		failed, failErr := s.store.Fail(context.WithoutCancel(ctx), task.ID, CodeTaskPublish, xerrors.Describe(wrapped))
		if failErr != nil {
			return nil, failErr
		}
		return failed, nil
	}
	return s.store.Get(ctx, task.ID)
}

// Get 返回指定任务的状态。
func (s *Service) Get(ctx context.Context, id string) (*Task, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务存储未初始化")
	}
	return s.store.Get(ctx, id)
}

// List 返回符合过滤条件的任务列表。
func (s *Service) List(ctx context.Context, filter Filter) ([]*Task, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务存储未初始化")
	}
	return s.store.List(ctx, filter)
}

// Stats 返回符合过滤条件的任务统计信息。
func (s *Service) Stats(ctx context.Context, filter Filter) (TaskStats, error) {
	if s.store == nil {
		return TaskStats{}, xerrors.New(xerrors.CodeInitializationFailure, "任务存储未初始化")
	}
	return s.store.Stats(ctx, filter)
}

// Close 释放资源。
func (s *Service) Close() error {
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			return err
		}
	}
	if s.producer != nil {
		return s.producer.Close()
	}
	return nil
}

// WaitUntilCompleted 在 ctx 结束前轮询任务状态，直到任务进入终态。
func (s *Service) WaitUntilCompleted(ctx context.Context, id string, interval time.Duration) (*Task, error) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		task, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if task.Status.Terminal() {
			return task, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
