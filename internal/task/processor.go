package task

import (
	"context"
	"log/slog"
	"time"

	"Crew-Relay/internal/dispatch"
	xerrors "Crew-Relay/internal/errors"
	"Crew-Relay/pkg/logger"
)

// QueueRecorder 记录派发消息在队列中的等待时长。
type QueueRecorder interface {
	TaskDequeued(wait time.Duration)
}

// Processor 从派发队列消费任务并交给执行器。
type Processor struct {
	runner      Runner
	consumer    dispatch.Consumer
	workerCount int
	metrics     QueueRecorder
	logger      *slog.Logger
}

// ProcessorOption 定义可选配置。
type ProcessorOption func(*Processor)

// WithProcessorLogger 指定日志输出。
func WithProcessorLogger(logger *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		p.logger = logger
	}
}

// WithWorkerCount 设置消费协程数量。
func WithWorkerCount(workers int) ProcessorOption {
	return func(p *Processor) {
		if workers > 0 {
			p.workerCount = workers
		}
	}
}

// WithQueueMetrics 配置队列等待指标。
func WithQueueMetrics(m QueueRecorder) ProcessorOption {
	return func(p *Processor) { p.metrics = m }
}

// NewProcessor 构造 Processor。
func NewProcessor(runner Runner, consumer dispatch.Consumer, opts ...ProcessorOption) *Processor {
	p := &Processor{
		runner:      runner,
		consumer:    consumer,
		workerCount: 1,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	if p.logger == nil {
		p.logger = logger.Named("processor")
	}
	return p
}

// Start 启动任务处理循环，直到 ctx 结束。ctx 结束时正在执行的任务也会被取消。
func (p *Processor) Start(ctx context.Context) error {
	if p.consumer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置任务消费者")
	}
	return p.consumer.Consume(ctx, p.workerCount, p.handle)
}

// handle 返回错误时由队列决定是否重投；重复投递在 Claim 阶段会被识别并跳过。
func (p *Processor) handle(ctx context.Context, env dispatch.Envelope) error {
	if p.runner == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "处理器未初始化")
	}
	if p.metrics != nil {
		p.metrics.TaskDequeued(env.Wait(time.Now()))
	}
	if _, err := p.runner.Execute(ctx, env.TaskID); err != nil {
		if IsTaskError(err, CodeTaskNotFound) || IsTaskError(err, CodeTaskConflict) || IsTaskError(err, CodeTaskFinalized) {
			p.logger.Debug("跳过任务",
				slog.String("task_id", env.TaskID),
				slog.Int("attempt", env.Attempt),
				slog.String("reason", xerrors.Describe(err)),
			)
			return nil
		}
		p.logger.Error("处理任务失败", slog.String("task_id", env.TaskID), slog.Any("error", err))
		return err
	}
	return nil
}
