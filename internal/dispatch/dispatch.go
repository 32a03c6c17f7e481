// Package dispatch 负责把异步 crew 任务投递给后台执行协程。
//
// 队列里流转的只是 Envelope，任务本身始终保存在进程内的注册表中，
// 因此 Redis 与 RabbitMQ 在这里只是派发缓冲，并不提供跨进程执行。
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"Crew-Relay/pkg/logger"
)

// ErrClosed 表示队列已关闭。
var ErrClosed = errors.New("派发队列已关闭")

// DefaultMaxAttempts 是处理失败后最多投递的次数。
const DefaultMaxAttempts = 3

// Envelope 是队列中的一条派发消息。
type Envelope struct {
	TaskID     string    `json:"task_id"`
	Mode       string    `json:"mode,omitempty"`
	Attempt    int       `json:"attempt"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// NewEnvelope 创建首次投递的消息。
func NewEnvelope(taskID, mode string) Envelope {
	return Envelope{TaskID: taskID, Mode: mode, Attempt: 1, EnqueuedAt: time.Now().UTC()}
}

// Wait 返回消息在队列中停留的时长。
func (e Envelope) Wait(now time.Time) time.Duration {
	if e.EnqueuedAt.IsZero() || now.Before(e.EnqueuedAt) {
		return 0
	}
	return now.Sub(e.EnqueuedAt)
}

func (e Envelope) next() Envelope {
	e.Attempt++
	e.EnqueuedAt = time.Now().UTC()
	return e
}

func encode(e Envelope) ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("编码派发消息失败: %w", err)
	}
	return data, nil
}

// decode 兼容只包含任务 ID 的纯文本消息。
func decode(data []byte) (Envelope, error) {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" {
		return Envelope{}, errors.New("空的派发消息")
	}
	if !strings.HasPrefix(trimmed, "{") {
		return Envelope{TaskID: trimmed, Attempt: 1}, nil
	}
	var e Envelope
	if err := json.Unmarshal([]byte(trimmed), &e); err != nil {
		return Envelope{}, fmt.Errorf("解析派发消息失败: %w", err)
	}
	if e.TaskID == "" {
		return Envelope{}, errors.New("派发消息缺少 task_id")
	}
	if e.Attempt <= 0 {
		e.Attempt = 1
	}
	return e, nil
}

// Handler 处理一条派发消息，返回错误时按重试策略重新投递。
type Handler func(ctx context.Context, env Envelope) error

// Producer 负责投递消息。
type Producer interface {
	Publish(ctx context.Context, env Envelope) error
	Close() error
}

// Consumer 负责以指定并发度消费消息，直到 ctx 结束或出现不可恢复的错误。
type Consumer interface {
	Consume(ctx context.Context, workers int, handler Handler) error
	Close() error
}

// Queue 同时具备生产者与消费者能力。
type Queue interface {
	Producer
	Consumer
}

// Config 描述派发队列。
type Config struct {
	Driver      string
	Size        int
	MaxAttempts int
	Redis       RedisConfig
	RabbitMQ    RabbitMQConfig
}

// Open 根据驱动名创建队列，支持 memory、redis 与 rabbitmq。
func Open(ctx context.Context, cfg Config) (Queue, error) {
	switch strings.ToLower(cfg.Driver) {
	case "", "memory":
		return NewMemoryQueue(cfg.Size, WithMaxAttempts(cfg.MaxAttempts)), nil
	case "redis":
		return NewRedisQueue(ctx, cfg.Redis, WithMaxAttempts(cfg.MaxAttempts))
	case "rabbitmq":
		return NewRabbitMQQueue(cfg.RabbitMQ, WithMaxAttempts(cfg.MaxAttempts))
	default:
		return nil, fmt.Errorf("未知的队列驱动: %s", cfg.Driver)
	}
}

// Option 调整重投策略等公共行为。
type Option func(*retryPolicy)

// WithMaxAttempts 设置最多投递次数，小于 1 时使用默认值。
func WithMaxAttempts(n int) Option {
	return func(p *retryPolicy) {
		if n > 0 {
			p.maxAttempts = n
		}
	}
}

type retryPolicy struct {
	maxAttempts int
	logger      *slog.Logger
}

func newRetryPolicy(driver string, opts []Option) retryPolicy {
	p := retryPolicy{maxAttempts: DefaultMaxAttempts}
	for _, opt := range opts {
		if opt != nil {
			opt(&p)
		}
	}
	p.logger = logger.Named("dispatch").With(slog.String("driver", driver))
	return p
}

// redeliver 在次数未用尽时重新投递消息，否则丢弃并记录日志。
func (p retryPolicy) redeliver(ctx context.Context, env Envelope, cause error, publish func(context.Context, Envelope) error) {
	if env.Attempt >= p.maxAttempts {
		p.logger.ErrorContext(ctx, "任务处理失败且重试次数已用尽",
			slog.String("task_id", env.TaskID),
			slog.Int("attempt", env.Attempt),
			slog.Any("error", cause),
		)
		return
	}
	next := env.next()
	if err := publish(context.WithoutCancel(ctx), next); err != nil {
		p.logger.ErrorContext(ctx, "重新投递任务失败",
			slog.String("task_id", env.TaskID),
			slog.Any("error", err),
		)
		return
	}
	p.logger.WarnContext(ctx, "任务已重新投递",
		slog.String("task_id", env.TaskID),
		slog.Int("attempt", next.Attempt),
		slog.Any("error", cause),
	)
}
