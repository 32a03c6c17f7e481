package task

import (
	"context"
	"log/slog"
	"time"

	"Crew-Relay/internal/logrelay"
	"Crew-Relay/pkg/logger"
)

// EvictionRecorder 记录被清理的任务数量。
type EvictionRecorder interface {
	TasksEvicted(n int)
}

// Janitor 周期性清理过期的终态任务及其日志通道。
type Janitor struct {
	store    Store
	relay    *logrelay.Relay
	ttl      time.Duration
	interval time.Duration
	metrics  EvictionRecorder
	now      func() time.Time
	logger   *slog.Logger
}

// NewJanitor 创建 Janitor。ttl 为终态记录保留时长。
func NewJanitor(store Store, relay *logrelay.Relay, ttl, interval time.Duration, metrics EvictionRecorder) *Janitor {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Janitor{
		store:    store,
		relay:    relay,
		ttl:      ttl,
		interval: interval,
		metrics:  metrics,
		now:      time.Now,
		logger:   logger.Named("janitor"),
	}
}

// Sweep 执行一次清理，返回被删除的任务 ID。
func (j *Janitor) Sweep(ctx context.Context) ([]string, error) {
	if j.ttl <= 0 {
		return nil, nil
	}
	evicted, err := j.store.Evict(ctx, j.now().Add(-j.ttl))
	if err != nil {
		return nil, err
	}
	for _, id := range evicted {
		if j.relay != nil {
			j.relay.Remove(id)
		}
	}
	if len(evicted) > 0 {
		if j.metrics != nil {
			j.metrics.TasksEvicted(len(evicted))
		}
		j.logger.Info("已清理过期任务", slog.Int("count", len(evicted)))
	}
	return evicted, nil
}

// Run 按固定间隔清理，直到 ctx 结束。
func (j *Janitor) Run(ctx context.Context) {
	if j.ttl <= 0 {
		return
	}
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := j.Sweep(ctx); err != nil {
				j.logger.Warn("清理过期任务失败", slog.Any("error", err))
			}
		}
	}
}
