package dispatch

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/sync/errgroup"
)

// MemoryQueue 使用带缓冲的 channel 在进程内派发任务。
type MemoryQueue struct {
	ch     chan Envelope
	mu     sync.RWMutex
	closed bool
	retry  retryPolicy
}

// NewMemoryQueue 创建一个内存队列，size 不大于 0 时容量为 64。
func NewMemoryQueue(size int, opts ...Option) *MemoryQueue {
	if size <= 0 {
		size = 64
	}
	return &MemoryQueue{ch: make(chan Envelope, size), retry: newRetryPolicy("memory", opts)}
}

// Publish 投递消息，队列已满时阻塞直到 ctx 结束。
func (q *MemoryQueue) Publish(ctx context.Context, env Envelope) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrClosed
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case q.ch <- env:
		return nil
	}
}

// offer 是非阻塞投递，供消费协程重投使用，避免所有协程都阻塞在满队列上。
func (q *MemoryQueue) offer(_ context.Context, env Envelope) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrClosed
	}
	select {
	case q.ch <- env:
		return nil
	default:
		return errors.New("内存队列已满")
	}
}

// Len 返回尚未被消费的消息数。
func (q *MemoryQueue) Len() int {
	return len(q.ch)
}

// Consume 启动 workers 个协程消费消息。队列关闭且排空后返回 nil。
func (q *MemoryQueue) Consume(ctx context.Context, workers int, handler Handler) error {
	g, gctx := errgroup.WithContext(ctx)
	for range max(workers, 1) {
		g.Go(func() error {
			for {
				select {
				case <-gctx.Done():
					return gctx.Err()
				case env, ok := <-q.ch:
					if !ok {
						return nil
					}
					if err := handler(gctx, env); err != nil {
						q.retry.redeliver(gctx, env, err, q.offer)
					}
				}
			}
		})
	}
	return g.Wait()
}

// Close 关闭队列，之后的 Publish 返回 ErrClosed。
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		close(q.ch)
		q.closed = true
	}
	return nil
}
