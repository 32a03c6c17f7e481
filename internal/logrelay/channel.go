package logrelay

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrChannelRemoved 表示通道已被移除，消费者应结束读取。
var ErrChannelRemoved = errors.New("日志通道已移除")

// Channel 是单个任务的无界 FIFO 日志队列，同一时间只允许一个消费者。
type Channel struct {
	id        string
	createdAt time.Time

	mu     sync.Mutex
	lines  []string
	notify chan struct{}
	busy   bool
	pushed int

	done      chan struct{}
	closeOnce sync.Once
}

func newChannel(id string, now time.Time) *Channel {
	return &Channel{id: id, createdAt: now, notify: make(chan struct{}, 1), done: make(chan struct{})}
}

// close 结束通道，当前消费者读完剩余日志后收到 ErrChannelRemoved。
func (c *Channel) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

func (c *Channel) removed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// ID 返回任务 ID。
func (c *Channel) ID() string { return c.id }

// CreatedAt 返回通道创建时间。
func (c *Channel) CreatedAt() time.Time { return c.createdAt }

// Push 追加一行日志，永不阻塞。
func (c *Channel) Push(line string) {
	c.mu.Lock()
	c.lines = append(c.lines, line)
	c.pushed++
	c.mu.Unlock()
	select {
	case c.notify <- struct{}{}:
	default:
	}
}

// Len 返回尚未被消费的行数。
func (c *Channel) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.lines)
}

// Pushed 返回累计写入的行数。
func (c *Channel) Pushed() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pushed
}

// Acquire 获取独占消费权，已有消费者时返回 LOG_CHANNEL_BUSY。
func (c *Channel) Acquire() (*Consumer, error) {
	if c.removed() {
		return nil, errNotFound(c.id)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.busy {
		return nil, errBusy(c.id)
	}
	c.busy = true
	return &Consumer{ch: c}, nil
}

func (c *Channel) pop() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.lines) == 0 {
		return "", false
	}
	line := c.lines[0]
	c.lines[0] = ""
	c.lines = c.lines[1:]
	return line, true
}

// Consumer 持有通道的独占消费权。
type Consumer struct {
	ch   *Channel
	once sync.Once
}

// Next 阻塞直到有新日志、等待超过 idle 或 ctx 结束。
// idle 为 0 表示不设超时；超时返回 ok=false 且 err 为 nil。
// 通道被移除且已读空时返回 ErrChannelRemoved。
func (c *Consumer) Next(ctx context.Context, idle time.Duration) (line string, ok bool, err error) {
	var timeout <-chan time.Time
	if idle > 0 {
		timer := time.NewTimer(idle)
		defer timer.Stop()
		timeout = timer.C
	}
	for {
		if line, ok := c.ch.pop(); ok {
			return line, true, nil
		}
		select {
		case <-ctx.Done():
			return "", false, ctx.Err()
		case <-timeout:
			return "", false, nil
		case <-c.ch.done:
			if line, ok := c.ch.pop(); ok {
				return line, true, nil
			}
			return "", false, ErrChannelRemoved
		case <-c.ch.notify:
		}
	}
}

// Release 归还消费权，可重复调用。
func (c *Consumer) Release() {
	c.once.Do(func() {
		c.ch.mu.Lock()
		c.ch.busy = false
		c.ch.mu.Unlock()
	})
}
