// Package logrelay 把任务执行期间产生的日志转发到对应任务的日志队列，供 SSE 接口消费。
package logrelay

import (
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	xerrors "Crew-Relay/internal/errors"
	"Crew-Relay/pkg/logger"
)

// Mode 决定日志记录如何分发到各任务通道。
type Mode string

const (
	// ModeFiltered 只把携带相同 task_id 的记录写入通道。
	ModeFiltered Mode = "filtered"
	// ModeBroadcast 把所有记录写入所有已挂载的通道。
	ModeBroadcast Mode = "broadcast"
)

const (
	CodeChannelNotFound xerrors.Code = "LOG_CHANNEL_NOT_FOUND"
	CodeChannelBusy     xerrors.Code = "LOG_CHANNEL_BUSY"
)

func init() {
	xerrors.Register(CodeChannelNotFound, xerrors.Attributes{
		Message:    "Task logs not found",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: http.StatusNotFound,
	})
	xerrors.Register(CodeChannelBusy, xerrors.Attributes{
		Message:    "log stream already has a consumer",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: http.StatusConflict,
	})
}

func errNotFound(id string) error {
	return xerrors.New(CodeChannelNotFound, "", xerrors.WithMetadata("task_id", id))
}

func errBusy(id string) error {
	return xerrors.New(CodeChannelBusy, "", xerrors.WithMetadata("task_id", id))
}

// Relay 管理所有任务的日志通道。
type Relay struct {
	mu       sync.RWMutex
	channels map[string]*Channel

	mode   Mode
	level  slog.Level
	attach func(slog.Handler) func()
	now    func() time.Time
}

// Option 自定义 Relay。
type Option func(*Relay)

// WithMode 设置分发模式。
func WithMode(mode Mode) Option {
	return func(r *Relay) {
		if mode == ModeFiltered || mode == ModeBroadcast {
			r.mode = mode
		}
	}
}

// WithLevel 设置写入通道的最低日志级别。
func WithLevel(level slog.Level) Option {
	return func(r *Relay) { r.level = level }
}

// WithAttacher 替换挂载 sink 的方式，默认挂载到 pkg/logger。
func WithAttacher(fn func(slog.Handler) func()) Option {
	return func(r *Relay) {
		if fn != nil {
			r.attach = fn
		}
	}
}

// WithClock 替换时间来源。
func WithClock(fn func() time.Time) Option {
	return func(r *Relay) {
		if fn != nil {
			r.now = fn
		}
	}
}

// New 创建 Relay。
func New(opts ...Option) *Relay {
	r := &Relay{
		channels: make(map[string]*Channel),
		mode:     ModeFiltered,
		level:    slog.LevelDebug,
		attach:   logger.AttachSink,
		now:      time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Mode 返回当前分发模式。
func (r *Relay) Mode() Mode { return r.mode }

// Open 注册任务通道，重复调用返回同一个通道。
func (r *Relay) Open(id string) *Channel {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ch, ok := r.channels[id]; ok {
		return ch
	}
	ch := newChannel(id, r.now())
	r.channels[id] = ch
	return ch
}

// Lookup 返回任务通道，不存在时返回 LOG_CHANNEL_NOT_FOUND。
func (r *Relay) Lookup(id string) (*Channel, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ch, ok := r.channels[id]
	if !ok {
		return nil, errNotFound(id)
	}
	return ch, nil
}

// Attach 为任务挂载日志 sink，返回的 detach 必须在执行结束后调用。
func (r *Relay) Attach(id string) (detach func()) {
	ch := r.Open(id)
	return r.attach(&sink{ch: ch, mode: r.mode, level: r.level, now: r.now})
}

// Remove 删除任务通道，正在读取的消费者会在读完剩余日志后结束。
func (r *Relay) Remove(id string) {
	r.mu.Lock()
	ch, ok := r.channels[id]
	delete(r.channels, id)
	r.mu.Unlock()
	if ok {
		ch.close()
	}
}

// Len 返回通道数量。
func (r *Relay) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.channels)
}

// IDs 返回全部通道 ID。
func (r *Relay) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.channels))
	for id := range r.channels {
		ids = append(ids, id)
	}
	return ids
}

func levelName(l slog.Level) string {
	switch {
	case l >= slog.LevelError:
		return "ERROR"
	case l >= slog.LevelWarn:
		return "WARNING"
	case l >= slog.LevelInfo:
		return "INFO"
	default:
		return "DEBUG"
	}
}

func normalizeKey(groups []string, key string) string {
	if len(groups) == 0 {
		return key
	}
	return strings.Join(groups, ".") + "." + key
}
