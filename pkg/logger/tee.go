package logger

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// sinkSet 保存运行期间动态挂载的日志接收器。
type sinkSet struct {
	mu       sync.RWMutex
	next     uint64
	handlers map[uint64]slog.Handler
}

func newSinkSet() *sinkSet {
	return &sinkSet{handlers: make(map[uint64]slog.Handler)}
}

func (s *sinkSet) add(h slog.Handler) func() {
	if h == nil {
		return func() {}
	}
	s.mu.Lock()
	s.next++
	id := s.next
	s.handlers[id] = h
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.handlers, id)
			s.mu.Unlock()
		})
	}
}

func (s *sinkSet) snapshot() []slog.Handler {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.handlers) == 0 {
		return nil
	}
	out := make([]slog.Handler, 0, len(s.handlers))
	for _, h := range s.handlers {
		out = append(out, h)
	}
	return out
}

// teeHandler 将记录写入基础 handler，并复制给当前挂载的所有 sink。
// WithAttrs/WithGroup 以操作序列的形式保存，在投递时重放到 sink 上，
// 这样后挂载的 sink 也能看到 logger.With 添加的属性。
type teeHandler struct {
	base  slog.Handler
	sinks *sinkSet
	ops   []func(slog.Handler) slog.Handler
}

func newTeeHandler(base slog.Handler, sinks *sinkSet) *teeHandler {
	return &teeHandler{base: base, sinks: sinks}
}

func (t *teeHandler) Enabled(ctx context.Context, level slog.Level) bool {
	if t.base.Enabled(ctx, level) {
		return true
	}
	for _, h := range t.sinks.snapshot() {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (t *teeHandler) Handle(ctx context.Context, record slog.Record) error {
	var errs []error
	if t.base.Enabled(ctx, record.Level) {
		rec := record.Clone()
		if id, ok := TaskIDFrom(ctx); ok {
			rec.AddAttrs(slog.String(TaskIDKey, id))
		}
		if err := t.base.Handle(ctx, rec); err != nil {
			errs = append(errs, err)
		}
	}
	for _, sink := range t.sinks.snapshot() {
		h := sink
		for _, op := range t.ops {
			h = op(h)
		}
		if !h.Enabled(ctx, record.Level) {
			continue
		}
		if err := h.Handle(ctx, record.Clone()); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (t *teeHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return t
	}
	return t.derive(t.base.WithAttrs(attrs), func(h slog.Handler) slog.Handler {
		return h.WithAttrs(attrs)
	})
}

func (t *teeHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return t
	}
	return t.derive(t.base.WithGroup(name), func(h slog.Handler) slog.Handler {
		return h.WithGroup(name)
	})
}

func (t *teeHandler) derive(base slog.Handler, op func(slog.Handler) slog.Handler) *teeHandler {
	ops := make([]func(slog.Handler) slog.Handler, len(t.ops), len(t.ops)+1)
	copy(ops, t.ops)
	return &teeHandler{base: base, sinks: t.sinks, ops: append(ops, op)}
}
