package logrelay

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"Crew-Relay/pkg/logger"
)

const timeLayout = "2006-01-02 15:04:05,000"

// sink 是挂载到 pkg/logger 上的 slog.Handler，把记录格式化后写入任务通道。
type sink struct {
	ch     *Channel
	mode   Mode
	level  slog.Level
	now    func() time.Time
	attrs  []slog.Attr
	groups []string
}

func (s *sink) Enabled(_ context.Context, level slog.Level) bool {
	return level >= s.level
}

func (s *sink) Handle(ctx context.Context, r slog.Record) error {
	source := "crewd"
	taskID, _ := logger.TaskIDFrom(ctx)

	var fields []string
	collect := func(groups []string, a slog.Attr) {
		a.Value = a.Value.Resolve()
		if len(groups) == 0 {
			switch a.Key {
			case logger.ComponentKey:
				source = a.Value.String()
				return
			case logger.TaskIDKey:
				if taskID == "" {
					taskID = a.Value.String()
				}
				return
			}
		}
		fields = appendAttr(fields, groups, a)
	}
	for _, a := range s.attrs {
		collect(nil, a)
	}
	r.Attrs(func(a slog.Attr) bool {
		collect(s.groups, a)
		return true
	})

	if s.mode == ModeFiltered && taskID != s.ch.id {
		return nil
	}

	ts := r.Time
	if ts.IsZero() {
		ts = s.now()
	}
	line := fmt.Sprintf("%s - %s - %s - %s", ts.Format(timeLayout), source, levelName(r.Level), r.Message)
	if len(fields) > 0 {
		line += " " + strings.Join(fields, " ")
	}
	s.ch.Push(line)
	return nil
}

func (s *sink) WithAttrs(attrs []slog.Attr) slog.Handler {
	clone := *s
	clone.attrs = append(append([]slog.Attr(nil), s.attrs...), qualify(s.groups, attrs)...)
	return &clone
}

func (s *sink) WithGroup(name string) slog.Handler {
	if name == "" {
		return s
	}
	clone := *s
	clone.groups = append(append([]string(nil), s.groups...), name)
	return &clone
}

// qualify 把 WithAttrs 时所在的分组写入属性名，保证之后的 WithGroup 不影响它们。
func qualify(groups []string, attrs []slog.Attr) []slog.Attr {
	if len(groups) == 0 {
		return attrs
	}
	out := make([]slog.Attr, len(attrs))
	for i, a := range attrs {
		out[i] = slog.Attr{Key: normalizeKey(groups, a.Key), Value: a.Value}
	}
	return out
}

func appendAttr(fields []string, groups []string, a slog.Attr) []string {
	if a.Equal(slog.Attr{}) {
		return fields
	}
	if a.Value.Kind() == slog.KindGroup {
		nested := groups
		if a.Key != "" {
			nested = append(append([]string(nil), groups...), a.Key)
		}
		for _, child := range a.Value.Group() {
			child.Value = child.Value.Resolve()
			fields = appendAttr(fields, nested, child)
		}
		return fields
	}
	value := a.Value.String()
	if a.Value.Kind() == slog.KindTime {
		value = a.Value.Time().Format(time.RFC3339)
	}
	if strings.ContainsAny(value, " \t\n\"") {
		value = fmt.Sprintf("%q", value)
	}
	return append(fields, normalizeKey(groups, a.Key)+"="+value)
}
