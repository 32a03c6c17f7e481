package logger

import "context"

const (
	// TaskIDKey 是日志中任务关联 ID 的属性名。
	TaskIDKey = "task_id"
	// ComponentKey 标记输出日志的组件。
	ComponentKey = "component"
)

type taskIDContextKey struct{}

// WithTaskID 将任务 ID 写入上下文，使用 *Context 系列方法记录的日志会携带该 ID。
func WithTaskID(ctx context.Context, taskID string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, taskIDContextKey{}, taskID)
}

// TaskIDFrom 返回上下文中的任务 ID。
func TaskIDFrom(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	id, ok := ctx.Value(taskIDContextKey{}).(string)
	return id, ok && id != ""
}
