package task

import (
	"context"
	"time"

	xerrors "Crew-Relay/internal/errors"
)

// Store 抽象了任务注册表。所有实现必须保证终态记录不可变。
type Store interface {
	Create(ctx context.Context, task *Task) error
	Get(ctx context.Context, id string) (*Task, error)
	// Claim 标记任务开始执行，已开始或已结束的任务会被拒绝。
	Claim(ctx context.Context, id string) (*Task, error)
	Complete(ctx context.Context, id string, result string) (*Task, error)
	Fail(ctx context.Context, id string, code xerrors.Code, errText string) (*Task, error)
	List(ctx context.Context, filter Filter) ([]*Task, error)
	Stats(ctx context.Context, filter Filter) (TaskStats, error)
	// Evict 删除在 before 之前结束的终态任务，返回被删除的 ID。
	Evict(ctx context.Context, before time.Time) ([]string, error)
	Close() error
}
