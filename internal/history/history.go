// Package history 归档已经结束的 crew 执行记录，与任务注册表相互独立。
package history

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Record 表示一次执行的归档结构。
type Record struct {
	TaskID     string   `json:"task_id"`
	Objective  string   `json:"objective"`
	Status     string   `json:"status"`
	Result     string   `json:"result"`
	ErrorCode  string   `json:"error_code,omitempty"`
	Mode       string   `json:"mode"`
	Provider   string   `json:"provider,omitempty"`
	Model      string   `json:"model,omitempty"`
	Agents     []string `json:"agents,omitempty"`
	Units      int      `json:"units"`
	StartedAt  int64    `json:"started_at"`
	FinishedAt int64    `json:"finished_at"`
}

// Repository 抽象执行历史的持久化接口。
type Repository interface {
	Save(ctx context.Context, record Record) error
	ListLatest(ctx context.Context, limit int) ([]Record, error)
	Close() error
}

// Config 描述如何创建 Repository。
type Config struct {
	Driver          string
	DSN             string
	Path            string
	Capacity        int
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// Open 根据驱动名称创建 Repository；driver 为 none 时返回 nil。
func Open(ctx context.Context, cfg Config) (Repository, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "none":
		return nil, nil
	case "", "memory":
		return NewMemoryRepository(cfg.Capacity), nil
	case "file":
		return NewFileRepository(cfg.Path, cfg.Capacity)
	case "mysql":
		return NewSQLRepository(ctx, DialectMySQL, cfg)
	case "sqlite":
		return NewSQLRepository(ctx, DialectSQLite, cfg)
	default:
		return nil, fmt.Errorf("暂不支持的历史存储驱动: %s", cfg.Driver)
	}
}
