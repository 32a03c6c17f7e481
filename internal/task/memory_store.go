package task

import (
	"cmp"
	"context"
	"sort"
	"sync"
	"time"

	xerrors "Crew-Relay/internal/errors"
)

// MemoryStore 是进程内的任务注册表，进程重启后数据不保留。
type MemoryStore struct {
	mu    sync.RWMutex
	tasks map[string]*Task
	now   func() time.Time
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tasks: make(map[string]*Task), now: time.Now}
}

// Create 登记新任务。无论传入什么状态，记录都以 processing、无结果开始。
func (m *MemoryStore) Create(_ context.Context, task *Task) error {
	if task == nil || task.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "任务 ID 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[task.ID]; ok {
		return ErrTaskConflict
	}
	now := m.now().UnixMilli()
	record := cloneTask(task)
	record.CreatedAt = cmp.Or(record.CreatedAt, now)
	record.UpdatedAt = now
	record.Status = StatusProcessing
	record.Result = nil
	m.tasks[task.ID] = record
	return nil
}

// Get 返回任务副本。
func (m *MemoryStore) Get(_ context.Context, id string) (*Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if task, ok := m.tasks[id]; ok {
		return cloneTask(task), nil
	}
	return nil, ErrTaskNotFound
}

// Claim 记录任务开始执行的时间，同一任务只能被领取一次。
func (m *MemoryStore) Claim(_ context.Context, id string) (*Task, error) {
	return m.update(id, func(t *Task, now int64) error {
		if t.StartedAt != 0 {
			return ErrTaskConflict
		}
		t.StartedAt = now
		return nil
	})
}

// Complete 写入成功结果。
func (m *MemoryStore) Complete(_ context.Context, id string, result string) (*Task, error) {
	return m.update(id, finalize(StatusCompleted, "", result))
}

// Fail 写入失败描述与错误码。
func (m *MemoryStore) Fail(_ context.Context, id string, code xerrors.Code, errText string) (*Task, error) {
	return m.update(id, finalize(StatusFailed, code, errText))
}

func finalize(status Status, code xerrors.Code, result string) func(*Task, int64) error {
	return func(t *Task, now int64) error {
		t.Status = status
		t.Result = &result
		t.ErrorCode = string(code)
		t.FinishedAt = now
		// 终态记录不再需要原始请求。
		t.Request = nil
		return nil
	}
}

// update 在写锁内修改非终态任务。终态任务一律返回 ErrTaskFinalized。
func (m *MemoryStore) update(id string, mutate func(t *Task, now int64) error) (*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	if task.Status.Terminal() {
		return cloneTask(task), ErrTaskFinalized
	}
	now := m.now().UnixMilli()
	if err := mutate(task, now); err != nil {
		return cloneTask(task), err
	}
	task.UpdatedAt = now
	return cloneTask(task), nil
}

// List 返回符合条件的任务副本。
func (m *MemoryStore) List(_ context.Context, filter Filter) ([]*Task, error) {
	filter = filter.normalized()
	m.mu.RLock()
	matched := make([]*Task, 0, len(m.tasks))
	for _, task := range m.tasks {
		if filter.Match(task) {
			matched = append(matched, cloneTask(task))
		}
	}
	m.mu.RUnlock()
	return filter.sortAndPage(matched), nil
}

// Stats 统计符合条件的任务，忽略分页参数。
func (m *MemoryStore) Stats(_ context.Context, filter Filter) (TaskStats, error) {
	filter = filter.normalized()
	m.mu.RLock()
	defer m.mu.RUnlock()
	var stats TaskStats
	for _, task := range m.tasks {
		if filter.Match(task) {
			stats.add(task)
		}
	}
	return stats, nil
}

// Evict 删除在 before 之前结束的终态任务。
func (m *MemoryStore) Evict(_ context.Context, before time.Time) ([]string, error) {
	cutoff := before.UnixMilli()
	m.mu.Lock()
	defer m.mu.Unlock()
	var evicted []string
	for id, task := range m.tasks {
		if task.Status.Terminal() && task.FinishedAt < cutoff {
			delete(m.tasks, id)
			evicted = append(evicted, id)
		}
	}
	sort.Strings(evicted)
	return evicted, nil
}

// Close 对内存存储无需操作。
func (m *MemoryStore) Close() error {
	return nil
}
