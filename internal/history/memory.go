package history

import (
	"context"
	"sync"
)

const defaultCapacity = 512

// MemoryRepository 在内存中保留最近的执行记录。
type MemoryRepository struct {
	mu       sync.RWMutex
	capacity int
	records  []Record
}

// NewMemoryRepository 创建内存仓库，capacity 为保留的最大条数。
func NewMemoryRepository(capacity int) *MemoryRepository {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &MemoryRepository{capacity: capacity}
}

// Save 记录一次执行，最新的记录排在最前。
func (m *MemoryRepository) Save(_ context.Context, record Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = prepend(m.records, cloneRecord(record), m.capacity)
	return nil
}

// ListLatest 返回最近的执行记录，按时间倒序排列。
func (m *MemoryRepository) ListLatest(_ context.Context, limit int) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return latest(m.records, limit), nil
}

// Close 对内存仓库无需操作。
func (m *MemoryRepository) Close() error { return nil }

func prepend(records []Record, record Record, capacity int) []Record {
	records = append([]Record{record}, records...)
	if len(records) > capacity {
		records = records[:capacity]
	}
	return records
}

func latest(records []Record, limit int) []Record {
	if limit <= 0 || limit > len(records) {
		limit = len(records)
	}
	results := make([]Record, limit)
	for i := 0; i < limit; i++ {
		results[i] = cloneRecord(records[i])
	}
	return results
}

func cloneRecord(r Record) Record {
	r.Agents = append([]string(nil), r.Agents...)
	return r
}
