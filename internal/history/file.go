package history

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// FileRepository 以 JSON Lines 追加写的方式保存执行记录，并在内存中保留最近的若干条。
type FileRepository struct {
	mu       sync.RWMutex
	dataFile string
	capacity int
	records  []Record
}

// NewFileRepository 创建文件仓库，启动时从已有文件恢复。
func NewFileRepository(path string, capacity int) (*FileRepository, error) {
	if path == "" {
		path = filepath.Join(".", "history.log")
	}
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("创建数据目录失败: %w", err)
	}
	repo := &FileRepository{dataFile: path, capacity: capacity}
	if err := repo.loadFromDisk(); err != nil {
		return nil, err
	}
	return repo, nil
}

// Save 以追加写的方式记录执行结果。
func (f *FileRepository) Save(_ context.Context, record Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	file, err := os.OpenFile(f.dataFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("打开历史日志失败: %w", err)
	}
	defer file.Close()

	encoded, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("序列化历史记录失败: %w", err)
	}
	if _, err := file.Write(append(encoded, '\n')); err != nil {
		return fmt.Errorf("写入历史日志失败: %w", err)
	}

	f.records = prepend(f.records, cloneRecord(record), f.capacity)
	return nil
}

// ListLatest 返回最近的执行记录，按时间倒序排列。
func (f *FileRepository) ListLatest(_ context.Context, limit int) ([]Record, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return latest(f.records, limit), nil
}

// Close 对文件仓库无需操作，每次写入都会关闭文件。
func (f *FileRepository) Close() error { return nil }

func (f *FileRepository) loadFromDisk() error {
	file, err := os.OpenFile(f.dataFile, os.O_RDONLY|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("读取历史日志失败: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	var restored []Record
	for scanner.Scan() {
		var record Record
		if err := json.Unmarshal(scanner.Bytes(), &record); err != nil {
			continue
		}
		restored = prepend(restored, record, f.capacity)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("解析历史日志失败: %w", err)
	}
	f.records = restored
	return nil
}
