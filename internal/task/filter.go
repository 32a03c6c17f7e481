package task

import (
	"cmp"
	"slices"
	"strings"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
)

// Filter 描述列表与统计查询的筛选条件。零值表示不过滤、按更新时间倒序返回前 20 条。
type Filter struct {
	Statuses []Status
	Modes    []Mode
	// Query 对 objective 与 result 做大小写不敏感的子串匹配。
	Query     string
	Limit     int
	Offset    int
	Ascending bool
}

// normalized 返回去重、裁剪后的副本。
func (f Filter) normalized() Filter {
	f.Limit = min(max(f.Limit, 0), maxListLimit)
	if f.Limit == 0 {
		f.Limit = defaultListLimit
	}
	f.Offset = max(f.Offset, 0)
	f.Statuses = compactValid(f.Statuses, IsValidStatus)
	f.Modes = compactValid(f.Modes, func(m Mode) bool { return m == ModeSync || m == ModeAsync })
	f.Query = strings.ToLower(strings.TrimSpace(f.Query))
	return f
}

func compactValid[T comparable](in []T, valid func(T) bool) []T {
	var out []T
	for _, v := range in {
		if valid(v) && !slices.Contains(out, v) {
			out = append(out, v)
		}
	}
	return out
}

// Match 判断任务是否满足条件，f 需已经 normalized。
func (f Filter) Match(t *Task) bool {
	if len(f.Statuses) > 0 && !slices.Contains(f.Statuses, t.Status) {
		return false
	}
	if len(f.Modes) > 0 && !slices.Contains(f.Modes, t.Mode) {
		return false
	}
	if f.Query == "" {
		return true
	}
	if strings.Contains(strings.ToLower(t.Objective), f.Query) {
		return true
	}
	return t.Result != nil && strings.Contains(strings.ToLower(*t.Result), f.Query)
}

// sortAndPage 按更新时间排序后截取分页窗口。同一时刻更新的任务按创建时间、ID 排序。
func (f Filter) sortAndPage(tasks []*Task) []*Task {
	slices.SortFunc(tasks, func(a, b *Task) int {
		c := cmp.Or(
			cmp.Compare(b.UpdatedAt, a.UpdatedAt),
			cmp.Compare(b.CreatedAt, a.CreatedAt),
		)
		if f.Ascending {
			c = -c
		}
		return cmp.Or(c, strings.Compare(a.ID, b.ID))
	})
	if f.Offset >= len(tasks) {
		return []*Task{}
	}
	tasks = tasks[f.Offset:]
	return tasks[:min(len(tasks), f.Limit)]
}

// TaskStats 聚合了任务状态的统计信息。
type TaskStats struct {
	Total           int   `json:"total"`
	Processing      int   `json:"processing"`
	Completed       int   `json:"completed"`
	Failed          int   `json:"failed"`
	OldestUpdatedAt int64 `json:"oldest_updated_at,omitempty"`
	NewestUpdatedAt int64 `json:"newest_updated_at,omitempty"`
}

func (s *TaskStats) add(t *Task) {
	s.Total++
	switch t.Status {
	case StatusProcessing:
		s.Processing++
	case StatusCompleted:
		s.Completed++
	case StatusFailed:
		s.Failed++
	}
	s.NewestUpdatedAt = max(s.NewestUpdatedAt, t.UpdatedAt)
	if s.OldestUpdatedAt == 0 || t.UpdatedAt < s.OldestUpdatedAt {
		s.OldestUpdatedAt = t.UpdatedAt
	}
}
