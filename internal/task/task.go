package task

import (
	stdErrors "errors"
	"net/http"

	"Crew-Relay/internal/crew"
	xerrors "Crew-Relay/internal/errors"
)

// Status 表示任务在生命周期中的状态。
type Status string

const (
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal 判断状态是否为终态。
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Mode 表示任务的执行方式。
type Mode string

const (
	ModeSync  Mode = "sync"
	ModeAsync Mode = "async"
)

// Task 描述一次 crew 执行的生命周期记录。时间字段均为毫秒时间戳。
type Task struct {
	ID         string  `json:"task_id"`
	Status     Status  `json:"status"`
	Result     *string `json:"result"`
	ErrorCode  string  `json:"error_code,omitempty"`
	Mode       Mode    `json:"mode"`
	Objective  string  `json:"objective"`
	CreatedAt  int64   `json:"created_at"`
	UpdatedAt  int64   `json:"updated_at"`
	StartedAt  int64   `json:"started_at,omitempty"`
	FinishedAt int64   `json:"finished_at,omitempty"`

	// Request 是提交时的请求体，供后台 worker 执行，不对外输出。
	Request *crew.Request `json:"-"`
}

var (
	// ErrTaskNotFound 表示指定的任务不存在。
	ErrTaskNotFound = xerrors.New(CodeTaskNotFound, "Task not found")
	// ErrTaskConflict 表示任务在当前状态下无法进行所请求的操作。
	ErrTaskConflict = xerrors.New(CodeTaskConflict, "task conflict", xerrors.WithSeverity(xerrors.SeverityWarning))
	// ErrTaskFinalized 表示任务已经处于终态，不能再次修改。
	ErrTaskFinalized = xerrors.New(CodeTaskFinalized, "task already finalized", xerrors.WithSeverity(xerrors.SeverityInfo))
)

const (
	CodeTaskNotFound   xerrors.Code = "TASK_NOT_FOUND"
	CodeTaskConflict   xerrors.Code = "TASK_CONFLICT"
	CodeTaskFinalized  xerrors.Code = "TASK_FINALIZED"
	CodeTaskValidation xerrors.Code = "TASK_VALIDATION_FAILED"
	CodeTaskPublish    xerrors.Code = "TASK_PUBLISH_FAILED"
	CodeTaskProcessing xerrors.Code = "TASK_PROCESSING_FAILED"
)

func init() {
	xerrors.Register(CodeTaskNotFound, xerrors.Attributes{
		Message:    "Task not found",
		Severity:   xerrors.SeverityInfo,
		Retryable:  false,
		Alert:      false,
		HTTPStatus: http.StatusNotFound,
	})
	xerrors.Register(CodeTaskConflict, xerrors.Attributes{
		Message:    "task conflict",
		Severity:   xerrors.SeverityWarning,
		Retryable:  false,
		Alert:      false,
		HTTPStatus: http.StatusConflict,
	})
	xerrors.Register(CodeTaskFinalized, xerrors.Attributes{
		Message:    "task already finalized",
		Severity:   xerrors.SeverityInfo,
		Retryable:  false,
		Alert:      false,
		HTTPStatus: http.StatusConflict,
	})
	xerrors.Register(CodeTaskValidation, xerrors.Attributes{
		Message:    "task validation failed",
		Severity:   xerrors.SeverityInfo,
		Retryable:  false,
		Alert:      false,
		HTTPStatus: http.StatusBadRequest,
	})
	xerrors.Register(CodeTaskPublish, xerrors.Attributes{
		Message:    "failed to publish task",
		Severity:   xerrors.SeverityCritical,
		Retryable:  true,
		Alert:      true,
		HTTPStatus: http.StatusServiceUnavailable,
	})
	xerrors.Register(CodeTaskProcessing, xerrors.Attributes{
		Message:   "task execution failed",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     true,
	})
}

// IsTaskError 判断错误是否为指定的任务错误。
func IsTaskError(err error, target xerrors.Code) bool {
	if err == nil {
		return false
	}
	switch {
	case stdErrors.Is(err, ErrTaskNotFound):
		return target == CodeTaskNotFound
	case stdErrors.Is(err, ErrTaskConflict):
		return target == CodeTaskConflict
	case stdErrors.Is(err, ErrTaskFinalized):
		return target == CodeTaskFinalized
	}
	return false
}

// IsValidStatus 检查给定的任务状态是否为支持的枚举值。
func IsValidStatus(status Status) bool {
	switch status {
	case StatusProcessing, StatusCompleted, StatusFailed:
		return true
	default:
		return false
	}
}

func cloneTask(task *Task) *Task {
	clone := *task
	if task.Result != nil {
		result := *task.Result
		clone.Result = &result
	}
	if task.Request != nil {
		req := cloneRequest(*task.Request)
		clone.Request = &req
	}
	return &clone
}

func cloneRequest(req crew.Request) crew.Request {
	if req.MaxIterations != nil {
		v := *req.MaxIterations
		req.MaxIterations = &v
	}
	if req.AsyncExecution != nil {
		v := *req.AsyncExecution
		req.AsyncExecution = &v
	}
	if req.Tasks != nil {
		tasks := make([]crew.TaskDefinition, len(req.Tasks))
		for i, def := range req.Tasks {
			if def.ID != nil {
				id := *def.ID
				def.ID = &id
			}
			def.Agents = append([]crew.AgentDefinition(nil), def.Agents...)
			tasks[i] = def
		}
		req.Tasks = tasks
	}
	return req
}
