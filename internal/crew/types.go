package crew

import (
	"strings"

	xerrors "Crew-Relay/internal/errors"
	"Crew-Relay/internal/llm"
)

const (
	// DefaultMaxIterations 是未指定 max_iterations 时每个任务单元的最大尝试次数。
	DefaultMaxIterations = 3
	// DefaultExpectedOutput 是默认任务单元的期望输出描述。
	DefaultExpectedOutput = "A final summary text of the analysis produced by the agents"
)

const (
	CodeNoAgents      xerrors.Code = "CREW_NO_AGENTS"
	CodeInvalidAgent  xerrors.Code = "CREW_INVALID_AGENT"
	CodeInvalidTask   xerrors.Code = "CREW_INVALID_TASK"
	CodeKickoffFailed xerrors.Code = "CREW_KICKOFF_FAILED"
)

func init() {
	xerrors.Register(CodeNoAgents, xerrors.Attributes{
		Message:  "no agents could be initialized for the tasks",
		Severity: xerrors.SeverityWarning,
	})
	xerrors.Register(CodeInvalidAgent, xerrors.Attributes{
		Message:  "invalid agent definition",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeInvalidTask, xerrors.Attributes{
		Message:  "invalid task definition",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeKickoffFailed, xerrors.Attributes{
		Message:   "crew kickoff failed",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     true,
	})
}

// AgentDefinition 是请求中携带的 agent 描述。
type AgentDefinition struct {
	Role            string `json:"role"`
	Goal            string `json:"goal"`
	Backstory       string `json:"backstory"`
	AllowDelegation bool   `json:"allow_delegation"`
	Instruction     string `json:"instruction,omitempty"`
}

// TaskDefinition 是请求中携带的任务描述，会被转换为一个任务单元。
type TaskDefinition struct {
	ID             *int              `json:"id,omitempty"`
	Description    string            `json:"description"`
	Agents         []AgentDefinition `json:"agents"`
	ExpectedOutput string            `json:"expected_output"`
	AsyncExecution bool              `json:"async_execution"`
}

// Request 是 POST /crew/tasks 的请求体。
type Request struct {
	Objective      string           `json:"objective"`
	Context        string           `json:"context,omitempty"`
	MaxIterations  *int             `json:"max_iterations,omitempty"`
	AsyncExecution *bool            `json:"async_execution,omitempty"`
	Tasks          []TaskDefinition `json:"tasks,omitempty"`
}

// Iterations 返回生效的最大尝试次数。
func (r Request) Iterations() int {
	if r.MaxIterations == nil {
		return DefaultMaxIterations
	}
	return *r.MaxIterations
}

// Async 判断请求是否以后台模式执行，默认为 true。
func (r Request) Async() bool {
	if r.AsyncExecution == nil {
		return true
	}
	return *r.AsyncExecution
}

// Validate 检查请求体中必须满足的约束。
func (r Request) Validate() error {
	if strings.TrimSpace(r.Objective) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "objective must not be empty")
	}
	if r.MaxIterations != nil && *r.MaxIterations < 1 {
		return xerrors.New(xerrors.CodeInvalidArgument, "max_iterations must be at least 1")
	}
	return nil
}

// Agent 是绑定了大模型客户端的可执行角色。
type Agent struct {
	Role            string     `json:"role"`
	Goal            string     `json:"goal"`
	Backstory       string     `json:"backstory"`
	Instruction     string     `json:"instruction,omitempty"`
	AllowDelegation bool       `json:"allow_delegation"`
	LLM             llm.Client `json:"-"`
}

// Unit 是交给编排引擎的最小执行单元。
type Unit struct {
	ID             string `json:"id"`
	Description    string `json:"description"`
	ExpectedOutput string `json:"expected_output"`
	AsyncExecution bool   `json:"async_execution"`
	Agent          *Agent `json:"-"`
	AgentRole      string `json:"agent"`
}

// Crew 是一次执行所需的全部 agent 与任务单元。
type Crew struct {
	Objective     string   `json:"objective"`
	Context       string   `json:"context,omitempty"`
	MaxIterations int      `json:"max_iterations"`
	Temperature   float64  `json:"temperature"`
	Agents        []*Agent `json:"agents"`
	Units         []*Unit  `json:"tasks"`
}

// Roles 返回 crew 中全部 agent 的角色名。
func (c *Crew) Roles() []string {
	roles := make([]string, 0, len(c.Agents))
	for _, a := range c.Agents {
		roles = append(roles, a.Role)
	}
	return roles
}

// UnitOutput 记录单个任务单元的输出。
type UnitOutput struct {
	UnitID string `json:"task_id"`
	Role   string `json:"agent"`
	Text   string `json:"output"`
}

// Output 是一次 kickoff 的最终结果。
type Output struct {
	Raw   string       `json:"raw"`
	Units []UnitOutput `json:"tasks_output,omitempty"`
}

// String 返回最终文本结果。
func (o *Output) String() string {
	if o == nil {
		return ""
	}
	return o.Raw
}
