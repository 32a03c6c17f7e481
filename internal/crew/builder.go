package crew

import (
	"context"
	"log/slog"
	"strconv"
	"strings"

	xerrors "Crew-Relay/internal/errors"
	"Crew-Relay/internal/llm"
	"Crew-Relay/pkg/logger"
)

var defaultAgents = []AgentDefinition{
	{
		Role:      "Researcher",
		Goal:      "Find and analyze relevant information",
		Backstory: "Expert at gathering and analyzing information",
	},
	{
		Role:      "Writer",
		Goal:      "Create clear and concise content",
		Backstory: "Expert at creating engaging content",
	},
}

// Builder 把请求中的声明式定义转换为可执行的 Crew。
type Builder struct {
	temperature float64
	logger      *slog.Logger
}

// BuilderOption 自定义 Builder。
type BuilderOption func(*Builder)

// WithTemperature 设置 agent 调用大模型时使用的温度。
func WithTemperature(t float64) BuilderOption {
	return func(b *Builder) {
		if t > 0 {
			b.temperature = t
		}
	}
}

// WithBuilderLogger 替换默认日志器。
func WithBuilderLogger(l *slog.Logger) BuilderOption {
	return func(b *Builder) {
		if l != nil {
			b.logger = l
		}
	}
}

// NewBuilder 创建 Builder。
func NewBuilder(opts ...BuilderOption) *Builder {
	b := &Builder{temperature: llm.DefaultTemperature}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	if b.logger == nil {
		b.logger = logger.Named("crew")
	}
	return b
}

// Build 根据请求构造 Crew。单个 agent 或任务定义的错误只会被记录并跳过，
// 没有任何可用单元时返回 CREW_NO_AGENTS。
func (b *Builder) Build(ctx context.Context, req Request, client llm.Client) (*Crew, error) {
	c := &Crew{
		Objective:     req.Objective,
		Context:       req.Context,
		MaxIterations: req.Iterations(),
		Temperature:   b.temperature,
	}
	if c.MaxIterations < 1 {
		c.MaxIterations = DefaultMaxIterations
	}

	if len(req.Tasks) == 0 {
		b.logger.DebugContext(ctx, "未提供任务定义，使用默认 agent 与任务")
		b.buildDefaults(ctx, c, client)
	} else {
		b.logger.DebugContext(ctx, "使用请求中的任务定义", "count", len(req.Tasks))
		b.buildFromDefinitions(ctx, c, req, client)
	}

	if len(c.Agents) == 0 || len(c.Units) == 0 {
		b.logger.ErrorContext(ctx, "没有任何 agent 初始化成功")
		return nil, xerrors.New(CodeNoAgents, "")
	}
	b.logger.DebugContext(ctx, "Crew 初始化完成", "agents", strings.Join(c.Roles(), ","), "tasks", len(c.Units))
	return c, nil
}

func (b *Builder) buildDefaults(ctx context.Context, c *Crew, client llm.Client) {
	for _, def := range defaultAgents {
		agent, err := newAgent(def, client)
		if err != nil {
			b.logger.ErrorContext(ctx, "默认 agent 初始化失败", "role", def.Role, "error", err)
			return
		}
		c.Agents = append(c.Agents, agent)
	}
	c.Units = []*Unit{
		{
			ID:             "1",
			Description:    "Research: " + c.Objective,
			ExpectedOutput: DefaultExpectedOutput,
			Agent:          c.Agents[0],
			AgentRole:      c.Agents[0].Role,
		},
		{
			ID:             "2",
			Description:    "Write content about: " + c.Objective,
			ExpectedOutput: DefaultExpectedOutput,
			Agent:          c.Agents[1],
			AgentRole:      c.Agents[1].Role,
		},
	}
}

func (b *Builder) buildFromDefinitions(ctx context.Context, c *Crew, req Request, client llm.Client) {
	byRole := make(map[string]*Agent)
	vars := map[string]string{
		"objective": req.Objective,
		"context":   req.Context,
	}

	for idx, def := range req.Tasks {
		var assigned []*Agent
		for _, agentDef := range def.Agents {
			if existing, ok := byRole[strings.TrimSpace(agentDef.Role)]; ok {
				assigned = append(assigned, existing)
				continue
			}
			agent, err := newAgent(agentDef, client)
			if err != nil {
				b.logger.ErrorContext(ctx, "agent 定义无效，已跳过", "role", agentDef.Role, "error", err)
				continue
			}
			byRole[agent.Role] = agent
			c.Agents = append(c.Agents, agent)
			assigned = append(assigned, agent)
			b.logger.DebugContext(ctx, "创建 agent", "role", agent.Role)
		}

		if len(assigned) == 0 {
			b.logger.WarnContext(ctx, "任务没有可用的 agent，已跳过", "description", def.Description)
			continue
		}

		description, err := unitDescription(def.Description, vars)
		if err != nil {
			b.logger.ErrorContext(ctx, "任务描述无效，已跳过", "description", def.Description, "error", err)
			continue
		}

		id := strconv.Itoa(idx + 1)
		if def.ID != nil {
			id = strconv.Itoa(*def.ID)
		}
		expected := strings.TrimSpace(def.ExpectedOutput)
		if expected == "" {
			expected = DefaultExpectedOutput
		}
		c.Units = append(c.Units, &Unit{
			ID:             id,
			Description:    description,
			ExpectedOutput: expected,
			AsyncExecution: def.AsyncExecution,
			Agent:          assigned[0],
			AgentRole:      assigned[0].Role,
		})
		b.logger.DebugContext(ctx, "创建任务单元", "task", id, "agent", assigned[0].Role)
	}
}

// unitDescription 校验并展开任务描述，空描述与无效模板都返回 CREW_INVALID_TASK。
func unitDescription(raw string, vars map[string]string) (string, error) {
	if strings.TrimSpace(raw) == "" {
		return "", xerrors.New(CodeInvalidTask, "task description must not be empty")
	}
	description, err := formatDescription(raw, vars)
	if err != nil {
		return "", xerrors.Wrap(CodeInvalidTask, err, "")
	}
	return description, nil
}

func newAgent(def AgentDefinition, client llm.Client) (*Agent, error) {
	role := strings.TrimSpace(def.Role)
	if role == "" {
		return nil, xerrors.New(CodeInvalidAgent, "agent role must not be empty")
	}
	if strings.TrimSpace(def.Goal) == "" {
		return nil, xerrors.New(CodeInvalidAgent, "agent goal must not be empty",
			xerrors.WithMetadata("role", role))
	}
	if client == nil {
		return nil, xerrors.New(CodeInvalidAgent, "agent requires an LLM client",
			xerrors.WithMetadata("role", role))
	}
	return &Agent{
		Role:            role,
		Goal:            strings.TrimSpace(def.Goal),
		Backstory:       strings.TrimSpace(def.Backstory),
		Instruction:     strings.TrimSpace(def.Instruction),
		AllowDelegation: def.AllowDelegation,
		LLM:             client,
	}, nil
}
