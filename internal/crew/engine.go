package crew

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	xerrors "Crew-Relay/internal/errors"
	"Crew-Relay/internal/llm"
	"Crew-Relay/pkg/logger"
)

// Engine 负责执行一个完整的 Crew，调用方只关心最终文本结果。
type Engine interface {
	Kickoff(ctx context.Context, c *Crew) (*Output, error)
}

// EngineFunc 允许直接使用函数实现 Engine。
type EngineFunc func(ctx context.Context, c *Crew) (*Output, error)

// Kickoff 实现 Engine 接口。
func (f EngineFunc) Kickoff(ctx context.Context, c *Crew) (*Output, error) {
	return f(ctx, c)
}

// SequentialEngine 按顺序执行任务单元，连续的异步单元并发执行。
type SequentialEngine struct {
	logger     *slog.Logger
	retryDelay time.Duration
}

// EngineOption 自定义 SequentialEngine。
type EngineOption func(*SequentialEngine)

// WithEngineLogger 替换默认日志器。
func WithEngineLogger(l *slog.Logger) EngineOption {
	return func(e *SequentialEngine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithRetryDelay 设置单元重试之间的等待时间。
func WithRetryDelay(d time.Duration) EngineOption {
	return func(e *SequentialEngine) {
		if d >= 0 {
			e.retryDelay = d
		}
	}
}

// NewSequentialEngine 创建内置编排引擎。
func NewSequentialEngine(opts ...EngineOption) *SequentialEngine {
	e := &SequentialEngine{retryDelay: 500 * time.Millisecond}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	if e.logger == nil {
		e.logger = logger.Named("engine")
	}
	return e
}

// Kickoff 实现 Engine 接口。
func (e *SequentialEngine) Kickoff(ctx context.Context, c *Crew) (*Output, error) {
	if c == nil || len(c.Units) == 0 {
		return nil, xerrors.New(CodeNoAgents, "")
	}
	e.logger.InfoContext(ctx, "Crew 开始执行", "objective", c.Objective, "tasks", len(c.Units))

	var outputs []UnitOutput
	for i := 0; i < len(c.Units); {
		j := i + 1
		if c.Units[i].AsyncExecution {
			for j < len(c.Units) && c.Units[j].AsyncExecution {
				j++
			}
		}
		group := c.Units[i:j]
		results, err := e.runGroup(ctx, c, group, outputs)
		if err != nil {
			e.logger.ErrorContext(ctx, "Crew 执行失败", "error", err)
			return nil, err
		}
		outputs = append(outputs, results...)
		i = j
	}

	final := outputs[len(outputs)-1].Text
	e.logger.InfoContext(ctx, "Crew 执行完成", "tasks", len(outputs))
	return &Output{Raw: final, Units: outputs}, nil
}

func (e *SequentialEngine) runGroup(ctx context.Context, c *Crew, group []*Unit, prior []UnitOutput) ([]UnitOutput, error) {
	if len(group) == 1 {
		out, err := e.runUnit(ctx, c, group[0], prior)
		if err != nil {
			return nil, err
		}
		return []UnitOutput{out}, nil
	}

	results := make([]UnitOutput, len(group))
	g, gctx := errgroup.WithContext(ctx)
	for idx, unit := range group {
		g.Go(func() error {
			out, err := e.runUnit(gctx, c, unit, prior)
			if err != nil {
				return err
			}
			results[idx] = out
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func (e *SequentialEngine) runUnit(ctx context.Context, c *Crew, u *Unit, prior []UnitOutput) (UnitOutput, error) {
	if u.Agent == nil || u.Agent.LLM == nil {
		return UnitOutput{}, xerrors.New(CodeKickoffFailed, fmt.Sprintf("task %s has no agent", u.ID))
	}
	log := e.logger.With(slog.String("agent", u.Agent.Role), slog.String("unit", u.ID))
	log.InfoContext(ctx, "Agent 开始执行任务", "description", u.Description)

	req := llm.Request{
		System:      systemPrompt(u.Agent),
		Prompt:      unitPrompt(c, u, prior),
		Temperature: c.Temperature,
	}

	attempts := c.MaxIterations
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return UnitOutput{}, xerrors.Wrap(CodeKickoffFailed, err, "crew execution cancelled")
		}
		resp, err := u.Agent.LLM.Generate(ctx, req)
		switch {
		case err != nil:
			lastErr = err
		case resp == nil || strings.TrimSpace(resp.Text) == "":
			lastErr = fmt.Errorf("agent %s returned an empty answer", u.Agent.Role)
		default:
			text := strings.TrimSpace(resp.Text)
			log.InfoContext(ctx, "Agent 完成任务", "attempt", attempt, "output", preview(text))
			return UnitOutput{UnitID: u.ID, Role: u.Agent.Role, Text: text}, nil
		}
		log.WarnContext(ctx, "Agent 执行失败", "attempt", attempt, "max_iterations", attempts, "error", lastErr)
		if attempt < attempts && e.retryDelay > 0 {
			select {
			case <-ctx.Done():
			case <-time.After(e.retryDelay):
			}
		}
	}
	return UnitOutput{}, xerrors.Wrap(CodeKickoffFailed, lastErr,
		fmt.Sprintf("agent %s failed task %s after %d attempts", u.Agent.Role, u.ID, attempts))
}

func preview(text string) string {
	runes := []rune(text)
	if len(runes) > 80 {
		return string(runes[:80]) + "..."
	}
	return text
}
