package task

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"Crew-Relay/internal/crew"
	xerrors "Crew-Relay/internal/errors"
	"Crew-Relay/internal/history"
	"Crew-Relay/internal/llm"
	"Crew-Relay/internal/llm/provider"
	"Crew-Relay/internal/logrelay"
	"Crew-Relay/internal/observability/alerting"
	"Crew-Relay/pkg/logger"
)

// ClientResolver 在每次执行时解析 LLM 客户端，配置错误会体现为任务失败。
type ClientResolver interface {
	Resolve(ctx context.Context) (llm.Client, provider.Info, error)
}

// MetricsRecorder 接收任务生命周期指标。
type MetricsRecorder interface {
	TaskSubmitted(mode string)
	TaskStarted()
	TaskFinished(status, mode string, duration time.Duration)
}

// Executor 负责一次 crew 执行的完整生命周期：领取、挂载日志、构建、执行、落盘。
type Executor struct {
	store    Store
	relay    *logrelay.Relay
	resolver ClientResolver
	builder  *crew.Builder
	engine   crew.Engine
	history  history.Repository
	alerter  alerting.Dispatcher
	metrics  MetricsRecorder
	logger   *slog.Logger
	now      func() time.Time
}

// ExecutorOption 定义可选配置。
type ExecutorOption func(*Executor)

// WithHistory 配置执行历史仓库。
func WithHistory(repo history.Repository) ExecutorOption {
	return func(e *Executor) { e.history = repo }
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) ExecutorOption {
	return func(e *Executor) { e.alerter = dispatcher }
}

// WithMetrics 配置指标记录器。
func WithMetrics(m MetricsRecorder) ExecutorOption {
	return func(e *Executor) { e.metrics = m }
}

// WithBuilder 覆盖默认的 crew 构建器。
func WithBuilder(b *crew.Builder) ExecutorOption {
	return func(e *Executor) {
		if b != nil {
			e.builder = b
		}
	}
}

// WithExecutorLogger 指定日志输出。
func WithExecutorLogger(l *slog.Logger) ExecutorOption {
	return func(e *Executor) {
		if l != nil {
			e.logger = l
		}
	}
}

// NewExecutor 构造 Executor。
func NewExecutor(store Store, relay *logrelay.Relay, resolver ClientResolver, engine crew.Engine, opts ...ExecutorOption) *Executor {
	e := &Executor{
		store:    store,
		relay:    relay,
		resolver: resolver,
		engine:   engine,
		builder:  crew.NewBuilder(),
		now:      time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	if e.logger == nil {
		e.logger = logger.Named("executor")
	}
	return e
}

// runInfo 汇总一次执行中用于归档的信息。
type runInfo struct {
	provider provider.Info
	agents   []string
	units    int
}

// Execute 执行指定任务并返回终态记录。任务执行中的任何错误都会落为 failed 记录，
// 只有注册表自身的错误（不存在、已领取、已结束）才会作为 error 返回。
func (e *Executor) Execute(ctx context.Context, id string) (*Task, error) {
	if e.store == nil || e.engine == nil || e.resolver == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "执行器未初始化")
	}
	ctx = logger.WithTaskID(ctx, id)

	claimed, err := e.store.Claim(ctx, id)
	if err != nil {
		return nil, err
	}
	if e.relay != nil {
		detach := e.relay.Attach(id)
		defer detach()
	}
	if e.metrics != nil {
		e.metrics.TaskStarted()
	}

	started := e.now()
	e.logger.DebugContext(ctx, "开始执行 crew 任务", slog.String("objective", claimed.Objective), slog.String("mode", string(claimed.Mode)))

	output, info, runErr := e.run(ctx, claimed)

	var final *Task
	if runErr != nil {
		code := xerrors.CodeOf(runErr)
		if code == xerrors.CodeUnknown {
			code = CodeTaskProcessing
		}
		e.logger.ErrorContext(ctx, "crew 任务执行失败", slog.String("code", string(code)), slog.Any("error", runErr))
		final, err = e.store.Fail(ctx, id, code, xerrors.Describe(runErr))
	} else {
		final, err = e.store.Complete(ctx, id, output)
	}
	if err != nil {
		e.logger.ErrorContext(ctx, "回写任务终态失败", slog.Any("error", err))
		return nil, err
	}

	duration := e.now().Sub(started)
	e.archive(ctx, final, info)
	if e.metrics != nil {
		e.metrics.TaskFinished(string(final.Status), string(final.Mode), duration)
	}
	if runErr != nil {
		e.emitAlert(ctx, final, runErr)
	}

	logger.Audit().InfoContext(ctx, "任务执行结束",
		slog.String("task_id", id),
		slog.String("status", string(final.Status)),
		slog.String("error_code", final.ErrorCode),
		slog.Duration("duration", duration),
	)
	e.logger.InfoContext(ctx, "crew 任务结束", slog.String("status", string(final.Status)))
	return final, nil
}

func (e *Executor) run(ctx context.Context, t *Task) (string, runInfo, error) {
	var info runInfo
	if t.Request == nil {
		return "", info, xerrors.New(CodeTaskProcessing, "task request is missing")
	}

	client, providerInfo, err := e.resolver.Resolve(ctx)
	info.provider = providerInfo
	if err != nil {
		return "", info, err
	}

	c, err := e.builder.Build(ctx, *t.Request, client)
	if err != nil {
		return "", info, err
	}
	info.agents = c.Roles()
	info.units = len(c.Units)

	e.logger.DebugContext(ctx, "crew 构建完成",
		slog.Int("agents", len(info.agents)),
		slog.Int("units", info.units),
		slog.String("provider", providerInfo.Provider),
	)

	out, err := e.engine.Kickoff(ctx, c)
	if err != nil {
		if _, ok := xerrors.From(err); !ok {
			err = xerrors.Wrap(crew.CodeKickoffFailed, err, "crew kickoff failed")
		}
		return "", info, err
	}
	return out.String(), info, nil
}

func (e *Executor) archive(ctx context.Context, t *Task, info runInfo) {
	if e.history == nil {
		return
	}
	record := history.Record{
		TaskID:     t.ID,
		Objective:  t.Objective,
		Status:     string(t.Status),
		ErrorCode:  t.ErrorCode,
		Mode:       string(t.Mode),
		Provider:   info.provider.Provider,
		Model:      info.provider.Model,
		Agents:     info.agents,
		Units:      info.units,
		StartedAt:  t.StartedAt,
		FinishedAt: t.FinishedAt,
	}
	if t.Result != nil {
		record.Result = *t.Result
	}
	if err := e.history.Save(context.WithoutCancel(ctx), record); err != nil {
		e.logger.WarnContext(ctx, "保存执行历史失败", slog.Any("error", err))
	}
}

func (e *Executor) emitAlert(ctx context.Context, t *Task, cause error) {
	if e.alerter == nil || !xerrors.ShouldAlert(cause) {
		return
	}
	code := xerrors.CodeOf(cause)
	event := alerting.Event{
		Code:       code,
		Message:    xerrors.Describe(cause),
		Severity:   xerrors.SeverityOf(cause),
		TaskID:     t.ID,
		Objective:  t.Objective,
		Stage:      "execute",
		Metadata:   alertMetadata(t, cause),
		OccurredAt: e.now(),
	}
	if err := e.alerter.Notify(context.WithoutCancel(ctx), event); err != nil {
		e.logger.ErrorContext(ctx, "告警通知失败", slog.Any("error", err))
	}
}

func alertMetadata(t *Task, cause error) map[string]string {
	md := xerrors.MetadataOf(cause)
	if md == nil {
		md = make(map[string]string, 2)
	}
	md["mode"] = string(t.Mode)
	md["retryable"] = strconv.FormatBool(xerrors.RetryableOf(cause))
	return md
}
