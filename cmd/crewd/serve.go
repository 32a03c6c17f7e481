package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"Crew-Relay/internal/api"
	"Crew-Relay/internal/config"
	"Crew-Relay/internal/crew"
	"Crew-Relay/internal/crew/pythonbridge"
	"Crew-Relay/internal/dispatch"
	"Crew-Relay/internal/history"
	"Crew-Relay/internal/llm/provider"
	"Crew-Relay/internal/logrelay"
	"Crew-Relay/internal/observability/alerting"
	"Crew-Relay/internal/observability/metrics"
	"Crew-Relay/internal/task"
	"Crew-Relay/pkg/logger"
)

func newServeCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the crew task HTTP service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if configPath == "" {
				configPath = os.Getenv("CREWD_CONFIG")
			}
			cfg, err := config.Resolve(configPath)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to the YAML config file (default configs/crewd.yaml, env CREWD_CONFIG)")
	return cmd
}

func serve(ctx context.Context, cfg *config.Config) error {
	if err := logger.Init(logger.Config{
		Level:       cfg.Log.Level,
		Format:      cfg.Log.Format,
		OutputPaths: cfg.Log.Outputs,
		Audit: logger.AuditConfig{
			Enabled:    cfg.Log.Audit.Enabled,
			Path:       cfg.Log.Audit.Path,
			MaxSizeMB:  cfg.Log.Audit.MaxSizeMB,
			MaxBackups: cfg.Log.Audit.MaxBackups,
			MaxAgeDays: cfg.Log.Audit.MaxAgeDays,
		},
	}); err != nil {
		return fmt.Errorf("初始化日志失败: %w", err)
	}
	defer logger.Sync()
	log := logger.Named("crewd")

	if err := os.MkdirAll(cfg.Runtime.DataDir, 0o755); err != nil {
		return err
	}

	var recorder *metrics.Recorder
	if !cfg.Metrics.Disabled {
		recorder = metrics.New()
	}

	repo, err := history.Open(ctx, history.Config{
		Driver:          cfg.History.Driver,
		DSN:             cfg.History.DSN,
		Path:            cfg.History.Path,
		Capacity:        cfg.History.Capacity,
		MaxOpenConns:    cfg.History.MaxOpenConns,
		MaxIdleConns:    cfg.History.MaxIdleConns,
		ConnMaxLifetime: time.Duration(cfg.History.ConnMaxLifetimeSeconds) * time.Second,
	})
	if err != nil {
		return err
	}
	if repo != nil {
		defer repo.Close()
	}

	queue, err := dispatch.Open(ctx, dispatchConfig(cfg.TaskQueue))
	if err != nil {
		return err
	}

	engine, err := openEngine(cfg.Engine)
	if err != nil {
		return err
	}

	relay := logrelay.New(
		logrelay.WithMode(logrelay.Mode(cfg.LogRelay.Mode)),
		logrelay.WithLevel(parseRelayLevel(cfg.LogRelay.Level)),
	)

	notifiers := []alerting.Notifier{alerting.LogNotifier{}}
	for _, url := range cfg.Alerting.Webhooks {
		notifiers = append(notifiers, alerting.NewWebhookNotifier(url, time.Duration(cfg.Alerting.TimeoutSeconds)*time.Second))
	}

	store := task.NewMemoryStore()
	executor := task.NewExecutor(store, relay, provider.NewResolver(cfg.LLM), engine,
		task.WithBuilder(crew.NewBuilder(crew.WithTemperature(cfg.LLM.Temperature))),
		task.WithHistory(repo),
		task.WithAlertDispatcher(alerting.NewFanout(notifiers...)),
		task.WithMetrics(optionalMetrics(recorder)),
	)
	service := task.NewService(store, queue, executor, relay,
		task.WithServiceMetrics(optionalMetrics(recorder)),
		task.WithPublishTimeout(time.Duration(cfg.TaskQueue.PublishTimeoutMillis)*time.Millisecond),
	)
	defer func() {
		if err := service.Close(); err != nil {
			log.Warn("关闭任务服务失败", slog.Any("error", err))
		}
	}()

	workerCtx, cancelWorkers := context.WithCancel(ctx)
	defer cancelWorkers()

	processorOpts := []task.ProcessorOption{task.WithWorkerCount(cfg.TaskQueue.Worker)}
	if recorder != nil {
		processorOpts = append(processorOpts, task.WithQueueMetrics(recorder))
	}
	processor := task.NewProcessor(executor, queue, processorOpts...)
	go func() {
		if err := processor.Start(workerCtx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("任务处理器异常退出", slog.Any("error", err))
		}
	}()

	var evictions task.EvictionRecorder
	if recorder != nil {
		evictions = recorder
	}
	go task.NewJanitor(store, relay, cfg.Retention.TTL(), cfg.Retention.SweepInterval(), evictions).Run(workerCtx)

	serverOpts := []api.Option{
		api.WithHistory(repo),
		api.WithKeepalive(cfg.LogRelay.Keepalive()),
		api.WithMaxBodyBytes(cfg.Server.MaxBodyBytes),
		api.WithCORSOrigin(cfg.Server.CORSAllowOrigin),
		api.WithShutdownTimeout(cfg.Server.ShutdownTimeout()),
	}
	if recorder != nil {
		serverOpts = append(serverOpts, api.WithMetrics(recorder, cfg.Metrics.Path))
	}

	log.Info("crewd 启动",
		slog.String("address", cfg.Server.Address),
		slog.String("engine", cfg.Engine.Driver),
		slog.String("queue", cfg.TaskQueue.Driver),
		slog.String("history", cfg.History.Driver),
		slog.String("log_relay", string(relay.Mode())),
	)
	server := api.NewServer(cfg.Server.Address, service, relay, serverOpts...)
	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("crewd 已停止")
	return nil
}

// optionalMetrics 避免把 nil 指针包装成非 nil 接口。
func optionalMetrics(r *metrics.Recorder) task.MetricsRecorder {
	if r == nil {
		return nil
	}
	return r
}

func dispatchConfig(cfg config.TaskQueueConfig) dispatch.Config {
	return dispatch.Config{
		Driver:      cfg.Driver,
		Size:        cfg.Size,
		MaxAttempts: cfg.MaxAttempts,
		Redis: dispatch.RedisConfig{
			Address:   cfg.Redis.Address,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			Key:       cfg.Redis.Queue,
			BlockWait: time.Duration(cfg.Redis.BlockWaitSeconds) * time.Second,
		},
		RabbitMQ: dispatch.RabbitMQConfig{
			URL:        cfg.RabbitMQ.URL,
			Queue:      cfg.RabbitMQ.Queue,
			Prefetch:   cfg.RabbitMQ.Prefetch,
			Durable:    cfg.RabbitMQ.Durable,
			AutoDelete: cfg.RabbitMQ.AutoDelete,
		},
	}
}

func openEngine(cfg config.EngineConfig) (crew.Engine, error) {
	switch cfg.Driver {
	case "", "builtin":
		return crew.NewSequentialEngine(), nil
	case "python":
		return pythonbridge.New(pythonbridge.Config{
			PythonExec: cfg.Python.Executable,
			ScriptPath: cfg.Python.ScriptPath,
			WorkingDir: cfg.Python.WorkingDir,
			Timeout:    time.Duration(cfg.Python.TimeoutSeconds) * time.Second,
		})
	default:
		return nil, fmt.Errorf("未知的编排引擎: %s", cfg.Driver)
	}
}

func parseRelayLevel(value string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelDebug
	}
}
