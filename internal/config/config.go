package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultPath 是未显式指定配置文件时尝试加载的位置。
const DefaultPath = "configs/crewd.yaml"

// Config 描述了 crewd 在启动阶段需要加载的全部配置。
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Log       LogConfig       `yaml:"log"`
	LLM       LLMConfig       `yaml:"llm"`
	Engine    EngineConfig    `yaml:"engine"`
	TaskQueue TaskQueueConfig `yaml:"task_queue"`
	History   HistoryConfig   `yaml:"history"`
	LogRelay  LogRelayConfig  `yaml:"log_relay"`
	Retention RetentionConfig `yaml:"retention"`
	Alerting  AlertingConfig  `yaml:"alerting"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Runtime   RuntimeConfig   `yaml:"runtime"`
}

// ServerConfig 控制 HTTP 服务的监听地址等参数。
type ServerConfig struct {
	Address                string `yaml:"address"`
	MaxBodyBytes           int64  `yaml:"max_body_bytes"`
	ShutdownTimeoutSeconds int    `yaml:"shutdown_timeout_seconds"`
	CORSAllowOrigin        string `yaml:"cors_allow_origin"`
}

// ShutdownTimeout 返回优雅关闭的等待时间。
func (c ServerConfig) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutSeconds) * time.Second
}

// LogConfig 对应 pkg/logger 的配置。
type LogConfig struct {
	Level   string         `yaml:"level"`
	Format  string         `yaml:"format"`
	Outputs []string       `yaml:"outputs"`
	Audit   AuditLogConfig `yaml:"audit"`
}

// AuditLogConfig 控制审计日志的落盘与轮转。
type AuditLogConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Path       string `yaml:"path"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// LLMConfig 用于配置大模型的默认调用方式，运行时可被环境变量覆盖。
type LLMConfig struct {
	Provider       string          `yaml:"provider"`
	Temperature    float64         `yaml:"temperature"`
	TimeoutSeconds int             `yaml:"timeout_seconds"`
	OpenAI         OpenAIConfig    `yaml:"openai"`
	LMStudio       LMStudioConfig  `yaml:"lmstudio"`
	Google         GoogleConfig    `yaml:"google"`
	Anthropic      AnthropicConfig `yaml:"anthropic"`
}

// Timeout 返回单次大模型调用的超时时间。
func (c LLMConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// OpenAIConfig 描述 OpenAI Chat Completions 的连接参数。
type OpenAIConfig struct {
	APIKey    string `yaml:"api_key"`
	APIKeyEnv string `yaml:"api_key_env"`
	BaseURL   string `yaml:"base_url"`
	Model     string `yaml:"model"`
}

// LMStudioConfig 描述本地 LM Studio（OpenAI 兼容接口）的连接参数。
type LMStudioConfig struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
	Model   string `yaml:"model"`
}

// GoogleConfig 描述 Gemini 的连接参数。
type GoogleConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model"`
}

// AnthropicConfig 描述 Anthropic Messages API 的连接参数。
type AnthropicConfig struct {
	APIKey    string `yaml:"api_key"`
	BaseURL   string `yaml:"base_url"`
	Model     string `yaml:"model"`
	MaxTokens int    `yaml:"max_tokens"`
}

// EngineConfig 选择编排引擎。
type EngineConfig struct {
	Driver string             `yaml:"driver"`
	Python PythonEngineConfig `yaml:"python"`
}

// PythonEngineConfig 描述通过外部 Python 进程执行 crew 时所需的信息。
type PythonEngineConfig struct {
	Executable     string `yaml:"executable"`
	ScriptPath     string `yaml:"script_path"`
	WorkingDir     string `yaml:"working_dir"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// TaskQueueConfig 描述后台任务的派发队列。
type TaskQueueConfig struct {
	Driver string `yaml:"driver"`
	Size   int    `yaml:"size"`
	Worker int    `yaml:"worker"`
	// MaxAttempts 为处理失败的派发消息最多投递次数。
	MaxAttempts int `yaml:"max_attempts"`
	// PublishTimeoutMillis 为异步提交等待入队的上限，队列满时超时即判定失败。
	PublishTimeoutMillis int            `yaml:"publish_timeout_ms"`
	Redis                RedisConfig    `yaml:"redis"`
	RabbitMQ             RabbitMQConfig `yaml:"rabbitmq"`
}

// RedisConfig 描述 Redis 队列。
type RedisConfig struct {
	Address          string `yaml:"address"`
	Password         string `yaml:"password"`
	DB               int    `yaml:"db"`
	Queue            string `yaml:"queue"`
	BlockWaitSeconds int    `yaml:"block_wait_seconds"`
}

// RabbitMQConfig 描述 RabbitMQ 队列。
type RabbitMQConfig struct {
	URL        string `yaml:"url"`
	Queue      string `yaml:"queue"`
	Prefetch   int    `yaml:"prefetch"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
}

// HistoryConfig 描述运行历史的归档方式。
type HistoryConfig struct {
	Driver                 string `yaml:"driver"`
	DSN                    string `yaml:"dsn"`
	Path                   string `yaml:"path"`
	Capacity               int    `yaml:"capacity"`
	MaxOpenConns           int    `yaml:"max_open_conns"`
	MaxIdleConns           int    `yaml:"max_idle_conns"`
	ConnMaxLifetimeSeconds int    `yaml:"conn_max_lifetime_seconds"`
}

// LogRelayConfig 控制任务日志流的行为。
type LogRelayConfig struct {
	Mode             string `yaml:"mode"`
	Level            string `yaml:"level"`
	KeepaliveSeconds int    `yaml:"keepalive_seconds"`
}

// Keepalive 返回日志流空闲时发送心跳的间隔。
func (c LogRelayConfig) Keepalive() time.Duration {
	return time.Duration(c.KeepaliveSeconds) * time.Second
}

// RetentionConfig 控制终态任务与日志通道的保留时间，TTL 为 0 表示永久保留。
type RetentionConfig struct {
	TTLSeconds           int `yaml:"ttl_seconds"`
	SweepIntervalSeconds int `yaml:"sweep_interval_seconds"`
}

// TTL 返回保留时长。
func (c RetentionConfig) TTL() time.Duration {
	return time.Duration(c.TTLSeconds) * time.Second
}

// SweepInterval 返回清理周期。
func (c RetentionConfig) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalSeconds) * time.Second
}

// AlertingConfig 描述任务失败时的告警渠道。
type AlertingConfig struct {
	Webhooks       []string `yaml:"webhooks"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
}

// MetricsConfig 控制 /metrics 暴露。
type MetricsConfig struct {
	Disabled bool   `yaml:"disabled"`
	Path     string `yaml:"path"`
}

// RuntimeConfig 用于放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir string `yaml:"data_dir"`
}

// Default 返回只包含默认值的配置。
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults(".")
	cfg.applyEnv(os.Getenv)
	return cfg
}

// Resolve 加载 path 指向的配置文件；path 为空且默认位置不存在时返回默认配置。
func Resolve(path string) (*Config, error) {
	if strings.TrimSpace(path) != "" {
		return Load(path)
	}
	if _, err := os.Stat(DefaultPath); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Default(), nil
		}
		return nil, fmt.Errorf("检查默认配置文件失败: %w", err)
	}
	return Load(DefaultPath)
}

// Load 负责解析指定路径的 YAML（或 JSON）配置文件。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.applyDefaults(filepath.Dir(path))
	cfg.applyEnv(os.Getenv)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate 检查枚举类配置项。
func (c *Config) Validate() error {
	switch c.Engine.Driver {
	case "builtin", "python":
	default:
		return fmt.Errorf("未知的编排引擎: %s", c.Engine.Driver)
	}
	switch c.TaskQueue.Driver {
	case "memory", "redis", "rabbitmq":
	default:
		return fmt.Errorf("未知的队列驱动: %s", c.TaskQueue.Driver)
	}
	switch c.History.Driver {
	case "none", "memory", "file", "mysql", "sqlite":
	default:
		return fmt.Errorf("未知的历史存储驱动: %s", c.History.Driver)
	}
	switch c.LogRelay.Mode {
	case "filtered", "broadcast":
	default:
		return fmt.Errorf("未知的日志转发模式: %s", c.LogRelay.Mode)
	}
	return nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8000"
	}
	if c.Server.MaxBodyBytes <= 0 {
		c.Server.MaxBodyBytes = 1 << 20
	}
	if c.Server.ShutdownTimeoutSeconds <= 0 {
		c.Server.ShutdownTimeoutSeconds = 5
	}
	if c.Server.CORSAllowOrigin == "" {
		c.Server.CORSAllowOrigin = "*"
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}

	if c.LLM.Provider == "" {
		c.LLM.Provider = "openai"
	}
	if c.LLM.Temperature == 0 {
		c.LLM.Temperature = 0.7
	}
	if c.LLM.TimeoutSeconds <= 0 {
		c.LLM.TimeoutSeconds = 120
	}
	if c.LLM.OpenAI.APIKeyEnv == "" {
		c.LLM.OpenAI.APIKeyEnv = "OPENAI_API_KEY"
	}

	if c.Engine.Driver == "" {
		c.Engine.Driver = "builtin"
	}
	if c.Engine.Python.Executable == "" {
		c.Engine.Python.Executable = "python3"
	}
	c.Engine.Python.WorkingDir = resolvePath(baseDir, c.Engine.Python.WorkingDir, baseDir)
	if c.Engine.Python.ScriptPath != "" {
		c.Engine.Python.ScriptPath = resolvePath(c.Engine.Python.WorkingDir, c.Engine.Python.ScriptPath, "")
	}

	if c.TaskQueue.Driver == "" {
		c.TaskQueue.Driver = "memory"
	}
	if c.TaskQueue.Size <= 0 {
		c.TaskQueue.Size = 1024
	}
	if c.TaskQueue.MaxAttempts <= 0 {
		c.TaskQueue.MaxAttempts = 3
	}
	if c.TaskQueue.PublishTimeoutMillis <= 0 {
		c.TaskQueue.PublishTimeoutMillis = 2000
	}
	if c.TaskQueue.Worker <= 0 {
		c.TaskQueue.Worker = 4
	}

	c.Runtime.DataDir = resolvePath(baseDir, c.Runtime.DataDir, filepath.Join(baseDir, "data"))

	if c.History.Driver == "" {
		c.History.Driver = "memory"
	}
	if c.History.Capacity <= 0 {
		c.History.Capacity = 512
	}
	if c.History.Driver == "file" {
		c.History.Path = resolvePath(c.Runtime.DataDir, c.History.Path, filepath.Join(c.Runtime.DataDir, "history.log"))
	}
	if c.History.Driver == "sqlite" && c.History.DSN == "" {
		c.History.DSN = filepath.Join(c.Runtime.DataDir, "history.db")
	}

	if c.LogRelay.Mode == "" {
		c.LogRelay.Mode = "filtered"
	}
	if c.LogRelay.Level == "" {
		c.LogRelay.Level = "debug"
	}
	if c.LogRelay.KeepaliveSeconds <= 0 {
		c.LogRelay.KeepaliveSeconds = 15
	}

	if c.Retention.TTLSeconds > 0 && c.Retention.SweepIntervalSeconds <= 0 {
		c.Retention.SweepIntervalSeconds = 60
	}

	if c.Alerting.TimeoutSeconds <= 0 {
		c.Alerting.TimeoutSeconds = 5
	}

	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

// applyEnv 允许通过环境变量覆盖少量部署相关的配置。
// LLM 凭证不在此处读取，而是在每次执行时由 provider.Resolver 解析。
func (c *Config) applyEnv(getenv func(string) string) {
	if addr := strings.TrimSpace(getenv("CREWD_ADDR")); addr != "" {
		c.Server.Address = addr
	}
	if level := strings.TrimSpace(getenv("CREWD_LOG_LEVEL")); level != "" {
		c.Log.Level = level
	}
}

func resolvePath(baseDir, value, fallback string) string {
	if value == "" {
		return fallback
	}
	if filepath.IsAbs(value) || baseDir == "" {
		return value
	}
	return filepath.Join(baseDir, value)
}
