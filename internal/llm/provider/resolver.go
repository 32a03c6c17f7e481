// Package provider 根据 LLM_PROVIDER 及相关环境变量构造大模型客户端。
package provider

import (
	"context"
	"fmt"
	"os"
	"strings"

	"Crew-Relay/internal/config"
	xerrors "Crew-Relay/internal/errors"
	"Crew-Relay/internal/llm"
	"Crew-Relay/internal/llm/anthropic"
	"Crew-Relay/internal/llm/google"
	"Crew-Relay/internal/llm/openai"
	"Crew-Relay/pkg/logger"
)

// CodeConfigInvalid 表示大模型配置缺失或非法，属于致命错误。
const CodeConfigInvalid xerrors.Code = "LLM_CONFIG_INVALID"

func init() {
	xerrors.Register(CodeConfigInvalid, xerrors.Attributes{
		Message:  "invalid LLM configuration",
		Severity: xerrors.SeverityWarning,
		Alert:    true,
	})
}

const (
	ProviderOpenAI    = "openai"
	ProviderLMStudio  = "lmstudio"
	ProviderGoogle    = "google"
	ProviderAnthropic = "anthropic"

	defaultLMStudioURL = "http://localhost:1234/v1"
	defaultLMStudioKey = "lm-studio"
)

// Info 描述一次解析的结果，用于日志与历史记录。
type Info struct {
	Provider string
	Model    string
	BaseURL  string
}

// Resolver 在每次执行时读取环境变量并构造客户端，配置错误因此会体现为任务失败。
type Resolver struct {
	cfg    config.LLMConfig
	getenv func(string) string
}

// Option 自定义 Resolver。
type Option func(*Resolver)

// WithGetenv 替换环境变量读取函数，便于测试。
func WithGetenv(fn func(string) string) Option {
	return func(r *Resolver) {
		if fn != nil {
			r.getenv = fn
		}
	}
}

// NewResolver 创建解析器。
func NewResolver(cfg config.LLMConfig, opts ...Option) *Resolver {
	r := &Resolver{cfg: cfg, getenv: os.Getenv}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Resolve 返回当前配置对应的客户端。
func (r *Resolver) Resolve(ctx context.Context) (llm.Client, Info, error) {
	log := logger.Named("llm")
	name := strings.ToLower(strings.TrimSpace(r.env("LLM_PROVIDER")))
	if name == "" {
		name = strings.ToLower(strings.TrimSpace(r.cfg.Provider))
	}
	if name == "" {
		name = ProviderOpenAI
	}
	log.DebugContext(ctx, "解析大模型提供方", "provider", name)

	var (
		client llm.Client
		info   = Info{Provider: name}
		err    error
	)
	switch name {
	case ProviderOpenAI:
		client, info, err = r.openAI()
	case ProviderLMStudio:
		client, info, err = r.lmStudio()
	case ProviderGoogle:
		client, info, err = r.google()
	case ProviderAnthropic:
		client, info, err = r.anthropic()
	default:
		err = xerrors.New(CodeConfigInvalid, fmt.Sprintf(
			"unsupported LLM_PROVIDER: %s. choose one of 'openai', 'lmstudio', 'google', 'anthropic'", name))
	}
	if err != nil {
		log.ErrorContext(ctx, "大模型配置无效", "provider", name, "error", err)
		return nil, info, err
	}
	log.DebugContext(ctx, "大模型客户端初始化完成", "provider", info.Provider, "model", info.Model, "base_url", info.BaseURL)
	return client, info, nil
}

func (r *Resolver) openAI() (llm.Client, Info, error) {
	keyEnv := r.cfg.OpenAI.APIKeyEnv
	if keyEnv == "" {
		keyEnv = "OPENAI_API_KEY"
	}
	key := firstNonEmpty(r.env(keyEnv), r.cfg.OpenAI.APIKey)
	if key == "" {
		return nil, Info{Provider: ProviderOpenAI}, xerrors.New(CodeConfigInvalid, keyEnv+" environment variable is not set")
	}
	cfg := openai.Config{
		APIKey:  key,
		BaseURL: firstNonEmpty(r.env("OPENAI_API_BASE"), r.cfg.OpenAI.BaseURL),
		Model:   firstNonEmpty(r.env("OPENAI_MODEL_NAME"), r.cfg.OpenAI.Model),
		Timeout: r.cfg.Timeout(),
	}
	return r.buildOpenAI(ProviderOpenAI, cfg)
}

func (r *Resolver) lmStudio() (llm.Client, Info, error) {
	cfg := openai.Config{
		APIKey:  firstNonEmpty(r.env("OPENAI_API_KEY"), r.cfg.LMStudio.APIKey, defaultLMStudioKey),
		BaseURL: firstNonEmpty(r.env("LMSTUDIO_SERVER_URL"), r.env("OPENAI_API_BASE"), r.cfg.LMStudio.BaseURL, defaultLMStudioURL),
		Model:   firstNonEmpty(r.env("OPENAI_MODEL_NAME"), r.cfg.LMStudio.Model),
		Timeout: r.cfg.Timeout(),
	}
	return r.buildOpenAI(ProviderLMStudio, cfg)
}

func (r *Resolver) buildOpenAI(name string, cfg openai.Config) (llm.Client, Info, error) {
	client, err := openai.NewClient(cfg)
	if err != nil {
		return nil, Info{Provider: name}, xerrors.Wrap(CodeConfigInvalid, err, "")
	}
	return client, Info{Provider: name, Model: client.Model(), BaseURL: client.BaseURL()}, nil
}

func (r *Resolver) google() (llm.Client, Info, error) {
	key := firstNonEmpty(r.env("GOOGLE_API_KEY"), r.cfg.Google.APIKey)
	if key == "" {
		return nil, Info{Provider: ProviderGoogle}, xerrors.New(CodeConfigInvalid, "GOOGLE_API_KEY environment variable is not set")
	}
	client, err := google.NewClient(google.Config{
		APIKey:  key,
		BaseURL: r.cfg.Google.BaseURL,
		Model:   r.cfg.Google.Model,
		Timeout: r.cfg.Timeout(),
	})
	if err != nil {
		return nil, Info{Provider: ProviderGoogle}, xerrors.Wrap(CodeConfigInvalid, err, "")
	}
	return client, Info{Provider: ProviderGoogle, Model: client.Model()}, nil
}

func (r *Resolver) anthropic() (llm.Client, Info, error) {
	key := firstNonEmpty(r.env("ANTHROPIC_API_KEY"), r.cfg.Anthropic.APIKey)
	if key == "" {
		return nil, Info{Provider: ProviderAnthropic}, xerrors.New(CodeConfigInvalid, "ANTHROPIC_API_KEY environment variable is not set")
	}
	client, err := anthropic.NewClient(anthropic.Config{
		APIKey:    key,
		BaseURL:   firstNonEmpty(r.env("ANTHROPIC_BASE_URL"), r.cfg.Anthropic.BaseURL),
		Model:     firstNonEmpty(r.env("ANTHROPIC_MODEL"), r.cfg.Anthropic.Model),
		MaxTokens: r.cfg.Anthropic.MaxTokens,
		Timeout:   r.cfg.Timeout(),
	})
	if err != nil {
		return nil, Info{Provider: ProviderAnthropic}, xerrors.Wrap(CodeConfigInvalid, err, "")
	}
	return client, Info{Provider: ProviderAnthropic, Model: client.Model()}, nil
}

func (r *Resolver) env(key string) string {
	return strings.TrimSpace(r.getenv(key))
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
