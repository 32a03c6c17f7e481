// Package pythonbridge 将 Crew 交给外部 Python 进程（例如 CrewAI 运行时）执行。
package pythonbridge

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"Crew-Relay/internal/crew"
	xerrors "Crew-Relay/internal/errors"
	"Crew-Relay/pkg/logger"
)

// Config 描述外部脚本的位置。
type Config struct {
	PythonExec string
	ScriptPath string
	WorkingDir string
	Timeout    time.Duration
	// Env 会追加到子进程环境变量中，例如 LLM_PROVIDER。
	Env []string
}

// Engine 通过 stdin/stdout 与 Python 脚本交互。
type Engine struct {
	cfg    Config
	logger *slog.Logger
}

// New 创建 Python Bridge 引擎。
func New(cfg Config) (*Engine, error) {
	if strings.TrimSpace(cfg.ScriptPath) == "" {
		return nil, fmt.Errorf("未指定 Python 脚本路径")
	}
	if cfg.PythonExec == "" {
		cfg.PythonExec = "python3"
	}
	return &Engine{cfg: cfg, logger: logger.Named("pythonbridge")}, nil
}

type payload struct {
	Crew      *crew.Crew `json:"crew"`
	Timestamp int64      `json:"timestamp"`
}

type result struct {
	Output string `json:"output"`
	Error  string `json:"error"`
}

// Kickoff 实现 crew.Engine。脚本 stderr 的每一行都会以任务上下文记录日志。
func (e *Engine) Kickoff(ctx context.Context, c *crew.Crew) (*crew.Output, error) {
	encoded, err := json.Marshal(payload{Crew: c, Timestamp: time.Now().Unix()})
	if err != nil {
		return nil, fmt.Errorf("序列化请求失败: %w", err)
	}

	if e.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.Timeout)
		defer cancel()
	}

	command := exec.CommandContext(ctx, e.cfg.PythonExec, e.cfg.ScriptPath)
	if e.cfg.WorkingDir != "" {
		command.Dir = e.cfg.WorkingDir
	}
	if len(e.cfg.Env) > 0 {
		command.Env = append(command.Environ(), e.cfg.Env...)
	}
	command.Stdin = bytes.NewReader(encoded)

	var stdout bytes.Buffer
	command.Stdout = &stdout
	stderr, err := command.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("获取 stderr 失败: %w", err)
	}

	e.logger.InfoContext(ctx, "启动 Python 编排进程", "script", e.cfg.ScriptPath)
	if err := command.Start(); err != nil {
		return nil, xerrors.Wrap(crew.CodeKickoffFailed, err, "执行 Python 脚本失败")
	}

	// stderr 必须在 Wait 之前读完。
	lastLine := e.relayStderr(ctx, stderr)

	if err := command.Wait(); err != nil {
		msg := "执行 Python 脚本失败"
		if lastLine != "" {
			msg = fmt.Sprintf("%s: %s", msg, lastLine)
		}
		return nil, xerrors.Wrap(crew.CodeKickoffFailed, err, msg)
	}

	var resp result
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return nil, xerrors.Wrap(crew.CodeKickoffFailed, err, "解析 Python 输出失败")
	}
	if resp.Error != "" {
		return nil, xerrors.New(crew.CodeKickoffFailed, resp.Error)
	}
	e.logger.InfoContext(ctx, "Python 编排进程完成")
	return &crew.Output{Raw: resp.Output}, nil
}

func (e *Engine) relayStderr(ctx context.Context, r io.Reader) string {
	var last string
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if line == "" {
			continue
		}
		last = line
		e.logger.InfoContext(ctx, line)
	}
	return last
}
