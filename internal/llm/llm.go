package llm

import "context"

// DefaultTemperature 是所有提供方共用的采样温度。
const DefaultTemperature = 0.7

// Request 描述一次发送给大模型的调用。
type Request struct {
	// System 是角色设定，对应 agent 的 role/goal/backstory/instruction。
	System string
	// Prompt 是当前任务单元的完整描述。
	Prompt      string
	Temperature float64
}

// Response 是大模型返回的文本。
type Response struct {
	Text  string
	Model string
}

// Client 定义了调用大模型的统一接口。
type Client interface {
	Generate(ctx context.Context, req Request) (*Response, error)
}

// ClientFunc 允许直接使用函数实现 Client。
type ClientFunc func(ctx context.Context, req Request) (*Response, error)

// Generate 实现 Client 接口。
func (f ClientFunc) Generate(ctx context.Context, req Request) (*Response, error) {
	return f(ctx, req)
}
