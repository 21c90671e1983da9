package llm

import "context"

// Request 描述发送给大模型的一次调用。
type Request struct {
	// Instructions 作为 system 提示词，来自 Agent 或 Team 的配置。
	Instructions string
	// Input 是用户侧的输入内容。
	Input string
	// Model 可覆盖客户端默认模型，为空时使用客户端配置。
	Model string
}

// Response 是大模型生成的回复。
type Response struct {
	Content string
}

// Client 定义了调用大模型的统一接口。
type Client interface {
	Generate(ctx context.Context, req Request) (*Response, error)
}
