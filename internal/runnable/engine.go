package runnable

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	xerrors "mindloom/internal/errors"
	"mindloom/internal/llm"
)

// Chunk 是执行过程中产出的一个增量结果单元，结构对下游透明。
type Chunk map[string]any

// Stream 是一次执行产出的有限增量序列。序列不可重放：
// 消费到 io.EOF 之后底层执行无法重来。
type Stream interface {
	Next(ctx context.Context) (Chunk, error)
}

// Runnable 是可被执行的实体。Run 只允许调用一次。
type Runnable interface {
	Run(ctx context.Context, input map[string]any) (Stream, error)
}

// Build 根据解析后的配置构造可执行实体。
func Build(cfg *Config, client llm.Client) (Runnable, error) {
	if cfg == nil {
		return nil, xerrors.New(xerrors.CodeRunnableConfig, "runnable 配置为空")
	}
	if client == nil {
		return nil, xerrors.New(xerrors.CodeRunnableConfig, "缺少大模型客户端")
	}
	switch cfg.Type {
	case TypeAgent:
		return &agentRunnable{cfg: cfg, client: client}, nil
	case TypeTeam:
		if len(cfg.Members) == 0 {
			return nil, xerrors.New(xerrors.CodeRunnableConfig, "team 没有任何成员")
		}
		return &teamRunnable{cfg: cfg, client: client}, nil
	default:
		return nil, xerrors.New(xerrors.CodeRunnableConfig, "不支持的 runnable 类型: "+string(cfg.Type))
	}
}

// promptFromInput 从输入变量中提取用户提示词。
// 约定 input 键为主输入，缺失时回退为整个输入的 JSON 形式。
func promptFromInput(input map[string]any) string {
	if raw, ok := input["input"]; ok {
		if text, ok := raw.(string); ok && strings.TrimSpace(text) != "" {
			return text
		}
	}
	if len(input) == 0 {
		return ""
	}
	encoded, err := json.Marshal(input)
	if err != nil {
		return fmt.Sprint(input)
	}
	return string(encoded)
}

type agentRunnable struct {
	cfg    *Config
	client llm.Client
}

// Run 实现 Runnable 接口。
func (a *agentRunnable) Run(_ context.Context, input map[string]any) (Stream, error) {
	return &agentStream{runnable: a, prompt: promptFromInput(input)}, nil
}

type agentStream struct {
	runnable *agentRunnable
	prompt   string
	done     bool
}

// Next 产出单个回复块，之后返回 io.EOF。
func (s *agentStream) Next(ctx context.Context) (Chunk, error) {
	if s.done {
		return nil, io.EOF
	}
	s.done = true

	resp, err := s.runnable.client.Generate(ctx, llm.Request{
		Instructions: s.runnable.cfg.Instructions,
		Input:        s.prompt,
		Model:        s.runnable.cfg.Model,
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, xerrors.Wrap(xerrors.CodeCancelled, err, "agent 执行被取消")
		}
		return nil, xerrors.Wrap(xerrors.CodeExecutionFailure, err, "agent 执行失败")
	}
	return Chunk{
		"agent":   s.runnable.cfg.Name,
		"content": resp.Content,
	}, nil
}

type teamRunnable struct {
	cfg    *Config
	client llm.Client
}

// Run 实现 Runnable 接口。
func (t *teamRunnable) Run(_ context.Context, input map[string]any) (Stream, error) {
	return &teamStream{runnable: t, prompt: promptFromInput(input)}, nil
}

// teamStream 依成员顺序逐个产出回复块，最后产出一个汇总块。
type teamStream struct {
	runnable *teamRunnable
	prompt   string
	index    int
	outputs  []string
	done     bool
}

// Next 实现 Stream 接口。
func (s *teamStream) Next(ctx context.Context) (Chunk, error) {
	if s.done {
		return nil, io.EOF
	}

	members := s.runnable.cfg.Members
	if s.index < len(members) {
		member := members[s.index]
		s.index++

		resp, err := s.runnable.client.Generate(ctx, llm.Request{
			Instructions: member.Instructions,
			Input:        s.prompt,
			Model:        member.Model,
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil, xerrors.Wrap(xerrors.CodeCancelled, err, "team 成员执行被取消")
			}
			return nil, xerrors.Wrap(xerrors.CodeExecutionFailure, err, "team 成员执行失败: "+member.Name)
		}
		s.outputs = append(s.outputs, member.Name+": "+resp.Content)
		return Chunk{
			"team":    s.runnable.cfg.Name,
			"member":  member.Name,
			"content": resp.Content,
		}, nil
	}

	// 汇总阶段：用 Team 自身的指令整合各成员输出。
	s.done = true
	resp, err := s.runnable.client.Generate(ctx, llm.Request{
		Instructions: s.runnable.cfg.Instructions,
		Input:        s.prompt + "\n\n" + strings.Join(s.outputs, "\n"),
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, xerrors.Wrap(xerrors.CodeCancelled, err, "team 汇总被取消")
		}
		return nil, xerrors.Wrap(xerrors.CodeExecutionFailure, err, "team 汇总失败")
	}
	return Chunk{
		"team":    s.runnable.cfg.Name,
		"content": resp.Content,
	}, nil
}

var (
	_ Runnable = (*agentRunnable)(nil)
	_ Runnable = (*teamRunnable)(nil)
)
