// Package llm 抽象推理服务背后的大模型，屏蔽各家接口差异。
package llm

import "context"

// Client 把一段提示词交给大模型并返回纯文本回答。
type Client interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// Func 让普通函数满足 Client，便于测试与组合。
type Func func(ctx context.Context, prompt string) (string, error)

// Complete 调用函数本身。
func (f Func) Complete(ctx context.Context, prompt string) (string, error) {
	return f(ctx, prompt)
}
