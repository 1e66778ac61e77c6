package providers

import (
	"context"
	"log/slog"

	"CryptoReason-Chain/internal/llm"
	"CryptoReason-Chain/internal/protocol"
	"CryptoReason-Chain/internal/runtime"
	"CryptoReason-Chain/internal/transport"
	"CryptoReason-Chain/pkg/logger"
)

// Reasoner 把推理请求转交给大模型。
type Reasoner struct {
	client  llm.Client
	replier Replier
	log     *slog.Logger
}

// NewReasoner 创建推理提供方。
func NewReasoner(client llm.Client, replier Replier) *Reasoner {
	return &Reasoner{client: client, replier: replier, log: logger.Named("reasoning")}
}

// Register 登记 ReasoningRequest 处理函数。
func (r *Reasoner) Register(rt *runtime.Runtime) {
	runtime.On(rt, r.HandleReasoningRequest)
}

// HandleReasoningRequest 回复大模型的原始回答。
func (r *Reasoner) HandleReasoningRequest(ctx context.Context, env transport.Envelope, msg protocol.ReasoningRequest) error {
	text, err := r.client.Complete(ctx, msg.Query)
	if err == nil {
		r.log.Info("推理完成", slog.Int("query_len", len(msg.Query)), slog.Int("answer_len", len(text)))
	}
	return answer(ctx, r.replier, r.log, env, protocol.ReasoningResponse{Decision: text}, err)
}
