package providers

import (
	"context"
	"log/slog"

	xerrors "CryptoReason-Chain/internal/errors"
	"CryptoReason-Chain/internal/protocol"
	"CryptoReason-Chain/internal/transport"
)

// Replier 发送带关联 ID 的响应。
type Replier interface {
	Reply(ctx context.Context, request transport.Envelope, msg protocol.Message) error
}

// answer 在成功时回复 msg，失败时回复 ErrorReply，使等待方立即得到结果而不是超时。
func answer(ctx context.Context, r Replier, log *slog.Logger, env transport.Envelope, msg protocol.Message, err error) error {
	if err != nil {
		log.Warn("提供方处理失败",
			slog.String("type", env.Type),
			slog.String("sender", env.Sender),
			slog.Any("error", err))
		return r.Reply(ctx, env, protocol.ErrorReply{Code: string(xerrors.CodeOf(err)), Message: err.Error()})
	}
	return r.Reply(ctx, env, msg)
}
