package providers

import (
	"context"
	"fmt"
	"log/slog"

	"CryptoReason-Chain/internal/config"
	xerrors "CryptoReason-Chain/internal/errors"
	"CryptoReason-Chain/internal/ledger"
	"CryptoReason-Chain/internal/protocol"
	"CryptoReason-Chain/internal/runtime"
	"CryptoReason-Chain/internal/transport"
	"CryptoReason-Chain/pkg/logger"
)

// Faucet 是测试网水龙头，从自身钱包向请求方转入原生币。
type Faucet struct {
	ledger    ledger.Ledger
	maxAmount float64
	replier   Replier
	log       *slog.Logger
}

// NewFaucet 创建水龙头提供方。
func NewFaucet(l ledger.Ledger, cfg config.TopupConfig, replier Replier) *Faucet {
	maxAmount := cfg.MaxAmount
	if maxAmount <= 0 {
		maxAmount = 10
	}
	return &Faucet{ledger: l, maxAmount: maxAmount, replier: replier, log: logger.Named("topup")}
}

// Register 登记 TopupRequest 处理函数。
func (f *Faucet) Register(rt *runtime.Runtime) {
	runtime.On(rt, f.HandleTopup)
}

// HandleTopup 转账成功回复 success 与交易哈希，否则回复 failure。
func (f *Faucet) HandleTopup(ctx context.Context, env transport.Envelope, msg protocol.TopupRequest) error {
	txHash, err := f.Fund(ctx, msg.Wallet, msg.Amount)
	if err != nil {
		f.log.Warn("补充失败", slog.String("wallet", msg.Wallet), slog.Float64("amount", msg.Amount), slog.Any("error", err))
		logger.Audit().Warn("topup failed",
			slog.String("wallet", msg.Wallet),
			slog.Float64("amount", msg.Amount),
			slog.String("error", err.Error()))
		return f.replier.Reply(ctx, env, protocol.TopupResponse{Status: protocol.StatusFailure})
	}
	logger.Audit().Info("topup sent",
		slog.String("wallet", msg.Wallet),
		slog.Float64("amount", msg.Amount),
		slog.String("tx_hash", txHash))
	return f.replier.Reply(ctx, env, protocol.TopupResponse{Status: protocol.StatusSuccess, TxHash: txHash})
}

// Fund 把以原生币计的 amount 换算为最小单位后转账。
func (f *Faucet) Fund(ctx context.Context, wallet string, amount float64) (string, error) {
	if wallet == "" {
		return "", xerrors.New(xerrors.CodeInvalidArgument, "缺少收款钱包")
	}
	if amount <= 0 || amount > f.maxAmount {
		return "", xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("补充金额 %v 超出范围 (0, %v]", amount, f.maxAmount))
	}
	value, err := ledger.FromFloat(amount, ledger.NativeDecimals)
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeInvalidArgument, err, "换算补充金额失败")
	}
	return f.ledger.Transfer(ctx, wallet, value)
}
