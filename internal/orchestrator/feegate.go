package orchestrator

import (
	"context"
	"log/slog"

	xerrors "CryptoReason-Chain/internal/errors"
	"CryptoReason-Chain/internal/protocol"
)

// feeGate 在采集前支付费用。余额低于阈值时先向水龙头申请补充，补充失败不阻断付费。
func (o *Orchestrator) feeGate(ctx context.Context, log *slog.Logger) error {
	o.topupIfLow(ctx, log)

	txHash, err := o.settler.PayFee(ctx)
	if err != nil {
		return xerrors.Wrap(CodeCycleAborted, err, "费用支付失败")
	}
	o.mutate(func(s *Session) { s.FeeTxHash = txHash })
	log.Info("费用已支付", slog.String("tx_hash", txHash))
	return nil
}

func (o *Orchestrator) topupIfLow(ctx context.Context, log *slog.Logger) {
	if o.ledger == nil || o.threshold == nil || o.cfg.FeeGate.TopupAmount <= 0 {
		return
	}
	wallet := o.settler.Wallet()
	balance, err := o.ledger.Balance(ctx, wallet)
	if err != nil {
		log.Warn("查询余额失败，跳过补充", slog.String("wallet", wallet), slog.Any("error", err))
		return
	}
	if balance.Cmp(o.threshold) >= 0 {
		return
	}
	log.Info("余额低于阈值，申请补充",
		slog.String("wallet", wallet),
		slog.String("balance", balance.String()),
		slog.String("threshold", o.threshold.String()))

	reply, err := o.requester.SendAndAwait(ctx, protocol.RoleTopup,
		protocol.TopupRequest{Amount: o.cfg.FeeGate.TopupAmount, Wallet: wallet}, o.cfg.SettlementTimeout.Duration)
	if err != nil {
		log.Warn("补充请求失败", slog.Any("error", err))
		return
	}
	var resp protocol.TopupResponse
	if err := reply.Decode(&resp); err != nil || resp.Status != protocol.StatusSuccess {
		log.Warn("补充未成功", slog.String("status", resp.Status), slog.Any("error", err))
		return
	}
	log.Info("余额已补充", slog.String("tx_hash", resp.TxHash))
}
