package orchestrator

import (
	"context"
	"log/slog"

	"CryptoReason-Chain/internal/protocol"
	"CryptoReason-Chain/internal/transport"
	"CryptoReason-Chain/pkg/logger"
)

// HandleSwapCompleted 处理兑换完成通知。通知匹配最早的 dispatching/pending/in_progress 条目，
// 可能属于更早的周期。条目进入终态（completed 或 failed）时申领奖励，每个条目至多一次。
func (o *Orchestrator) HandleSwapCompleted(ctx context.Context, env transport.Envelope, msg protocol.SwapCompleted) error {
	var (
		entry       LedgerEntry
		matched     bool
		needsReward bool
	)
	o.mutate(func(s *Session) {
		idx := -1
		for i, e := range s.PendingTransactions {
			if e.Status == StatusDispatching || e.Status == StatusPending || e.Status == StatusInProgress {
				idx = i
				break
			}
		}
		if idx < 0 {
			return
		}
		matched = true
		now := o.now()
		e := &s.PendingTransactions[idx]
		e.UpdatedAt = now
		e.Message = msg.Message

		if msg.Status == protocol.StatusInProgress {
			e.Status = StatusInProgress
			entry = *e
			return
		}
		if msg.Status == protocol.StatusSwapCompleted {
			e.Status = StatusCompleted
		} else {
			e.Status = StatusFailed
		}
		e.CompletedAt = &now
		if o.settler != nil && !e.RewardRequested {
			e.RewardRequested = true
			needsReward = true
		}
		entry = *e
		s.CompletedTransactions = append(s.CompletedTransactions, *e)
		s.PendingTransactions = append(s.PendingTransactions[:idx], s.PendingTransactions[idx+1:]...)
	})

	if !matched {
		o.log.Warn("兑换完成通知没有匹配的台账条目，忽略",
			slog.String("sender", env.Sender),
			slog.String("status", msg.Status))
		return nil
	}
	o.log.Info("兑换状态更新",
		slog.String("entry_id", entry.ID),
		slog.String("cycle_id", entry.CycleID),
		slog.String("status", entry.Status))
	logger.Audit().Info("swap settled",
		slog.String("entry_id", entry.ID),
		slog.String("cycle_id", entry.CycleID),
		slog.String("signal", entry.Signal),
		slog.Float64("amount", entry.Amount),
		slog.String("status", entry.Status),
		slog.String("message", entry.Message))

	if needsReward {
		o.requestReward(ctx, entry.CycleID, entry.ID)
	}
	return nil
}

// requestReward 申领奖励，cycleID 是奖励所属的周期，entryID 为空表示 HOLD 周期。失败只告警，不重试。
func (o *Orchestrator) requestReward(ctx context.Context, cycleID, entryID string) {
	if o.settler == nil {
		return
	}
	outcome, err := o.settler.RequestReward(ctx)
	if err != nil {
		o.log.Error("申领奖励失败",
			slog.String("cycle_id", cycleID),
			slog.String("entry_id", entryID),
			slog.Any("error", err))
		o.alert(ctx, cycleID, err)
		return
	}
	o.log.Info("奖励申领结束",
		slog.String("entry_id", entryID),
		slog.String("status", outcome.Status),
		slog.String("tx_hash", outcome.TxHash),
		slog.Bool("verified", outcome.Verified))
	if entryID == "" || outcome.TxHash == "" {
		return
	}
	o.mutate(func(s *Session) {
		for i := range s.CompletedTransactions {
			if s.CompletedTransactions[i].ID == entryID {
				s.CompletedTransactions[i].RewardTxHash = outcome.TxHash
				return
			}
		}
	})
}
