package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	xerrors "CryptoReason-Chain/internal/errors"
	"CryptoReason-Chain/internal/observability/metrics"
	"CryptoReason-Chain/internal/protocol"
)

// 周期结果。
const (
	OutcomeDispatched = "dispatched"
	OutcomeHeld       = "held"
	OutcomeStopped    = "stopped"
	OutcomeAborted    = "aborted"
)

// 周期阶段。
const (
	PhaseIdle       = "idle"
	PhaseHeartbeat  = "heartbeat"
	PhaseFeeGate    = "fee_gate"
	PhaseCollecting = "collecting"
	PhaseConsensus  = "consensus"
	PhaseDispatch   = "dispatch"
	PhaseSettlement = "settlement"
)

// CycleResult 汇总一次周期。
type CycleResult struct {
	CycleID  string        `json:"cycle_id"`
	Outcome  string        `json:"outcome"`
	Signal   Signal        `json:"signal,omitempty"`
	Duration time.Duration `json:"duration"`
	Err      error         `json:"-"`
}

// RunCycle 同步执行一个完整周期。任何阶段失败只结束本周期，不会向上传播。
func (o *Orchestrator) RunCycle(ctx context.Context) CycleResult {
	o.cycleMu.Lock()
	defer o.cycleMu.Unlock()
	o.running.Store(true)
	defer o.running.Store(false)

	start := o.now()
	cycleID := uuid.NewString()
	o.mutate(func(s *Session) {
		pending, completed := s.PendingTransactions, s.CompletedTransactions
		*s = Session{
			CycleID:               cycleID,
			StartedAt:             start,
			Phase:                 PhaseHeartbeat,
			Network:               o.cfg.Network,
			RiskProfile:           o.cfg.RiskProfile,
			InvestorType:          o.cfg.InvestorType,
			RoundsRemaining:       o.cfg.Rounds,
			PendingTransactions:   pending,
			CompletedTransactions: completed,
		}
	})
	log := o.log.With(slog.String("cycle_id", cycleID))
	log.Info("交易周期开始", slog.String("network", o.cfg.Network))

	signal, err := o.execute(ctx, cycleID, log)
	result := CycleResult{CycleID: cycleID, Signal: signal, Err: err}
	switch {
	case err == nil && signal == SignalHold:
		result.Outcome = OutcomeHeld
	case err == nil:
		result.Outcome = OutcomeDispatched
	case errors.Is(err, errStopped):
		result.Outcome = OutcomeStopped
	default:
		result.Outcome = OutcomeAborted
	}
	finished := o.now()
	result.Duration = finished.Sub(start)

	o.mutate(func(s *Session) {
		s.Phase = PhaseIdle
		s.Outcome = result.Outcome
		s.FinishedAt = &finished
		if err != nil {
			s.Error = err.Error()
		}
	})
	metrics.CycleFinished(result.Outcome, result.Duration)

	attrs := []any{slog.String("outcome", result.Outcome), slog.Duration("duration", result.Duration)}
	switch result.Outcome {
	case OutcomeAborted:
		log.Error("交易周期中止", append(attrs, slog.String("code", string(xerrors.CodeOf(err))), slog.Any("error", err))...)
	case OutcomeStopped:
		log.Info("交易周期按心跳要求停止", attrs...)
	default:
		log.Info("交易周期结束", append(attrs, slog.String("signal", string(signal)))...)
	}
	if err != nil && xerrors.ShouldAlert(err) {
		o.alert(ctx, cycleID, err)
	}
	return result
}

func (o *Orchestrator) execute(ctx context.Context, cycleID string, log *slog.Logger) (Signal, error) {
	if err := o.heartbeatGate(ctx); err != nil {
		return "", err
	}

	feePaid := false
	if o.settler != nil && o.cfg.FeeGate.Enabled {
		o.setPhase(PhaseFeeGate)
		if err := o.feeGate(ctx, log); err != nil {
			return "", err
		}
		feePaid = true
	}

	o.setPhase(PhaseCollecting)
	data, err := o.collect(ctx)
	if err != nil {
		return "", err
	}

	o.setPhase(PhaseConsensus)
	decision, err := o.runConsensus(ctx, promptContext{
		Network:      o.cfg.Network,
		RiskProfile:  o.cfg.RiskProfile,
		InvestorType: o.cfg.InvestorType,
		Opinion:      o.cfg.UserOpinion,
		Data:         data,
	})
	if err != nil {
		return "", err
	}

	ex := ExtractSignal(decision)
	switch {
	case !ex.Recognized:
		log.Warn("推理结果中没有可识别的信号，按 HOLD 处理")
	case ex.Conflict():
		log.Warn("信号标记与关键词不一致，以标记为准",
			slog.String("marker", string(ex.Marker)),
			slog.String("keyword", string(ex.Keyword)))
	}
	signal := ex.Signal
	metrics.Signal(string(signal))
	o.mutate(func(s *Session) { s.LastSignal = string(signal) })

	if signal == SignalHold {
		if feePaid {
			o.setPhase(PhaseSettlement)
			o.requestReward(ctx, cycleID, "")
		}
		return signal, nil
	}

	o.setPhase(PhaseDispatch)
	if err := o.dispatch(ctx, cycleID, signal); err != nil {
		return signal, err
	}
	return signal, nil
}

func (o *Orchestrator) setPhase(phase string) {
	o.mutate(func(s *Session) { s.Phase = phase })
}

// heartbeatGate 只有收到 continue 才放行，其余任何状态都停止本周期。
func (o *Orchestrator) heartbeatGate(ctx context.Context) error {
	reply, err := o.requester.SendAndAwait(ctx, protocol.RoleHeartbeat,
		protocol.Heartbeat{Status: protocol.StatusReady}, o.cfg.HeartbeatTimeout.Duration)
	if err != nil {
		return xerrors.Wrap(CodeCycleAborted, err, "心跳检查失败")
	}
	var hb protocol.Heartbeat
	if err := reply.Decode(&hb); err != nil {
		return xerrors.Wrap(CodeCycleAborted, err, "解析心跳响应失败")
	}
	o.mutate(func(s *Session) { s.HeartbeatStatus = hb.Status })
	switch hb.Status {
	case protocol.StatusContinue:
		return nil
	case protocol.StatusStop:
		return errStopped
	default:
		return xerrors.New(CodeCycleAborted, fmt.Sprintf("未知的心跳状态 %q", hb.Status),
			xerrors.WithMetadata("status", hb.Status))
	}
}

// collect 在同一个截止时间内并发请求行情、新闻与情绪，任一失败则整体失败。
func (o *Orchestrator) collect(ctx context.Context) (marketData, error) {
	timeout := o.cfg.CollectTimeout.Duration
	if timeout <= 0 {
		timeout = time.Minute
	}
	collectCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var data marketData
	g, gctx := errgroup.WithContext(collectCtx)
	g.Go(func() error {
		return o.fetch(gctx, protocol.RoleCoin, protocol.CoinRequest{Blockchain: o.cfg.Network}, &data.Coin, timeout)
	})
	g.Go(func() error {
		var news protocol.NewsResponse
		if err := o.fetch(gctx, protocol.RoleNews, protocol.NewsRequest{Limit: positiveOr(o.cfg.NewsLimit, 3)}, &news, timeout); err != nil {
			return err
		}
		data.News = news.Updates
		return nil
	})
	g.Go(func() error {
		return o.fetch(gctx, protocol.RoleSentiment, protocol.SentimentRequest{Limit: positiveOr(o.cfg.SentimentLimit, 1)}, &data.Sentiment, timeout)
	})
	if err := g.Wait(); err != nil {
		return marketData{}, xerrors.Wrap(CodeCycleAborted, err, "采集市场数据失败")
	}

	o.mutate(func(s *Session) {
		coin, sentiment := data.Coin, data.Sentiment
		s.MarketSnapshot = &coin
		s.NewsSnapshot = data.News
		s.SentimentSnapshot = &sentiment
	})
	return data, nil
}

func (o *Orchestrator) fetch(ctx context.Context, role string, req protocol.Message, out any, timeout time.Duration) error {
	reply, err := o.requester.SendAndAwait(ctx, role, req, timeout)
	if err != nil {
		return err
	}
	if err := reply.Decode(out); err != nil {
		return xerrors.Wrap(xerrors.CodeProviderFailure, err, fmt.Sprintf("解析 %s 响应失败", role))
	}
	return nil
}

// dispatch 先追加 dispatching 台账条目再下发兑换，确认后转为 pending。
// 确认失败或被拒绝时条目标记为 failed，条目不会被删除。
func (o *Orchestrator) dispatch(ctx context.Context, cycleID string, signal Signal) error {
	amount, route := o.cfg.SellAmount, o.cfg.SellRoute
	if signal == SignalBuy {
		amount, route = o.cfg.BuyAmount, o.cfg.BuyRoute
	}
	req := protocol.SwapRequest{
		Blockchain: o.cfg.Network,
		Signal:     strings.ToLower(string(signal)),
		Route:      route,
		Amount:     amount,
		Credential: o.credential,
	}

	now := o.now()
	entry := LedgerEntry{
		ID:        uuid.NewString(),
		CycleID:   cycleID,
		Signal:    string(signal),
		Network:   o.cfg.Network,
		Route:     route,
		Amount:    amount,
		Status:    StatusDispatching,
		CreatedAt: now,
		UpdatedAt: now,
	}
	o.mutate(func(s *Session) {
		s.PendingTransactions = append(s.PendingTransactions, entry)
	})

	reply, err := o.requester.SendAndAwait(ctx, protocol.RoleSwap, req, o.cfg.SwapTimeout.Duration)
	if err != nil {
		o.failDispatch(entry.ID, "兑换请求未得到确认")
		return xerrors.Wrap(CodeCycleAborted, err, "兑换请求未得到确认")
	}
	var ack protocol.SwapResponse
	if err := reply.Decode(&ack); err != nil {
		o.failDispatch(entry.ID, "解析兑换确认失败")
		return xerrors.Wrap(CodeCycleAborted, err, "解析兑换确认失败")
	}
	if ack.Status == protocol.StatusRejected || ack.Status == protocol.StatusFailure {
		o.failDispatch(entry.ID, "兑换请求被拒绝: "+ack.Status)
		return xerrors.New(CodeCycleAborted, "兑换请求被拒绝", xerrors.WithMetadata("status", ack.Status))
	}

	// 完成通知可能先于确认到达，此时条目已被推进，不再改回 pending。
	o.mutate(func(s *Session) {
		for i := range s.PendingTransactions {
			e := &s.PendingTransactions[i]
			if e.ID == entry.ID && e.Status == StatusDispatching {
				e.Status = StatusPending
				e.UpdatedAt = o.now()
				return
			}
		}
	})
	o.log.Info("兑换已下发",
		slog.String("cycle_id", cycleID),
		slog.String("entry_id", entry.ID),
		slog.String("signal", req.Signal),
		slog.Float64("amount", amount),
		slog.String("route", route))
	return nil
}

// failDispatch 把仍处于 dispatching 的条目标记为 failed 并移入已完成列表。
func (o *Orchestrator) failDispatch(entryID, reason string) {
	o.mutate(func(s *Session) {
		for i := range s.PendingTransactions {
			e := &s.PendingTransactions[i]
			if e.ID != entryID || e.Status != StatusDispatching {
				continue
			}
			now := o.now()
			e.Status = StatusFailed
			e.Message = reason
			e.UpdatedAt = now
			e.CompletedAt = &now
			s.CompletedTransactions = append(s.CompletedTransactions, *e)
			s.PendingTransactions = append(s.PendingTransactions[:i], s.PendingTransactions[i+1:]...)
			return
		}
	})
}

func positiveOr(v, fallback int) int {
	if v > 0 {
		return v
	}
	return fallback
}
