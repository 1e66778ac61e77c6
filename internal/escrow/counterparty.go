package escrow

import (
	"context"
	"errors"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	xerrors "CryptoReason-Chain/internal/errors"
	"CryptoReason-Chain/internal/ledger"
	"CryptoReason-Chain/internal/observability/alerting"
	"CryptoReason-Chain/internal/observability/metrics"
	"CryptoReason-Chain/internal/protocol"
	"CryptoReason-Chain/internal/runtime"
	"CryptoReason-Chain/internal/transport"
	"CryptoReason-Chain/pkg/logger"
)

// Replier 发送带关联 ID 的响应。
type Replier interface {
	Reply(ctx context.Context, request transport.Envelope, msg protocol.Message) error
}

// Terms 是收款方公布的费用与奖励。
type Terms struct {
	Fee    *big.Int
	Reward *big.Int
	Denom  string
}

// Counterparty 是收款方：索取费用、核验付款、按记录发放奖励。
type Counterparty struct {
	ledger          ledger.Ledger
	store           Store
	replier         Replier
	terms           Terms
	finalityTimeout time.Duration
	now             func() time.Time
	alerts          alerting.Dispatcher
	log             *slog.Logger

	mu      sync.Mutex
	wallets map[string]string
}

// CounterpartyOption 调整收款方行为。
type CounterpartyOption func(*Counterparty)

// WithFinalityTimeout 设置等待付款交易最终确认的上限。
func WithFinalityTimeout(d time.Duration) CounterpartyOption {
	return func(c *Counterparty) {
		if d > 0 {
			c.finalityTimeout = d
		}
	}
}

// WithClock 替换时间来源，主要用于测试。
func WithClock(now func() time.Time) CounterpartyOption {
	return func(c *Counterparty) {
		if now != nil {
			c.now = now
		}
	}
}

// WithAlerts 设置告警分发器，奖励广播结果不明时发出告警。
func WithAlerts(d alerting.Dispatcher) CounterpartyOption {
	return func(c *Counterparty) { c.alerts = d }
}

// NewCounterparty 创建收款方。
func NewCounterparty(l ledger.Ledger, store Store, replier Replier, terms Terms, opts ...CounterpartyOption) *Counterparty {
	c := &Counterparty{
		ledger:          l,
		store:           store,
		replier:         replier,
		terms:           terms,
		finalityTimeout: time.Minute,
		now:             time.Now,
		log:             logger.Named("escrow"),
		wallets:         make(map[string]string),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Register 把三个握手消息挂到运行时的分发表上。
func (c *Counterparty) Register(rt *runtime.Runtime) {
	runtime.On(rt, c.HandleInquiry)
	runtime.On(rt, c.HandleTransaction)
	runtime.On(rt, c.HandleRewardRequest)
}

// HandleInquiry 回复收款地址与精确费用。
func (c *Counterparty) HandleInquiry(ctx context.Context, env transport.Envelope, msg protocol.PaymentInquiry) error {
	if msg.Ready != protocol.StatusReady {
		c.log.Warn("忽略未就绪的付款询问", slog.String("sender", env.Sender), slog.String("ready", msg.Ready))
		return nil
	}
	if wallet := strings.TrimSpace(msg.Wallet); wallet != "" {
		c.mu.Lock()
		c.wallets[env.Sender] = wallet
		c.mu.Unlock()
	}
	return c.replier.Reply(ctx, env, protocol.PaymentRequest{
		WalletAddress: c.ledger.Address(),
		Amount:        new(big.Int).Set(c.terms.Fee),
		Denom:         c.terms.Denom,
	})
}

// HandleTransaction 核验付款交易，只有金额、币种、收款地址完全一致且哈希未被使用时才建立托管记录。
func (c *Counterparty) HandleTransaction(ctx context.Context, env transport.Envelope, msg protocol.TransactionInfo) error {
	rec, err := c.verifyPayment(ctx, env.Sender, msg.TxHash)
	if err != nil {
		metrics.EscrowEvent("rejected")
		c.log.Warn("付款核验失败",
			slog.String("sender", env.Sender),
			slog.String("tx_hash", msg.TxHash),
			slog.Any("error", err))
		logger.Audit().Warn("escrow payment rejected",
			slog.String("obligor", env.Sender),
			slog.String("tx_hash", msg.TxHash),
			slog.String("code", string(xerrors.CodeOf(err))))
		return c.replier.Reply(ctx, env, protocol.PaymentReceived{Status: protocol.StatusFailure})
	}

	metrics.EscrowEvent("created")
	logger.Audit().Info("escrow record created",
		slog.String("obligor", rec.Obligor),
		slog.String("wallet", rec.Wallet),
		slog.String("tx_hash", rec.TxHash),
		slog.String("amount", rec.Amount.String()),
		slog.String("denom", rec.Denom))
	return c.replier.Reply(ctx, env, protocol.PaymentReceived{Status: protocol.StatusSuccess})
}

func (c *Counterparty) verifyPayment(ctx context.Context, obligor, txHash string) (Record, error) {
	txHash = strings.TrimSpace(txHash)
	if txHash == "" {
		return Record{}, xerrors.New(xerrors.CodeInvalidArgument, "缺少交易哈希")
	}

	waitCtx, cancel := context.WithTimeout(ctx, c.finalityTimeout)
	defer cancel()
	receipt, err := c.ledger.WaitFinality(waitCtx, txHash)
	if err != nil {
		return Record{}, err
	}
	if !receipt.Matches(c.ledger.Address(), c.terms.Fee, c.terms.Denom) {
		return Record{}, xerrors.New(CodePaymentMismatch, "",
			xerrors.WithMetadata("to", receipt.To),
			xerrors.WithMetadata("amount", amountString(receipt.Amount)),
			xerrors.WithMetadata("denom", receipt.Denom))
	}

	c.mu.Lock()
	wallet, claimed := c.wallets[obligor]
	c.mu.Unlock()
	if claimed && !sameWallet(wallet, receipt.From) {
		return Record{}, xerrors.New(CodePaymentMismatch, "付款地址与声明的钱包不一致",
			xerrors.WithMetadata("claimed", wallet),
			xerrors.WithMetadata("from", receipt.From))
	}

	rec := Record{
		Obligor:   obligor,
		Wallet:    receipt.From,
		TxHash:    receipt.TxHash,
		Amount:    new(big.Int).Set(receipt.Amount),
		Denom:     receipt.Denom,
		CreatedAt: c.now().UTC(),
	}
	if err := c.store.Create(ctx, rec); err != nil {
		return Record{}, err
	}
	return rec, nil
}

// HandleRewardRequest 消费付款方最早的一条托管记录并发放奖励。
// 广播前失败时记录被放回，资金不发生变动；广播结果不明时记录不放回，只告警。
func (c *Counterparty) HandleRewardRequest(ctx context.Context, env transport.Envelope, msg protocol.RewardRequest) error {
	if msg.Status != protocol.StatusReward {
		c.log.Warn("忽略未知的奖励请求", slog.String("sender", env.Sender), slog.String("status", msg.Status))
		return nil
	}

	rec, err := c.store.ConsumeOldest(ctx, env.Sender)
	if errors.Is(err, ErrNotFound) {
		metrics.EscrowEvent("not_found")
		c.log.Info("没有可用的托管记录", slog.String("sender", env.Sender))
		return c.replier.Reply(ctx, env, protocol.PaymentReceived{Status: protocol.StatusNotFound})
	}
	if err != nil {
		c.log.Error("读取托管记录失败", slog.String("sender", env.Sender), slog.Any("error", err))
		return c.replier.Reply(ctx, env, protocol.PaymentReceived{Status: protocol.StatusFailure})
	}
	metrics.EscrowEvent("consumed")

	txHash, err := c.ledger.Transfer(ctx, rec.Wallet, c.terms.Reward)
	if xerrors.CodeOf(err) == ledger.CodeBroadcastUncertain {
		c.broadcastUncertain(ctx, rec, err)
		return c.replier.Reply(ctx, env, protocol.PaymentReceived{Status: protocol.StatusFailure})
	}
	if err != nil {
		if restoreErr := c.store.Restore(ctx, rec); restoreErr != nil {
			c.log.Error("恢复托管记录失败",
				slog.String("obligor", rec.Obligor),
				slog.String("tx_hash", rec.TxHash),
				slog.Any("error", restoreErr))
		} else {
			metrics.EscrowEvent("restored")
		}
		c.log.Error("发放奖励失败", slog.String("obligor", rec.Obligor), slog.Any("error", err))
		logger.Audit().Error("escrow reward failed",
			slog.String("obligor", rec.Obligor),
			slog.String("escrow_tx", rec.TxHash),
			slog.String("error", err.Error()))
		return c.replier.Reply(ctx, env, protocol.PaymentReceived{Status: protocol.StatusFailure})
	}

	metrics.EscrowEvent("rewarded")
	logger.Audit().Info("escrow reward issued",
		slog.String("obligor", rec.Obligor),
		slog.String("wallet", rec.Wallet),
		slog.String("escrow_tx", rec.TxHash),
		slog.String("reward_tx", txHash),
		slog.String("amount", c.terms.Reward.String()),
		slog.String("denom", c.terms.Denom))
	return c.replier.Reply(ctx, env, protocol.TransactionInfo{TxHash: txHash})
}

// broadcastUncertain 处理已签名但广播结果不明的奖励。奖励可能已上链，记录保持已消费。
func (c *Counterparty) broadcastUncertain(ctx context.Context, rec Record, err error) {
	metrics.EscrowEvent("broadcast_uncertain")
	c.log.Error("奖励广播结果不明，托管记录不放回",
		slog.String("obligor", rec.Obligor),
		slog.String("escrow_tx", rec.TxHash),
		slog.Any("error", err))
	logger.Audit().Error("escrow reward broadcast uncertain",
		slog.String("obligor", rec.Obligor),
		slog.String("wallet", rec.Wallet),
		slog.String("escrow_tx", rec.TxHash),
		slog.String("amount", c.terms.Reward.String()),
		slog.String("error", err.Error()))
	if c.alerts == nil {
		return
	}
	if notifyErr := c.alerts.Notify(ctx, alerting.FromError("escrow", "", err)); notifyErr != nil {
		c.log.Warn("发送告警失败", slog.Any("error", notifyErr))
	}
}

func amountString(v *big.Int) string {
	if v == nil {
		return ""
	}
	return v.String()
}

func sameWallet(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}
