// Package orchestrator 驱动交易周期：心跳门控、费用门控、并发采集行情、
// 多轮推理共识、提取信号并下发兑换，再在兑换完成后申领一次奖励。
package orchestrator

import (
	"context"
	"log/slog"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"CryptoReason-Chain/internal/config"
	"CryptoReason-Chain/internal/escrow"
	"CryptoReason-Chain/internal/ledger"
	"CryptoReason-Chain/internal/observability/alerting"
	"CryptoReason-Chain/internal/protocol"
	"CryptoReason-Chain/internal/runtime"
	"CryptoReason-Chain/internal/transport"
	"CryptoReason-Chain/pkg/logger"
)

// Requester 是编排器需要的出站能力。
type Requester interface {
	SendAndAwait(ctx context.Context, target string, msg protocol.Message, timeout time.Duration) (transport.Envelope, error)
}

// Settler 是费用门控与奖励申领的付款方一侧。
type Settler interface {
	Wallet() string
	PayFee(ctx context.Context) (string, error)
	RequestReward(ctx context.Context) (escrow.RewardOutcome, error)
}

// Orchestrator 在单个进程内串行执行交易周期。兑换完成通知可能在任意时刻到达，
// 会话状态由 mu 保护，落盘由 persistMu 串行化以保证快照顺序。
type Orchestrator struct {
	cfg        config.OrchestratorConfig
	requester  Requester
	settler    Settler
	ledger     ledger.Ledger
	alerts     alerting.Dispatcher
	store      SessionStore
	credential string
	threshold  *big.Int

	mu        sync.Mutex
	session   *Session
	persistMu sync.Mutex
	cycleMu   sync.Mutex

	trigger chan struct{}
	running atomic.Bool
	now     func() time.Time
	log     *slog.Logger
}

// Option 定义 Orchestrator 的可选配置。
type Option func(*Orchestrator)

// WithSettler 启用费用门控。l 用于在付费前检查余额，可以为 nil。
func WithSettler(s Settler, l ledger.Ledger) Option {
	return func(o *Orchestrator) {
		o.settler = s
		o.ledger = l
	}
}

// WithAlerts 设置告警分发器。
func WithAlerts(d alerting.Dispatcher) Option {
	return func(o *Orchestrator) { o.alerts = d }
}

// WithSessionStore 设置会话持久化位置。
func WithSessionStore(store SessionStore) Option {
	return func(o *Orchestrator) { o.store = store }
}

// WithClock 替换时间源，主要用于测试。
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

// New 创建编排器，并从会话存储中恢复未完成的台账。
func New(cfg config.OrchestratorConfig, requester Requester, opts ...Option) (*Orchestrator, error) {
	o := &Orchestrator{
		cfg:        cfg,
		requester:  requester,
		credential: config.Secret(cfg.CredentialEnv),
		trigger:    make(chan struct{}, 1),
		now:        time.Now,
		log:        logger.Named("orchestrator"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	if o.cfg.Rounds <= 0 {
		o.cfg.Rounds = 1
	}
	if raw := cfg.FeeGate.TopupThreshold; raw != "" {
		threshold, err := config.ParseAmount(raw)
		if err != nil {
			return nil, err
		}
		o.threshold = threshold
	}

	sess, err := o.store.Load()
	if err != nil {
		return nil, err
	}
	o.session = sess
	if n := len(sess.PendingTransactions); n > 0 {
		o.log.Info("已恢复未完成的兑换", slog.Int("pending", n))
	}
	return o, nil
}

// Register 把编排器接入运行时：兑换完成通知、周期定时器以及后台周期协程。
func (o *Orchestrator) Register(rt *runtime.Runtime) {
	runtime.On(rt, o.HandleSwapCompleted)
	if o.cfg.Interval.Duration > 0 {
		rt.Every("trading-cycle", o.cfg.Interval.Duration, func(context.Context) {
			o.Trigger()
		})
	}
	rt.OnStartup(func(ctx context.Context) error {
		go o.loop(ctx)
		if o.cfg.RunOnStart {
			o.Trigger()
		}
		return nil
	})
}

// Trigger 请求执行一个周期。已有周期在排队时合并为一次，返回 false。
func (o *Orchestrator) Trigger() bool {
	select {
	case o.trigger <- struct{}{}:
		return true
	default:
		o.log.Debug("已有周期在排队，合并本次触发")
		return false
	}
}

// Running 报告是否有周期正在执行。
func (o *Orchestrator) Running() bool {
	return o.running.Load()
}

// loop 在独立协程中执行周期，使运行时的收件箱在周期内仍能处理兑换完成通知。
func (o *Orchestrator) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-o.trigger:
			o.RunCycle(ctx)
		}
	}
}

// Session 返回会话快照。
func (o *Orchestrator) Session() Session {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.session.clone()
}

// Transactions 返回待完成与已完成的台账快照。
func (o *Orchestrator) Transactions() (pending, completed []LedgerEntry) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return cloneEntries(o.session.PendingTransactions), cloneEntries(o.session.CompletedTransactions)
}

// mutate 在锁内修改会话，然后持久化快照。持久化失败只记录日志。
func (o *Orchestrator) mutate(fn func(s *Session)) {
	o.persistMu.Lock()
	defer o.persistMu.Unlock()

	o.mu.Lock()
	fn(o.session)
	snapshot := o.session.clone()
	o.mu.Unlock()

	if err := o.store.Save(snapshot); err != nil {
		o.log.Error("保存会话失败", slog.String("path", o.store.Path), slog.Any("error", err))
	}
}

func (o *Orchestrator) alert(ctx context.Context, cycleID string, err error) {
	if o.alerts == nil {
		return
	}
	if notifyErr := o.alerts.Notify(ctx, alerting.FromError("orchestrator", cycleID, err)); notifyErr != nil {
		o.log.Warn("发送告警失败", slog.Any("error", notifyErr))
	}
}
