package escrow

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	xerrors "CryptoReason-Chain/internal/errors"
	"CryptoReason-Chain/internal/ledger"
	"CryptoReason-Chain/internal/observability/metrics"
	"CryptoReason-Chain/internal/protocol"
	"CryptoReason-Chain/internal/transport"
	"CryptoReason-Chain/pkg/logger"
)

// Requester 发送请求并等待关联响应。
type Requester interface {
	SendAndAwait(ctx context.Context, target string, msg protocol.Message, timeout time.Duration) (transport.Envelope, error)
}

// ObligorConfig 描述付款方的限额与期望奖励。
type ObligorConfig struct {
	// Counterparty 是收款方的角色名或地址。
	Counterparty    string
	MaxFee          *big.Int
	Denom           string
	ExpectedReward  *big.Int
	Timeout         time.Duration
	FinalityTimeout time.Duration
}

// Obligor 是付款方：支付费用，之后申请奖励并核验奖励交易。
type Obligor struct {
	requester Requester
	ledger    ledger.Ledger
	cfg       ObligorConfig
	log       *slog.Logger
}

// RewardOutcome 是一次奖励申请的结果。
type RewardOutcome struct {
	// Status 为 success、not_found 或 failure。
	Status   string `json:"status"`
	TxHash   string `json:"tx_hash,omitempty"`
	Verified bool   `json:"verified"`
}

// NewObligor 创建付款方。
func NewObligor(requester Requester, l ledger.Ledger, cfg ObligorConfig) *Obligor {
	if cfg.FinalityTimeout <= 0 {
		cfg.FinalityTimeout = time.Minute
	}
	return &Obligor{requester: requester, ledger: l, cfg: cfg, log: logger.Named("obligor")}
}

// Wallet 返回付款方钱包地址。
func (o *Obligor) Wallet() string { return o.ledger.Address() }

// PayFee 完成费用握手并返回付款交易哈希。收款方索取的金额超过上限或币种不符时拒绝付款。
func (o *Obligor) PayFee(ctx context.Context) (string, error) {
	reply, err := o.requester.SendAndAwait(ctx, o.cfg.Counterparty, protocol.PaymentInquiry{
		Ready:  protocol.StatusReady,
		Wallet: o.ledger.Address(),
	}, o.cfg.Timeout)
	if err != nil {
		return "", err
	}
	if reply.Type != protocol.TypePaymentRequest {
		return "", xerrors.New(xerrors.CodeSettlementFailure, fmt.Sprintf("意外的响应类型 %s", reply.Type))
	}
	var req protocol.PaymentRequest
	if err := reply.Decode(&req); err != nil {
		return "", xerrors.Wrap(xerrors.CodeSettlementFailure, err, "解析付款请求失败")
	}
	if err := o.checkRequest(req); err != nil {
		logger.Audit().Warn("fee request refused",
			slog.String("counterparty", reply.Sender),
			slog.String("amount", amountString(req.Amount)),
			slog.String("denom", req.Denom))
		return "", err
	}

	txHash, err := o.ledger.Transfer(ctx, req.WalletAddress, req.Amount)
	if err != nil {
		return "", err
	}
	logger.Audit().Info("fee paid",
		slog.String("counterparty", reply.Sender),
		slog.String("to", req.WalletAddress),
		slog.String("tx_hash", txHash),
		slog.String("amount", req.Amount.String()),
		slog.String("denom", req.Denom))

	ack, err := o.requester.SendAndAwait(ctx, o.cfg.Counterparty, protocol.TransactionInfo{TxHash: txHash}, o.cfg.Timeout+o.cfg.FinalityTimeout)
	if err != nil {
		return txHash, err
	}
	var received protocol.PaymentReceived
	if err := ack.Decode(&received); err != nil {
		return txHash, xerrors.Wrap(xerrors.CodeSettlementFailure, err, "解析付款确认失败")
	}
	if received.Status != protocol.StatusSuccess {
		return txHash, xerrors.New(xerrors.CodeSettlementFailure, "收款方未确认付款",
			xerrors.WithMetadata("status", received.Status),
			xerrors.WithMetadata("tx_hash", txHash))
	}
	metrics.EscrowEvent("fee_paid")
	return txHash, nil
}

func (o *Obligor) checkRequest(req protocol.PaymentRequest) error {
	if req.Amount == nil || req.Amount.Sign() <= 0 || req.WalletAddress == "" {
		return xerrors.New(xerrors.CodeSettlementFailure, "付款请求不完整")
	}
	if req.Denom != o.cfg.Denom {
		return xerrors.New(CodeFeeLimitExceeded, "币种不符",
			xerrors.WithMetadata("requested", req.Denom),
			xerrors.WithMetadata("expected", o.cfg.Denom))
	}
	if o.cfg.MaxFee != nil && req.Amount.Cmp(o.cfg.MaxFee) > 0 {
		return xerrors.New(CodeFeeLimitExceeded, "",
			xerrors.WithMetadata("requested", req.Amount.String()),
			xerrors.WithMetadata("max_fee", o.cfg.MaxFee.String()))
	}
	return nil
}

// RequestReward 申请奖励。收到奖励交易后核验收款地址与金额，不一致只记录审计日志，不重试。
func (o *Obligor) RequestReward(ctx context.Context) (RewardOutcome, error) {
	reply, err := o.requester.SendAndAwait(ctx, o.cfg.Counterparty, protocol.RewardRequest{Status: protocol.StatusReward}, o.cfg.Timeout)
	if err != nil {
		return RewardOutcome{Status: protocol.StatusFailure}, err
	}

	switch reply.Type {
	case protocol.TypePaymentReceived:
		var received protocol.PaymentReceived
		if err := reply.Decode(&received); err != nil {
			return RewardOutcome{Status: protocol.StatusFailure}, xerrors.Wrap(xerrors.CodeSettlementFailure, err, "解析奖励响应失败")
		}
		if received.Status == protocol.StatusNotFound {
			return RewardOutcome{Status: protocol.StatusNotFound}, nil
		}
		return RewardOutcome{Status: protocol.StatusFailure}, xerrors.New(xerrors.CodeSettlementFailure, "奖励发放失败",
			xerrors.WithMetadata("status", received.Status))
	case protocol.TypeTransactionInfo:
		var info protocol.TransactionInfo
		if err := reply.Decode(&info); err != nil {
			return RewardOutcome{Status: protocol.StatusFailure}, xerrors.Wrap(xerrors.CodeSettlementFailure, err, "解析奖励交易失败")
		}
		outcome := RewardOutcome{Status: protocol.StatusSuccess, TxHash: info.TxHash}
		outcome.Verified = o.verifyReward(ctx, info.TxHash)
		return outcome, nil
	default:
		return RewardOutcome{Status: protocol.StatusFailure}, xerrors.New(xerrors.CodeSettlementFailure, fmt.Sprintf("意外的响应类型 %s", reply.Type))
	}
}

func (o *Obligor) verifyReward(ctx context.Context, txHash string) bool {
	waitCtx, cancel := context.WithTimeout(ctx, o.cfg.FinalityTimeout)
	defer cancel()
	receipt, err := o.ledger.WaitFinality(waitCtx, txHash)
	if err != nil {
		o.log.Warn("无法确认奖励交易", slog.String("tx_hash", txHash), slog.Any("error", err))
		logger.Audit().Warn("reward unverified", slog.String("tx_hash", txHash), slog.String("error", err.Error()))
		return false
	}
	expected := o.cfg.ExpectedReward
	ok := receipt.Success && sameWallet(receipt.To, o.ledger.Address())
	if ok && expected != nil {
		ok = receipt.Matches(o.ledger.Address(), expected, o.cfg.Denom)
	}
	if !ok {
		o.log.Warn("奖励交易与预期不符",
			slog.String("tx_hash", txHash),
			slog.String("to", receipt.To),
			slog.String("amount", amountString(receipt.Amount)))
		logger.Audit().Warn("reward mismatch",
			slog.String("tx_hash", txHash),
			slog.String("to", receipt.To),
			slog.String("amount", amountString(receipt.Amount)))
		return false
	}
	metrics.EscrowEvent("reward_verified")
	logger.Audit().Info("reward received",
		slog.String("tx_hash", txHash),
		slog.String("amount", amountString(receipt.Amount)),
		slog.String("denom", receipt.Denom))
	return true
}
