// Package escrow 实现费用/奖励握手：付款方（Obligor）先链上支付费用，
// 收款方（Counterparty）在核验收据后记下一条托管记录，之后凭该记录发放一次奖励。
package escrow

import (
	"context"
	"math/big"
	"time"

	xerrors "CryptoReason-Chain/internal/errors"
)

// 托管相关的错误码。
const (
	CodeEscrowNotFound   xerrors.Code = "ESCROW_NOT_FOUND"
	CodeDuplicateReceipt xerrors.Code = "DUPLICATE_RECEIPT"
	CodePaymentMismatch  xerrors.Code = "PAYMENT_MISMATCH"
	CodeFeeLimitExceeded xerrors.Code = "FEE_LIMIT_EXCEEDED"
)

func init() {
	xerrors.Register(CodeEscrowNotFound, xerrors.Attributes{
		Message:  "no escrow record for obligor",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeDuplicateReceipt, xerrors.Attributes{
		Message:  "transaction already backs an escrow record",
		Severity: xerrors.SeverityWarning,
		Alert:    true,
	})
	xerrors.Register(CodePaymentMismatch, xerrors.Attributes{
		Message:  "on-chain payment does not match the request",
		Severity: xerrors.SeverityWarning,
		Alert:    true,
	})
	xerrors.Register(CodeFeeLimitExceeded, xerrors.Attributes{
		Message:  "requested fee exceeds the configured limit",
		Severity: xerrors.SeverityWarning,
		Alert:    true,
	})
}

var (
	// ErrNotFound 表示该付款方没有可消费的托管记录。
	ErrNotFound = xerrors.New(CodeEscrowNotFound, "托管记录不存在")
	// ErrDuplicateReceipt 表示交易哈希已被使用过。
	ErrDuplicateReceipt = xerrors.New(CodeDuplicateReceipt, "交易哈希已被使用")
)

// Record 是一次已核验的费用支付。
type Record struct {
	Obligor   string    `json:"obligor"`
	Wallet    string    `json:"wallet"`
	TxHash    string    `json:"tx_hash"`
	Amount    *big.Int  `json:"amount"`
	Denom     string    `json:"denom"`
	CreatedAt time.Time `json:"created_at"`
}

// Store 持久化托管记录。同一付款方的记录按创建时间先进先出消费，
// 交易哈希一经使用永久占用，即使记录随后被消费。
type Store interface {
	// Create 写入记录，哈希已被使用时返回 ErrDuplicateReceipt。
	Create(ctx context.Context, rec Record) error
	// ConsumeOldest 原子地取出并删除付款方最早的一条记录，没有时返回 ErrNotFound。
	ConsumeOldest(ctx context.Context, obligor string) (Record, error)
	// Restore 把消费后发放失败的记录放回原位置。
	Restore(ctx context.Context, rec Record) error
	// List 返回付款方当前未消费的记录，obligor 为空时返回全部。
	List(ctx context.Context, obligor string) ([]Record, error)
	Close() error
}
