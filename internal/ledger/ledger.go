// Package ledger abstracts the settlement chain used by the escrow handshake:
// native transfers, balance queries and finality-aware receipt lookup. The EVM
// implementation talks to a JSON-RPC node through go-ethereum; MemoryChain is
// an in-process chain for tests and single-process deployments.
package ledger

import (
	"context"
	"math/big"
	"strings"

	xerrors "CryptoReason-Chain/internal/errors"
)

// Receipt is the chain's view of a finalized native transfer.
type Receipt struct {
	TxHash      string   `json:"tx_hash"`
	From        string   `json:"from"`
	To          string   `json:"to"`
	Amount      *big.Int `json:"amount"`
	Denom       string   `json:"denom"`
	Success     bool     `json:"success"`
	BlockNumber uint64   `json:"block_number"`
}

// Ledger is the subset of chain access the escrow protocol depends on.
type Ledger interface {
	// Address is the wallet controlled by this process.
	Address() string
	// Denom is the native denomination of the chain, e.g. "atestfet" or "wei".
	Denom() string
	Balance(ctx context.Context, address string) (*big.Int, error)
	// Transfer sends amount atomic units to the recipient and returns the tx hash.
	Transfer(ctx context.Context, to string, amount *big.Int) (string, error)
	// WaitFinality blocks until the tx is final or ctx ends.
	WaitFinality(ctx context.Context, txHash string) (*Receipt, error)
	Close()
}

// CodeBroadcastUncertain marks a transfer whose broadcast failed after signing.
// The node may still have accepted the tx, so callers must not treat it as unsent.
const CodeBroadcastUncertain xerrors.Code = "BROADCAST_UNCERTAIN"

func init() {
	xerrors.Register(CodeBroadcastUncertain, xerrors.Attributes{
		Message:  "transfer broadcast outcome unknown",
		Severity: xerrors.SeverityCritical,
		Alert:    true,
	})
}

var (
	// ErrUnknownTx is returned for hashes the chain has never seen.
	ErrUnknownTx = xerrors.New(xerrors.CodeNotFound, "transaction not found")
	// ErrInsufficientFunds is returned when the sender cannot cover the transfer.
	ErrInsufficientFunds = xerrors.New(xerrors.CodeSettlementFailure, "insufficient funds")
)

// Matches reports whether the receipt is a successful transfer of exactly
// amount/denom into the expected receiver.
func (r *Receipt) Matches(receiver string, amount *big.Int, denom string) bool {
	if r == nil || !r.Success || r.Amount == nil || amount == nil {
		return false
	}
	return sameAddress(r.To, receiver) && r.Amount.Cmp(amount) == 0 && r.Denom == denom
}

func sameAddress(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}
