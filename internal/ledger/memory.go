package ledger

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/crypto"

	xerrors "CryptoReason-Chain/internal/errors"
)

// MemoryChain is an in-process chain with instant finality. Every account view
// created through Account shares the same balances and receipts.
type MemoryChain struct {
	mu       sync.Mutex
	denom    string
	balances map[string]*big.Int
	receipts map[string]*Receipt
	height   uint64
	failWith error
	loseWith error
}

// NewMemoryChain creates an empty chain using denom as its native coin.
func NewMemoryChain(denom string) *MemoryChain {
	return &MemoryChain{
		denom:    denom,
		balances: make(map[string]*big.Int),
		receipts: make(map[string]*Receipt),
	}
}

// Fund credits address with amount out of thin air.
func (c *MemoryChain) Fund(address string, amount *big.Int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.balanceLocked(address).Add(c.balanceLocked(address), amount)
}

// Record stores an arbitrary receipt, e.g. a transfer made outside this process.
func (c *MemoryChain) Record(r Receipt) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.height++
	r.BlockNumber = c.height
	if r.Amount != nil {
		r.Amount = new(big.Int).Set(r.Amount)
	}
	c.receipts[strings.ToLower(r.TxHash)] = &r
}

// FailTransfers makes subsequent transfers fail with err until called with nil.
func (c *MemoryChain) FailTransfers(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failWith = err
}

// LoseBroadcasts makes subsequent transfers settle on chain but report err
// as CodeBroadcastUncertain, like a node that accepts a tx and then times out.
func (c *MemoryChain) LoseBroadcasts(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.loseWith = err
}

// Account returns a ledger view that signs as address.
func (c *MemoryChain) Account(address string) *MemoryLedger {
	return &MemoryLedger{chain: c, owner: address}
}

func (c *MemoryChain) balanceLocked(address string) *big.Int {
	key := strings.ToLower(address)
	bal, ok := c.balances[key]
	if !ok {
		bal = new(big.Int)
		c.balances[key] = bal
	}
	return bal
}

// MemoryLedger is one account on a MemoryChain.
type MemoryLedger struct {
	chain *MemoryChain
	owner string
}

func (l *MemoryLedger) Address() string { return l.owner }
func (l *MemoryLedger) Denom() string   { return l.chain.denom }
func (l *MemoryLedger) Close()          {}

func (l *MemoryLedger) Balance(_ context.Context, address string) (*big.Int, error) {
	l.chain.mu.Lock()
	defer l.chain.mu.Unlock()
	return new(big.Int).Set(l.chain.balanceLocked(address)), nil
}

func (l *MemoryLedger) Transfer(ctx context.Context, to string, amount *big.Int) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if amount == nil || amount.Sign() <= 0 {
		return "", xerrors.New(xerrors.CodeInvalidArgument, "transfer amount must be positive")
	}
	c := l.chain
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failWith != nil {
		return "", xerrors.Wrap(xerrors.CodeSettlementFailure, c.failWith, "transfer rejected")
	}
	from := c.balanceLocked(l.owner)
	if from.Cmp(amount) < 0 {
		return "", xerrors.New(xerrors.CodeSettlementFailure, ErrInsufficientFunds.Message(),
			xerrors.WithMetadata("balance", from.String()),
			xerrors.WithMetadata("amount", amount.String()))
	}
	from.Sub(from, amount)
	dst := c.balanceLocked(to)
	dst.Add(dst, amount)

	c.height++
	hash := crypto.Keccak256Hash([]byte(fmt.Sprintf("%s|%s|%s|%d", l.owner, to, amount, c.height))).Hex()
	c.receipts[strings.ToLower(hash)] = &Receipt{
		TxHash:      hash,
		From:        l.owner,
		To:          to,
		Amount:      new(big.Int).Set(amount),
		Denom:       c.denom,
		Success:     true,
		BlockNumber: c.height,
	}
	if c.loseWith != nil {
		return "", xerrors.Wrap(CodeBroadcastUncertain, c.loseWith, "broadcast transfer",
			xerrors.WithMetadata("tx_hash", hash))
	}
	return hash, nil
}

func (l *MemoryLedger) WaitFinality(ctx context.Context, txHash string) (*Receipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c := l.chain
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.receipts[strings.ToLower(txHash)]
	if !ok {
		return nil, xerrors.New(xerrors.CodeNotFound, ErrUnknownTx.Message(), xerrors.WithMetadata("tx_hash", txHash))
	}
	clone := *r
	if r.Amount != nil {
		clone.Amount = new(big.Int).Set(r.Amount)
	}
	return &clone, nil
}

var _ Ledger = (*MemoryLedger)(nil)
