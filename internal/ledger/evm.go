package ledger

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"regexp"
	"strings"
	"sync"
	"time"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"

	xerrors "CryptoReason-Chain/internal/errors"
)

// transferGas is the intrinsic gas of a plain value transfer.
const transferGas = 21000

var txHashPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{64}$`)

// chainBackend is the subset of ethclient used by EVMLedger. Both
// *ethclient.Client and the simulated backend client satisfy it.
type chainBackend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*coretypes.Header, error)
	SendTransaction(ctx context.Context, tx *coretypes.Transaction) error
	TransactionByHash(ctx context.Context, hash common.Hash) (*coretypes.Transaction, bool, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*coretypes.Receipt, error)
}

// EVMConfig describes how to reach an EVM compatible chain.
type EVMConfig struct {
	Name          string
	RPCURL        string
	PrivateKey    string
	Denom         string
	Confirmations uint64
	PollInterval  time.Duration
}

// EVMLedger settles native transfers on an EVM chain.
type EVMLedger struct {
	name          string
	backend       chainBackend
	rpcClient     *gethrpc.Client
	key           *ecdsa.PrivateKey
	address       common.Address
	chainID       *big.Int
	denom         string
	confirmations uint64
	poll          time.Duration

	nonceMu sync.Mutex
}

// DialEVM dials the configured RPC endpoint and returns a ready-to-use ledger.
func DialEVM(ctx context.Context, cfg EVMConfig) (*EVMLedger, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, errors.New("rpc url is not configured")
	}
	rpcClient, err := gethrpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeTransportFailure, err, "dial evm node")
	}
	l, err := NewEVM(ctx, ethclient.NewClient(rpcClient), cfg)
	if err != nil {
		rpcClient.Close()
		return nil, err
	}
	l.rpcClient = rpcClient
	return l, nil
}

// NewEVM wraps an existing backend, e.g. a simulated chain in tests.
func NewEVM(ctx context.Context, backend chainBackend, cfg EVMConfig) (*EVMLedger, error) {
	if backend == nil {
		return nil, errors.New("evm backend is nil")
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(cfg.PrivateKey), "0x"))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "parse private key")
	}
	chainID, err := backend.ChainID(ctx)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeTransportFailure, err, "fetch chain id")
	}
	denom := cfg.Denom
	if denom == "" {
		denom = "wei"
	}
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = time.Second
	}
	return &EVMLedger{
		name:          cfg.Name,
		backend:       backend,
		key:           key,
		address:       crypto.PubkeyToAddress(key.PublicKey),
		chainID:       chainID,
		denom:         denom,
		confirmations: cfg.Confirmations,
		poll:          poll,
	}, nil
}

func (l *EVMLedger) Address() string { return l.address.Hex() }
func (l *EVMLedger) Denom() string   { return l.denom }

// Close releases the RPC connection when the ledger owns one.
func (l *EVMLedger) Close() {
	if l.rpcClient != nil {
		l.rpcClient.Close()
		l.rpcClient = nil
	}
}

func (l *EVMLedger) Balance(ctx context.Context, address string) (*big.Int, error) {
	if !common.IsHexAddress(address) {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("invalid address %q", address))
	}
	bal, err := l.backend.BalanceAt(ctx, common.HexToAddress(address), nil)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeTransportFailure, err, "query balance")
	}
	return bal, nil
}

// Transfer signs and broadcasts an EIP-1559 value transfer.
func (l *EVMLedger) Transfer(ctx context.Context, to string, amount *big.Int) (string, error) {
	if !common.IsHexAddress(to) {
		return "", xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("invalid recipient %q", to))
	}
	if amount == nil || amount.Sign() <= 0 {
		return "", xerrors.New(xerrors.CodeInvalidArgument, "transfer amount must be positive")
	}

	l.nonceMu.Lock()
	defer l.nonceMu.Unlock()

	nonce, err := l.backend.PendingNonceAt(ctx, l.address)
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeTransportFailure, err, "query nonce")
	}
	tip, err := l.backend.SuggestGasTipCap(ctx)
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeTransportFailure, err, "suggest gas tip")
	}
	head, err := l.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeTransportFailure, err, "fetch latest header")
	}
	feeCap := new(big.Int).Set(tip)
	if head.BaseFee != nil {
		feeCap.Add(feeCap, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))
	}

	need := new(big.Int).Mul(feeCap, big.NewInt(transferGas))
	need.Add(need, amount)
	bal, err := l.backend.BalanceAt(ctx, l.address, nil)
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeTransportFailure, err, "query balance")
	}
	if bal.Cmp(need) < 0 {
		return "", xerrors.New(xerrors.CodeSettlementFailure, ErrInsufficientFunds.Message(),
			xerrors.WithMetadata("balance", bal.String()),
			xerrors.WithMetadata("required", need.String()))
	}

	recipient := common.HexToAddress(to)
	tx := coretypes.NewTx(&coretypes.DynamicFeeTx{
		ChainID:   l.chainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       transferGas,
		To:        &recipient,
		Value:     new(big.Int).Set(amount),
	})
	signed, err := coretypes.SignTx(tx, coretypes.LatestSignerForChainID(l.chainID), l.key)
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeSettlementFailure, err, "sign transfer")
	}
	if err := l.backend.SendTransaction(ctx, signed); err != nil {
		return "", xerrors.Wrap(CodeBroadcastUncertain, err, "broadcast transfer",
			xerrors.WithMetadata("tx_hash", signed.Hash().Hex()))
	}
	return signed.Hash().Hex(), nil
}

// WaitFinality polls until the receipt exists and has the configured number
// of confirmations on top of it.
func (l *EVMLedger) WaitFinality(ctx context.Context, txHash string) (*Receipt, error) {
	if !txHashPattern.MatchString(txHash) {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("malformed tx hash %q", txHash))
	}
	hash := common.HexToHash(txHash)

	ticker := time.NewTicker(l.poll)
	defer ticker.Stop()

	for {
		receipt, err := l.backend.TransactionReceipt(ctx, hash)
		switch {
		case err == nil && receipt != nil:
			final, ferr := l.isFinal(ctx, receipt)
			if ferr != nil {
				return nil, ferr
			}
			if final {
				return l.describe(ctx, hash, receipt)
			}
		case err != nil && !errors.Is(err, gethcore.NotFound):
			return nil, xerrors.Wrap(xerrors.CodeTransportFailure, err, "query receipt")
		}

		select {
		case <-ctx.Done():
			return nil, xerrors.Wrap(xerrors.CodeTimeout, ctx.Err(), "wait for finality",
				xerrors.WithMetadata("tx_hash", txHash))
		case <-ticker.C:
		}
	}
}

func (l *EVMLedger) isFinal(ctx context.Context, receipt *coretypes.Receipt) (bool, error) {
	if l.confirmations == 0 || receipt.BlockNumber == nil {
		return true, nil
	}
	head, err := l.backend.BlockNumber(ctx)
	if err != nil {
		return false, xerrors.Wrap(xerrors.CodeTransportFailure, err, "query block number")
	}
	mined := receipt.BlockNumber.Uint64()
	return head >= mined && head-mined >= l.confirmations, nil
}

func (l *EVMLedger) describe(ctx context.Context, hash common.Hash, receipt *coretypes.Receipt) (*Receipt, error) {
	tx, _, err := l.backend.TransactionByHash(ctx, hash)
	if err != nil {
		if errors.Is(err, gethcore.NotFound) {
			return nil, xerrors.New(xerrors.CodeNotFound, ErrUnknownTx.Message(), xerrors.WithMetadata("tx_hash", hash.Hex()))
		}
		return nil, xerrors.Wrap(xerrors.CodeTransportFailure, err, "fetch transaction")
	}
	from, err := coretypes.Sender(coretypes.LatestSignerForChainID(tx.ChainId()), tx)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeSettlementFailure, err, "recover sender")
	}
	out := &Receipt{
		TxHash:  hash.Hex(),
		From:    from.Hex(),
		Amount:  new(big.Int).Set(tx.Value()),
		Denom:   l.denom,
		Success: receipt.Status == coretypes.ReceiptStatusSuccessful,
	}
	if tx.To() != nil {
		out.To = tx.To().Hex()
	}
	if receipt.BlockNumber != nil {
		out.BlockNumber = receipt.BlockNumber.Uint64()
	}
	return out, nil
}

var _ Ledger = (*EVMLedger)(nil)
