package ledger

import (
	"context"
	"errors"
	"math/big"
	"testing"

	xerrors "CryptoReason-Chain/internal/errors"
)

func TestMemoryLedgerTransferAndFinality(t *testing.T) {
	ctx := context.Background()
	chain := NewMemoryChain("atestfet")
	chain.Fund("fetch1payer", big.NewInt(10))

	payer := chain.Account("fetch1payer")
	payee := chain.Account("fetch1payee")

	hash, err := payer.Transfer(ctx, payee.Address(), big.NewInt(6))
	if err != nil {
		t.Fatalf("transfer: %v", err)
	}

	receipt, err := payee.WaitFinality(ctx, hash)
	if err != nil {
		t.Fatalf("wait finality: %v", err)
	}
	if !receipt.Matches("FETCH1PAYEE", big.NewInt(6), "atestfet") {
		t.Fatalf("receipt does not match transfer: %+v", receipt)
	}
	if receipt.Matches("fetch1payee", big.NewInt(5), "atestfet") {
		t.Fatal("receipt must not match a different amount")
	}
	if receipt.From != "fetch1payer" {
		t.Fatalf("unexpected sender %s", receipt.From)
	}

	bal, _ := payee.Balance(ctx, "fetch1payee")
	if bal.Int64() != 6 {
		t.Fatalf("unexpected payee balance %s", bal)
	}
	bal, _ = payee.Balance(ctx, "fetch1payer")
	if bal.Int64() != 4 {
		t.Fatalf("unexpected payer balance %s", bal)
	}
}

func TestMemoryLedgerRejectsOverdraft(t *testing.T) {
	chain := NewMemoryChain("atestfet")
	chain.Fund("a", big.NewInt(1))
	_, err := chain.Account("a").Transfer(context.Background(), "b", big.NewInt(2))
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected insufficient funds, got %v", err)
	}
}

func TestMemoryLedgerUnknownTx(t *testing.T) {
	chain := NewMemoryChain("atestfet")
	_, err := chain.Account("a").WaitFinality(context.Background(), "0xdead")
	if xerrors.CodeOf(err) != xerrors.CodeNotFound {
		t.Fatalf("expected NOT_FOUND, got %v", err)
	}
}

func TestMemoryChainFailTransfers(t *testing.T) {
	chain := NewMemoryChain("atestfet")
	chain.Fund("a", big.NewInt(5))
	chain.FailTransfers(errors.New("node unavailable"))

	_, err := chain.Account("a").Transfer(context.Background(), "b", big.NewInt(1))
	if xerrors.CodeOf(err) != xerrors.CodeSettlementFailure {
		t.Fatalf("expected settlement failure, got %v", err)
	}

	chain.FailTransfers(nil)
	if _, err := chain.Account("a").Transfer(context.Background(), "b", big.NewInt(1)); err != nil {
		t.Fatalf("transfer after recovery: %v", err)
	}
}

func TestMemoryChainLoseBroadcasts(t *testing.T) {
	chain := NewMemoryChain("atestfet")
	chain.Fund("a", big.NewInt(5))
	chain.LoseBroadcasts(errors.New("context deadline exceeded"))

	hash, err := chain.Account("a").Transfer(context.Background(), "b", big.NewInt(2))
	if xerrors.CodeOf(err) != CodeBroadcastUncertain || hash != "" {
		t.Fatalf("expected broadcast uncertain, got %q %v", hash, err)
	}
	if !xerrors.ShouldAlert(err) {
		t.Fatalf("uncertain broadcast must alert")
	}
	bal, _ := chain.Account("b").Balance(context.Background(), "b")
	if bal.Int64() != 2 {
		t.Fatalf("lost broadcast should still settle, balance %s", bal)
	}
}

func TestMemoryChainRecord(t *testing.T) {
	chain := NewMemoryChain("atestfet")
	chain.Record(Receipt{TxHash: "0xABC", From: "x", To: "y", Amount: big.NewInt(3), Denom: "atestfet", Success: false})

	r, err := chain.Account("y").WaitFinality(context.Background(), "0xabc")
	if err != nil {
		t.Fatalf("wait finality: %v", err)
	}
	if r.Matches("y", big.NewInt(3), "atestfet") {
		t.Fatal("failed receipt must not match")
	}
}
