package ledger

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"CryptoReason-Chain/internal/config"
)

func TestLoadChainDefinitions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chains.yaml")
	content := `chains:
  base-sepolia:
    type: evm
    rpc_url: https://sepolia.base.org
    denom: wei
    confirmations: 2
  local:
    rpc_url: http://127.0.0.1:8545
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	defs, err := LoadChainDefinitions(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	names := defs.Names()
	if len(names) != 2 || names[0] != "base-sepolia" || names[1] != "local" {
		t.Fatalf("unexpected names %v", names)
	}
	if defs.Chains["base-sepolia"].Confirmations != 2 {
		t.Fatalf("unexpected definition %+v", defs.Chains["base-sepolia"])
	}
}

func TestOpenMemoryLedger(t *testing.T) {
	shared := NewMemoryChain("atestfet")
	cfg := config.LedgerConfig{
		Driver:   "memory",
		Denom:    "atestfet",
		Balances: map[string]string{"fetch1orchestrator": "10"},
	}

	l, err := Open(context.Background(), cfg, "fetch1orchestrator", shared)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if l.Address() != "fetch1orchestrator" || l.Denom() != "atestfet" {
		t.Fatalf("unexpected ledger %s/%s", l.Address(), l.Denom())
	}
	bal, _ := shared.Account("x").Balance(context.Background(), "fetch1orchestrator")
	if bal.Int64() != 10 {
		t.Fatalf("unexpected funded balance %s", bal)
	}
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	if _, err := Open(context.Background(), config.LedgerConfig{Driver: "solana"}, "", nil); err == nil {
		t.Fatal("expected error for unknown driver")
	}
}
