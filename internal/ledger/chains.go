package ledger

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"CryptoReason-Chain/internal/config"
	xerrors "CryptoReason-Chain/internal/errors"
)

// ChainDefinitions models the structure of configs/chains.yaml.
type ChainDefinitions struct {
	Chains map[string]ChainDefinition `yaml:"chains"`
}

// ChainDefinition describes a single chain endpoint.
type ChainDefinition struct {
	Type          string `yaml:"type"`
	RPCURL        string `yaml:"rpc_url"`
	Denom         string `yaml:"denom"`
	Confirmations uint64 `yaml:"confirmations"`
	Description   string `yaml:"description"`
}

// LoadChainDefinitions parses the YAML file containing chain metadata.
func LoadChainDefinitions(path string) (ChainDefinitions, error) {
	if strings.TrimSpace(path) == "" {
		return ChainDefinitions{Chains: map[string]ChainDefinition{}}, nil
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return ChainDefinitions{}, fmt.Errorf("read chain config: %w", err)
	}
	var defs ChainDefinitions
	if err := yaml.Unmarshal(content, &defs); err != nil {
		return ChainDefinitions{}, fmt.Errorf("parse chain config: %w", err)
	}
	if defs.Chains == nil {
		defs.Chains = map[string]ChainDefinition{}
	}
	return defs, nil
}

// Names returns the defined chain names in sorted order.
func (d ChainDefinitions) Names() []string {
	names := make([]string, 0, len(d.Chains))
	for name := range d.Chains {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Open builds the ledger selected by cfg. The memory driver attaches to shared
// when given so several in-process agents observe the same balances; wallet is
// the account address used by the memory driver when cfg.Wallet is empty.
func Open(ctx context.Context, cfg config.LedgerConfig, wallet string, shared *MemoryChain) (Ledger, error) {
	switch strings.ToLower(cfg.Driver) {
	case "", "memory":
		chain := shared
		if chain == nil {
			chain = NewMemoryChain(cfg.Denom)
		}
		for addr, raw := range cfg.Balances {
			amount, err := config.ParseAmount(raw)
			if err != nil {
				return nil, fmt.Errorf("balance of %s: %w", addr, err)
			}
			chain.Fund(addr, amount)
		}
		if cfg.Wallet != "" {
			wallet = cfg.Wallet
		}
		return chain.Account(wallet), nil
	case "evm":
		defs, err := LoadChainDefinitions(cfg.ChainConfig)
		if err != nil {
			return nil, err
		}
		name := cfg.Chain
		if name == "" {
			names := defs.Names()
			if len(names) == 0 {
				return nil, xerrors.New(xerrors.CodeInvalidArgument, "no chain is defined for the evm ledger")
			}
			name = names[0]
		}
		def, ok := defs.Chains[name]
		if !ok {
			return nil, xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("chain %s is not defined", name))
		}
		if t := strings.ToLower(def.Type); t != "" && t != "evm" {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("chain %s uses unsupported type %s", name, def.Type))
		}
		key := config.Secret(cfg.PrivateKeyEnv)
		if key == "" {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("environment variable %s holds no private key", cfg.PrivateKeyEnv))
		}
		denom := cfg.Denom
		if def.Denom != "" {
			denom = def.Denom
		}
		confirmations := cfg.Confirmations
		if def.Confirmations > confirmations {
			confirmations = def.Confirmations
		}
		return DialEVM(ctx, EVMConfig{
			Name:          name,
			RPCURL:        def.RPCURL,
			PrivateKey:    key,
			Denom:         denom,
			Confirmations: confirmations,
			PollInterval:  cfg.PollInterval.Duration,
		})
	default:
		return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("unsupported ledger driver %s", cfg.Driver))
	}
}
