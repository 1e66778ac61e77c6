package main

import (
	"context"
	"log/slog"

	"github.com/spf13/cobra"

	"CryptoReason-Chain/internal/config"
	"CryptoReason-Chain/internal/escrow"
	"CryptoReason-Chain/internal/protocol"
)

func newEscrowCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "escrow",
		Short: "运行托管收款方：收取费用并按记录发放奖励",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			s, err := newStack(ctx, cfg)
			if err != nil {
				return err
			}
			if err := s.addEscrow(ctx, cfg.Agent.Address); err != nil {
				s.close()
				return err
			}
			return s.run(ctx)
		},
	}
}

// addEscrow 在 address 上装配托管收款方。
func (s *stack) addEscrow(ctx context.Context, address string) error {
	cfg := s.cfg
	store, err := s.openEscrowStore(ctx)
	if err != nil {
		return err
	}
	l, err := s.openLedger(ctx, address)
	if err != nil {
		return err
	}

	rt := s.agent("escrow", address)
	terms := escrow.Terms{
		Fee:    config.MustAmount(cfg.Escrow.Fee),
		Reward: config.MustAmount(cfg.Escrow.Reward),
		Denom:  cfg.Escrow.Denom,
	}
	escrow.NewCounterparty(l, store, rt.Messenger(), terms,
		escrow.WithFinalityTimeout(cfg.Escrow.FinalityTimeout.Duration),
		escrow.WithAlerts(s.alerts()),
	).Register(rt)
	s.dir.Register(protocol.RoleReward, address)
	s.log.Info("托管收款方已装配",
		slog.String("wallet", l.Address()),
		slog.String("fee", cfg.Escrow.Fee),
		slog.String("reward", cfg.Escrow.Reward),
		slog.String("store", cfg.Escrow.Store.Driver))
	return nil
}
