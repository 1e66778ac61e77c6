package main

import (
	"context"
	"log/slog"

	"github.com/spf13/cobra"

	"CryptoReason-Chain/internal/api"
	"CryptoReason-Chain/internal/auth"
	"CryptoReason-Chain/internal/config"
	"CryptoReason-Chain/internal/escrow"
	"CryptoReason-Chain/internal/observability/metrics"
	"CryptoReason-Chain/internal/orchestrator"
	"CryptoReason-Chain/internal/protocol"
)

func newOrchestratorCmd(a *app) *cobra.Command {
	var runNow bool
	cmd := &cobra.Command{
		Use:   "orchestrator",
		Short: "运行交易编排器与管理接口",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			if runNow {
				cfg.Orchestrator.RunOnStart = true
			}
			ctx := cmd.Context()
			s, err := newStack(ctx, cfg)
			if err != nil {
				return err
			}
			if _, err := s.addOrchestrator(ctx); err != nil {
				s.close()
				return err
			}
			return s.run(ctx)
		},
	}
	cmd.Flags().BoolVar(&runNow, "run-now", false, "启动后立即执行一个周期")
	return cmd
}

// addOrchestrator 装配编排器智能体、可选的付款方以及管理接口。
func (s *stack) addOrchestrator(ctx context.Context) (*orchestrator.Orchestrator, error) {
	cfg := s.cfg
	rt := s.agent(cfg.Agent.Name, cfg.Agent.Address)

	opts := []orchestrator.Option{
		orchestrator.WithAlerts(s.alerts()),
		orchestrator.WithSessionStore(orchestrator.SessionStore{Path: cfg.Orchestrator.SessionPath}),
	}
	if fg := cfg.Orchestrator.FeeGate; fg.Enabled {
		wallet := cfg.Ledger.Wallet
		if wallet == "" {
			wallet = cfg.Agent.Address
		}
		l, err := s.openLedger(ctx, wallet)
		if err != nil {
			return nil, err
		}
		obligor := escrow.NewObligor(rt.Messenger(), l, escrow.ObligorConfig{
			Counterparty:    protocol.RoleReward,
			MaxFee:          config.MustAmount(fg.MaxFee),
			Denom:           fg.Denom,
			ExpectedReward:  config.MustAmount(cfg.Escrow.Reward),
			Timeout:         cfg.Orchestrator.SettlementTimeout.Duration,
			FinalityTimeout: cfg.Escrow.FinalityTimeout.Duration,
		})
		opts = append(opts, orchestrator.WithSettler(obligor, l))
		s.log.Info("费用门控已启用", slog.String("wallet", obligor.Wallet()))
	}

	orch, err := orchestrator.New(cfg.Orchestrator, rt.Messenger(), opts...)
	if err != nil {
		return nil, err
	}
	orch.Register(rt)

	var apiOpts []api.Option
	if grants := auth.FullAccess(cfg.Server.APITokens); len(grants) > 0 {
		apiOpts = append(apiOpts, api.WithAuth(auth.NewService(grants...)))
	}
	server := api.NewServer(cfg.Server.Address, orch, s.dir, apiOpts...)
	s.serve(server.Start)
	if addr := cfg.Metrics.Address; addr != "" && addr != cfg.Server.Address {
		s.serve(func(ctx context.Context) error { return metrics.StartServer(ctx, addr) })
	}
	return orch, nil
}
