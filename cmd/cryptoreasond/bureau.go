package main

import (
	"github.com/spf13/cobra"

	"CryptoReason-Chain/internal/protocol"
)

func newBureauCmd(a *app) *cobra.Command {
	var runNow bool
	cmd := &cobra.Command{
		Use:   "bureau",
		Short: "在单个进程内运行编排器、托管收款方与全部已启用的提供方",
		Long:  "bureau 让所有智能体共用一个传输层；账本驱动为 memory 时它们还共用一条内存链，便于本地联调。",
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
			s.shareChain()
			if err := s.addEscrow(ctx, s.addressFor(protocol.RoleReward, "")); err != nil {
				s.close()
				return err
			}
			if err := s.addProviders(ctx, nil); err != nil {
				s.close()
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
