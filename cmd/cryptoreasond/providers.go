package main

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"CryptoReason-Chain/internal/protocol"
	"CryptoReason-Chain/internal/providers"
	"CryptoReason-Chain/internal/runtime"
)

var providerNames = []string{"market", "news", "sentiment", "reasoning", "heartbeat", "topup"}

func newProvidersCmd(a *app) *cobra.Command {
	var only []string
	cmd := &cobra.Command{
		Use:   "providers",
		Short: "在同一进程内运行已启用的数据提供方智能体",
		Long:  "providers 为每个已启用的提供方创建独立身份与邮箱，所有智能体共用一个传输层。",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			for _, name := range only {
				if !slices.Contains(providerNames, name) {
					return fmt.Errorf("未知的提供方 %q，可选值: %s", name, strings.Join(providerNames, ", "))
				}
			}
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			s, err := newStack(ctx, cfg)
			if err != nil {
				return err
			}
			s.shareChain()
			if err := s.addProviders(ctx, only); err != nil {
				s.close()
				return err
			}
			return s.run(ctx)
		},
	}
	cmd.Flags().StringSliceVar(&only, "only", nil, "只运行指定的提供方，例如 --only market,news")
	return cmd
}

// addProviders 装配已启用的提供方。only 非空时只装配其中列出的提供方。
func (s *stack) addProviders(ctx context.Context, only []string) error {
	p := s.cfg.Providers
	selected := func(name string, enabled bool) bool {
		if len(only) > 0 {
			return slices.Contains(only, name)
		}
		return enabled
	}
	start := func(name, role, configured string) *runtime.Runtime {
		address := s.addressFor(role, configured)
		s.dir.Register(role, address)
		return s.agent(name, address)
	}

	if selected("market", p.Market.Enabled) {
		rt := start("market", protocol.RoleCoin, p.Market.Address)
		providers.NewMarket(p.Market, rt.Messenger()).Register(rt)
	}
	if selected("news", p.News.Enabled) {
		rt := start("news", protocol.RoleNews, p.News.Address)
		providers.NewNews(p.News, rt.Messenger()).Register(rt)
	}
	if selected("sentiment", p.Sentiment.Enabled) {
		rt := start("sentiment", protocol.RoleSentiment, p.Sentiment.Address)
		providers.NewSentiment(p.Sentiment, rt.Messenger()).Register(rt)
	}
	if selected("reasoning", p.Reasoning.Enabled) {
		client, err := s.llmClient()
		if err != nil {
			return fmt.Errorf("推理智能体: %w", err)
		}
		rt := start("reasoning", protocol.RoleReasoning, p.Reasoning.Address)
		providers.NewReasoner(client, rt.Messenger()).Register(rt)
	}
	if selected("heartbeat", p.Heartbeat.Enabled) {
		rt := start("heartbeat", protocol.RoleHeartbeat, p.Heartbeat.Address)
		providers.NewHeartbeat(p.Heartbeat, rt.Messenger()).Register(rt)
	}
	if selected("topup", p.Topup.Enabled) {
		address := s.addressFor(protocol.RoleTopup, p.Topup.Address)
		l, err := s.openLedger(ctx, address)
		if err != nil {
			return fmt.Errorf("水龙头智能体: %w", err)
		}
		rt := start("topup", protocol.RoleTopup, p.Topup.Address)
		providers.NewFaucet(l, p.Topup, rt.Messenger()).Register(rt)
	}
	return nil
}
