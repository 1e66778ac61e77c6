package main

import (
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"CryptoReason-Chain/sdk/go/cryptoreason"
)

func newCycleCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cycle",
		Short: "通过管理接口操作正在运行的编排器",
	}
	cmd.PersistentFlags().String("api", "", "管理接口地址，也可通过 CRYPTOREASON_API 指定")
	cmd.PersistentFlags().String("token", "", "访问令牌，也可通过 CRYPTOREASON_TOKEN 指定")
	a.v.SetDefault("api", "http://127.0.0.1:8080")
	_ = a.v.BindPFlag("api", cmd.PersistentFlags().Lookup("api"))
	_ = a.v.BindPFlag("token", cmd.PersistentFlags().Lookup("token"))

	cmd.AddCommand(
		&cobra.Command{
			Use:   "trigger",
			Short: "请求立即执行一个周期",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				client, err := a.apiClient()
				if err != nil {
					return err
				}
				result, err := client.TriggerCycle(cmd.Context())
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), result)
			},
		},
		&cobra.Command{
			Use:   "session",
			Short: "查看当前会话",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				client, err := a.apiClient()
				if err != nil {
					return err
				}
				sess, err := client.Session(cmd.Context())
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), sess)
			},
		},
		&cobra.Command{
			Use:   "transactions",
			Short: "查看待完成与已完成的兑换",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				client, err := a.apiClient()
				if err != nil {
					return err
				}
				txs, err := client.Transactions(cmd.Context())
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), txs)
			},
		},
	)
	return cmd
}

func (a *app) apiClient() (*cryptoreason.Client, error) {
	client, err := cryptoreason.NewClient(a.v.GetString("api"), &http.Client{Timeout: 30 * time.Second})
	if err != nil {
		return nil, err
	}
	if token := a.v.GetString("token"); token != "" {
		client.SetAccessToken(token)
	}
	return client, nil
}
