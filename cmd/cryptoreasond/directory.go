package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"CryptoReason-Chain/internal/directory"
)

func newDirectoryCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "directory",
		Short: "查看与维护角色目录",
	}
	cmd.AddCommand(
		newDirectoryListCmd(a),
		newDirectoryRegisterCmd(a),
		newDirectoryDiscoverCmd(a),
	)
	return cmd
}

func newDirectoryListCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "列出已登记的角色",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			dir, err := a.directory()
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), dir.Entries())
		},
	}
}

func newDirectoryRegisterCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "register ROLE ADDRESS",
		Short: "登记或覆盖一个角色的地址",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := a.directory()
			if err != nil {
				return err
			}
			dir.Register(args[0], args[1])
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s -> %s\n", args[0], args[1])
			return err
		},
	}
}

func newDirectoryDiscoverCmd(a *app) *cobra.Command {
	var (
		limit    int
		register bool
	)
	cmd := &cobra.Command{
		Use:   "discover TAG",
		Short: "按标签查询远程目录",
		Long:  "discover 以标签检索远程智能体目录并按相关度输出；指定 --register 时把结果登记为角色。",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := a.directory()
			if err != nil {
				return err
			}
			candidates, err := dir.Discover(cmd.Context(), args[0], limit)
			if err != nil {
				return err
			}
			if !register {
				return writeJSON(cmd.OutOrStdout(), candidates)
			}
			return writeJSON(cmd.OutOrStdout(), dir.RegisterDiscovered(candidates))
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 10, "最多返回的候选数量")
	cmd.Flags().BoolVar(&register, "register", false, "把发现的智能体登记为角色")
	return cmd
}

func (a *app) directory() (*directory.Directory, error) {
	cfg, err := a.loadConfig()
	if err != nil {
		return nil, err
	}
	return openDirectory(cfg.Directory)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
