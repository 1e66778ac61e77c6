package main

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"CryptoReason-Chain/internal/config"
	"CryptoReason-Chain/pkg/logger"
)

const envPrefix = "CRYPTOREASON"

// app 在子命令之间共享配置来源。
type app struct {
	v *viper.Viper
}

func newRootCmd() *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	v.SetDefault("config", filepath.Join("configs", "cryptoreason.json"))

	rootCmd := &cobra.Command{
		Use:           "cryptoreasond",
		Short:         "CryptoReason 交易编排与托管结算守护进程",
		Long:          "cryptoreasond 以多个智能体的形式运行交易编排器、托管收款方与数据提供方，智能体之间通过消息传输协作。",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().String("config", "", "配置文件路径，也可通过 CRYPTOREASON_CONFIG 指定")
	rootCmd.PersistentFlags().String("log-level", "", "覆盖配置中的日志级别")
	_ = v.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = v.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))

	a := &app{v: v}
	rootCmd.AddCommand(
		newOrchestratorCmd(a),
		newEscrowCmd(a),
		newProvidersCmd(a),
		newBureauCmd(a),
		newDirectoryCmd(a),
		newCycleCmd(a),
	)
	return rootCmd
}

// loadConfig 读取配置并初始化日志。
func (a *app) loadConfig() (*config.Config, error) {
	path := a.v.GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("加载配置 %s 失败: %w", path, err)
	}
	if level := a.v.GetString("log-level"); level != "" {
		cfg.Logging.Level = level
	}
	if err := logger.Init(cfg.Logging); err != nil && !errors.Is(err, logger.ErrAlreadyInitialised) {
		return nil, fmt.Errorf("初始化日志失败: %w", err)
	}
	return cfg, nil
}
