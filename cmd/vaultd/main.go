package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"PooledVault/pkg/logger"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:           "vaultd",
	Short:         "PooledVault 金库与批处理结算守护进程",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "配置文件路径 (默认读取 $VAULTD_CONFIG 或 configs/vaultd.yaml)")
	rootCmd.AddCommand(serveCmd, signDepositCmd)
}

// main 是 vaultd 的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		logger.L().Error("vaultd 运行失败", "error", err)
		stop()
		os.Exit(1)
	}
}
