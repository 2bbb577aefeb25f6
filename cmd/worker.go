package cmd

import (
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/tass-io/langworker/pkg/channel"
	"github.com/tass-io/langworker/pkg/env"
	"github.com/tass-io/langworker/pkg/tools/log"
	"go.uber.org/zap"
)

// workerCmd is the built-in worker, it is started by the host with its pipes on fd 3 and fd 4
var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "run the built-in echo worker",
	Long:  "run the built-in echo worker, requests are read from fd 3 and responses written to fd 4",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := log.Setup(viper.GetString(env.LogLevel), viper.GetString(env.LogFile)); err != nil {
			return err
		}
		zap.S().Infow("worker start", "workerId", os.Getenv(channel.EnvWorkerID),
			"runtime", os.Getenv(channel.EnvRuntime), "attempt", os.Getenv(channel.EnvAttempt))
		return channel.NewPipeWrapper(channel.EchoHandler).Serve()
	},
}
