package server

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/openwiki/infobase/store"
)

var configPath string

var CMD = &cobra.Command{
	Use:   "server",
	Short: "start the datastore server",
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := store.LoadConfig(configPath)
		if err != nil {
			log.Error("cannot load config", "error", err)
			os.Exit(1)
		}
		Main(cfg)
	},
}

func init() {
	CMD.Flags().StringVarP(&configPath, "config", "c", "", "path to yaml config file")
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
