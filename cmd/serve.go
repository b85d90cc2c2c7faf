package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/lkarlslund/chatrelay/pkg/config"
	"github.com/lkarlslund/chatrelay/pkg/server"
	"github.com/spf13/cobra"
)

var (
	serveConfigPath         string
	serveListenAddrOverride string
	serveSerializeTurns     bool
)

func init() {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the relay server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadServerConfig(serveConfigPath)
			if err != nil {
				return fmt.Errorf("load server config: %w", err)
			}
			if cmd.Flags().Changed("listen-addr") {
				cfg.ListenAddr = serveListenAddrOverride
			}
			if cmd.Flags().Changed("serialize-turns") {
				cfg.SerializeTurns = serveSerializeTurns
			}

			srv, err := server.New(serveConfigPath, cfg)
			if err != nil {
				return fmt.Errorf("create server: %w", err)
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return srv.Run(ctx)
		},
	}
	serveCmd.Flags().StringVar(&serveConfigPath, "config", config.DefaultServerConfigPath(), "Server config TOML path")
	serveCmd.Flags().StringVar(&serveListenAddrOverride, "listen-addr", "", "Override listen address from config (e.g. 127.0.0.1:10000)")
	serveCmd.Flags().BoolVar(&serveSerializeTurns, "serialize-turns", false, "Override serialize_turns in config")
	rootCmd.AddCommand(serveCmd)
}
