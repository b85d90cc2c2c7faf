package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/lkarlslund/chatrelay/pkg/config"
	"github.com/spf13/cobra"
)

var (
	configServerPath string
	configForce      bool
)

func init() {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the server configuration file",
	}
	configCmd.PersistentFlags().StringVar(&configServerPath, "config", config.DefaultServerConfigPath(), "Server config TOML path")

	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := os.Stat(configServerPath); err == nil && !configForce {
				return fmt.Errorf("%s already exists (use --force to overwrite)", configServerPath)
			} else if err != nil && !errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("stat config: %w", err)
			}
			if err := config.Save(configServerPath, config.NewDefaultServerConfig()); err != nil {
				return fmt.Errorf("write config: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote default configuration to %s\n", configServerPath)
			return nil
		},
	}
	initCmd.Flags().BoolVar(&configForce, "force", false, "Overwrite an existing file")

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration with secrets removed",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadServerConfig(configServerPath)
			if err != nil {
				return fmt.Errorf("load server config: %w", err)
			}
			view := cfg.Clone()
			view.Admin.Secret = ""
			for i := range view.Backends {
				view.Backends[i].APIKeys = nil
			}
			b, err := config.Marshal(&view)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(b)
			return err
		},
	}

	configCmd.AddCommand(initCmd, showCmd)
	rootCmd.AddCommand(configCmd)
}
