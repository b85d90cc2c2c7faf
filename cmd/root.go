package cmd

import (
	"fmt"
	"os"

	"github.com/lkarlslund/chatrelay/pkg/logutil"
	"github.com/lkarlslund/chatrelay/pkg/version"
	"github.com/spf13/cobra"
)

var logLevel string

var rootCmd = &cobra.Command{
	Use:   "chatrelay",
	Short: "Streaming chat relay for LLM backends",
	Long:  "Chatrelay relays websocket chat sessions to Ollama and OpenAI-compatible backends, with admin session controls.",
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.SetOut(os.Stdout)
	rootCmd.SetErr(os.Stderr)
	rootCmd.SilenceUsage = true
	rootCmd.PersistentFlags().StringVar(&logLevel, "loglevel", "info", "Log level (trace, debug, info, warn, error, fatal)")
	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		if err := logutil.Configure(logLevel); err != nil {
			return err
		}
		if os.Geteuid() == 0 {
			logutil.For("cmd").Warn("running as root")
		}
		return nil
	}
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print chatrelay version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version.Detailed("chatrelay"))
		},
	})
}
