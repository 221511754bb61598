/*
Copyright © 2026 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

var configPath string

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "llmrelay",
	Short: "Relay chat messages to an LLM and reply",
	Long: `llmrelay receives chat messages from Telegram (and optionally Discord),
forwards them to the configured LLM provider with bounded retries, and sends
the model's reply back to the same chat.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default: $LLMRELAY_CONFIG or ./config.json)")
}
