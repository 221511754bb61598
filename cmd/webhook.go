package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"llmrelay/pkg/channel/telegram"
	"llmrelay/pkg/config"
	"llmrelay/pkg/logger"

	"github.com/spf13/cobra"
)

const webhookCommandTimeout = 15 * time.Second

var webhookCmd = &cobra.Command{
	Use:   "webhook",
	Short: "Manage the Telegram webhook registration",
}

var webhookSetCmd = &cobra.Command{
	Use:   "set <url>",
	Short: "Point Telegram at a public webhook URL",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		adapter, err := telegramAdapterFromConfig()
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), webhookCommandTimeout)
		defer cancel()
		if err := adapter.RegisterWebhook(ctx, args[0]); err != nil {
			return err
		}

		fmt.Fprintf(cmd.OutOrStdout(), "Webhook set to: %s\n", args[0])
		return nil
	},
}

var webhookDeleteCmd = &cobra.Command{
	Use:   "delete",
	Short: "Remove the Telegram webhook",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		adapter, err := telegramAdapterFromConfig()
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), webhookCommandTimeout)
		defer cancel()
		if err := adapter.DeleteWebhook(ctx); err != nil {
			return err
		}

		fmt.Fprintln(cmd.OutOrStdout(), "Webhook deleted")
		return nil
	},
}

func init() {
	webhookCmd.AddCommand(webhookSetCmd, webhookDeleteCmd)
	rootCmd.AddCommand(webhookCmd)
}

func telegramAdapterFromConfig() (*telegram.Adapter, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if cfg.Channels.Telegram.Token == "" {
		return nil, errors.New("TELEGRAM_BOT_TOKEN is required")
	}

	log, err := logger.Setup(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("initialize logger: %w", err)
	}

	return telegram.NewAdapter(cfg.Channels.Telegram, log.With("component", "cmd.webhook"))
}
