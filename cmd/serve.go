package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"llmrelay/pkg/bus"
	"llmrelay/pkg/channel"
	"llmrelay/pkg/channel/discord"
	"llmrelay/pkg/channel/telegram"
	"llmrelay/pkg/config"
	"llmrelay/pkg/gateway"
	"llmrelay/pkg/logger"
	"llmrelay/pkg/provider"
	"llmrelay/pkg/relay"

	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the relay gateway",
	Long:  "Serves the Telegram webhook and status endpoints, runs the enabled channels, and relays every message to the configured provider.",
	RunE: func(cmd *cobra.Command, args []string) error {
		_ = args

		cfg, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		if err := cfg.Validate(provider.Supported()); err != nil {
			return err
		}

		log, err := logger.Setup(cfg.Logging)
		if err != nil {
			return fmt.Errorf("initialize logger: %w", err)
		}
		log = log.With("component", "cmd.serve")

		client, err := provider.New(cfg.Provider)
		if err != nil {
			return fmt.Errorf("initialize provider: %w", err)
		}

		adapters, err := enabledAdapters(cfg, log)
		if err != nil {
			return err
		}

		events := bus.New()
		defer events.Close()

		orchestrator := newOrchestrator(cfg, client, events, log)

		svc, err := gateway.NewService(cfg, client, orchestrator.Handle, adapters, events, log)
		if err != nil {
			return fmt.Errorf("initialize gateway: %w", err)
		}

		runCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		log.Info("Relay starting", "channels", enabledChannelNames(adapters), "provider", cfg.Provider.Name, "model", cfg.Provider.ResolvedModel())
		if err := svc.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("Gateway runtime failed", "error", err)
			return err
		}

		log.Info("Relay stopped")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func newOrchestrator(cfg *config.Config, client provider.Client, events *bus.Bus, log *slog.Logger) *relay.Orchestrator {
	normalizer := relay.NewNormalizer(cfg.Relay.MaxPromptLength, cfg.Provider.ResolvedModel(), cfg.Provider.MaxTokens)
	return relay.New(client, normalizer, relay.OptionsFromConfig(cfg), events, log)
}

func enabledAdapters(cfg *config.Config, log *slog.Logger) ([]channel.Adapter, error) {
	adapters := make([]channel.Adapter, 0, 2)

	if cfg.Channels.Telegram.Enabled {
		adapter, err := telegram.NewAdapter(cfg.Channels.Telegram, log, telegram.WithMaxConcurrent(cfg.Relay.MaxConcurrent))
		if err != nil {
			return nil, fmt.Errorf("configure telegram channel: %w", err)
		}
		adapters = append(adapters, adapter)
	}

	if cfg.Channels.Discord.Enabled {
		adapter, err := discord.NewAdapter(cfg.Channels.Discord, log)
		if err != nil {
			return nil, fmt.Errorf("configure discord channel: %w", err)
		}
		adapters = append(adapters, adapter)
	}

	if len(adapters) == 0 {
		return nil, errors.New("no channels are enabled")
	}

	return adapters, nil
}

func enabledChannelNames(adapters []channel.Adapter) string {
	names := make([]string, 0, len(adapters))
	for _, adapter := range adapters {
		names = append(names, adapter.Name())
	}

	return strings.Join(names, ",")
}
