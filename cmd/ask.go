package cmd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"llmrelay/pkg/bus"
	"llmrelay/pkg/config"
	"llmrelay/pkg/logger"
	"llmrelay/pkg/provider"
	"llmrelay/pkg/relay"

	"github.com/spf13/cobra"
)

const (
	cliChannel = "cli"
	cliChatID  = "local"
)

var promptText string

// askCmd runs the relay pipeline against the terminal instead of a chat platform.
var askCmd = &cobra.Command{
	Use:   "ask [prompt]",
	Short: "Send a prompt or start an interactive chat",
	Long:  "Loads configuration, connects to the configured provider, and relays one prompt or an interactive chat through the same retry pipeline the gateway uses.",
	RunE: func(cmd *cobra.Command, args []string) error {
		prompt := resolvePrompt(args)

		cfg, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		if err := cfg.ValidateProvider(provider.Supported()); err != nil {
			return err
		}

		log, err := logger.Setup(cfg.Logging)
		if err != nil {
			return fmt.Errorf("initialize logger: %w", err)
		}

		client, err := provider.New(cfg.Provider)
		if err != nil {
			return fmt.Errorf("initialize provider: %w", err)
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if checker, ok := client.(provider.HealthChecker); ok {
			healthCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := checker.Health(healthCtx)
			cancel()
			if err != nil {
				return fmt.Errorf("provider health check failed: %w", err)
			}
		}

		orchestrator := newOrchestrator(cfg, client, nil, log.With("component", "cmd.ask"))
		if prompt != "" {
			return runSinglePrompt(ctx, orchestrator, os.Stdout, prompt)
		}

		return runInteractive(ctx, orchestrator, os.Stdin, os.Stdout)
	},
}

func init() {
	rootCmd.AddCommand(askCmd)
	askCmd.Flags().StringVarP(&promptText, "prompt", "p", "", "prompt text to send")
}

func resolvePrompt(args []string) string {
	if value := strings.TrimSpace(promptText); value != "" {
		return value
	}

	if len(args) == 0 {
		return ""
	}

	return strings.TrimSpace(strings.Join(args, " "))
}

// consoleSender prints relay replies to the terminal.
type consoleSender struct {
	out io.Writer
}

func (s consoleSender) Send(_ context.Context, reply bus.OutboundMessage) error {
	printAssistantMessage(s.out, reply.Content)
	return nil
}

func cliMessage(prompt string, sequence int) bus.InboundMessage {
	id := strconv.Itoa(sequence)
	return bus.InboundMessage{
		Channel:    cliChannel,
		UpdateID:   id,
		SenderID:   cliChatID,
		ChatID:     cliChatID,
		MessageID:  id,
		Content:    prompt,
		ReceivedAt: time.Now().UTC(),
	}
}

func runSinglePrompt(ctx context.Context, orchestrator *relay.Orchestrator, out io.Writer, prompt string) error {
	outcome := orchestrator.Relay(ctx, cliMessage(prompt, 1), consoleSender{out: out})
	if outcome.Failure != nil {
		return fmt.Errorf("prompt failed: %w", outcome.Failure)
	}

	return nil
}

func runInteractive(ctx context.Context, orchestrator *relay.Orchestrator, in io.Reader, out io.Writer) error {
	scanner := bufio.NewScanner(in)
	sender := consoleSender{out: out}

	for sequence := 1; ; {
		fmt.Fprint(out, "👤 ")
		if !scanner.Scan() {
			if err := scanner.Err(); err != nil {
				return fmt.Errorf("read input: %w", err)
			}
			return nil
		}

		prompt := strings.TrimSpace(scanner.Text())
		if prompt == "" {
			continue
		}
		if isExitCommand(prompt) {
			return nil
		}

		orchestrator.Relay(ctx, cliMessage(prompt, sequence), sender)
		sequence++

		if ctx.Err() != nil {
			return nil
		}
	}
}

func printAssistantMessage(out io.Writer, message string) {
	lines := assistantLines(message)
	for _, line := range lines {
		fmt.Fprintf(out, "🤖 %s\n", line)
	}
	if len(lines) > 0 {
		fmt.Fprintln(out)
	}
}

func assistantLines(message string) []string {
	trimmed := strings.TrimSpace(message)
	if trimmed == "" {
		return nil
	}

	return strings.Split(trimmed, "\n")
}

func isExitCommand(input string) bool {
	switch strings.ToLower(strings.TrimSpace(input)) {
	case "exit", "quit", ":q":
		return true
	default:
		return false
	}
}
