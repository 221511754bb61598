package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/caarlos0/env/v11"
)

const envConfigPath = "LLMRELAY_CONFIG"

const (
	TelegramModeWebhook = "webhook"
	TelegramModePolling = "polling"
)

// Config is the root runtime configuration. It is built once by Load and
// treated as read-only afterwards.
type Config struct {
	Debug    bool           `json:"debug" env:"DEBUG"`
	Provider ProviderConfig `json:"provider"`
	Relay    RelayConfig    `json:"relay"`
	Channels ChannelsConfig `json:"channels"`
	Gateway  GatewayConfig  `json:"gateway"`
	Logging  LoggingConfig  `json:"logging,omitempty"`
}

// LoggingConfig controls structured log output format and verbosity.
type LoggingConfig struct {
	Format    string `json:"format,omitempty"`
	Level     string `json:"level,omitempty"`
	AddSource bool   `json:"add_source,omitempty"`
}

// ProviderConfig selects and configures the LLM vendor.
type ProviderConfig struct {
	Name                  string  `json:"name" env:"LLM_PROVIDER"`
	APIKey                string  `json:"api_key" env:"LLM_API_KEY"`
	Model                 string  `json:"model" env:"LLM_MODEL"`
	MaxTokens             int     `json:"max_tokens" env:"MAX_TOKENS"`
	Temperature           float64 `json:"temperature" env:"LLM_TEMPERATURE"`
	BaseURL               string  `json:"base_url" env:"LLM_BASE_URL"`
	RequestTimeoutSeconds int     `json:"request_timeout_seconds" env:"LLM_REQUEST_TIMEOUT_SECONDS"`
}

// RelayConfig bounds one relay: prompt size, retries, and time budgets.
type RelayConfig struct {
	MaxPromptLength        int    `json:"max_prompt_length" env:"RELAY_MAX_PROMPT_LENGTH"`
	RetryBudget            int    `json:"retry_budget" env:"RELAY_RETRY_BUDGET"`
	TimeoutSeconds         int    `json:"timeout_seconds" env:"RELAY_TIMEOUT_SECONDS"`
	InitialBackoffMS       int    `json:"initial_backoff_ms" env:"RELAY_INITIAL_BACKOFF_MS"`
	MaxBackoffMS           int    `json:"max_backoff_ms" env:"RELAY_MAX_BACKOFF_MS"`
	DeliveryTimeoutSeconds int    `json:"delivery_timeout_seconds" env:"RELAY_DELIVERY_TIMEOUT_SECONDS"`
	MaxConcurrent          int    `json:"max_concurrent" env:"RELAY_MAX_CONCURRENT"`
	FallbackMessage        string `json:"fallback_message" env:"RELAY_FALLBACK_MESSAGE"`
}

// ChannelsConfig stores transport adapter settings.
type ChannelsConfig struct {
	Telegram TelegramConfig `json:"telegram"`
	Discord  DiscordConfig  `json:"discord"`
}

// TelegramConfig configures Telegram channel integration.
type TelegramConfig struct {
	Enabled       bool     `json:"enabled" env:"TELEGRAM_ENABLED"`
	Token         string   `json:"token" env:"TELEGRAM_BOT_TOKEN"`
	Mode          string   `json:"mode" env:"TELEGRAM_MODE"`
	WebhookPath   string   `json:"webhook_path" env:"TELEGRAM_WEBHOOK_PATH"`
	WebhookSecret string   `json:"webhook_secret" env:"TELEGRAM_WEBHOOK_SECRET"`
	APIServer     string   `json:"api_server" env:"TELEGRAM_API_URL"`
	Proxy         string   `json:"proxy" env:"TELEGRAM_PROXY"`
	AllowFrom     []string `json:"allow_from" env:"TELEGRAM_ALLOW_FROM"`
}

// DiscordConfig configures the optional Discord channel.
type DiscordConfig struct {
	Enabled   bool     `json:"enabled" env:"DISCORD_ENABLED"`
	Token     string   `json:"token" env:"DISCORD_BOT_TOKEN"`
	AllowFrom []string `json:"allow_from" env:"DISCORD_ALLOW_FROM"`
}

// GatewayConfig configures HTTP gateway bind settings.
type GatewayConfig struct {
	Host string `json:"host" env:"HOST"`
	Port int    `json:"port" env:"PORT"`
}

// Default returns the configuration used when neither a file nor the
// environment sets a value.
func Default() *Config {
	return &Config{
		Provider: ProviderConfig{
			Name:                  "openai",
			MaxTokens:             1000,
			Temperature:           0.7,
			RequestTimeoutSeconds: 15,
		},
		Relay: RelayConfig{
			MaxPromptLength:        4000,
			RetryBudget:            2,
			TimeoutSeconds:         45,
			InitialBackoffMS:       500,
			MaxBackoffMS:           4000,
			DeliveryTimeoutSeconds: 10,
			MaxConcurrent:          8,
			FallbackMessage:        DefaultFallbackMessage,
		},
		Channels: ChannelsConfig{
			Telegram: TelegramConfig{
				Enabled:     true,
				Mode:        TelegramModeWebhook,
				WebhookPath: "/webhook",
			},
		},
		Gateway: GatewayConfig{
			Host: "0.0.0.0",
			Port: 8000,
		},
	}
}

// DefaultFallbackMessage is sent to the user when a relay cannot produce a reply.
const DefaultFallbackMessage = "Sorry, I encountered an error processing your request. Please try again later."

var defaultModels = map[string]string{
	"openai":    "gpt-4o-mini",
	"anthropic": "claude-3-5-sonnet-20241022",
	"xai":       "grok-beta",
	"ollama":    "llama3.2",
}

// Load resolves defaults, the optional JSON file, and environment variables in
// that order of increasing precedence.
//
// An explicit path (argument or LLMRELAY_CONFIG) must exist; the cwd-local
// config.json is optional.
func Load(path string) (*Config, error) {
	cfg := Default()

	configPath, err := findConfigPath(path)
	if err != nil {
		return nil, err
	}

	if configPath != "" {
		content, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := json.Unmarshal(content, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}

	cfg.normalize()

	return cfg, nil
}

// ResolvedModel returns the configured model or the vendor default.
func (c ProviderConfig) ResolvedModel() string {
	if model := strings.TrimSpace(c.Model); model != "" {
		return model
	}

	return defaultModels[strings.ToLower(strings.TrimSpace(c.Name))]
}

// RequiresAPIKey reports whether the vendor is a hosted API that needs a key.
func (c ProviderConfig) RequiresAPIKey() bool {
	return strings.ToLower(strings.TrimSpace(c.Name)) != "ollama"
}

func (c *Config) normalize() {
	c.Provider.Name = strings.ToLower(strings.TrimSpace(c.Provider.Name))
	c.Provider.APIKey = strings.TrimSpace(c.Provider.APIKey)
	c.Channels.Telegram.Token = strings.TrimSpace(c.Channels.Telegram.Token)
	c.Channels.Telegram.Mode = strings.ToLower(strings.TrimSpace(c.Channels.Telegram.Mode))
	c.Channels.Discord.Token = strings.TrimSpace(c.Channels.Discord.Token)
	if c.Debug {
		c.Logging.Level = "debug"
	}
	path := strings.TrimSpace(c.Channels.Telegram.WebhookPath)
	switch {
	case path == "" || path == "/":
		path = "/webhook"
	case !strings.HasPrefix(path, "/"):
		path = "/" + path
	}
	c.Channels.Telegram.WebhookPath = path
}

// findConfigPath resolves the active config file location.
//
// Precedence is the explicit path, then LLMRELAY_CONFIG, then cwd-local
// fallback paths. An empty result means no file is used.
func findConfigPath(explicit string) (string, error) {
	for _, candidate := range []struct{ source, value string }{
		{source: "--config", value: explicit},
		{source: envConfigPath, value: os.Getenv(envConfigPath)},
	} {
		value := strings.TrimSpace(candidate.value)
		if value == "" {
			continue
		}
		if info, err := os.Stat(value); err == nil && !info.IsDir() {
			return value, nil
		}
		return "", fmt.Errorf("%s does not point to a file: %s", candidate.source, value)
	}

	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("get current working directory: %w", err)
	}

	candidates := []string{
		filepath.Join(cwd, "config.json"),
		filepath.Join(cwd, "config", "config.json"),
	}
	for _, candidate := range candidates {
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, nil
		}
	}

	return "", nil
}

// ConfigurationError collects every problem found by Validate.
type ConfigurationError struct {
	Problems []string
}

func (e *ConfigurationError) Error() string {
	return "invalid configuration: " + strings.Join(e.Problems, "; ")
}

// Validate checks the configuration before any traffic is accepted.
func (c *Config) Validate(supportedProviders []string) error {
	var problems []string
	problems = c.providerProblems(problems, supportedProviders)
	problems = c.channelProblems(problems)

	if c.Gateway.Port <= 0 || c.Gateway.Port > 65535 {
		problems = append(problems, "PORT must be between 1 and 65535")
	}

	return asConfigurationError(problems)
}

// ValidateProvider checks only the provider and relay settings, for commands
// that talk to the LLM without serving any channel.
func (c *Config) ValidateProvider(supportedProviders []string) error {
	return asConfigurationError(c.providerProblems(nil, supportedProviders))
}

func (c *Config) providerProblems(problems []string, supportedProviders []string) []string {
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	name := c.Provider.Name
	switch {
	case name == "":
		add("LLM_PROVIDER is required")
	case !slices.Contains(supportedProviders, name):
		add("unsupported provider %q (supported: %s)", name, strings.Join(supportedProviders, ", "))
	}
	if c.Provider.RequiresAPIKey() && c.Provider.APIKey == "" {
		add("LLM_API_KEY is required for provider %q", name)
	}
	if c.Provider.ResolvedModel() == "" {
		add("LLM_MODEL is required for provider %q", name)
	}
	if c.Provider.MaxTokens <= 0 {
		add("MAX_TOKENS must be positive")
	}
	if c.Provider.RequestTimeoutSeconds <= 0 {
		add("LLM_REQUEST_TIMEOUT_SECONDS must be positive")
	}

	if c.Relay.MaxPromptLength <= 0 {
		add("relay.max_prompt_length must be positive")
	}
	if c.Relay.RetryBudget < 0 {
		add("relay.retry_budget must not be negative")
	}
	if c.Relay.TimeoutSeconds <= 0 {
		add("relay.timeout_seconds must be positive")
	}
	if c.Relay.DeliveryTimeoutSeconds <= 0 {
		add("relay.delivery_timeout_seconds must be positive")
	}
	if c.Relay.InitialBackoffMS <= 0 || c.Relay.MaxBackoffMS < c.Relay.InitialBackoffMS {
		add("relay backoff must satisfy 0 < initial_backoff_ms <= max_backoff_ms")
	}

	return problems
}

func (c *Config) channelProblems(problems []string) []string {
	telegram := c.Channels.Telegram
	if telegram.Enabled {
		if telegram.Token == "" {
			problems = append(problems, "TELEGRAM_BOT_TOKEN is required")
		}
		if telegram.Mode != TelegramModeWebhook && telegram.Mode != TelegramModePolling {
			problems = append(problems, fmt.Sprintf("unsupported telegram mode %q", telegram.Mode))
		}
	}
	if c.Channels.Discord.Enabled && c.Channels.Discord.Token == "" {
		problems = append(problems, "DISCORD_BOT_TOKEN is required when discord is enabled")
	}
	if !telegram.Enabled && !c.Channels.Discord.Enabled {
		problems = append(problems, "no channels are enabled")
	}

	return problems
}

func asConfigurationError(problems []string) error {
	if len(problems) == 0 {
		return nil
	}

	return &ConfigurationError{Problems: problems}
}

// IsConfigurationError reports whether err came from Validate.
func IsConfigurationError(err error) bool {
	var target *ConfigurationError
	return errors.As(err, &target)
}
