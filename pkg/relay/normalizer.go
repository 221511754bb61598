package relay

import (
	"strings"
	"unicode/utf8"

	"llmrelay/pkg/bus"
	providertypes "llmrelay/pkg/provider/types"
)

// Normalizer turns channel messages into provider requests. It is pure and
// safe for concurrent use.
type Normalizer struct {
	maxPromptLength int
	model           string
	maxTokens       int
}

func NewNormalizer(maxPromptLength int, model string, maxTokens int) *Normalizer {
	return &Normalizer{
		maxPromptLength: maxPromptLength,
		model:           model,
		maxTokens:       maxTokens,
	}
}

// Normalize returns false when msg carries no actionable text. Prompts longer
// than the configured maximum are clamped to that many runes.
func (n *Normalizer) Normalize(msg bus.InboundMessage) (providertypes.Request, bool) {
	prompt := strings.TrimSpace(msg.Content)
	if prompt == "" || strings.TrimSpace(msg.ChatID) == "" {
		return providertypes.Request{}, false
	}

	if n.maxPromptLength > 0 && utf8.RuneCountInString(prompt) > n.maxPromptLength {
		prompt = strings.TrimSpace(clampRunes(prompt, n.maxPromptLength))
	}

	return providertypes.Request{
		Channel:   msg.Channel,
		ChatID:    msg.ChatID,
		Prompt:    prompt,
		Model:     n.model,
		MaxTokens: n.maxTokens,
	}, true
}

// clampRunes cuts s to at most limit runes without splitting a code point.
func clampRunes(s string, limit int) string {
	count := 0
	for i := range s {
		if count == limit {
			return s[:i]
		}
		count++
	}

	return s
}
