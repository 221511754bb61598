package relay

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"llmrelay/pkg/bus"
	"llmrelay/pkg/channel"
	"llmrelay/pkg/config"
	"llmrelay/pkg/provider"
	providertypes "llmrelay/pkg/provider/types"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
)

// State is a step of one relay. A relay ends in StateIgnored or StateReplied.
type State string

const (
	StateReceived    State = "received"
	StateNormalized  State = "normalized"
	StateDispatched  State = "dispatched"
	StateSucceeded   State = "succeeded"
	StateFailedFinal State = "failed_final"
	StateReplied     State = "replied"
	StateIgnored     State = "ignored"
)

// Options bounds retries and time spent in one relay.
type Options struct {
	RetryBudget     int
	AttemptTimeout  time.Duration
	RelayTimeout    time.Duration
	InitialBackoff  time.Duration
	MaxBackoff      time.Duration
	DeliveryTimeout time.Duration
	FallbackMessage string
}

// OptionsFromConfig converts the relay and provider settings.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		RetryBudget:     cfg.Relay.RetryBudget,
		AttemptTimeout:  time.Duration(cfg.Provider.RequestTimeoutSeconds) * time.Second,
		RelayTimeout:    time.Duration(cfg.Relay.TimeoutSeconds) * time.Second,
		InitialBackoff:  time.Duration(cfg.Relay.InitialBackoffMS) * time.Millisecond,
		MaxBackoff:      time.Duration(cfg.Relay.MaxBackoffMS) * time.Millisecond,
		DeliveryTimeout: time.Duration(cfg.Relay.DeliveryTimeoutSeconds) * time.Second,
		FallbackMessage: cfg.Relay.FallbackMessage,
	}
}

// Outcome summarizes one relay for callers and tests.
type Outcome struct {
	RelayID     string
	State       State
	Path        []State
	Attempts    int
	Failure     *providertypes.Failure
	Usage       *providertypes.TokenUsage
	Reply       string
	DeliveryErr error
}

func (o *Outcome) advance(state State) {
	o.State = state
	o.Path = append(o.Path, state)
}

// Orchestrator drives inbound messages through normalization, the provider
// call with bounded retries, and exactly one delivery attempt.
type Orchestrator struct {
	client     provider.Client
	normalizer *Normalizer
	opts       Options
	events     *bus.Bus
	log        *slog.Logger
	newID      func() string
}

func New(client provider.Client, normalizer *Normalizer, opts Options, events *bus.Bus, log *slog.Logger) *Orchestrator {
	if log == nil {
		log = slog.Default()
	}
	if opts.FallbackMessage == "" {
		opts.FallbackMessage = config.DefaultFallbackMessage
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = 500 * time.Millisecond
	}
	if opts.MaxBackoff < opts.InitialBackoff {
		opts.MaxBackoff = opts.InitialBackoff
	}
	if opts.DeliveryTimeout <= 0 {
		opts.DeliveryTimeout = 10 * time.Second
	}

	return &Orchestrator{
		client:     client,
		normalizer: normalizer,
		opts:       opts,
		events:     events,
		log:        log.With("component", "relay.orchestrator"),
		newID:      uuid.NewString,
	}
}

// Handle adapts Relay to channel.Handler.
func (o *Orchestrator) Handle(ctx context.Context, msg bus.InboundMessage, sender channel.Sender) {
	o.Relay(ctx, msg, sender)
}

// Relay processes one inbound message to completion.
func (o *Orchestrator) Relay(ctx context.Context, msg bus.InboundMessage, sender channel.Sender) Outcome {
	startedAt := time.Now()
	outcome := Outcome{RelayID: o.newID()}
	outcome.advance(StateReceived)
	log := o.log.With("relay_id", outcome.RelayID, "channel", msg.Channel, "chat_id", msg.ChatID, "update_id", msg.UpdateID)
	o.publish(ctx, bus.EventRelayReceived, outcome, msg)

	req, ok := o.normalizer.Normalize(msg)
	if !ok {
		outcome.advance(StateIgnored)
		log.Debug("Ignoring message without text")
		o.publish(ctx, bus.EventRelayIgnored, outcome, msg)
		return outcome
	}
	req.RelayID = outcome.RelayID
	outcome.advance(StateNormalized)

	stopTyping := startTyping(ctx, sender, msg.ChatID)
	outcome.advance(StateDispatched)
	result, attempts := o.dispatch(ctx, req, log)
	stopTyping()
	outcome.Attempts = attempts

	reply := bus.OutboundMessage{Channel: msg.Channel, ChatID: msg.ChatID, ReplyTo: msg.MessageID}
	if result.OK() {
		outcome.advance(StateSucceeded)
		outcome.Usage = result.Metadata.Usage
		reply.Content = result.Text
		o.publish(ctx, bus.EventRelaySucceeded, outcome, msg)
	} else {
		outcome.advance(StateFailedFinal)
		outcome.Failure = result.Failure
		reply.Content = o.opts.FallbackMessage
		log.Warn("Provider call failed", "kind", result.Failure.Kind, "retryable", result.Failure.Retryable, "attempts", attempts, "error", result.Failure)
		o.publish(ctx, bus.EventRelayFailed, outcome, msg)
	}
	outcome.Reply = reply.Content

	outcome.DeliveryErr = o.deliver(ctx, sender, reply)
	outcome.advance(StateReplied)
	if outcome.DeliveryErr != nil {
		log.Error("Failed to deliver reply", "permanent", channel.IsPermanentDelivery(outcome.DeliveryErr), "error", outcome.DeliveryErr)
		o.publish(ctx, bus.EventDeliveryFailed, outcome, msg)
	}

	attrs := []any{
		"succeeded", result.OK(),
		"attempts", attempts,
		"delivered", outcome.DeliveryErr == nil,
		"duration_ms", time.Since(startedAt).Milliseconds(),
	}
	if usage := outcome.Usage; usage != nil && !usage.IsZero() {
		attrs = append(attrs, "input_tokens", usage.InputTokens, "output_tokens", usage.OutputTokens, "total_tokens", usage.TotalTokens)
	}
	log.Info("Relay finished", attrs...)

	return outcome
}

// dispatch calls the provider until it succeeds, fails permanently, the retry
// budget is spent, or the relay deadline would be overrun.
func (o *Orchestrator) dispatch(ctx context.Context, req providertypes.Request, log *slog.Logger) (providertypes.Result, int) {
	dispatchCtx := ctx
	if o.opts.RelayTimeout > 0 {
		var cancel context.CancelFunc
		dispatchCtx, cancel = context.WithTimeout(ctx, o.opts.RelayTimeout)
		defer cancel()
	}
	deadline, _ := dispatchCtx.Deadline()

	exponential := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(o.opts.InitialBackoff),
		backoff.WithMaxInterval(o.opts.MaxBackoff),
		backoff.WithMaxElapsedTime(0),
	)
	policy := &hintedBackOff{
		BackOff:  backoff.WithMaxRetries(exponential, uint64(max(o.opts.RetryBudget, 0))),
		deadline: deadline,
	}

	var result providertypes.Result
	attempts := 0
	operation := func() error {
		attempts++
		result = o.client.Complete(dispatchCtx, req, o.opts.AttemptTimeout)
		if result.OK() && strings.TrimSpace(result.Text) == "" {
			result = providertypes.Fail(providertypes.InvalidResponse("provider returned empty text"))
		}
		if result.OK() {
			return nil
		}
		if !result.Failure.Retryable {
			return backoff.Permanent(result.Failure)
		}
		policy.hint = result.Failure.RetryAfter
		return result.Failure
	}
	notify := func(err error, wait time.Duration) {
		log.Info("Retrying provider call", "attempt", attempts, "wait_ms", wait.Milliseconds(), "error", err)
		o.events.Publish(ctx, bus.Event{
			Type:     bus.EventProviderRetried,
			RelayID:  req.RelayID,
			Channel:  req.Channel,
			ChatID:   req.ChatID,
			Attempts: attempts,
			Kind:     failureKind(err),
		})
	}

	if err := backoff.RetryNotify(operation, backoff.WithContext(policy, dispatchCtx), notify); err != nil {
		log.Debug("Provider attempts stopped", "attempts", attempts, "error", err)
	}

	return result, attempts
}

func (o *Orchestrator) deliver(ctx context.Context, sender channel.Sender, reply bus.OutboundMessage) error {
	if sender == nil {
		return errors.New("no sender for channel " + reply.Channel)
	}

	deliveryCtx, cancel := context.WithTimeout(ctx, o.opts.DeliveryTimeout)
	defer cancel()

	return sender.Send(deliveryCtx, reply)
}

func (o *Orchestrator) publish(ctx context.Context, eventType bus.EventType, outcome Outcome, msg bus.InboundMessage) {
	event := bus.Event{
		Type:     eventType,
		RelayID:  outcome.RelayID,
		Channel:  msg.Channel,
		ChatID:   msg.ChatID,
		Attempts: outcome.Attempts,
	}
	if outcome.Failure != nil {
		event.Kind = string(outcome.Failure.Kind)
		event.Error = outcome.Failure.Error()
	}
	if eventType == bus.EventDeliveryFailed && outcome.DeliveryErr != nil {
		event.Error = outcome.DeliveryErr.Error()
	}

	o.events.Publish(ctx, event)
}

func startTyping(ctx context.Context, sender channel.Sender, chatID string) func() {
	if notifier, ok := sender.(channel.TypingNotifier); ok {
		return notifier.StartTyping(ctx, chatID)
	}

	return func() {}
}

func failureKind(err error) string {
	var failure *providertypes.Failure
	if errors.As(err, &failure) {
		return string(failure.Kind)
	}

	return ""
}

// hintedBackOff stretches the next wait to a provider's Retry-After hint and
// stops once a wait would end past the relay deadline.
type hintedBackOff struct {
	backoff.BackOff
	deadline time.Time
	hint     time.Duration
}

func (b *hintedBackOff) NextBackOff() time.Duration {
	next := b.BackOff.NextBackOff()
	if next == backoff.Stop {
		return backoff.Stop
	}
	if b.hint > next {
		next = b.hint
	}
	b.hint = 0

	if !b.deadline.IsZero() && time.Now().Add(next).After(b.deadline) {
		return backoff.Stop
	}

	return next
}
