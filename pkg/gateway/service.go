package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"llmrelay/pkg/bus"
	"llmrelay/pkg/channel"
	"llmrelay/pkg/config"
	"llmrelay/pkg/provider"

	"golang.org/x/sync/errgroup"
)

const (
	defaultHost = "0.0.0.0"
	defaultPort = 8000
	serviceName = "llmrelay"

	providerProbeInterval = 30 * time.Second
	providerProbeTimeout  = 10 * time.Second
	setWebhookTimeout     = 15 * time.Second
	maxSetWebhookBody     = 64 << 10
	eventBuffer           = 256
)

// webhookRegistrar is implemented by channels that can point the platform at
// a public webhook URL.
type webhookRegistrar interface {
	RegisterWebhook(ctx context.Context, webhookURL string) error
}

// Service owns the HTTP surface and the lifecycle of every channel adapter.
type Service struct {
	cfg      *config.Config
	log      *slog.Logger
	provider provider.Client
	health   provider.HealthChecker
	handler  channel.Handler
	channels []channel.Adapter
	events   *bus.Bus

	mu               sync.RWMutex
	startedAt        time.Time
	providerLastOKAt time.Time
	providerLastErr  string
	channelStates    map[string]channelState
	relays           relayCounters
}

type channelState struct {
	Running bool   `json:"running"`
	Error   string `json:"error,omitempty"`
}

type relayCounters struct {
	Received        int64 `json:"received"`
	Ignored         int64 `json:"ignored"`
	Succeeded       int64 `json:"succeeded"`
	Failed          int64 `json:"failed"`
	DeliveryFailed  int64 `json:"delivery_failed"`
	ProviderRetries int64 `json:"provider_retries"`
}

type statusResponse struct {
	Status           string                  `json:"status"`
	Service          string                  `json:"service"`
	Provider         string                  `json:"provider"`
	Model            string                  `json:"model"`
	UptimeSeconds    int64                   `json:"uptime_seconds"`
	ProviderLastOKAt string                  `json:"provider_last_ok_at,omitempty"`
	ProviderLastErr  string                  `json:"provider_last_error,omitempty"`
	Channels         map[string]channelState `json:"channels"`
	Relays           relayCounters           `json:"relays"`
}

// NewService wires adapters to handler. events may be nil, in which case the
// relay counters stay at zero.
func NewService(cfg *config.Config, client provider.Client, handler channel.Handler, adapters []channel.Adapter, events *bus.Bus, log *slog.Logger) (*Service, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if client == nil {
		return nil, errors.New("provider client is required")
	}
	if handler == nil {
		return nil, errors.New("relay handler is required")
	}
	if len(adapters) == 0 {
		return nil, errors.New("at least one channel adapter is required")
	}
	if log == nil {
		log = slog.Default()
	}

	channelStates := make(map[string]channelState, len(adapters))
	for _, adapter := range adapters {
		channelStates[adapter.Name()] = channelState{}
	}

	health, _ := client.(provider.HealthChecker)

	return &Service{
		cfg:           cfg,
		log:           log.With("component", "gateway.service"),
		provider:      client,
		health:        health,
		handler:       handler,
		channels:      adapters,
		events:        events,
		channelStates: channelStates,
	}, nil
}

// Run serves HTTP and runs every adapter until ctx is done or one of them
// fails.
func (s *Service) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	s.startedAt = time.Now().UTC()
	s.mu.Unlock()

	group, groupCtx := errgroup.WithContext(ctx)

	if s.events != nil {
		events, unsubscribe := s.events.Subscribe(groupCtx, eventBuffer)
		group.Go(func() error {
			defer unsubscribe()
			log := s.log.With("component", "bus.events")
			for event := range events {
				s.recordEvent(event)
				logEvent(log, event)
			}
			return nil
		})
	}

	if s.health != nil {
		if err := s.checkProviderHealth(groupCtx); err != nil {
			s.log.Warn("Provider not reachable yet", "error", err)
		}
		group.Go(func() error {
			ticker := time.NewTicker(providerProbeInterval)
			defer ticker.Stop()
			for {
				select {
				case <-groupCtx.Done():
					return nil
				case <-ticker.C:
					if err := s.checkProviderHealth(groupCtx); err != nil {
						s.log.Warn("Provider health check failed", "error", err)
					}
				}
			}
		})
	}

	for _, adapter := range s.channels {
		s.setChannelState(adapter.Name(), channelState{Running: true})

		group.Go(func() error {
			err := adapter.Run(groupCtx, s.handler)
			s.setChannelState(adapter.Name(), channelState{Running: false, Error: errorString(err)})
			if err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("run %s channel: %w", adapter.Name(), err)
			}
			return nil
		})
	}

	group.Go(func() error {
		return s.runHTTPServer(groupCtx)
	})

	s.log.Info("Gateway started", "provider", s.cfg.Provider.Name, "model", s.cfg.Provider.ResolvedModel(), "channels", len(s.channels))

	return group.Wait()
}

// Handler returns the HTTP routes: status probes, webhook registration, and
// one webhook route per adapter that receives updates over HTTP.
func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleRoot)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /readyz", s.handleReady)
	mux.HandleFunc("/set-webhook", s.handleSetWebhook)

	for _, adapter := range s.channels {
		webhook, ok := adapter.(channel.WebhookAdapter)
		if !ok || webhook.WebhookPath() == "" {
			continue
		}
		mux.Handle(webhook.WebhookPath(), webhook.WebhookHandler(s.handler))
		s.log.Debug("Mounted webhook route", "channel", adapter.Name(), "path", webhook.WebhookPath())
	}

	return mux
}

func (s *Service) runHTTPServer(ctx context.Context) error {
	host := strings.TrimSpace(s.cfg.Gateway.Host)
	if host == "" {
		host = defaultHost
	}

	port := s.cfg.Gateway.Port
	if port <= 0 {
		port = defaultPort
	}

	addr := host + ":" + strconv.Itoa(port)
	server := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownGrace())
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	s.log.Info("Gateway HTTP server started", "address", addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("start http server: %w", err)
	}

	return nil
}

// shutdownGrace lets in-flight webhook relays finish their reply.
func (s *Service) shutdownGrace() time.Duration {
	grace := time.Duration(s.cfg.Relay.TimeoutSeconds+s.cfg.Relay.DeliveryTimeoutSeconds) * time.Second
	return max(grace, 5*time.Second)
}

func (s *Service) handleRoot(w http.ResponseWriter, _ *http.Request) {
	s.respondStatus(w, http.StatusOK, "running")
}

func (s *Service) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Service) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	s.respondStatus(w, http.StatusOK, "ok")
}

func (s *Service) handleReady(w http.ResponseWriter, _ *http.Request) {
	statusCode := http.StatusOK
	status := "ready"
	if !s.isReady() {
		statusCode = http.StatusServiceUnavailable
		status = "not_ready"
	}

	s.respondStatus(w, statusCode, status)
}

func (s *Service) handleSetWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		respondError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var request struct {
		WebhookURL string `json:"webhook_url"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxSetWebhookBody)).Decode(&request); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	webhookURL := strings.TrimSpace(request.WebhookURL)
	if webhookURL == "" {
		respondError(w, http.StatusBadRequest, "webhook_url is required")
		return
	}

	registrar := s.webhookRegistrar()
	if registrar == nil {
		respondError(w, http.StatusNotImplemented, "no enabled channel supports webhooks")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), setWebhookTimeout)
	defer cancel()
	if err := registrar.RegisterWebhook(ctx, webhookURL); err != nil {
		s.log.Error("Failed to set webhook", "url", webhookURL, "error", err)
		respondError(w, http.StatusBadGateway, "failed to set webhook: "+err.Error())
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"message": "Webhook set to: " + webhookURL,
	})
}

func (s *Service) webhookRegistrar() webhookRegistrar {
	for _, adapter := range s.channels {
		if registrar, ok := adapter.(webhookRegistrar); ok {
			return registrar
		}
	}
	return nil
}

func (s *Service) respondStatus(w http.ResponseWriter, statusCode int, status string) {
	respondJSON(w, statusCode, s.currentStatus(status))
}

func respondError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, map[string]string{"status": "error", "message": message})
}

func respondJSON(w http.ResponseWriter, statusCode int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		slog.Default().Error("Failed to write response", "component", "gateway.service", "error", err)
	}
}

func (s *Service) currentStatus(status string) statusResponse {
	s.mu.RLock()
	defer s.mu.RUnlock()

	uptime := int64(0)
	if !s.startedAt.IsZero() {
		uptime = int64(time.Since(s.startedAt).Seconds())
	}

	providerLastOK := ""
	if !s.providerLastOKAt.IsZero() {
		providerLastOK = s.providerLastOKAt.Format(time.RFC3339)
	}

	return statusResponse{
		Status:           status,
		Service:          serviceName,
		Provider:         s.cfg.Provider.Name,
		Model:            s.cfg.Provider.ResolvedModel(),
		UptimeSeconds:    uptime,
		ProviderLastOKAt: providerLastOK,
		ProviderLastErr:  s.providerLastErr,
		Channels:         maps.Clone(s.channelStates),
		Relays:           s.relays,
	}
}

// isReady requires a running channel and, when the provider can be probed,
// a successful last probe.
func (s *Service) isReady() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	anyRunning := false
	for _, state := range s.channelStates {
		if state.Running {
			anyRunning = true
			break
		}
	}
	if !anyRunning {
		return false
	}

	if s.health != nil && s.providerLastOKAt.IsZero() {
		return false
	}

	return s.providerLastErr == ""
}

func (s *Service) checkProviderHealth(ctx context.Context) error {
	if s.health == nil {
		return nil
	}

	probeCtx, cancel := context.WithTimeout(ctx, providerProbeTimeout)
	defer cancel()

	if err := s.health.Health(probeCtx); err != nil {
		s.mu.Lock()
		s.providerLastErr = err.Error()
		s.mu.Unlock()
		return fmt.Errorf("provider health check failed: %w", err)
	}

	s.mu.Lock()
	s.providerLastErr = ""
	s.providerLastOKAt = time.Now().UTC()
	s.mu.Unlock()

	return nil
}

func (s *Service) recordEvent(event bus.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch event.Type {
	case bus.EventRelayReceived:
		s.relays.Received++
	case bus.EventRelayIgnored:
		s.relays.Ignored++
	case bus.EventRelaySucceeded:
		s.relays.Succeeded++
	case bus.EventRelayFailed:
		s.relays.Failed++
	case bus.EventDeliveryFailed:
		s.relays.DeliveryFailed++
	case bus.EventProviderRetried:
		s.relays.ProviderRetries++
	}
}

// logEvent keeps one attribute set across event types so relays can be
// correlated by id. Failures log at warn, the rest at debug.
func logEvent(log *slog.Logger, event bus.Event) {
	attrs := []any{
		"event_type", event.Type,
		"relay_id", event.RelayID,
		"channel", event.Channel,
		"chat_id", event.ChatID,
	}
	if event.Attempts > 0 {
		attrs = append(attrs, "attempts", event.Attempts)
	}
	if event.Kind != "" {
		attrs = append(attrs, "kind", event.Kind)
	}

	switch event.Type {
	case bus.EventRelayFailed, bus.EventDeliveryFailed:
		log.Warn("Relay event", append(attrs, "error", event.Error)...)
	default:
		log.Debug("Relay event", attrs...)
	}
}

func (s *Service) setChannelState(name string, state channelState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channelStates[name] = state
}

func errorString(err error) string {
	if err == nil {
		return ""
	}

	return err.Error()
}
