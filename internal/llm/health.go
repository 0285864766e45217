// ABOUTME: Readiness service for the language-model runtime
// ABOUTME: Polls an HTTP health endpoint until it answers 200 or setup times out

package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/2389/yoda/internal/events"
	"github.com/2389/yoda/internal/lifecycle"
)

// Defaults match a local Ollama runtime.
const (
	DefaultBaseURL        = "http://localhost:11434"
	DefaultHealthPath     = "/api/version"
	DefaultPollInterval   = 500 * time.Millisecond
	DefaultSetupTimeout   = 30 * time.Second
	DefaultRequestTimeout = 2 * time.Second
)

// ErrUnhealthy is returned when the runtime answers with a non-200 status.
var ErrUnhealthy = errors.New("llm runtime unhealthy")

// Config holds health-check settings.
type Config struct {
	BaseURL        string
	HealthPath     string
	PollInterval   time.Duration
	SetupTimeout   time.Duration
	RequestTimeout time.Duration
}

// Publisher accepts events for the bus.
type Publisher interface {
	Push(ev events.Event) error
}

// HealthCheck reports whether the model runtime is reachable.
type HealthCheck struct {
	cfg    Config
	pub    Publisher
	client *http.Client
	logger *slog.Logger
}

// NewHealthCheck creates a health check. Zero config fields take defaults.
func NewHealthCheck(cfg Config, pub Publisher, logger *slog.Logger) *HealthCheck {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.HealthPath == "" {
		cfg.HealthPath = DefaultHealthPath
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.SetupTimeout <= 0 {
		cfg.SetupTimeout = DefaultSetupTimeout
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	return &HealthCheck{
		cfg:    cfg,
		pub:    pub,
		client: &http.Client{Timeout: cfg.RequestTimeout},
		logger: logger.With("component", "llm"),
	}
}

// URL returns the health endpoint.
func (h *HealthCheck) URL() string {
	return strings.TrimRight(h.cfg.BaseURL, "/") + "/" + strings.TrimLeft(h.cfg.HealthPath, "/")
}

// Check performs one health request.
func (h *HealthCheck) Check(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.URL(), nil)
	if err != nil {
		return fmt.Errorf("building health request: %w", err)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("requesting %s: %w", h.URL(), err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: %s returned %d", ErrUnhealthy, h.URL(), resp.StatusCode)
	}
	return nil
}

// Run is a lifecycle entry point. It reports ready(true) on the first healthy
// answer, or ready(false) once the setup timeout passes or ctx is cancelled.
// After setup it waits for shutdown.
func (h *HealthCheck) Run(ctx context.Context, ready lifecycle.ReadyFunc) error {
	base := events.Text(h.cfg.BaseURL)
	h.publish(events.System(events.LLMStarting, base))

	if err := h.waitHealthy(ctx); err != nil {
		h.logger.Error("llm runtime unavailable", "url", h.URL(), "error", err)
		h.publish(events.System(events.LLMOffline, events.Failure{Err: err}))
		ready(false)
		return err
	}

	h.logger.Info("llm runtime online", "url", h.URL())
	h.publish(events.System(events.LLMOnline, base))
	ready(true)

	<-ctx.Done()
	return nil
}

func (h *HealthCheck) waitHealthy(ctx context.Context) error {
	setupCtx, cancel := context.WithTimeout(ctx, h.cfg.SetupTimeout)
	defer cancel()

	ticker := time.NewTicker(h.cfg.PollInterval)
	defer ticker.Stop()

	var lastErr error
	for {
		err := h.Check(setupCtx)
		if err == nil {
			return nil
		}
		// A request cut short by the deadline says nothing new about the runtime.
		if lastErr == nil || setupCtx.Err() == nil {
			lastErr = err
		}
		h.logger.Debug("llm runtime not ready", "error", err)

		select {
		case <-ticker.C:
		case <-setupCtx.Done():
			if ctx.Err() != nil {
				return fmt.Errorf("shutdown before llm runtime was ready: %w", ctx.Err())
			}
			return fmt.Errorf("llm runtime not ready after %s: %w", h.cfg.SetupTimeout, lastErr)
		}
	}
}

func (h *HealthCheck) publish(ev events.Event) {
	if h.pub == nil {
		return
	}
	if err := h.pub.Push(ev); err != nil {
		h.logger.Warn("failed to publish event", "message", ev.Message(), "error", err)
	}
}
