// ABOUTME: Composition root that wires the bus, lifecycle controller, and services
// ABOUTME: Runs start-up, waits for the shutdown signal, then tears down in order

package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/2389/yoda/internal/bus"
	"github.com/2389/yoda/internal/comms"
	"github.com/2389/yoda/internal/config"
	"github.com/2389/yoda/internal/events"
	"github.com/2389/yoda/internal/journal"
	"github.com/2389/yoda/internal/lifecycle"
	"github.com/2389/yoda/internal/llm"
	"github.com/2389/yoda/internal/responder"
)

// Service names registered with the lifecycle controller.
const (
	ServiceComms = "comms-server"
	ServiceLLM   = "llm-server"
)

// defaultShutdownTimeout applies when the config leaves shutdown_timeout unset.
const defaultShutdownTimeout = 10 * time.Second

// Deps are collaborators supplied by the caller.
type Deps struct {
	// Responder answers user messages. Nil selects responder.Echo backed by
	// the bus history.
	Responder responder.Responder
}

// Core owns every runtime component. Build one with New and call Run once.
type Core struct {
	cfg        *config.Config
	bus        *bus.Bus
	controller *lifecycle.Controller
	comms      *comms.Server
	llm        *llm.HealthCheck
	journal    *journal.Journal
	responder  responder.Responder
	logger     *slog.Logger

	// hookCtx bounds responder calls; cancelled once services have stopped.
	hookCtx    context.Context
	cancelHook context.CancelFunc

	ready chan struct{}
}

// New builds the runtime from cfg. Registration errors here are programming
// errors and abort start-up.
func New(cfg *config.Config, deps Deps, logger *slog.Logger) (*Core, error) {
	if logger == nil {
		logger = slog.Default()
	}

	b := bus.New(bus.Options{Workers: cfg.Bus.Workers, HistorySize: cfg.Bus.HistorySize}, logger)
	hookCtx, cancelHook := context.WithCancel(context.Background())

	c := &Core{
		cfg:        cfg,
		bus:        b,
		controller: lifecycle.New(logger),
		responder:  deps.Responder,
		logger:     logger.With("component", "core"),
		hookCtx:    hookCtx,
		cancelHook: cancelHook,
		ready:      make(chan struct{}),
	}
	if c.responder == nil {
		c.responder = responder.Echo{History: b}
	}

	c.comms = comms.NewServer(comms.Config{
		Host:             cfg.Comms.Host,
		Port:             cfg.Comms.Port,
		CertFile:         cfg.Comms.CertFile,
		KeyFile:          cfg.Comms.KeyFile,
		MaxFrameSize:     cfg.Comms.MaxFrameSize,
		WriteTimeout:     cfg.Comms.WriteTimeout,
		HandshakeTimeout: cfg.Comms.HandshakeTimeout,
	}, b, logger)

	if cfg.LLM.Enabled {
		c.llm = llm.NewHealthCheck(llm.Config{
			BaseURL:        cfg.LLM.BaseURL,
			HealthPath:     cfg.LLM.HealthPath,
			PollInterval:   cfg.LLM.PollInterval,
			SetupTimeout:   cfg.LLM.SetupTimeout,
			RequestTimeout: cfg.LLM.RequestTimeout,
		}, b, logger)
	}

	if cfg.Journal.Path != "" {
		j, err := journal.Open(cfg.Journal.Path, logger)
		if err != nil {
			cancelHook()
			return nil, fmt.Errorf("opening journal: %w", err)
		}
		c.journal = j
	}

	if err := c.registerHooks(); err != nil {
		c.closeJournal()
		cancelHook()
		return nil, fmt.Errorf("registering hooks: %w", err)
	}
	if err := c.registerServices(); err != nil {
		c.closeJournal()
		cancelHook()
		return nil, fmt.Errorf("registering services: %w", err)
	}

	return c, nil
}

func (c *Core) registerServices() error {
	if err := c.controller.Register(ServiceComms, c.comms.Run); err != nil {
		return err
	}
	if c.llm != nil {
		if err := c.controller.Register(ServiceLLM, c.llm.Run); err != nil {
			return err
		}
	}
	return nil
}

// Run starts every service and blocks until ctx is cancelled, then shuts
// down. The returned error collects teardown failures only; service failures
// are reported as events.
func (c *Core) Run(ctx context.Context) error {
	c.push(events.System(events.CoreStarting, events.ServiceStatus(c.controller.Status())))

	err := c.controller.StartAll(func(status map[string]bool) {
		c.push(events.System(events.CoreReady, events.ServiceStatus(status)))
		close(c.ready)
	})
	if err != nil {
		return fmt.Errorf("starting services: %w", err)
	}

	<-ctx.Done()
	c.logger.Info("context canceled, initiating shutdown")
	return c.shutdown()
}

func (c *Core) shutdown() error {
	c.push(events.System(events.UserShutdown, nil))

	timeout := c.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = defaultShutdownTimeout
	}

	c.controller.StopAll()

	var errs []error
	errs = appendCloseError(errs, "comms close", c.comms.Close())

	joined := make(chan struct{})
	go func() {
		c.controller.JoinAll()
		close(joined)
	}()
	select {
	case <-joined:
	case <-time.After(timeout):
		c.logger.Warn("services did not stop in time", "timeout", timeout)
	}

	for name, err := range c.controller.Failures() {
		c.logger.Warn("service exited with error", "service", name, "error", err)
	}

	c.cancelHook()

	busCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	errs = appendCloseError(errs, "bus close", c.bus.Close(busCtx))
	errs = appendCloseError(errs, "history dump", c.bus.Dump(c.cfg.Bus.DumpPath))
	errs = appendCloseError(errs, "journal close", c.closeJournal())

	c.logger.Info("shutdown complete")
	return errors.Join(errs...)
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

func (c *Core) closeJournal() error {
	if c.journal == nil {
		return nil
	}
	return c.journal.Close()
}

func (c *Core) push(ev events.Event) {
	if err := c.bus.Push(ev); err != nil {
		c.logger.Warn("failed to publish event", "message", ev.Message(), "error", err)
	}
}

// Bus returns the event bus.
func (c *Core) Bus() *bus.Bus {
	return c.bus
}

// Ready is closed once every service has finished setup and the core-ready
// event has been published.
func (c *Core) Ready() <-chan struct{} {
	return c.ready
}

// Status returns the setup result of each service.
func (c *Core) Status() map[string]bool {
	return c.controller.Status()
}

// CommsAddr returns the comms listener address, or nil if it is not bound.
func (c *Core) CommsAddr() net.Addr {
	return c.comms.Addr()
}
