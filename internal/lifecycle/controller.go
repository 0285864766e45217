// ABOUTME: Runs named long-lived services concurrently and tracks their setup status
// ABOUTME: Shares one cooperative shutdown signal; fires a callback once all are set up

package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

// ErrDuplicateService is returned when registering a name twice.
var ErrDuplicateService = errors.New("service already registered")

// ErrAlreadyStarted is returned when registering or starting after StartAll.
var ErrAlreadyStarted = errors.New("services already started")

// ReadyFunc reports the end of a service's setup phase. Only the first call
// counts; later calls are ignored.
type ReadyFunc func(ok bool)

// EntryPoint is a service body. ctx is the shared shutdown signal: it is
// cancelled by StopAll and the service is expected to return soon after.
//
// An entry point must call ready exactly once when its setup finishes,
// including when setup fails. If it returns or panics without calling ready
// the controller reports ready(false) on its behalf; an entry point that
// blocks forever without calling ready stalls the StartAll callback.
type EntryPoint func(ctx context.Context, ready ReadyFunc) error

type service struct {
	name  string
	entry EntryPoint

	setupComplete atomic.Bool
	setupOK       atomic.Bool
	reportOnce    sync.Once

	// err is guarded by Controller.mu.
	err error
}

// Controller launches registered services and coordinates their shutdown.
type Controller struct {
	mu       sync.Mutex
	services map[string]*service
	order    []string
	started  bool

	ctx    context.Context
	cancel context.CancelFunc

	wg        sync.WaitGroup
	remaining atomic.Int32
	allReady  chan struct{}

	logger *slog.Logger
}

// New creates a controller. Pass nil logger for default.
func New(logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		services: make(map[string]*service),
		ctx:      ctx,
		cancel:   cancel,
		allReady: make(chan struct{}),
		logger:   logger.With("component", "lifecycle"),
	}
}

// Register adds a service. Must be called before StartAll.
func (c *Controller) Register(name string, entry EntryPoint) error {
	if entry == nil {
		return fmt.Errorf("service %q: entry point is nil", name)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.started {
		return fmt.Errorf("registering %q: %w", name, ErrAlreadyStarted)
	}
	if _, exists := c.services[name]; exists {
		return fmt.Errorf("%w: %q", ErrDuplicateService, name)
	}

	c.services[name] = &service{name: name, entry: entry}
	c.order = append(c.order, name)
	return nil
}

// StartAll launches every registered service in its own goroutine. Once every
// service has reported setup completion, onAllReady is called exactly once
// with the Status snapshot. If shutdown begins first, onAllReady is not called.
func (c *Controller) StartAll(onAllReady func(status map[string]bool)) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return ErrAlreadyStarted
	}
	c.started = true
	svcs := make([]*service, 0, len(c.order))
	for _, name := range c.order {
		svcs = append(svcs, c.services[name])
	}
	c.mu.Unlock()

	c.remaining.Store(int32(len(svcs)))
	if len(svcs) == 0 {
		close(c.allReady)
	}

	c.logger.Info("starting services", "count", len(svcs))

	for _, svc := range svcs {
		c.wg.Add(1)
		go c.run(svc)
	}

	go c.awaitSetup(onAllReady)
	return nil
}

func (c *Controller) awaitSetup(onAllReady func(map[string]bool)) {
	select {
	case <-c.allReady:
	case <-c.ctx.Done():
		// Services that already finished setup still win the race.
		select {
		case <-c.allReady:
		default:
			c.logger.Debug("shutdown before all services finished setup",
				"setup", c.SetupStatus())
			return
		}
	}

	status := c.Status()
	c.logger.Info("all services finished setup", "status", status)
	if onAllReady != nil {
		onAllReady(status)
	}
}

func (c *Controller) run(svc *service) {
	defer c.wg.Done()

	ready := func(ok bool) { c.report(svc, ok) }

	var err error
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
		c.mu.Lock()
		svc.err = err
		c.mu.Unlock()

		if err != nil && !errors.Is(err, context.Canceled) {
			c.logger.Error("service failed", "service", svc.name, "error", err)
		} else {
			c.logger.Debug("service exited", "service", svc.name)
		}
		// Never leave the readiness wait hanging on a service that is gone.
		c.report(svc, false)
	}()

	err = svc.entry(c.ctx, ready)
}

func (c *Controller) report(svc *service, ok bool) {
	svc.reportOnce.Do(func() {
		if ok {
			svc.setupOK.Store(true)
		}
		svc.setupComplete.Store(true)

		c.logger.Info("service setup complete", "service", svc.name, "ok", ok)

		if c.remaining.Add(-1) == 0 {
			close(c.allReady)
		}
	})
}

// StopAll raises the shared shutdown signal. It does not wait for services.
func (c *Controller) StopAll() {
	if c.ctx.Err() == nil {
		c.logger.Info("stopping services")
	}
	c.cancel()
}

// JoinAll blocks until every launched service has returned. Service errors
// are logged and available from Failures; they are not returned.
func (c *Controller) JoinAll() {
	c.wg.Wait()
}

// Done is closed once StopAll has been called.
func (c *Controller) Done() <-chan struct{} {
	return c.ctx.Done()
}

// ShuttingDown reports whether StopAll has been called.
func (c *Controller) ShuttingDown() bool {
	return c.ctx.Err() != nil
}

// AllReady is closed once every service has reported setup completion.
func (c *Controller) AllReady() <-chan struct{} {
	return c.allReady
}

// Status returns name -> setup ok.
func (c *Controller) Status() map[string]bool {
	return c.snapshot(func(s *service) bool { return s.setupOK.Load() })
}

// SetupStatus returns name -> setup complete.
func (c *Controller) SetupStatus() map[string]bool {
	return c.snapshot(func(s *service) bool { return s.setupComplete.Load() })
}

// Failures returns the errors returned by services that have exited.
// Only meaningful after JoinAll.
func (c *Controller) Failures() map[string]error {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(map[string]error)
	for name, svc := range c.services {
		if svc.err != nil && !errors.Is(svc.err, context.Canceled) {
			out[name] = svc.err
		}
	}
	return out
}

// Names returns the registered service names in registration order.
func (c *Controller) Names() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.order...)
}

func (c *Controller) snapshot(get func(*service) bool) map[string]bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(map[string]bool, len(c.services))
	for name, svc := range c.services {
		out[name] = get(svc)
	}
	return out
}
