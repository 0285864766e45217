// ABOUTME: Tests for the service lifecycle controller
// ABOUTME: Covers readiness ordering, failure reporting, shutdown, and join semantics

package lifecycle

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// untilShutdown reports ready after delay, then blocks until shutdown.
func untilShutdown(delay time.Duration, ok bool) EntryPoint {
	return func(ctx context.Context, ready ReadyFunc) error {
		select {
		case <-time.After(delay):
			ready(ok)
		case <-ctx.Done():
			return ctx.Err()
		}
		<-ctx.Done()
		return nil
	}
}

func waitReady(t *testing.T, ch <-chan map[string]bool) map[string]bool {
	t.Helper()
	select {
	case status := <-ch:
		return status
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for all-ready callback")
		return nil
	}
}

func TestController_AlphaBetaReadiness(t *testing.T) {
	c := New(nil)
	require.NoError(t, c.Register("alpha", untilShutdown(0, true)))
	require.NoError(t, c.Register("beta", untilShutdown(200*time.Millisecond, true)))

	readyCh := make(chan map[string]bool, 1)
	start := time.Now()
	require.NoError(t, c.StartAll(func(status map[string]bool) { readyCh <- status }))

	status := waitReady(t, readyCh)
	elapsed := time.Since(start)

	assert.GreaterOrEqual(t, elapsed, 190*time.Millisecond, "callback fired before beta was ready")
	assert.Equal(t, map[string]bool{"alpha": true, "beta": true}, status)
	assert.Equal(t, map[string]bool{"alpha": true, "beta": true}, c.SetupStatus())

	c.StopAll()
	c.JoinAll()
	assert.Empty(t, c.Failures())
}

func TestController_CallbackWaitsRegardlessOfOrder(t *testing.T) {
	c := New(nil)
	require.NoError(t, c.Register("slow-first", untilShutdown(80*time.Millisecond, true)))
	require.NoError(t, c.Register("fast-second", untilShutdown(0, false)))

	var calls atomic.Int32
	readyCh := make(chan map[string]bool, 1)
	require.NoError(t, c.StartAll(func(status map[string]bool) {
		calls.Add(1)
		readyCh <- status
	}))

	status := waitReady(t, readyCh)
	assert.Equal(t, map[string]bool{"slow-first": true, "fast-second": false}, status)

	c.StopAll()
	c.JoinAll()
	assert.Equal(t, int32(1), calls.Load())
}

func TestController_DuplicateRegistration(t *testing.T) {
	c := New(nil)
	require.NoError(t, c.Register("svc", untilShutdown(0, true)))

	err := c.Register("svc", untilShutdown(0, true))
	require.ErrorIs(t, err, ErrDuplicateService)
	assert.Equal(t, []string{"svc"}, c.Names())
}

func TestController_RegisterAfterStartFails(t *testing.T) {
	c := New(nil)
	require.NoError(t, c.StartAll(nil))

	require.ErrorIs(t, c.Register("late", untilShutdown(0, true)), ErrAlreadyStarted)
	require.ErrorIs(t, c.StartAll(nil), ErrAlreadyStarted)

	c.StopAll()
	c.JoinAll()
}

func TestController_NoServicesIsImmediatelyReady(t *testing.T) {
	c := New(nil)
	readyCh := make(chan map[string]bool, 1)
	require.NoError(t, c.StartAll(func(status map[string]bool) { readyCh <- status }))

	assert.Empty(t, waitReady(t, readyCh))
	c.StopAll()
	c.JoinAll()
}

func TestController_FailingSetupIsReportedNotRaised(t *testing.T) {
	bindErr := errors.New("bind: address already in use")

	c := New(nil)
	require.NoError(t, c.Register("comms", func(ctx context.Context, ready ReadyFunc) error {
		ready(false)
		return bindErr
	}))
	require.NoError(t, c.Register("other", untilShutdown(0, true)))

	readyCh := make(chan map[string]bool, 1)
	require.NoError(t, c.StartAll(func(status map[string]bool) { readyCh <- status }))

	status := waitReady(t, readyCh)
	assert.False(t, status["comms"])
	assert.True(t, status["other"])

	c.StopAll()
	c.JoinAll()

	failures := c.Failures()
	require.Len(t, failures, 1)
	assert.ErrorIs(t, failures["comms"], bindErr)
}

func TestController_ReturnWithoutReadyCountsAsFailed(t *testing.T) {
	c := New(nil)
	require.NoError(t, c.Register("forgetful", func(ctx context.Context, ready ReadyFunc) error {
		return errors.New("gave up early")
	}))

	readyCh := make(chan map[string]bool, 1)
	require.NoError(t, c.StartAll(func(status map[string]bool) { readyCh <- status }))

	assert.Equal(t, map[string]bool{"forgetful": false}, waitReady(t, readyCh))
	c.JoinAll()
}

func TestController_PanicIsContained(t *testing.T) {
	c := New(nil)
	require.NoError(t, c.Register("panicky", func(ctx context.Context, ready ReadyFunc) error {
		panic("setup exploded")
	}))
	require.NoError(t, c.Register("steady", untilShutdown(0, true)))

	readyCh := make(chan map[string]bool, 1)
	require.NoError(t, c.StartAll(func(status map[string]bool) { readyCh <- status }))

	status := waitReady(t, readyCh)
	assert.False(t, status["panicky"])
	assert.True(t, status["steady"])

	c.StopAll()
	c.JoinAll()

	require.Contains(t, c.Failures(), "panicky")
	assert.Contains(t, c.Failures()["panicky"].Error(), "setup exploded")
}

func TestController_ReadyOnlyFlipsOnce(t *testing.T) {
	c := New(nil)
	require.NoError(t, c.Register("flappy", func(ctx context.Context, ready ReadyFunc) error {
		ready(true)
		ready(false)
		ready(true)
		<-ctx.Done()
		return nil
	}))

	readyCh := make(chan map[string]bool, 1)
	require.NoError(t, c.StartAll(func(status map[string]bool) { readyCh <- status }))

	assert.Equal(t, map[string]bool{"flappy": true}, waitReady(t, readyCh))

	c.StopAll()
	c.JoinAll()
	assert.True(t, c.Status()["flappy"], "status never flips back")
}

func TestController_StopAllSignalsServices(t *testing.T) {
	c := New(nil)

	var observed atomic.Bool
	require.NoError(t, c.Register("worker", func(ctx context.Context, ready ReadyFunc) error {
		ready(true)
		<-ctx.Done()
		observed.Store(true)
		return ctx.Err()
	}))
	require.NoError(t, c.StartAll(nil))

	require.Eventually(t, func() bool { return c.SetupStatus()["worker"] }, time.Second, 5*time.Millisecond)
	assert.False(t, c.ShuttingDown())

	c.StopAll()
	c.StopAll()
	<-c.Done()
	c.JoinAll()

	assert.True(t, c.ShuttingDown())
	assert.True(t, observed.Load())
	assert.Empty(t, c.Failures(), "context cancellation is a clean exit")
}

func TestController_ExitDuringSetupIsReportedAsFailed(t *testing.T) {
	c := New(nil)
	require.NoError(t, c.Register("never-ready", func(ctx context.Context, ready ReadyFunc) error {
		<-ctx.Done()
		return nil
	}))

	require.NoError(t, c.StartAll(nil))

	c.StopAll()
	c.JoinAll()

	assert.Equal(t, map[string]bool{"never-ready": true}, c.SetupStatus(),
		"exit is reported as setup complete")
	assert.Equal(t, map[string]bool{"never-ready": false}, c.Status())
	<-c.AllReady()
}

func TestController_FailuresReadableWhileServicesRun(t *testing.T) {
	c := New(nil)
	crashErr := errors.New("lost upstream")
	release := make(chan struct{})
	require.NoError(t, c.Register("crashy", func(ctx context.Context, ready ReadyFunc) error {
		ready(true)
		<-release
		return crashErr
	}))
	require.NoError(t, c.StartAll(nil))

	polled := make(chan struct{})
	go func() {
		defer close(polled)
		for {
			if _, ok := c.Failures()["crashy"]; ok {
				return
			}
			select {
			case <-c.Done():
				return
			default:
			}
		}
	}()

	close(release)
	require.Eventually(t, func() bool {
		return errors.Is(c.Failures()["crashy"], crashErr)
	}, time.Second, 5*time.Millisecond)
	<-polled

	c.StopAll()
	c.JoinAll()
	assert.ErrorIs(t, c.Failures()["crashy"], crashErr)
}
