// ABOUTME: Bus hooks installed by the core: logging, journaling, greeting, replies
// ABOUTME: Hooks report failures as events and never panic the dispatcher

package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/2389/yoda/internal/bus"
	"github.com/2389/yoda/internal/events"
	"github.com/2389/yoda/internal/responder"
)

// Hook ids. Fixed ids make double registration a start-up error.
const (
	hookEventLog  bus.HookID = "event-log"
	hookJournal   bus.HookID = "journal"
	hookGreeting  bus.HookID = "greeting"
	hookResponder bus.HookID = "responder"
)

// replyTimeout bounds a single responder call.
const replyTimeout = 2 * time.Minute

// ErrConnectionGone is reported when a reply's connection has disconnected.
var ErrConnectionGone = errors.New("connection no longer available")

func (c *Core) registerHooks() error {
	if err := c.bus.AddHookWithID(events.KindAll, hookEventLog, c.logEvent); err != nil {
		return err
	}
	if c.journal != nil {
		if err := c.bus.AddHookWithID(events.KindAll, hookJournal, c.journal.Hook()); err != nil {
			return err
		}
	}
	if err := c.bus.AddHookWithID(events.KindSystem, hookGreeting, c.greet); err != nil {
		return err
	}
	return c.bus.AddHookWithID(events.KindUserMessage, hookResponder, c.reply)
}

func (c *Core) logEvent(ev events.Event) {
	attrs := []any{"kind", ev.Kind(), "message", ev.Message()}
	if p := ev.Payload(); p != nil {
		attrs = append(attrs, "payload", p.String())
	}
	switch ev.Kind() {
	case events.KindSystem, events.KindAgentMessage:
		// Lifecycle and the assistant's own output are operator-visible.
		c.logger.Info("event", attrs...)
	default:
		c.logger.Debug("event", attrs...)
	}
}

// greet publishes the welcome message once start-up finishes.
func (c *Core) greet(ev events.Event) {
	if ev.Message() != events.CoreReady {
		return
	}
	status, _ := ev.Payload().(events.ServiceStatus)

	text := events.GreetingAllOnline
	if !status.AllOK() {
		text = events.GreetingSomeOffline
	}
	greeting, err := events.AgentMessage(text, status)
	if err != nil {
		c.logger.Error("building greeting", "error", err)
		return
	}
	c.push(greeting)
}

// reply answers a user message on its originating connection and republishes
// the answer for observers.
func (c *Core) reply(ev events.Event) {
	msg, err := responder.FromEvent(ev)
	if err != nil {
		c.replyFailed(ev, err)
		return
	}

	if err := c.answer(msg); err != nil {
		c.replyFailed(ev, err)
	}
}

func (c *Core) answer(msg responder.ChatMessage) error {
	if _, ok := c.comms.Connection(msg.ConnectionID); !ok {
		return ErrConnectionGone
	}

	ctx, cancel := context.WithTimeout(c.hookCtx, replyTimeout)
	defer cancel()

	text, err := c.responder.Respond(ctx, msg)
	if err != nil {
		return fmt.Errorf("responder: %w", err)
	}

	// Look the connection up again: it may have gone while the reply was produced.
	conn, ok := c.comms.Connection(msg.ConnectionID)
	if !ok {
		return ErrConnectionGone
	}
	if err := conn.WriteFrame(text); err != nil {
		return fmt.Errorf("writing reply: %w", err)
	}

	out, err := events.AgentMessage(text, events.ConnectionID(msg.ConnectionID))
	if err != nil {
		return fmt.Errorf("publishing reply: %w", err)
	}
	c.push(out)
	return nil
}

func (c *Core) replyFailed(ev events.Event, err error) {
	c.logger.Warn("reply failed", "event_id", ev.ID(), "error", err)
	c.push(events.System(events.ReplyFailed, events.Failure{
		Err: fmt.Errorf("replying to %v: %w", ev.Payload(), err),
	}))
}
