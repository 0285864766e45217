// ABOUTME: Contract between the core runtime and the component that answers users
// ABOUTME: Includes Echo, the built-in responder used when no model is wired

package responder

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/2389/yoda/internal/events"
)

// ErrEmptyReply is returned when a responder produces no text.
var ErrEmptyReply = errors.New("responder produced an empty reply")

// RoleUser marks a message typed by a connected client.
const RoleUser = "user"

// ChatMessage is one inbound user message handed to a Responder.
type ChatMessage struct {
	ConnectionID string
	Role         string
	Content      string
	ReceivedAt   time.Time
}

// FromEvent builds a ChatMessage from a user-message event.
func FromEvent(ev events.Event) (ChatMessage, error) {
	if ev.Kind() != events.KindUserMessage {
		return ChatMessage{}, fmt.Errorf("%w: %s is not a user message", events.ErrInvalidKind, ev.Kind())
	}
	conn, _ := ev.Payload().(events.ConnectionID)
	return ChatMessage{
		ConnectionID: string(conn),
		Role:         RoleUser,
		Content:      ev.Message(),
		ReceivedAt:   ev.CreatedAt(),
	}, nil
}

// Responder produces the reply text for a user message.
type Responder interface {
	Respond(ctx context.Context, msg ChatMessage) (string, error)
}

// HistoryReader gives responders read access to past events.
type HistoryReader interface {
	HistoryByKind(kind events.Kind) []events.Event
}

// HistoryCommand asks Echo to recap the connection's earlier messages.
const HistoryCommand = "/history"

// Echo repeats the user's message back. Given a HistoryReader it also answers
// HistoryCommand with the connection's earlier messages.
type Echo struct {
	History HistoryReader
}

// Respond implements Responder.
func (e Echo) Respond(ctx context.Context, msg ChatMessage) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	content := strings.TrimSpace(msg.Content)
	if content == "" {
		return "", ErrEmptyReply
	}
	if content == HistoryCommand && e.History != nil {
		return e.recap(msg), nil
	}
	return content, nil
}

func (e Echo) recap(msg ChatMessage) string {
	var said []string
	for _, ev := range e.History.HistoryByKind(events.KindUserMessage) {
		if conn, _ := ev.Payload().(events.ConnectionID); string(conn) != msg.ConnectionID {
			continue
		}
		if ev.Message() == HistoryCommand {
			continue
		}
		said = append(said, ev.Message())
	}
	if len(said) == 0 {
		return "You have not said anything yet."
	}
	return fmt.Sprintf("You said %d thing(s): %s", len(said), strings.Join(said, " | "))
}
