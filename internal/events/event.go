// ABOUTME: Immutable event record flowing through the bus, with a closed set of kinds
// ABOUTME: Constructors reject blank messages; String renders the one-line dump record

package events

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Kind discriminates the event variants.
type Kind string

const (
	KindSystem       Kind = "system-event"
	KindUserMessage  Kind = "user-message"
	KindAgentMessage Kind = "agent-message"

	// KindAll is the wildcard used when registering hooks. No event carries it.
	KindAll Kind = "all"
)

// ErrEmptyMessage is returned when an event message is empty after trimming.
var ErrEmptyMessage = errors.New("event message is empty")

// ErrInvalidKind is returned for a kind outside the closed set.
var ErrInvalidKind = errors.New("invalid event kind")

// Kinds returns the concrete event kinds in a stable order.
func Kinds() []Kind {
	return []Kind{KindSystem, KindUserMessage, KindAgentMessage}
}

// Valid reports whether k is a concrete event kind.
func (k Kind) Valid() bool {
	switch k {
	case KindSystem, KindUserMessage, KindAgentMessage:
		return true
	}
	return false
}

// ValidForHook reports whether k can be used to register a hook.
func (k Kind) ValidForHook() bool {
	return k == KindAll || k.Valid()
}

// Event is a published record. The zero value is not a valid event; use New.
type Event struct {
	id        string
	kind      Kind
	message   string
	payload   Payload
	createdAt time.Time
}

// New creates an event. The message is trimmed and must not be empty.
func New(kind Kind, message string, payload Payload) (Event, error) {
	if !kind.Valid() {
		return Event{}, fmt.Errorf("%w: %q", ErrInvalidKind, kind)
	}
	message = strings.TrimSpace(message)
	if message == "" {
		return Event{}, ErrEmptyMessage
	}
	return Event{
		id:        uuid.NewString(),
		kind:      kind,
		message:   message,
		payload:   payload,
		createdAt: time.Now(),
	}, nil
}

// System creates a system event. Callers pass catalogue messages, so a blank
// message is a programming error and panics.
func System(message string, payload Payload) Event {
	return MustNew(KindSystem, message, payload)
}

// UserMessage creates an event for text received from a client connection.
func UserMessage(text string, conn ConnectionID) (Event, error) {
	return New(KindUserMessage, text, conn)
}

// AgentMessage creates an event recording a reply produced for a connection.
func AgentMessage(text string, payload Payload) (Event, error) {
	return New(KindAgentMessage, text, payload)
}

// MustNew is like New but panics on error.
func MustNew(kind Kind, message string, payload Payload) Event {
	ev, err := New(kind, message, payload)
	if err != nil {
		panic(fmt.Sprintf("events.MustNew: %v", err))
	}
	return ev
}

func (e Event) ID() string           { return e.id }
func (e Event) Kind() Kind           { return e.kind }
func (e Event) Message() string      { return e.message }
func (e Event) Payload() Payload     { return e.payload }
func (e Event) CreatedAt() time.Time { return e.createdAt }

// IsZero reports whether e was built without a constructor.
func (e Event) IsZero() bool {
	return e.id == "" && e.message == ""
}

// String renders the event as a single line. Embedded newlines are escaped so
// that a dump file always holds exactly one event per line.
func (e Event) String() string {
	return fmt.Sprintf("<Event created_on=(%s) kind=('%s') message=(%s) payload=(%s)>",
		e.createdAt.Format(time.RFC3339Nano),
		e.kind,
		strconv.Quote(e.message),
		payloadRepr(e.payload),
	)
}

func payloadRepr(p Payload) string {
	if p == nil {
		return "None"
	}
	s := p.String()
	if strings.ContainsAny(s, "\r\n") {
		return strconv.Quote(s)
	}
	return s
}
