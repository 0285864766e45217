// ABOUTME: Kind-specific payload variants attached to events
// ABOUTME: Payload is a closed interface; only this package defines implementations

package events

import (
	"fmt"
	"net"
	"slices"
	"strconv"
	"strings"
)

// Payload is the closed set of event payloads.
type Payload interface {
	fmt.Stringer
	isPayload()
}

// ServiceStatus maps service names to a readiness flag.
type ServiceStatus map[string]bool

func (ServiceStatus) isPayload() {}

// AllOK reports whether every service is ready. An empty status is OK.
func (s ServiceStatus) AllOK() bool {
	for _, ok := range s {
		if !ok {
			return false
		}
	}
	return true
}

func (s ServiceStatus) String() string {
	names := make([]string, 0, len(s))
	for name := range s {
		names = append(names, name)
	}
	slices.Sort(names)

	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, fmt.Sprintf("'%s': %t", name, s[name]))
	}
	return "{" + strings.Join(parts, ", ") + "}"
}

// Endpoint is a host/port pair, e.g. the comms listener address.
type Endpoint struct {
	Host string
	Port int
}

func (Endpoint) isPayload() {}

// Address returns host:port.
func (e Endpoint) Address() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

func (e Endpoint) String() string {
	return fmt.Sprintf("('%s', %d)", e.Host, e.Port)
}

// ConnectionID identifies a client connection in the comms registry.
type ConnectionID string

func (ConnectionID) isPayload() {}

func (c ConnectionID) String() string { return string(c) }

// Failure carries the error behind an offline or aborted event.
type Failure struct {
	Err error
}

func (Failure) isPayload() {}

func (f Failure) Error() string {
	if f.Err == nil {
		return "unknown error"
	}
	return f.Err.Error()
}

func (f Failure) String() string {
	return fmt.Sprintf("Failure(%q)", f.Error())
}

// Unwrap exposes the underlying error to errors.Is / errors.As.
func (f Failure) Unwrap() error { return f.Err }

// Text is free-form payload text.
type Text string

func (Text) isPayload() {}

func (t Text) String() string { return strconv.Quote(string(t)) }
