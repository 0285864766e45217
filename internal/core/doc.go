// Package core assembles the yoda runtime.
//
// New builds the event bus and the lifecycle controller, constructs the comms
// server and the optional LLM readiness service, and installs the bus hooks
// that log events, archive them, greet on start-up, and answer user messages.
//
// Run publishes the start-up events, waits for the shutdown signal, then
// stops services, drains the bus, and dumps the event history.
package core
