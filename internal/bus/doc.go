// Package bus is the in-process event hub of the core runtime.
//
// # Publishing
//
// Any component may Push an events.Event. Push records the event in the
// history buffer and schedules every matching hook, then returns. It never
// waits for a hook and never reports a hook failure to the publisher.
//
// # Hooks
//
// Hooks are registered per kind, or under events.KindAll to see everything:
//
//	id, err := b.AddHook(events.KindUserMessage, func(ev events.Event) { ... })
//	...
//	err = b.RemoveHook(events.KindUserMessage, id)
//
// Ids are unique within a kind. AddHookWithID lets the caller choose one and
// fails with ErrDuplicateHook when it is taken.
//
// # Ordering
//
// Every hook owns a FIFO queue drained by at most one goroutine, so a single
// hook observes events in publish order. Different hooks run concurrently,
// bounded by Options.Workers, and have no ordering relative to each other.
//
// # History
//
// History is in memory only. Dump writes it one event per line for
// debugging; it is never read back.
package bus
