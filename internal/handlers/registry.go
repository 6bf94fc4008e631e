// Package handlers implements the Handler Registry (spec.md §4.3): a
// process-wide map from operation name to handler callable, built once
// at startup before the scheduler exists and never modified thereafter
// mid-run. Grounded on the teacher's pattern of wiring a concrete list
// of components in main rather than relying on runtime plugin discovery
// (spec.md §9 "auto-import every plugin module" redesign note) — this
// module registers sum, subtract, and exec explicitly in cmd/agent.
package handlers

import (
	"context"
	"fmt"
)

// Job is the minimal view of a claimed job a handler needs.
type Job struct {
	ID      string
	Op      string
	Payload map[string]any
}

// Handler executes one job and returns either a result object or a
// *handler error* whose message is printable. Handlers may suspend
// (perform I/O or sleep) — they are run under context cancellation.
type Handler func(ctx context.Context, job Job) (map[string]any, error)

// Registry maps operation name to Handler. Not safe for concurrent
// Register calls, but Register only ever runs at startup before any
// goroutine reads the map (the scheduler only ever calls Lookup).
type Registry struct {
	handlers map[string]Handler
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register binds op to handler. A duplicate registration replaces the
// prior entry — last writer wins (spec.md §4.3).
func (r *Registry) Register(op string, handler Handler) {
	r.handlers[op] = handler
}

// Lookup returns the handler for op, or ok=false if none is registered.
func (r *Registry) Lookup(op string) (Handler, bool) {
	h, ok := r.handlers[op]
	return h, ok
}

// Ops returns the registered operation names, advertised as Capabilities
// at registration (spec.md §4.4).
func (r *Registry) Ops() []string {
	ops := make([]string, 0, len(r.handlers))
	for op := range r.handlers {
		ops = append(ops, op)
	}
	return ops
}

// ErrNoHandler formats the message spec.md §4.6.2 requires verbatim for
// a missing handler: "No handler for op=<op>".
func ErrNoHandler(op string) error {
	return fmt.Errorf("No handler for op=%s", op)
}
