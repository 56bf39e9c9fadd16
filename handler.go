package stepflow

import (
	"context"
	"fmt"
)

// Done values a handler returns to describe how its step ended.
const (
	// DoneSuccess marks the step processed and fans out on_success edges.
	DoneSuccess = 1
	// DoneFailure marks the step failed and dispatches the on_failure
	// edge, if any.
	DoneFailure = -1
	// DoneInProgress persists partial output and leaves the step pending
	// until an external resumption message arrives.
	DoneInProgress = 0
)

// Outcome is what a step handler produces.
type Outcome struct {
	Done            int
	ResponseData    Params
	TransactionHash string
}

// Handler is a pluggable unit of business logic invoked by the router for
// one step kind. params is the root's request parameters merged with the
// response data of the kinds listed in the node's read_data_from.
type Handler interface {
	Execute(ctx context.Context, params Params) (Outcome, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, params Params) (Outcome, error)

func (f HandlerFunc) Execute(ctx context.Context, params Params) (Outcome, error) {
	return f(ctx, params)
}

// HandlerRegistry maps step kinds to handlers. Handlers are registered once
// per process before any message is consumed; unregistered kinds are
// rejected at startup by ValidateAgainst, not at message time.
type HandlerRegistry struct {
	handlers map[StepKind]Handler
}

// NewHandlerRegistry creates an empty handler registry.
func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{handlers: make(map[StepKind]Handler)}
}

// Register binds a handler to a step kind. Registering a kind twice is an
// error.
func (r *HandlerRegistry) Register(kind StepKind, h Handler) error {
	if h == nil {
		return fmt.Errorf("handler for step %q is nil", kind)
	}
	if _, ok := r.handlers[kind]; ok {
		return fmt.Errorf("handler for step %q already registered", kind)
	}
	r.handlers[kind] = h
	return nil
}

// Get returns the handler for the given kind.
func (r *HandlerRegistry) Get(kind StepKind) (Handler, bool) {
	h, ok := r.handlers[kind]
	return h, ok
}

// ValidateAgainst checks that every kind of the graph has a handler.
func (r *HandlerRegistry) ValidateAgainst(g *Graph) error {
	for kind := range g.Nodes {
		if _, ok := r.handlers[kind]; !ok {
			return fmt.Errorf("%w: %q", ErrNoHandler, kind)
		}
	}
	return nil
}
