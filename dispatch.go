package stepflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// Dispatcher inserts downstream step rows and publishes their ready-to-start
// messages, gated by the dependency resolver.
type Dispatcher struct {
	graph    *Graph
	ledger   Ledger
	broker   Broker
	cache    Cache
	resolver *Resolver
	scopes   ChainScopes
	logger   *slog.Logger
}

// NewDispatcher creates a dispatcher for one workflow family.
func NewDispatcher(graph *Graph, ledger Ledger, broker Broker, cache Cache, scopes ChainScopes, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		graph:    graph,
		ledger:   ledger,
		broker:   broker,
		cache:    cache,
		resolver: NewResolver(graph, ledger),
		scopes:   scopes,
		logger:   logger,
	}
}

// Dispatch schedules every candidate kind whose prerequisites are satisfied:
// it inserts a queued step row under the dispatching step's instance,
// resolves the candidate's chain scope, clears the instance cache, and
// publishes the start message. Unsatisfied candidates are skipped silently.
//
// A failed publish leaves the inserted row queued; the sweeper re-drives it
// later. Dispatching continues with the remaining candidates and the joined
// errors are returned.
func (d *Dispatcher) Dispatch(ctx context.Context, from *StepRecord, kinds []StepKind) error {
	var errs []error

	for _, kind := range kinds {
		if err := d.dispatchOne(ctx, from, kind); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

func (d *Dispatcher) dispatchOne(ctx context.Context, from *StepRecord, kind StepKind) error {
	node, ok := d.graph.Node(kind)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownStepKind, kind)
	}

	satisfied, err := d.resolver.IsSatisfied(ctx, from.ParentID, kind)
	if err != nil {
		return fmt.Errorf("cannot resolve dependencies for %q: %w", kind, err)
	}
	if !satisfied {
		d.logger.DebugContext(ctx, "dispatch: prerequisites not satisfied, skipping",
			"step_kind", kind, "instance", from.ParentID)
		return nil
	}

	scopeID, err := d.scopes.Resolve(node.ChainScope, from.ChainScopeID)
	if err != nil {
		return fmt.Errorf("step %q: %w", kind, err)
	}

	rec := &StepRecord{
		ParentID:     from.ParentID,
		Kind:         kind,
		Status:       StatusQueued,
		ClientID:     from.ClientID,
		ChainScopeID: scopeID,
	}
	id, err := d.ledger.Insert(ctx, rec)
	if errors.Is(err, ErrDuplicateStep) {
		// Another branch of a diamond won the insert race.
		d.logger.DebugContext(ctx, "dispatch: step already scheduled",
			"step_kind", kind, "instance", from.ParentID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("cannot insert step %q: %w", kind, err)
	}

	if err := d.cache.Clear(ctx, from.ParentID); err != nil {
		d.logger.ErrorContext(ctx, "dispatch: cannot clear instance cache",
			"instance", from.ParentID, "error", err)
	}

	env := Envelope{
		StepKind:      kind,
		TaskStatus:    TaskReadyToStart,
		CurrentStepID: id,
		ParentStepID:  from.ParentID,
	}
	if err := d.broker.Publish(ctx, d.graph.Topic, env); err != nil {
		return fmt.Errorf("step %q inserted as %d but not published: %w", kind, id, err)
	}

	d.logger.DebugContext(ctx, "dispatch: step scheduled",
		"step_kind", kind, "step_id", id, "instance", from.ParentID)
	return nil
}

// CreateRoot starts a new workflow instance: it inserts the root step, whose
// parent id equals its own id, and publishes its start message.
func (d *Dispatcher) CreateRoot(ctx context.Context, kind StepKind, clientID, chainScopeID int64, params Params) (int64, error) {
	if _, ok := d.graph.Node(kind); !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownStepKind, kind)
	}
	if clientID == 0 || chainScopeID == 0 {
		return 0, ErrScopeUnresolved
	}

	rec := &StepRecord{
		Kind:          kind,
		Status:        StatusQueued,
		ClientID:      clientID,
		ChainScopeID:  chainScopeID,
		RequestParams: params,
	}
	id, err := d.ledger.InsertRoot(ctx, rec)
	if err != nil {
		return 0, fmt.Errorf("cannot insert root step %q: %w", kind, err)
	}

	if err := d.cache.Clear(ctx, id); err != nil {
		d.logger.ErrorContext(ctx, "dispatch: cannot clear instance cache", "instance", id, "error", err)
	}

	env := Envelope{
		StepKind:      kind,
		TaskStatus:    TaskReadyToStart,
		CurrentStepID: id,
		ParentStepID:  id,
	}
	if err := d.broker.Publish(ctx, d.graph.Topic, env); err != nil {
		return id, fmt.Errorf("root step %q inserted as %d but not published: %w", kind, id, err)
	}

	return id, nil
}
