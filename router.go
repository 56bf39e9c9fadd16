package stepflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Code classifies the outcome of an Advance call.
type Code string

const (
	// CodeAdvanced means the step was advanced: started, resumed, or
	// brought to a terminal status.
	CodeAdvanced Code = "advanced"
	// CodeConfigError means the message named a step kind the graph or
	// handler registry does not know.
	CodeConfigError Code = "config_error"
	// CodeValidationError covers missing records, non-runnable statuses
	// (duplicate deliveries), unresolved scopes, and malformed envelopes.
	CodeValidationError Code = "validation_error"
	// CodeHandlerFailed means the step's business logic returned an error
	// or an invalid outcome. Details stay in internal diagnostics.
	CodeHandlerFailed Code = "handler_failed"
	// CodeInfraError covers ledger, broker, and unexpected runtime
	// failures.
	CodeInfraError Code = "infra_error"
)

// Result is what Advance returns instead of an error, so the caller can
// always acknowledge the message exactly once. TraceID correlates a failure
// with the step's debug params and the logs.
type Result struct {
	Ok       bool
	Code     Code
	Done     int
	StepID   int64
	ParentID int64
	TraceID  string
}

// Router advances exactly one step per inbound message. It owns the step
// record for the duration of the call; concurrency across steps comes from
// running many workers, not from the router itself.
type Router struct {
	graph      *Graph
	handlers   *HandlerRegistry
	ledger     Ledger
	cache      Cache
	dispatcher *Dispatcher
	logger     *slog.Logger
}

// NewRouter creates a router. It fails when the handler registry does not
// cover every kind of the graph, so unregistered kinds are rejected at
// startup rather than at message time.
func NewRouter(graph *Graph, handlers *HandlerRegistry, ledger Ledger, broker Broker, cache Cache, scopes ChainScopes, logger *slog.Logger) (*Router, error) {
	if err := graph.Validate(); err != nil {
		return nil, err
	}
	if err := handlers.ValidateAgainst(graph); err != nil {
		return nil, err
	}

	return &Router{
		graph:      graph,
		handlers:   handlers,
		ledger:     ledger,
		cache:      cache,
		dispatcher: NewDispatcher(graph, ledger, broker, cache, scopes, logger),
		logger:     logger,
	}, nil
}

// Dispatcher returns the router's dispatcher, for root creation.
func (r *Router) Dispatcher() *Dispatcher {
	return r.dispatcher
}

// Advance runs the step named by the envelope through one advancement:
// load and validate, merge sibling outputs into the parameters, invoke or
// resume, persist the outcome, and fan out to downstream steps whose
// dependencies are now satisfied.
//
// Advance never panics and never returns an error. Every failure becomes a
// structured Result; where a step record exists and is still runnable it is
// marked failed with a generic debug payload.
func (r *Router) Advance(ctx context.Context, env Envelope) (res Result) {
	res = Result{StepID: env.CurrentStepID, ParentID: env.ParentStepID}

	var cur *StepRecord
	defer func() {
		if p := recover(); p != nil {
			res = r.failStep(ctx, cur, CodeInfraError, fmt.Errorf("advance panic: %v", p))
		}
	}()

	if err := env.Validate(); err != nil {
		return r.reject(ctx, env, CodeValidationError, err)
	}

	node, ok := r.graph.Node(env.StepKind)
	if !ok {
		// Configuration error: fail fast, no ledger mutation.
		return r.reject(ctx, env, CodeConfigError, fmt.Errorf("%w: %q", ErrUnknownStepKind, env.StepKind))
	}

	cur, err := r.ledger.Get(ctx, env.CurrentStepID)
	if errors.Is(err, ErrStepNotFound) {
		return r.reject(ctx, env, CodeValidationError, fmt.Errorf("current %w: %d", ErrStepNotFound, env.CurrentStepID))
	}
	if err != nil {
		return r.reject(ctx, env, CodeInfraError, err)
	}

	if cur.Kind != env.StepKind {
		return r.failStep(ctx, cur, CodeValidationError,
			fmt.Errorf("envelope kind %q does not match step %d kind %q", env.StepKind, cur.ID, cur.Kind))
	}
	if cur.ParentID != env.ParentStepID {
		return r.failStep(ctx, cur, CodeValidationError,
			fmt.Errorf("envelope instance %d does not match step %d instance %d", env.ParentStepID, cur.ID, cur.ParentID))
	}

	// Duplicate deliveries and already-terminal steps stop here. The
	// record is left untouched: statuses only move forward.
	if !runnable(cur.Status) {
		return r.reject(ctx, env, CodeValidationError,
			fmt.Errorf("%w: step %d has status %q", ErrStepNotRunnable, cur.ID, cur.Status))
	}

	root := cur
	if !cur.IsRoot() {
		root, err = r.ledger.Get(ctx, env.ParentStepID)
		if errors.Is(err, ErrStepNotFound) {
			return r.failStep(ctx, cur, CodeValidationError, fmt.Errorf("root %w: %d", ErrStepNotFound, env.ParentStepID))
		}
		if err != nil {
			return r.failStep(ctx, cur, CodeInfraError, err)
		}
	}

	clientID := cur.ClientID
	if clientID == 0 {
		clientID = root.ClientID
	}
	chainScopeID := cur.ChainScopeID
	if chainScopeID == 0 {
		chainScopeID = root.ChainScopeID
	}
	if clientID == 0 || chainScopeID == 0 {
		return r.failStep(ctx, cur, CodeValidationError, fmt.Errorf("%w: step %d", ErrScopeUnresolved, cur.ID))
	}

	params, err := r.mergeParams(ctx, node, root, cur)
	if err != nil {
		return r.failStep(ctx, cur, CodeInfraError, err)
	}

	var outcome Outcome

	switch env.TaskStatus {
	case TaskReadyToStart:
		won, err := r.ledger.MarkPending(ctx, cur.ID)
		if err != nil {
			return r.failStep(ctx, cur, CodeInfraError, err)
		}
		if !won {
			// A concurrent delivery moved the step first.
			return r.reject(ctx, env, CodeValidationError,
				fmt.Errorf("%w: step %d lost the pending transition", ErrStepNotRunnable, cur.ID))
		}
		cur.Status = StatusPending
		r.clearCache(ctx, cur.ParentID)

		h, ok := r.handlers.Get(env.StepKind)
		if !ok {
			return r.failStep(ctx, cur, CodeConfigError, fmt.Errorf("%w: %q", ErrNoHandler, env.StepKind))
		}

		outcome, err = invoke(ctx, h, params)
		if err != nil {
			return r.failStep(ctx, cur, CodeHandlerFailed, err)
		}

	case TaskDone:
		// Resumption after an external async completion. The handler
		// already ran; do not invoke it again.
		outcome = Outcome{Done: DoneSuccess}

	default:
		return r.failStep(ctx, cur, CodeValidationError, fmt.Errorf("%w: %q", ErrUnsupportedTaskStatus, env.TaskStatus))
	}

	// Persist whatever the handler returned, regardless of terminality.
	if len(outcome.ResponseData) > 0 || outcome.TransactionHash != "" {
		if err := r.ledger.UpdateResult(ctx, cur.ID, outcome.ResponseData, outcome.TransactionHash); err != nil {
			return r.failStep(ctx, cur, CodeInfraError, err)
		}
		r.clearCache(ctx, cur.ParentID)
	}

	cur.ClientID = clientID
	cur.ChainScopeID = chainScopeID

	switch outcome.Done {
	case DoneSuccess:
		if err := r.ledger.MarkStatus(ctx, cur.ID, StatusProcessed, nil); err != nil {
			return r.failStep(ctx, cur, CodeInfraError, err)
		}
		cur.Status = StatusProcessed
		r.clearCache(ctx, cur.ParentID)

		if len(node.OnSuccess) > 0 {
			if err := r.dispatcher.Dispatch(ctx, cur, node.OnSuccess); err != nil {
				// The step stays processed; only the fan-out is
				// incomplete. Queued rows without a message are
				// re-driven by the sweeper.
				r.logger.ErrorContext(ctx, "router: fan-out incomplete",
					"step_id", cur.ID, "instance", cur.ParentID, "error", err)
				res = Result{Code: CodeInfraError, Done: outcome.Done, StepID: cur.ID, ParentID: cur.ParentID}
				return res
			}
		}

	case DoneFailure:
		// A handler-reported failure is a normal terminal outcome, not a
		// router failure: mark the step failed and dispatch the
		// compensating step, if the graph defines one.
		debug, _ := json.Marshal(map[string]any{
			"code":      string(CodeHandlerFailed),
			"error":     "handler reported failure",
			"failed_at": time.Now().UTC().Format(time.RFC3339),
		})
		if err := r.ledger.MarkStatus(ctx, cur.ID, StatusFailed, debug); err != nil {
			return r.failStep(ctx, cur, CodeInfraError, err)
		}
		cur.Status = StatusFailed
		r.clearCache(ctx, cur.ParentID)

		if node.OnFailure != "" {
			if err := r.dispatcher.Dispatch(ctx, cur, []StepKind{node.OnFailure}); err != nil {
				r.logger.ErrorContext(ctx, "router: cannot dispatch compensating step",
					"step_id", cur.ID, "on_failure", node.OnFailure, "error", err)
				res = Result{Code: CodeInfraError, Done: outcome.Done, StepID: cur.ID, ParentID: cur.ParentID}
				return res
			}
		}

	case DoneInProgress:
		// Partial progress only. The step stays pending until an
		// external resumption message arrives; the engine sets no
		// deadline for it.

	default:
		return r.failStep(ctx, cur, CodeHandlerFailed, fmt.Errorf("handler returned invalid done value %d", outcome.Done))
	}

	res = Result{Ok: true, Code: CodeAdvanced, Done: outcome.Done, StepID: cur.ID, ParentID: cur.ParentID}
	return res
}

// mergeParams builds the handler's working parameters: the root's request
// parameters overlaid with the response data of each kind in read_data_from,
// in list order, so later kinds overwrite earlier ones on key collision.
// A listed sibling that does not exist yet contributes nothing.
func (r *Router) mergeParams(ctx context.Context, node Node, root, cur *StepRecord) (Params, error) {
	params := Params{}.merge(root.RequestParams)

	for _, src := range node.ReadDataFrom {
		sib, err := r.ledger.GetSibling(ctx, cur.ParentID, src)
		if errors.Is(err, ErrStepNotFound) {
			r.logger.DebugContext(ctx, "router: read_data_from sibling absent",
				"step_id", cur.ID, "source_kind", src)
			continue
		}
		if err != nil {
			return nil, err
		}
		params = params.merge(sib.ResponseData)
	}

	return params, nil
}

// invoke runs a handler with panic containment, so broken business logic
// degrades to a handler failure instead of escaping the router.
func invoke(ctx context.Context, h Handler, params Params) (outcome Outcome, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("handler panic: %v", p)
		}
	}()
	return h.Execute(ctx, params)
}

// failStep marks the step failed with a generic debug payload and returns a
// structured failure. The underlying error goes to the logs and the step's
// debug params, never to the caller.
func (r *Router) failStep(ctx context.Context, cur *StepRecord, code Code, cause error) Result {
	traceID := uuid.NewString()

	res := Result{Code: code, TraceID: traceID}
	if cur != nil {
		res.StepID = cur.ID
		res.ParentID = cur.ParentID
	}

	r.logger.ErrorContext(ctx, "router: step failed",
		"code", string(code), "trace_id", traceID,
		"step_id", res.StepID, "instance", res.ParentID, "error", cause)

	if cur == nil || !runnable(cur.Status) {
		return res
	}

	debug, _ := json.Marshal(map[string]any{
		"code":      string(code),
		"error":     cause.Error(),
		"trace_id":  traceID,
		"failed_at": time.Now().UTC().Format(time.RFC3339),
	})
	if err := r.ledger.MarkStatus(ctx, cur.ID, StatusFailed, debug); err != nil {
		r.logger.ErrorContext(ctx, "router: cannot mark step as failed",
			"step_id", cur.ID, "trace_id", traceID, "error", err)
	}
	cur.Status = StatusFailed
	r.clearCache(ctx, cur.ParentID)

	return res
}

// reject returns a structured failure without touching the ledger.
func (r *Router) reject(ctx context.Context, env Envelope, code Code, cause error) Result {
	r.logger.WarnContext(ctx, "router: message rejected",
		"code", string(code), "step_kind", env.StepKind,
		"step_id", env.CurrentStepID, "instance", env.ParentStepID, "error", cause)

	return Result{Code: code, StepID: env.CurrentStepID, ParentID: env.ParentStepID}
}

func (r *Router) clearCache(ctx context.Context, instanceID int64) {
	if err := r.cache.Clear(ctx, instanceID); err != nil {
		r.logger.ErrorContext(ctx, "router: cannot clear instance cache",
			"instance", instanceID, "error", err)
	}
}
