package stepflow

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"
)

var testLogger = slog.New(slog.DiscardHandler)

var testScopes = ChainScopes{Origin: 1, Aux: 137}

type stubHandler struct {
	mu         sync.Mutex
	calls      int
	lastParams Params
	outcome    Outcome
	err        error
}

func (h *stubHandler) Execute(ctx context.Context, params Params) (Outcome, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.calls++
	h.lastParams = params
	return h.outcome, h.err
}

func (h *stubHandler) callCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.calls
}

type testEngine struct {
	router   *Router
	ledger   *MemLedger
	broker   *MemBroker
	cache    *MemCache
	handlers map[StepKind]*stubHandler
	graph    *Graph
}

func newTestEngine(t *testing.T, graph *Graph) *testEngine {
	t.Helper()

	ledger := NewMemLedger()
	broker := NewMemBroker()
	cache := NewMemCache()

	stubs := make(map[StepKind]*stubHandler, len(graph.Nodes))
	registry := NewHandlerRegistry()
	for kind := range graph.Nodes {
		h := &stubHandler{outcome: Outcome{Done: DoneSuccess}}
		stubs[kind] = h
		if err := registry.Register(kind, h); err != nil {
			t.Fatal(err)
		}
	}

	router, err := NewRouter(graph, registry, ledger, broker, cache, testScopes, testLogger)
	if err != nil {
		t.Fatal(err)
	}

	return &testEngine{
		router:   router,
		ledger:   ledger,
		broker:   broker,
		cache:    cache,
		handlers: stubs,
		graph:    graph,
	}
}

// drain advances every message currently on the topic, including messages
// produced by fan-out, until the queue is empty.
func (e *testEngine) drain(t *testing.T) []Result {
	t.Helper()

	ctx := t.Context()

	var results []Result
	for {
		msgs, err := e.broker.Read(ctx, e.graph.Topic, 10, time.Minute)
		if err != nil {
			t.Fatal(err)
		}
		if len(msgs) == 0 {
			return results
		}

		for _, msg := range msgs {
			results = append(results, e.advanceMessage(t, msg))
			if err := e.broker.Delete(ctx, e.graph.Topic, msg.ID); err != nil {
				t.Fatal(err)
			}
		}
	}
}

func (e *testEngine) advanceMessage(t *testing.T, msg QueueMessage) Result {
	t.Helper()

	var env Envelope
	if err := json.Unmarshal(msg.Payload, &env); err != nil {
		t.Fatal(err)
	}
	return e.router.Advance(t.Context(), env)
}

// readOne pops the next visible message off the topic.
func (e *testEngine) readOne(t *testing.T) (QueueMessage, Envelope) {
	t.Helper()

	msgs, err := e.broker.Read(t.Context(), e.graph.Topic, 1, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}
	if err := e.broker.Delete(t.Context(), e.graph.Topic, msgs[0].ID); err != nil {
		t.Fatal(err)
	}

	var env Envelope
	if err := json.Unmarshal(msgs[0].Payload, &env); err != nil {
		t.Fatal(err)
	}
	return msgs[0], env
}

func linearGraph() *Graph {
	return &Graph{
		Topic: "user-setup",
		Nodes: map[StepKind]Node{
			"register_client":  {OnSuccess: []StepKind{"provision_wallet"}, ChainScope: ScopeOrigin},
			"provision_wallet": {OnSuccess: []StepKind{"fund_wallet"}, ChainScope: ScopeInherited},
			"fund_wallet":      {ChainScope: ScopeInherited},
		},
	}
}

func diamondGraph() *Graph {
	return &Graph{
		Topic: "economy-setup",
		Nodes: map[StepKind]Node{
			"deploy_token": {
				OnSuccess:  []StepKind{"configure_mint", "configure_oracle"},
				ChainScope: ScopeOrigin,
			},
			"configure_mint": {
				OnSuccess:  []StepKind{"activate_economy"},
				ChainScope: ScopeInherited,
			},
			"configure_oracle": {
				OnSuccess:  []StepKind{"activate_economy"},
				ChainScope: ScopeAux,
			},
			"activate_economy": {
				Prerequisites: []StepKind{"configure_mint", "configure_oracle"},
				ReadDataFrom:  []StepKind{"configure_mint", "configure_oracle"},
				ChainScope:    ScopeOrigin,
			},
		},
	}
}

func failureGraph() *Graph {
	return &Graph{
		Topic: "staking",
		Nodes: map[StepKind]Node{
			"stake_tokens": {
				OnSuccess:  []StepKind{"mint_rewards"},
				OnFailure:  "refund_stake",
				ChainScope: ScopeOrigin,
			},
			"mint_rewards": {ChainScope: ScopeInherited},
			"refund_stake": {ChainScope: ScopeInherited},
		},
	}
}

func TestAdvanceLinearFlow(t *testing.T) {
	e := newTestEngine(t, linearGraph())

	rootID, err := e.router.Dispatcher().CreateRoot(t.Context(), "register_client", 7, 1, Params{
		"email": json.RawMessage(`"a@example.com"`),
	})
	if err != nil {
		t.Fatal(err)
	}

	results := e.drain(t)

	if len(results) != 3 {
		t.Fatalf("expected 3 advancements, got %d", len(results))
	}
	for _, res := range results {
		if !res.Ok || res.Code != CodeAdvanced {
			t.Fatalf("unexpected result: %+v", res)
		}
	}

	steps, err := e.ledger.ListSiblings(t.Context(), rootID)
	if err != nil {
		t.Fatal(err)
	}
	if len(steps) != 3 {
		t.Fatalf("expected 3 steps, got %d", len(steps))
	}
	for _, rec := range steps {
		if rec.Status != StatusProcessed {
			t.Fatalf("step %s has status %s", rec.Kind, rec.Status)
		}
		if rec.ParentID != rootID {
			t.Fatalf("step %s has instance %d, want %d", rec.Kind, rec.ParentID, rootID)
		}
	}

	root, err := e.ledger.Get(t.Context(), rootID)
	if err != nil {
		t.Fatal(err)
	}
	if !root.IsRoot() {
		t.Fatalf("root id %d != parent id %d", root.ID, root.ParentID)
	}

	if n := e.broker.Len(e.graph.Topic); n != 0 {
		t.Fatalf("expected empty queue, got %d messages", n)
	}
}

func TestAdvanceDiamondFanIn(t *testing.T) {
	e := newTestEngine(t, diamondGraph())

	rootID, err := e.router.Dispatcher().CreateRoot(t.Context(), "deploy_token", 7, 1, nil)
	if err != nil {
		t.Fatal(err)
	}

	// Root advancement fans out to both branches.
	_, env := e.readOne(t)
	if res := e.router.Advance(t.Context(), env); !res.Ok {
		t.Fatalf("root advance failed: %+v", res)
	}

	// Complete the first branch. The fan-in step must not be scheduled
	// yet: its other prerequisite is still queued.
	var branchEnvs []Envelope
	for range 2 {
		_, env := e.readOne(t)
		branchEnvs = append(branchEnvs, env)
	}
	if res := e.router.Advance(t.Context(), branchEnvs[0]); !res.Ok {
		t.Fatalf("first branch advance failed: %+v", res)
	}

	if _, err := e.ledger.GetSibling(t.Context(), rootID, "activate_economy"); !errors.Is(err, ErrStepNotFound) {
		t.Fatalf("fan-in step scheduled before all prerequisites processed: %v", err)
	}

	// The last branch to complete wins the gate and schedules the fan-in
	// step exactly once.
	if res := e.router.Advance(t.Context(), branchEnvs[1]); !res.Ok {
		t.Fatalf("second branch advance failed: %+v", res)
	}

	steps, err := e.ledger.ListSiblings(t.Context(), rootID)
	if err != nil {
		t.Fatal(err)
	}
	count := 0
	for _, rec := range steps {
		if rec.Kind == "activate_economy" {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("expected exactly one fan-in step, got %d", count)
	}
}

func TestAdvanceFailureDispatchesCompensation(t *testing.T) {
	e := newTestEngine(t, failureGraph())

	e.handlers["stake_tokens"].outcome = Outcome{Done: DoneFailure}

	rootID, err := e.router.Dispatcher().CreateRoot(t.Context(), "stake_tokens", 7, 1, nil)
	if err != nil {
		t.Fatal(err)
	}

	_, env := e.readOne(t)
	res := e.router.Advance(t.Context(), env)
	if !res.Ok || res.Done != DoneFailure {
		t.Fatalf("unexpected result: %+v", res)
	}

	root, err := e.ledger.Get(t.Context(), rootID)
	if err != nil {
		t.Fatal(err)
	}
	if root.Status != StatusFailed {
		t.Fatalf("expected failed root, got %s", root.Status)
	}

	if _, err := e.ledger.GetSibling(t.Context(), rootID, "refund_stake"); err != nil {
		t.Fatalf("compensating step not scheduled: %v", err)
	}
	if _, err := e.ledger.GetSibling(t.Context(), rootID, "mint_rewards"); !errors.Is(err, ErrStepNotFound) {
		t.Fatalf("on_success step scheduled after failure: %v", err)
	}
}

func TestAdvanceInProgressAndResumption(t *testing.T) {
	e := newTestEngine(t, linearGraph())

	e.handlers["register_client"].outcome = Outcome{
		Done:            DoneInProgress,
		ResponseData:    Params{"tx_nonce": json.RawMessage(`42`)},
		TransactionHash: "0xabc",
	}

	rootID, err := e.router.Dispatcher().CreateRoot(t.Context(), "register_client", 7, 1, nil)
	if err != nil {
		t.Fatal(err)
	}

	_, env := e.readOne(t)
	res := e.router.Advance(t.Context(), env)
	if !res.Ok || res.Done != DoneInProgress {
		t.Fatalf("unexpected result: %+v", res)
	}

	root, err := e.ledger.Get(t.Context(), rootID)
	if err != nil {
		t.Fatal(err)
	}
	if root.Status != StatusPending {
		t.Fatalf("expected pending root, got %s", root.Status)
	}
	if string(root.ResponseData["tx_nonce"]) != "42" {
		t.Fatalf("partial response data not persisted: %v", root.ResponseData)
	}
	if root.TransactionHash != "0xabc" {
		t.Fatalf("transaction hash not persisted: %s", root.TransactionHash)
	}
	if n := e.broker.Len(e.graph.Topic); n != 0 {
		t.Fatalf("in-progress step must not fan out, got %d messages", n)
	}

	// External resumption: the handler must not run again, the step
	// completes and fans out.
	res = e.router.Advance(t.Context(), Envelope{
		StepKind:      "register_client",
		TaskStatus:    TaskDone,
		CurrentStepID: rootID,
		ParentStepID:  rootID,
	})
	if !res.Ok || res.Done != DoneSuccess {
		t.Fatalf("unexpected resumption result: %+v", res)
	}

	if calls := e.handlers["register_client"].callCount(); calls != 1 {
		t.Fatalf("handler re-invoked on resumption: %d calls", calls)
	}

	root, err = e.ledger.Get(t.Context(), rootID)
	if err != nil {
		t.Fatal(err)
	}
	if root.Status != StatusProcessed {
		t.Fatalf("expected processed root, got %s", root.Status)
	}

	if _, err := e.ledger.GetSibling(t.Context(), rootID, "provision_wallet"); err != nil {
		t.Fatalf("fan-out did not happen on resumption: %v", err)
	}
}

func TestAdvanceHashOnlyOutcomePreservesData(t *testing.T) {
	e := newTestEngine(t, linearGraph())

	// First invocation stores partial output, second submits a transaction
	// and reports only its hash. The stored output must survive.
	h := e.handlers["register_client"]
	h.outcome = Outcome{
		Done:         DoneInProgress,
		ResponseData: Params{"account": json.RawMessage(`"0x9"`)},
	}

	rootID, err := e.router.Dispatcher().CreateRoot(t.Context(), "register_client", 7, 1, nil)
	if err != nil {
		t.Fatal(err)
	}

	env := Envelope{
		StepKind:      "register_client",
		TaskStatus:    TaskReadyToStart,
		CurrentStepID: rootID,
		ParentStepID:  rootID,
	}
	if res := e.router.Advance(t.Context(), env); !res.Ok {
		t.Fatalf("first advance failed: %+v", res)
	}

	h.outcome = Outcome{Done: DoneInProgress, TransactionHash: "0xfeed"}
	if res := e.router.Advance(t.Context(), env); !res.Ok {
		t.Fatalf("second advance failed: %+v", res)
	}

	root, err := e.ledger.Get(t.Context(), rootID)
	if err != nil {
		t.Fatal(err)
	}
	if root.TransactionHash != "0xfeed" {
		t.Fatalf("transaction hash not persisted: %q", root.TransactionHash)
	}
	if string(root.ResponseData["account"]) != `"0x9"` {
		t.Fatalf("earlier response data destroyed: %v", root.ResponseData)
	}
}

func TestAdvanceDuplicateDeliveryRejected(t *testing.T) {
	e := newTestEngine(t, linearGraph())

	rootID, err := e.router.Dispatcher().CreateRoot(t.Context(), "register_client", 7, 1, nil)
	if err != nil {
		t.Fatal(err)
	}

	env := Envelope{
		StepKind:      "register_client",
		TaskStatus:    TaskReadyToStart,
		CurrentStepID: rootID,
		ParentStepID:  rootID,
	}

	if res := e.router.Advance(t.Context(), env); !res.Ok {
		t.Fatalf("first delivery failed: %+v", res)
	}

	res := e.router.Advance(t.Context(), env)
	if res.Ok || res.Code != CodeValidationError {
		t.Fatalf("duplicate delivery not rejected: %+v", res)
	}

	root, err := e.ledger.Get(t.Context(), rootID)
	if err != nil {
		t.Fatal(err)
	}
	if root.Status != StatusProcessed {
		t.Fatalf("duplicate delivery mutated step status: %s", root.Status)
	}

	if calls := e.handlers["register_client"].callCount(); calls != 1 {
		t.Fatalf("handler invoked %d times", calls)
	}
}

func TestAdvanceMergesSiblingOutputs(t *testing.T) {
	e := newTestEngine(t, diamondGraph())

	e.handlers["configure_mint"].outcome = Outcome{
		Done: DoneSuccess,
		ResponseData: Params{
			"mint_address": json.RawMessage(`"0x1111"`),
			"fee_rate":     json.RawMessage(`"10"`),
		},
	}
	// Later entries in read_data_from overwrite earlier ones key-for-key.
	e.handlers["configure_oracle"].outcome = Outcome{
		Done: DoneSuccess,
		ResponseData: Params{
			"oracle_address": json.RawMessage(`"0x2222"`),
			"fee_rate":       json.RawMessage(`"25"`),
		},
	}

	if _, err := e.router.Dispatcher().CreateRoot(t.Context(), "deploy_token", 7, 1, Params{
		"symbol": json.RawMessage(`"LWK"`),
	}); err != nil {
		t.Fatal(err)
	}

	e.drain(t)

	got := e.handlers["activate_economy"].lastParams
	want := map[string]string{
		"symbol":         `"LWK"`,
		"mint_address":   `"0x1111"`,
		"oracle_address": `"0x2222"`,
		"fee_rate":       `"25"`,
	}
	if len(got) != len(want) {
		t.Fatalf("merged params: got %v", got)
	}
	for k, v := range want {
		if string(got[k]) != v {
			t.Fatalf("merged param %s: got %s, want %s", k, got[k], v)
		}
	}
}

func TestAdvanceChainScopeResolution(t *testing.T) {
	e := newTestEngine(t, diamondGraph())

	rootID, err := e.router.Dispatcher().CreateRoot(t.Context(), "deploy_token", 7, testScopes.Origin, nil)
	if err != nil {
		t.Fatal(err)
	}

	e.drain(t)

	mint, err := e.ledger.GetSibling(t.Context(), rootID, "configure_mint")
	if err != nil {
		t.Fatal(err)
	}
	if mint.ChainScopeID != testScopes.Origin {
		t.Fatalf("inherited scope: got %d, want %d", mint.ChainScopeID, testScopes.Origin)
	}

	oracle, err := e.ledger.GetSibling(t.Context(), rootID, "configure_oracle")
	if err != nil {
		t.Fatal(err)
	}
	if oracle.ChainScopeID != testScopes.Aux {
		t.Fatalf("aux scope: got %d, want %d", oracle.ChainScopeID, testScopes.Aux)
	}

	activate, err := e.ledger.GetSibling(t.Context(), rootID, "activate_economy")
	if err != nil {
		t.Fatal(err)
	}
	if activate.ChainScopeID != testScopes.Origin {
		t.Fatalf("origin scope: got %d, want %d", activate.ChainScopeID, testScopes.Origin)
	}
}

func TestAdvanceUnknownStepKind(t *testing.T) {
	e := newTestEngine(t, linearGraph())

	res := e.router.Advance(t.Context(), Envelope{
		StepKind:      "burn_tokens",
		TaskStatus:    TaskReadyToStart,
		CurrentStepID: 1,
		ParentStepID:  1,
	})

	if res.Ok || res.Code != CodeConfigError {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestAdvanceMissingRecord(t *testing.T) {
	e := newTestEngine(t, linearGraph())

	res := e.router.Advance(t.Context(), Envelope{
		StepKind:      "register_client",
		TaskStatus:    TaskReadyToStart,
		CurrentStepID: 99,
		ParentStepID:  99,
	})

	if res.Ok || res.Code != CodeValidationError {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestAdvanceUnsupportedTaskStatus(t *testing.T) {
	e := newTestEngine(t, linearGraph())

	rootID, err := e.router.Dispatcher().CreateRoot(t.Context(), "register_client", 7, 1, nil)
	if err != nil {
		t.Fatal(err)
	}

	res := e.router.Advance(t.Context(), Envelope{
		StepKind:      "register_client",
		TaskStatus:    "taskPaused",
		CurrentStepID: rootID,
		ParentStepID:  rootID,
	})
	if res.Ok || res.Code != CodeValidationError {
		t.Fatalf("unexpected result: %+v", res)
	}

	root, err := e.ledger.Get(t.Context(), rootID)
	if err != nil {
		t.Fatal(err)
	}
	if root.Status != StatusFailed {
		t.Fatalf("expected failed step, got %s", root.Status)
	}
	if len(root.DebugParams) == 0 {
		t.Fatal("expected debug params on failed step")
	}
}

func TestAdvanceHandlerError(t *testing.T) {
	e := newTestEngine(t, failureGraph())

	e.handlers["stake_tokens"].err = errors.New("rpc node unreachable")

	rootID, err := e.router.Dispatcher().CreateRoot(t.Context(), "stake_tokens", 7, 1, nil)
	if err != nil {
		t.Fatal(err)
	}

	_, env := e.readOne(t)
	res := e.router.Advance(t.Context(), env)
	if res.Ok || res.Code != CodeHandlerFailed {
		t.Fatalf("unexpected result: %+v", res)
	}
	if res.TraceID == "" {
		t.Fatal("expected a trace id on handler failure")
	}

	root, err := e.ledger.Get(t.Context(), rootID)
	if err != nil {
		t.Fatal(err)
	}
	if root.Status != StatusFailed {
		t.Fatalf("expected failed step, got %s", root.Status)
	}

	// A handler error is not a handler-reported failure: no
	// compensating step is dispatched.
	if _, err := e.ledger.GetSibling(t.Context(), rootID, "refund_stake"); !errors.Is(err, ErrStepNotFound) {
		t.Fatalf("compensating step dispatched on handler error: %v", err)
	}
}

func TestAdvanceHandlerPanic(t *testing.T) {
	e := newTestEngine(t, linearGraph())

	registry := NewHandlerRegistry()
	for kind := range e.graph.Nodes {
		if kind == "register_client" {
			if err := registry.Register(kind, HandlerFunc(func(ctx context.Context, params Params) (Outcome, error) {
				panic("boom")
			})); err != nil {
				t.Fatal(err)
			}
			continue
		}
		if err := registry.Register(kind, e.handlers[kind]); err != nil {
			t.Fatal(err)
		}
	}

	router, err := NewRouter(e.graph, registry, e.ledger, e.broker, e.cache, testScopes, testLogger)
	if err != nil {
		t.Fatal(err)
	}

	rootID, err := router.Dispatcher().CreateRoot(t.Context(), "register_client", 7, 1, nil)
	if err != nil {
		t.Fatal(err)
	}

	res := router.Advance(t.Context(), Envelope{
		StepKind:      "register_client",
		TaskStatus:    TaskReadyToStart,
		CurrentStepID: rootID,
		ParentStepID:  rootID,
	})
	if res.Ok || res.Code != CodeHandlerFailed {
		t.Fatalf("unexpected result: %+v", res)
	}

	root, err := e.ledger.Get(t.Context(), rootID)
	if err != nil {
		t.Fatal(err)
	}
	if root.Status != StatusFailed {
		t.Fatalf("expected failed step, got %s", root.Status)
	}
}

func TestNewRouterRejectsUnregisteredKinds(t *testing.T) {
	graph := linearGraph()

	registry := NewHandlerRegistry()
	if err := registry.Register("register_client", HandlerFunc(func(ctx context.Context, params Params) (Outcome, error) {
		return Outcome{Done: DoneSuccess}, nil
	})); err != nil {
		t.Fatal(err)
	}

	_, err := NewRouter(graph, registry, NewMemLedger(), NewMemBroker(), NewMemCache(), testScopes, testLogger)
	if !errors.Is(err, ErrNoHandler) {
		t.Fatalf("expected ErrNoHandler, got %v", err)
	}
}
