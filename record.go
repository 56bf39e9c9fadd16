package stepflow

import (
	"context"
	"encoding/json"
	"maps"
	"time"
)

// Params holds serialized step parameters keyed by field name. Keeping the
// values raw lets sibling outputs merge key-for-key without knowing their
// shape.
type Params map[string]json.RawMessage

// merge returns a copy of p with src applied on top. Keys in src overwrite
// keys in p.
func (p Params) merge(src Params) Params {
	out := make(Params, len(p)+len(src))
	maps.Copy(out, p)
	maps.Copy(out, src)
	return out
}

// ParamsFrom marshals v into Params. v must encode to a JSON object.
func ParamsFrom(v any) (Params, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var p Params
	if err := json.Unmarshal(b, &p); err != nil {
		return nil, err
	}
	return p, nil
}

// StepRecord is one row of the step ledger: a single step instance of a
// workflow. The root step's ID equals its own ParentID; every other step of
// the same instance shares that ParentID. Records are never deleted; a
// processed or failed record is the permanent trace of that step.
type StepRecord struct {
	ID              int64           `json:"id"`
	ParentID        int64           `json:"parent_id"`
	Kind            StepKind        `json:"step_kind"`
	Status          string          `json:"status"`
	ClientID        int64           `json:"client_id"`
	ChainScopeID    int64           `json:"chain_scope_id"`
	RequestParams   Params          `json:"request_params,omitempty"`
	ResponseData    Params          `json:"response_data,omitempty"`
	TransactionHash string          `json:"transaction_hash,omitempty"`
	DebugParams     json.RawMessage `json:"debug_params,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// IsRoot reports whether the record is the root of its workflow instance.
func (r *StepRecord) IsRoot() bool {
	return r.ID == r.ParentID
}

// Ledger is the persistence contract for step records.
//
// PgLedger is the production implementation; MemLedger backs tests and
// local development.
type Ledger interface {
	// Get returns the record with the given id, or ErrStepNotFound.
	Get(ctx context.Context, id int64) (*StepRecord, error)

	// GetSibling returns the record of the given kind under parentID, or
	// ErrStepNotFound. Kinds are unique within an instance.
	GetSibling(ctx context.Context, parentID int64, kind StepKind) (*StepRecord, error)

	// ListSiblings returns all records of the instance in insertion order.
	ListSiblings(ctx context.Context, parentID int64) ([]*StepRecord, error)

	// CountProcessed returns how many distinct kinds out of the given set
	// have a processed sibling under parentID.
	CountProcessed(ctx context.Context, parentID int64, kinds []StepKind) (int, error)

	// Insert stores a new child record and returns its assigned id.
	Insert(ctx context.Context, rec *StepRecord) (int64, error)

	// InsertRoot stores a new root record whose ParentID equals its own
	// generated id, and returns that id.
	InsertRoot(ctx context.Context, rec *StepRecord) (int64, error)

	// MarkPending atomically moves a step from queued or pending to
	// pending. It reports false, without error, when the step is no
	// longer runnable, so concurrent deliveries of the same message
	// cannot both win.
	MarkPending(ctx context.Context, id int64) (bool, error)

	// MarkStatus sets a terminal or administrative status. debug, when
	// non-nil, is stored in the record's debug params.
	MarkStatus(ctx context.Context, id int64, status string, debug json.RawMessage) error

	// UpdateResult persists handler output on a non-terminal step.
	// Response data merges key-for-key into any previously stored data.
	UpdateResult(ctx context.Context, id int64, data Params, txHash string) error

	// ListStuckQueued returns queued steps older than the given age. Used
	// by the sweeper to re-drive rows whose start message was lost.
	ListStuckQueued(ctx context.Context, olderThan time.Duration, limit int) ([]*StepRecord, error)

	// ListRoots returns the most recent root steps, newest first.
	ListRoots(ctx context.Context, limit int) ([]*StepRecord, error)
}
