package stepflow

import (
	"context"
	"encoding/json"
	"time"
)

// viewTTL bounds how long a cached instance view may live without a read.
// Consistency does not depend on it; the engine clears the key on every
// ledger mutation.
const viewTTL = 5 * time.Minute

// StepView is the status-surface projection of one step record.
type StepView struct {
	ID              int64     `json:"id"`
	Kind            StepKind  `json:"step_kind"`
	Status          string    `json:"status"`
	TransactionHash string    `json:"transaction_hash,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// InstanceView is the aggregate state of one workflow instance: the root's
// identity plus a status rollup over all its steps.
type InstanceView struct {
	InstanceID   int64      `json:"instance_id"`
	RootKind     StepKind   `json:"root_kind"`
	ClientID     int64      `json:"client_id"`
	ChainScopeID int64      `json:"chain_scope_id"`
	Status       string     `json:"status"`
	Steps        []StepView `json:"steps"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// Instance rollup statuses.
const (
	InstanceRunning   = "running"
	InstanceProcessed = "processed"
	InstanceFailed    = "failed"
)

// LoadInstanceView reads the aggregate view of an instance through the
// cache: cached bytes are served as-is, a miss rebuilds the view from the
// ledger and populates the cache lazily. The engine never calls this; it
// only clears the key.
func LoadInstanceView(ctx context.Context, ledger Ledger, cache Cache, instanceID int64) (*InstanceView, error) {
	if b, ok, err := cache.Get(ctx, instanceID); err == nil && ok {
		var view InstanceView
		if err := json.Unmarshal(b, &view); err == nil {
			return &view, nil
		}
	}

	view, err := buildInstanceView(ctx, ledger, instanceID)
	if err != nil {
		return nil, err
	}

	if b, err := json.Marshal(view); err == nil {
		// Best effort; readers fall back to the ledger anyway.
		_ = cache.Set(ctx, instanceID, b, viewTTL)
	}

	return view, nil
}

func buildInstanceView(ctx context.Context, ledger Ledger, instanceID int64) (*InstanceView, error) {
	steps, err := ledger.ListSiblings(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if len(steps) == 0 {
		return nil, ErrStepNotFound
	}

	view := &InstanceView{
		InstanceID: instanceID,
		Status:     InstanceProcessed,
		Steps:      make([]StepView, 0, len(steps)),
	}

	anyFailed := false
	allProcessed := true

	for _, rec := range steps {
		if rec.IsRoot() {
			view.RootKind = rec.Kind
			view.ClientID = rec.ClientID
			view.ChainScopeID = rec.ChainScopeID
			view.CreatedAt = rec.CreatedAt
		}
		if rec.UpdatedAt.After(view.UpdatedAt) {
			view.UpdatedAt = rec.UpdatedAt
		}

		switch rec.Status {
		case StatusFailed, StatusTimeout:
			anyFailed = true
			allProcessed = false
		case StatusProcessed:
		default:
			allProcessed = false
		}

		view.Steps = append(view.Steps, StepView{
			ID:              rec.ID,
			Kind:            rec.Kind,
			Status:          rec.Status,
			TransactionHash: rec.TransactionHash,
			CreatedAt:       rec.CreatedAt,
			UpdatedAt:       rec.UpdatedAt,
		})
	}

	switch {
	case anyFailed:
		view.Status = InstanceFailed
	case allProcessed:
		view.Status = InstanceProcessed
	default:
		view.Status = InstanceRunning
	}

	return view, nil
}
