package stepflow

import (
	"context"
	"fmt"
)

// Resolver decides whether a candidate step's prerequisite siblings have all
// completed.
type Resolver struct {
	graph  *Graph
	ledger Ledger
}

// NewResolver creates a resolver over the given graph and ledger.
func NewResolver(graph *Graph, ledger Ledger) *Resolver {
	return &Resolver{graph: graph, ledger: ledger}
}

// IsSatisfied reports whether every distinct prerequisite kind of the
// candidate has a processed sibling under parentID. A candidate with no
// prerequisites is always satisfied.
//
// When several upstream branches of a diamond complete concurrently, each
// completion calls IsSatisfied for the shared downstream step; only the
// branch that completes last observes all prerequisites processed. The
// others no-op, which is what makes fan-in order-independent.
func (r *Resolver) IsSatisfied(ctx context.Context, parentID int64, kind StepKind) (bool, error) {
	node, ok := r.graph.Node(kind)
	if !ok {
		return false, fmt.Errorf("%w: %q", ErrUnknownStepKind, kind)
	}

	if len(node.Prerequisites) == 0 {
		return true, nil
	}

	distinct := make([]StepKind, 0, len(node.Prerequisites))
	seen := make(map[StepKind]struct{}, len(node.Prerequisites))
	for _, pre := range node.Prerequisites {
		if _, ok := seen[pre]; ok {
			continue
		}
		seen[pre] = struct{}{}
		distinct = append(distinct, pre)
	}

	count, err := r.ledger.CountProcessed(ctx, parentID, distinct)
	if err != nil {
		return false, err
	}
	return count == len(distinct), nil
}
