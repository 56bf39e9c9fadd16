// Package stepflow is the step-execution engine behind the token-economy
// platform: a declarative step graph is advanced one message at a time by
// stateless workers, with every step persisted in a Postgres ledger.
package stepflow

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Conn is the database access interface.
//
// A *pgxpool.Pool, *pgx.Conn, or pgx.Tx all satisfy it. Passing a pgx.Tx
// makes a dispatcher's insert+publish pair atomic.
type Conn interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, optionsAndArgs ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, optionsAndArgs ...any) pgx.Row
}

// Step statuses. A step only moves forward along
// queued -> pending -> {processed|failed|timeout}.
// StatusRetried and StatusTimeout are administrative states set by
// operators or external watchdogs, never by the engine itself.
const (
	StatusQueued    = "queued"
	StatusPending   = "pending"
	StatusProcessed = "processed"
	StatusFailed    = "failed"
	StatusTimeout   = "timeout"
	StatusRetried   = "retried"
)

// TaskStatus is the message-level directive telling the router what to do
// with a step.
type TaskStatus string

const (
	// TaskReadyToStart starts a step's work by invoking its handler.
	TaskReadyToStart TaskStatus = "taskReadyToStart"
	// TaskDone resumes a step previously left pending by an in-progress
	// handler outcome, once the external async operation has completed.
	// The handler is not invoked again.
	TaskDone TaskStatus = "taskDone"
)

// runnable reports whether a step is eligible for advancement. Everything
// else is terminal for the engine.
func runnable(status string) bool {
	return status == StatusQueued || status == StatusPending
}
