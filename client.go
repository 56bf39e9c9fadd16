package stepflow

import (
	"context"
	"log/slog"
)

// Client is a facade over the engine's collaborators, used by status
// surfaces and operational tooling.
type Client struct {
	Ledger Ledger
	Broker Broker
	Source MessageSource
	Cache  Cache
}

// New creates a Postgres-backed client.
//
// The connection can be a *pgxpool.Pool, *pgx.Conn, or pgx.Tx.
func New(conn Conn, cache Cache) *Client {
	broker := NewPgBroker(conn)
	return &Client{
		Ledger: NewPgLedger(conn),
		Broker: broker,
		Source: broker,
		Cache:  cache,
	}
}

// NewRouter creates a router for one workflow family over the client's
// collaborators.
func (c *Client) NewRouter(graph *Graph, handlers *HandlerRegistry, scopes ChainScopes, logger *slog.Logger) (*Router, error) {
	return NewRouter(graph, handlers, c.Ledger, c.Broker, c.Cache, scopes, logger)
}

// NewWorker creates a worker consuming the router's family topic.
func (c *Client) NewWorker(router *Router, opts *WorkerOpts, logger *slog.Logger) *Worker {
	return NewWorker(router, c.Source, opts, logger)
}

// NewSweeper creates a sweeper for one workflow family.
func (c *Client) NewSweeper(graph *Graph, opts *SweeperOpts, logger *slog.Logger) *Sweeper {
	return NewSweeper(graph, c.Ledger, c.Broker, opts, logger)
}

// NewDispatcher creates a standalone dispatcher, for root creation outside
// a router.
func (c *Client) NewDispatcher(graph *Graph, scopes ChainScopes, logger *slog.Logger) *Dispatcher {
	return NewDispatcher(graph, c.Ledger, c.Broker, c.Cache, scopes, logger)
}

// GetStep returns one step record.
func (c *Client) GetStep(ctx context.Context, id int64) (*StepRecord, error) {
	return c.Ledger.Get(ctx, id)
}

// InstanceSteps returns all step records of a workflow instance.
func (c *Client) InstanceSteps(ctx context.Context, instanceID int64) ([]*StepRecord, error) {
	return c.Ledger.ListSiblings(ctx, instanceID)
}

// InstanceView returns the aggregate view of a workflow instance, read
// through the instance cache.
func (c *Client) InstanceView(ctx context.Context, instanceID int64) (*InstanceView, error) {
	return LoadInstanceView(ctx, c.Ledger, c.Cache, instanceID)
}

// ListInstances returns the most recent workflow instances, newest first.
func (c *Client) ListInstances(ctx context.Context, limit int) ([]*StepRecord, error) {
	return c.Ledger.ListRoots(ctx, limit)
}
