package stepflow

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// SweeperOpts configures the orphan sweeper.
type SweeperOpts struct {
	// Schedule is a cron expression with seconds. Default: every minute.
	Schedule string
	// OlderThan is the minimum age of a queued step before it is
	// re-driven. It must comfortably exceed normal queue latency so the
	// sweeper only touches rows whose start message was lost.
	// Default 5m.
	OlderThan time.Duration
	// BatchSize caps how many rows one sweep re-publishes. Default 100.
	BatchSize int
}

func applyDefaultSweeperOpts(opts *SweeperOpts) *SweeperOpts {
	if opts == nil {
		opts = &SweeperOpts{}
	}
	if opts.Schedule == "" {
		opts.Schedule = "0 * * * * *"
	}
	if opts.OlderThan == 0 {
		opts.OlderThan = 5 * time.Minute
	}
	if opts.BatchSize == 0 {
		opts.BatchSize = 100
	}
	return opts
}

// Sweeper re-publishes start messages for steps stuck in queued: rows whose
// insert succeeded but whose publish was lost to a crash or broker outage.
// Re-publishing an already-delivered step is harmless; the router's status
// guard rejects the duplicate.
type Sweeper struct {
	graph  *Graph
	ledger Ledger
	broker Broker
	opts   *SweeperOpts
	logger *slog.Logger
}

// NewSweeper creates a sweeper for one workflow family.
func NewSweeper(graph *Graph, ledger Ledger, broker Broker, opts *SweeperOpts, logger *slog.Logger) *Sweeper {
	return &Sweeper{
		graph:  graph,
		ledger: ledger,
		broker: broker,
		opts:   applyDefaultSweeperOpts(opts),
		logger: logger,
	}
}

// Start runs the sweep schedule until ctx is canceled.
func (s *Sweeper) Start(ctx context.Context) error {
	c := cron.New(cron.WithSeconds())

	if _, err := c.AddFunc(s.opts.Schedule, func() {
		if err := s.Sweep(ctx); err != nil && IsRetryable(err) {
			s.logger.ErrorContext(ctx, "sweeper: sweep failed", "topic", s.graph.Topic, "error", err)
		}
	}); err != nil {
		return err
	}

	c.Start()
	<-ctx.Done()

	stopCtx := c.Stop()
	select {
	case <-stopCtx.Done():
	case <-time.After(30 * time.Second):
	}

	return nil
}

// Sweep runs one pass: find stuck queued steps of this family and publish a
// fresh ready-to-start message for each.
func (s *Sweeper) Sweep(ctx context.Context) error {
	stuck, err := s.ledger.ListStuckQueued(ctx, s.opts.OlderThan, s.opts.BatchSize)
	if err != nil {
		return err
	}

	for _, rec := range stuck {
		if _, ok := s.graph.Node(rec.Kind); !ok {
			// Row belongs to another workflow family.
			continue
		}
		if rec.ParentID == 0 {
			// A crash between a root insert and its parent repoint leaves
			// this placeholder. No valid envelope can address it, so
			// re-publishing would be rejected forever.
			s.logger.WarnContext(ctx, "sweeper: skipping orphaned root placeholder",
				"step_kind", rec.Kind, "step_id", rec.ID)
			continue
		}

		env := Envelope{
			StepKind:      rec.Kind,
			TaskStatus:    TaskReadyToStart,
			CurrentStepID: rec.ID,
			ParentStepID:  rec.ParentID,
		}
		if err := s.broker.Publish(ctx, s.graph.Topic, env); err != nil {
			return err
		}

		s.logger.InfoContext(ctx, "sweeper: re-published stuck step",
			"step_kind", rec.Kind, "step_id", rec.ID, "instance", rec.ParentID,
			"age", time.Since(rec.CreatedAt).String())
	}

	return nil
}
