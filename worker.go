package stepflow

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// WorkerOpts configures a worker pool.
type WorkerOpts struct {
	// Concurrency is the number of concurrent Advance calls. Default 1.
	Concurrency int
	// BatchSize is the number of messages claimed per read. Default 10.
	BatchSize int
	// HideFor is the visibility timeout for claimed messages. Default 10m.
	HideFor time.Duration
	// PollFor is how long one polling read waits for messages before
	// returning empty. Default 5s.
	PollFor time.Duration
	// PollInterval is the idle delay between empty reads. Default 1s.
	PollInterval time.Duration
	// ReadBackoff bounds the retry delay after failed reads.
	ReadBackoff *FullJitterBackoff
}

func applyDefaultWorkerOpts(opts *WorkerOpts) *WorkerOpts {
	if opts == nil {
		opts = &WorkerOpts{}
	}
	if opts.Concurrency == 0 {
		opts.Concurrency = 1
	}
	if opts.BatchSize == 0 {
		opts.BatchSize = 10
	}
	if opts.HideFor == 0 {
		opts.HideFor = 10 * time.Minute
	}
	if opts.PollFor == 0 {
		opts.PollFor = 5 * time.Second
	}
	if opts.PollInterval == 0 {
		opts.PollInterval = time.Second
	}
	if opts.ReadBackoff == nil {
		opts.ReadBackoff = NewFullJitterBackoff(100*time.Millisecond, 10*time.Second)
	}
	return opts
}

// Worker pulls envelopes from the family topic and advances one step per
// message. A message is always deleted after Advance returns, because
// Advance converts every failure into a structured result: the broker is
// acknowledged exactly once and redelivery storms cannot happen.
type Worker struct {
	id     string
	router *Router
	source MessageSource
	topic  string
	opts   *WorkerOpts
	logger *slog.Logger

	inFlightIDs   map[int64]struct{}
	inFlightIDsMu sync.Mutex
}

// NewWorker creates a worker over the given router and message source.
func NewWorker(router *Router, source MessageSource, opts *WorkerOpts, logger *slog.Logger) *Worker {
	return &Worker{
		id:          uuid.NewString(),
		router:      router,
		source:      source,
		topic:       router.graph.Topic,
		opts:        applyDefaultWorkerOpts(opts),
		logger:      logger,
		inFlightIDs: make(map[int64]struct{}),
	}
}

// ID returns the worker's unique identity.
func (w *Worker) ID() string {
	return w.id
}

// Start runs the worker until ctx is canceled.
func (w *Worker) Start(ctx context.Context) error {
	var wg sync.WaitGroup

	messages := make(chan QueueMessage, w.opts.BatchSize)

	// Keep claimed messages hidden while their steps are still advancing.
	wg.Go(func() {
		ticker := time.NewTicker(w.opts.HideFor / 3)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				w.hideInFlight(ctx)
			}
		}
	})

	// Producer
	wg.Go(func() {
		defer close(messages)

		attempt := 0
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			msgs, err := w.source.ReadPoll(ctx, w.topic, w.opts.BatchSize, w.opts.HideFor, w.opts.PollFor, w.opts.PollInterval)
			if err != nil {
				if !IsRetryable(err) {
					return
				}
				w.logger.ErrorContext(ctx, "worker: cannot read messages",
					"worker", w.id, "topic", w.topic, "error", err)

				delay := w.opts.ReadBackoff.NextDelay(attempt)
				attempt++
				select {
				case <-ctx.Done():
					return
				case <-time.After(delay):
				}
				continue
			}
			attempt = 0

			if len(msgs) == 0 {
				continue
			}

			w.markInFlight(msgs)

			for _, msg := range msgs {
				select {
				case <-ctx.Done():
					return
				case messages <- msg:
				}
			}
		}
	})

	// Consumers
	for range w.opts.Concurrency {
		wg.Go(func() {
			for msg := range messages {
				w.handle(ctx, msg)
			}
		})
	}

	wg.Wait()

	return nil
}

func (w *Worker) handle(ctx context.Context, msg QueueMessage) {
	defer w.removeInFlight(msg.ID)

	var env Envelope
	if err := json.Unmarshal(msg.Payload, &env); err != nil {
		// A payload that cannot even be decoded can never succeed;
		// drop it.
		w.logger.ErrorContext(ctx, "worker: cannot decode envelope",
			"worker", w.id, "topic", w.topic, "message_id", msg.ID, "error", err)
		w.ack(ctx, msg.ID)
		return
	}

	res := w.router.Advance(ctx, env)
	if !res.Ok {
		w.logger.WarnContext(ctx, "worker: advance did not succeed",
			"worker", w.id, "topic", w.topic, "message_id", msg.ID,
			"step_kind", env.StepKind, "step_id", res.StepID,
			"code", string(res.Code), "trace_id", res.TraceID)
	}

	w.ack(ctx, msg.ID)
}

func (w *Worker) ack(ctx context.Context, id int64) {
	if err := w.source.Delete(ctx, w.topic, id); err != nil && !errors.Is(err, context.Canceled) {
		w.logger.ErrorContext(ctx, "worker: cannot delete message",
			"worker", w.id, "topic", w.topic, "message_id", id, "error", err)
	}
}

func (w *Worker) getInFlightIDs() []int64 {
	w.inFlightIDsMu.Lock()
	defer w.inFlightIDsMu.Unlock()

	ids := make([]int64, 0, len(w.inFlightIDs))
	for id := range w.inFlightIDs {
		ids = append(ids, id)
	}
	return ids
}

func (w *Worker) markInFlight(msgs []QueueMessage) {
	w.inFlightIDsMu.Lock()
	for _, msg := range msgs {
		w.inFlightIDs[msg.ID] = struct{}{}
	}
	w.inFlightIDsMu.Unlock()
}

func (w *Worker) removeInFlight(id int64) {
	w.inFlightIDsMu.Lock()
	delete(w.inFlightIDs, id)
	w.inFlightIDsMu.Unlock()
}

func (w *Worker) hideInFlight(ctx context.Context) {
	ids := w.getInFlightIDs()
	if len(ids) == 0 {
		return
	}

	if err := w.source.Hide(ctx, w.topic, ids, w.opts.HideFor); err != nil && IsRetryable(err) {
		w.logger.ErrorContext(ctx, "worker: cannot hide in-flight messages",
			"worker", w.id, "topic", w.topic, "error", err)
	}
}
