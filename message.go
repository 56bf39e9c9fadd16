package stepflow

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Envelope is the broker payload that drives the router. One envelope
// advances exactly one step.
type Envelope struct {
	StepKind      StepKind   `json:"stepKind"`
	TaskStatus    TaskStatus `json:"taskStatus"`
	CurrentStepID int64      `json:"currentStepId"`
	ParentStepID  int64      `json:"parentStepId"`
}

// Validate checks the envelope for structural problems before any ledger
// access.
func (e Envelope) Validate() error {
	if e.StepKind == "" {
		return fmt.Errorf("envelope missing step kind")
	}
	if e.CurrentStepID == 0 {
		return fmt.Errorf("envelope missing current step id")
	}
	if e.ParentStepID == 0 {
		return fmt.Errorf("envelope missing parent step id")
	}
	return nil
}

// QueueMessage is one delivered broker message.
type QueueMessage struct {
	ID         int64           `json:"id"`
	Topic      string          `json:"topic"`
	Payload    json.RawMessage `json:"payload"`
	Deliveries int             `json:"deliveries"`
	CreatedAt  time.Time       `json:"created_at"`
	DeliverAt  time.Time       `json:"deliver_at"`
}

// Broker is the publishing contract the dispatcher requires. The transport
// is at-least-once; duplicate deliveries are tolerated by the router's
// status guard, not prevented here.
type Broker interface {
	Publish(ctx context.Context, topic string, payload any) error
}

// MessageSource is the consuming side of the broker, used by workers.
// Read hides delivered messages from other readers for hideFor; a message
// that is not deleted in time becomes visible again and is redelivered.
// ReadPoll is Read with polling: it retries at pollInterval until messages
// are available or pollFor has elapsed.
type MessageSource interface {
	Read(ctx context.Context, topic string, quantity int, hideFor time.Duration) ([]QueueMessage, error)
	ReadPoll(ctx context.Context, topic string, quantity int, hideFor, pollFor, pollInterval time.Duration) ([]QueueMessage, error)
	Hide(ctx context.Context, topic string, ids []int64, hideFor time.Duration) error
	Delete(ctx context.Context, topic string, id int64) error
}

// readPoll drives a Read implementation with polling support. It returns an
// empty batch when pollFor elapses without messages, and the context error
// when ctx is canceled first.
func readPoll(ctx context.Context, read func(context.Context) ([]QueueMessage, error), pollFor, pollInterval time.Duration) ([]QueueMessage, error) {
	deadline := time.Now().Add(pollFor)

	for {
		msgs, err := read(ctx)
		if err != nil || len(msgs) > 0 {
			return msgs, err
		}
		if time.Now().Add(pollInterval).After(deadline) {
			return nil, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}
