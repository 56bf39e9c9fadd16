package stepflow

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// MemBroker is a goroutine-safe in-memory topic queue for tests and local
// development. It mirrors PgBroker's visibility-timeout semantics.
type MemBroker struct {
	mu     sync.Mutex
	nextID int64
	topics map[string][]*QueueMessage
}

// NewMemBroker creates an empty in-memory broker.
func NewMemBroker() *MemBroker {
	return &MemBroker{
		nextID: 1,
		topics: make(map[string][]*QueueMessage),
	}
}

var (
	_ Broker        = (*MemBroker)(nil)
	_ MessageSource = (*MemBroker)(nil)
)

func (b *MemBroker) Publish(ctx context.Context, topic string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	msg := &QueueMessage{
		ID:        b.nextID,
		Topic:     topic,
		Payload:   body,
		CreatedAt: now,
		DeliverAt: now,
	}
	b.nextID++
	b.topics[topic] = append(b.topics[topic], msg)
	return nil
}

func (b *MemBroker) Read(ctx context.Context, topic string, quantity int, hideFor time.Duration) ([]QueueMessage, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()

	var out []QueueMessage
	for _, msg := range b.topics[topic] {
		if len(out) == quantity {
			break
		}
		if msg.DeliverAt.After(now) {
			continue
		}
		msg.DeliverAt = now.Add(hideFor)
		msg.Deliveries++
		out = append(out, *msg)
	}
	return out, nil
}

// ReadPoll reads messages with polling support: it retries Read at
// pollInterval until messages are available or pollFor has elapsed.
func (b *MemBroker) ReadPoll(ctx context.Context, topic string, quantity int, hideFor, pollFor, pollInterval time.Duration) ([]QueueMessage, error) {
	return readPoll(ctx, func(ctx context.Context) ([]QueueMessage, error) {
		return b.Read(ctx, topic, quantity, hideFor)
	}, pollFor, pollInterval)
}

func (b *MemBroker) Hide(ctx context.Context, topic string, ids []int64, hideFor time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	hidden := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		hidden[id] = struct{}{}
	}

	deadline := time.Now().Add(hideFor)
	for _, msg := range b.topics[topic] {
		if _, ok := hidden[msg.ID]; ok {
			msg.DeliverAt = deadline
		}
	}
	return nil
}

func (b *MemBroker) Delete(ctx context.Context, topic string, id int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	msgs := b.topics[topic]
	for i, msg := range msgs {
		if msg.ID == id {
			b.topics[topic] = append(msgs[:i], msgs[i+1:]...)
			return nil
		}
	}
	return nil
}

// Len reports how many messages, visible or hidden, remain on the topic.
func (b *MemBroker) Len(topic string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return len(b.topics[topic])
}
