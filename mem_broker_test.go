package stepflow

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMemBrokerVisibility(t *testing.T) {
	b := NewMemBroker()

	if err := b.Publish(t.Context(), "t", map[string]string{"k": "v"}); err != nil {
		t.Fatal(err)
	}

	msgs, err := b.Read(t.Context(), "t", 10, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}
	if msgs[0].Deliveries != 1 {
		t.Fatalf("expected 1 delivery, got %d", msgs[0].Deliveries)
	}

	// Hidden for a minute: a second read sees nothing.
	again, err := b.Read(t.Context(), "t", 10, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if len(again) != 0 {
		t.Fatalf("hidden message redelivered: %d", len(again))
	}

	// An expired visibility timeout makes the message visible again.
	if err := b.Hide(t.Context(), "t", []int64{msgs[0].ID}, -time.Second); err != nil {
		t.Fatal(err)
	}
	again, err = b.Read(t.Context(), "t", 10, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if len(again) != 1 {
		t.Fatalf("expected redelivery, got %d", len(again))
	}
	if again[0].Deliveries != 2 {
		t.Fatalf("expected 2 deliveries, got %d", again[0].Deliveries)
	}

	if err := b.Delete(t.Context(), "t", msgs[0].ID); err != nil {
		t.Fatal(err)
	}
	if n := b.Len("t"); n != 0 {
		t.Fatalf("expected empty topic, got %d", n)
	}

	// Deleting twice is a no-op.
	if err := b.Delete(t.Context(), "t", msgs[0].ID); err != nil {
		t.Fatal(err)
	}
}

func TestMemBrokerReadPoll(t *testing.T) {
	b := NewMemBroker()

	// An empty topic returns empty once pollFor elapses.
	start := time.Now()
	msgs, err := b.ReadPoll(t.Context(), "t", 10, time.Minute, 30*time.Millisecond, 10*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 0 {
		t.Fatalf("expected no messages, got %d", len(msgs))
	}
	if time.Since(start) < 20*time.Millisecond {
		t.Fatal("returned before polling")
	}

	// A message published mid-poll is picked up before the deadline.
	go func() {
		time.Sleep(20 * time.Millisecond)
		b.Publish(context.Background(), "t", "x")
	}()

	msgs, err = b.ReadPoll(t.Context(), "t", 10, time.Minute, 5*time.Second, 10*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}
}

func TestMemBrokerReadPollCanceled(t *testing.T) {
	b := NewMemBroker()

	ctx, cancel := context.WithCancel(t.Context())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	if _, err := b.ReadPoll(ctx, "t", 10, time.Minute, time.Hour, 10*time.Millisecond); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestMemBrokerTopicsAreIsolated(t *testing.T) {
	b := NewMemBroker()

	if err := b.Publish(t.Context(), "a", "x"); err != nil {
		t.Fatal(err)
	}

	msgs, err := b.Read(t.Context(), "b", 10, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 0 {
		t.Fatalf("read across topics: %d", len(msgs))
	}
}
