package stepflow

import (
	"testing"
	"time"
)

func TestCircuitBreakerOpensAfterThreshold(t *testing.T) {
	cb := NewCircuitBreaker(3, time.Minute)
	now := time.Now()

	for range 2 {
		cb.RecordFailure(now)
	}
	if ok, _ := cb.Allow(now); !ok {
		t.Fatal("circuit opened below threshold")
	}

	cb.RecordFailure(now)
	ok, wait := cb.Allow(now)
	if ok {
		t.Fatal("circuit still closed at threshold")
	}
	if wait <= 0 || wait > time.Minute {
		t.Fatalf("unexpected wait: %s", wait)
	}
}

func TestCircuitBreakerHalfOpenProbe(t *testing.T) {
	cb := NewCircuitBreaker(1, time.Minute)
	now := time.Now()

	cb.RecordFailure(now)
	if ok, _ := cb.Allow(now); ok {
		t.Fatal("open circuit allowed a call")
	}

	// After the open timeout exactly one probe passes.
	later := now.Add(2 * time.Minute)
	if ok, _ := cb.Allow(later); !ok {
		t.Fatal("probe not allowed after open timeout")
	}
	if ok, _ := cb.Allow(later); ok {
		t.Fatal("second concurrent probe allowed")
	}

	// A successful probe closes the circuit.
	cb.RecordSuccess()
	if ok, _ := cb.Allow(later); !ok {
		t.Fatal("circuit did not close after successful probe")
	}
}

func TestCircuitBreakerFailedProbeReopens(t *testing.T) {
	cb := NewCircuitBreaker(1, time.Minute)
	now := time.Now()

	cb.RecordFailure(now)
	later := now.Add(2 * time.Minute)
	if ok, _ := cb.Allow(later); !ok {
		t.Fatal("probe not allowed")
	}

	cb.RecordFailure(later)
	if ok, _ := cb.Allow(later); ok {
		t.Fatal("circuit did not reopen after failed probe")
	}
}

func TestCircuitBreakerValidate(t *testing.T) {
	if err := NewCircuitBreaker(5, 30*time.Second).Validate(); err != nil {
		t.Fatal(err)
	}
	if err := NewCircuitBreaker(0, 30*time.Second).Validate(); err == nil {
		t.Fatal("expected error for zero threshold")
	}
	if err := NewCircuitBreaker(5, 0).Validate(); err == nil {
		t.Fatal("expected error for zero timeout")
	}
}
