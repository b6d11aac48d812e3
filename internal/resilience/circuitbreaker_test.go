package resilience

import (
	"errors"
	"testing"
	"time"
)

var errBoom = errors.New("boom")

func failing() error { return errBoom }
func succeeding() error { return nil }

func TestBreakerOpensAfterMaxFailures(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{Name: "test", MaxFailures: 3, CoolOff: time.Hour})

	for i := 0; i < 3; i++ {
		if err := cb.Execute(failing); !errors.Is(err, errBoom) {
			t.Fatalf("call %d: err = %v, want errBoom", i, err)
		}
	}
	if got := cb.State(); got != StateOpen {
		t.Fatalf("state = %v, want open", got)
	}
	if err := cb.Execute(succeeding); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("err = %v, want ErrCircuitOpen", err)
	}
}

func TestBreakerSuccessResetsCounter(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{MaxFailures: 3, CoolOff: time.Hour})

	_ = cb.Execute(failing)
	_ = cb.Execute(failing)
	_ = cb.Execute(succeeding)
	_ = cb.Execute(failing)
	_ = cb.Execute(failing)

	if got := cb.State(); got != StateClosed {
		t.Errorf("state = %v, want closed (counter reset by success)", got)
	}
}

func TestBreakerHalfOpenRecovery(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{MaxFailures: 1, CoolOff: 10 * time.Millisecond, HalfOpenMax: 2})

	_ = cb.Execute(failing)
	if got := cb.State(); got != StateOpen {
		t.Fatalf("state = %v, want open", got)
	}

	time.Sleep(20 * time.Millisecond)
	if got := cb.State(); got != StateHalfOpen {
		t.Fatalf("state = %v, want half-open after cool-off", got)
	}

	// Two successful probes close the breaker.
	if err := cb.Execute(succeeding); err != nil {
		t.Fatalf("probe 1: %v", err)
	}
	if err := cb.Execute(succeeding); err != nil {
		t.Fatalf("probe 2: %v", err)
	}
	if got := cb.State(); got != StateClosed {
		t.Errorf("state = %v, want closed after probes", got)
	}
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{MaxFailures: 1, CoolOff: 10 * time.Millisecond})

	_ = cb.Execute(failing)
	time.Sleep(20 * time.Millisecond)

	if err := cb.Execute(failing); !errors.Is(err, errBoom) {
		t.Fatalf("probe err = %v, want errBoom", err)
	}
	if got := cb.State(); got != StateOpen {
		t.Errorf("state = %v, want open after failed probe", got)
	}
}

func TestBreakerReset(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{MaxFailures: 1, CoolOff: time.Hour})

	_ = cb.Execute(failing)
	cb.Reset()
	if got := cb.State(); got != StateClosed {
		t.Errorf("state = %v, want closed after reset", got)
	}
	if err := cb.Execute(succeeding); err != nil {
		t.Errorf("Execute after reset: %v", err)
	}
}
