package obs

import (
	"context"
	"errors"
	"testing"
)

type fakeProbe struct{ err error }

func (p fakeProbe) Ping(ctx context.Context) error { return p.err }

func TestHealthCheckerNoProbesIsHealthy(t *testing.T) {
	hc := NewHealthChecker()
	status, err := hc.Check(context.Background())
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if status.Status != "healthy" {
		t.Fatalf("Status = %q, want healthy", status.Status)
	}
}

func TestHealthCheckerDegradesOnFailingProbe(t *testing.T) {
	hc := NewHealthChecker()
	hc.Register("good", fakeProbe{})
	hc.Register("bad", fakeProbe{err: errors.New("unreachable")})

	status, err := hc.Check(context.Background())
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if status.Status != "degraded" {
		t.Fatalf("Status = %q, want degraded", status.Status)
	}
	if status.Checks["good"].Healthy != true {
		t.Fatal("good probe reported unhealthy")
	}
	if status.Checks["bad"].Healthy {
		t.Fatal("bad probe reported healthy")
	}
}

func TestCircuitBreakerOpensAfterMaxFailures(t *testing.T) {
	cfg := DefaultCircuitBreakerConfig("test")
	cfg.MaxFailures = 2
	cfg.MinRequests = 1000 // keep the failure-rate path from also tripping it
	cb := NewCircuitBreaker(cfg)

	failing := errors.New("boom")
	for i := 0; i < 2; i++ {
		if err := cb.Execute(context.Background(), func() error { return failing }); err != failing {
			t.Fatalf("Execute(%d) = %v, want the underlying failure", i, err)
		}
	}

	if got := cb.State(); got != CircuitOpen {
		t.Fatalf("State() = %v, want CircuitOpen after MaxFailures consecutive failures", got)
	}

	err := cb.Execute(context.Background(), func() error { return nil })
	if err == nil {
		t.Fatal("expected Execute to reject while the circuit is open")
	}
}

func TestCircuitBreakerStaysClosedOnSuccess(t *testing.T) {
	cb := NewCircuitBreaker(DefaultCircuitBreakerConfig("test"))
	for i := 0; i < 5; i++ {
		if err := cb.Execute(context.Background(), func() error { return nil }); err != nil {
			t.Fatalf("Execute(%d): %v", i, err)
		}
	}
	if got := cb.State(); got != CircuitClosed {
		t.Fatalf("State() = %v, want CircuitClosed", got)
	}
}

func TestCircuitBreakerManagerGetOrCreate(t *testing.T) {
	mgr := NewCircuitBreakerManager()
	a := mgr.GetOrCreate("a", DefaultCircuitBreakerConfig("a"))
	b := mgr.GetOrCreate("a", DefaultCircuitBreakerConfig("a"))
	if a != b {
		t.Fatal("GetOrCreate should return the same breaker for the same name")
	}
	if _, ok := mgr.Get("missing"); ok {
		t.Fatal("Get should report false for an unknown name")
	}
	mgr.Remove("a")
	if _, ok := mgr.Get("a"); ok {
		t.Fatal("Get should report false after Remove")
	}
}

func TestNopLoggerDoesNotPanic(t *testing.T) {
	logger := NopLogger()
	logger.Infow("hello", "k", "v")
	logger.Errorw("world", "k", "v")
}
