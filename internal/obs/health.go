package obs

import "context"

// HealthStatus reports the aggregate health of a store.
type HealthStatus struct {
	Status string
	Checks map[string]*CheckResult
}

// CheckResult reports the outcome of a single health probe.
type CheckResult struct {
	Healthy bool
	Message string
}

// Checkable is implemented by anything a HealthChecker can probe -- a KV
// store, an open branch's mmap file, and so on.
type Checkable interface {
	Ping(ctx context.Context) error
}

// HealthChecker runs a named set of probes and aggregates the result.
type HealthChecker struct {
	checks map[string]Checkable
}

// NewHealthChecker creates a health checker with no registered probes.
func NewHealthChecker() *HealthChecker {
	return &HealthChecker{checks: make(map[string]Checkable)}
}

// Register adds a named probe.
func (hc *HealthChecker) Register(name string, c Checkable) {
	hc.checks[name] = c
}

// Check runs every registered probe and reports the worst outcome.
func (hc *HealthChecker) Check(ctx context.Context) (*HealthStatus, error) {
	status := &HealthStatus{
		Status: "healthy",
		Checks: make(map[string]*CheckResult, len(hc.checks)),
	}

	if len(hc.checks) == 0 {
		status.Checks["basic"] = &CheckResult{Healthy: true, Message: "no probes registered"}
		return status, nil
	}

	for name, c := range hc.checks {
		if err := c.Ping(ctx); err != nil {
			status.Status = "degraded"
			status.Checks[name] = &CheckResult{Healthy: false, Message: err.Error()}
			continue
		}
		status.Checks[name] = &CheckResult{Healthy: true, Message: "ok"}
	}

	return status, nil
}
