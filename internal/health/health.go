// Package health provides component health checks for irbridge.
//
// There is no HTTP endpoint. The daemon runs the checks periodically and on
// SIGUSR1 and logs the result.
package health

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"irbridge/internal/logging"
)

// Status represents the health status of a component.
type Status string

const (
	// StatusHealthy indicates the component is healthy.
	StatusHealthy Status = "healthy"
	// StatusDegraded indicates the component is degraded but functional.
	StatusDegraded Status = "degraded"
	// StatusUnhealthy indicates the component is unhealthy.
	StatusUnhealthy Status = "unhealthy"
	// StatusUnknown indicates the component has not been checked yet.
	StatusUnknown Status = "unknown"
)

// CheckResult represents the result of a health check.
type CheckResult struct {
	Status      Status         `json:"status"`
	Message     string         `json:"message,omitempty"`
	Details     map[string]any `json:"details,omitempty"`
	LastChecked time.Time      `json:"last_checked"`
	Duration    time.Duration  `json:"duration_ns"`
	Error       string         `json:"error,omitempty"`
}

// Check is a function that performs a health check.
type Check func(ctx context.Context) CheckResult

// Component represents a health-checkable component.
type Component struct {
	Name     string
	Critical bool // If true, failure makes overall status unhealthy
	Check    Check
	Timeout  time.Duration
}

// Checker manages health checks.
type Checker struct {
	mu         sync.RWMutex
	components map[string]*Component
	results    map[string]CheckResult
	startTime  time.Time
}

// NewChecker creates a new Checker.
func NewChecker() *Checker {
	return &Checker{
		components: make(map[string]*Component),
		results:    make(map[string]CheckResult),
		startTime:  time.Now(),
	}
}

// Register registers a health check component.
func (c *Checker) Register(component *Component) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if component.Timeout == 0 {
		component.Timeout = 5 * time.Second
	}

	c.components[component.Name] = component
	c.results[component.Name] = CheckResult{Status: StatusUnknown}
}

// RegisterFunc registers a simple health check function.
func (c *Checker) RegisterFunc(name string, critical bool, check Check) {
	c.Register(&Component{
		Name:     name,
		Critical: critical,
		Check:    check,
	})
}

// Check runs all registered health checks concurrently.
func (c *Checker) Check(ctx context.Context) map[string]CheckResult {
	c.mu.RLock()
	components := make([]*Component, 0, len(c.components))
	for _, comp := range c.components {
		components = append(components, comp)
	}
	c.mu.RUnlock()

	results := make(map[string]CheckResult)
	var wg sync.WaitGroup

	for _, comp := range components {
		wg.Add(1)
		go func(comp *Component) {
			defer wg.Done()

			result := c.run(ctx, comp)

			c.mu.Lock()
			c.results[comp.Name] = result
			results[comp.Name] = result
			c.mu.Unlock()
		}(comp)
	}

	wg.Wait()
	return results
}

// run executes one check with its timeout and panic recovery.
func (c *Checker) run(ctx context.Context, comp *Component) CheckResult {
	checkCtx, cancel := context.WithTimeout(ctx, comp.Timeout)
	defer cancel()

	start := time.Now()
	done := make(chan CheckResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- CheckResult{
					Status:  StatusUnhealthy,
					Message: "check panicked",
					Error:   fmt.Sprintf("%v", r),
				}
			}
		}()
		done <- comp.Check(checkCtx)
	}()

	var result CheckResult
	select {
	case result = <-done:
	case <-checkCtx.Done():
		result = CheckResult{
			Status:  StatusUnhealthy,
			Message: "check timed out",
			Error:   checkCtx.Err().Error(),
		}
	}

	result.LastChecked = start
	result.Duration = time.Since(start)
	return result
}

// OverallStatus returns the aggregated health status.
func (c *Checker) OverallStatus() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()

	hasUnknown := false
	hasDegraded := false

	for name, result := range c.results {
		comp := c.components[name]
		if comp == nil {
			continue
		}

		switch result.Status {
		case StatusUnhealthy:
			if comp.Critical {
				return StatusUnhealthy
			}
			hasDegraded = true
		case StatusDegraded:
			hasDegraded = true
		case StatusUnknown:
			if comp.Critical {
				hasUnknown = true
			}
		}
	}

	if hasUnknown {
		return StatusUnknown
	}
	if hasDegraded {
		return StatusDegraded
	}
	return StatusHealthy
}

// Uptime returns the time since the checker was created.
func (c *Checker) Uptime() time.Duration {
	return time.Since(c.startTime)
}

// Log runs every check and writes one line per component plus a summary.
func (c *Checker) Log(ctx context.Context, logger *logging.Logger) Status {
	results := c.Check(ctx)

	names := make([]string, 0, len(results))
	for name := range results {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		r := results[name]
		args := []any{"check", name, "status", r.Status, "took", r.Duration.Round(time.Millisecond)}
		if r.Message != "" {
			args = append(args, "message", r.Message)
		}
		if r.Error != "" {
			args = append(args, "error", r.Error)
		}
		if r.Status == StatusHealthy {
			logger.Debug("health check", args...)
		} else {
			logger.Warn("health check", args...)
		}
	}

	status := c.OverallStatus()
	logger.Info("health", "status", status, "uptime", c.Uptime().Round(time.Second))
	return status
}

// Monitor logs health every interval and whenever trigger fires, until ctx
// is done.
func (c *Checker) Monitor(ctx context.Context, interval time.Duration, trigger <-chan struct{}, logger *logging.Logger) {
	var tick <-chan time.Time
	if interval > 0 {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-tick:
		case <-trigger:
		}
		c.Log(ctx, logger)
	}
}

// Common health checks.

// PingCheck reports unhealthy when ping fails.
func PingCheck(what string, ping func(ctx context.Context) error) Check {
	return func(ctx context.Context) CheckResult {
		if err := ping(ctx); err != nil {
			return CheckResult{
				Status:  StatusUnhealthy,
				Message: what + " unreachable",
				Error:   err.Error(),
			}
		}
		return CheckResult{Status: StatusHealthy, Message: what + " ok"}
	}
}

// FileExistsCheck reports unhealthy when path does not exist, such as an
// unplugged IR receiver's device node.
func FileExistsCheck(path string) Check {
	return func(ctx context.Context) CheckResult {
		if _, err := os.Stat(path); err != nil {
			return CheckResult{
				Status:  StatusUnhealthy,
				Message: "missing",
				Error:   err.Error(),
				Details: map[string]any{"path": path},
			}
		}
		return CheckResult{Status: StatusHealthy, Details: map[string]any{"path": path}}
	}
}

// ConnectedCheck reports degraded rather than unhealthy when a connection
// that is retried on demand is currently down.
func ConnectedCheck(what string, connected func() bool) Check {
	return func(ctx context.Context) CheckResult {
		if !connected() {
			return CheckResult{Status: StatusDegraded, Message: what + " not connected"}
		}
		return CheckResult{Status: StatusHealthy, Message: what + " connected"}
	}
}
