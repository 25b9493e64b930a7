package health

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"irbridge/internal/logging"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckAggregatesStatus(t *testing.T) {
	c := NewChecker()
	c.RegisterFunc("input", true, FileExistsCheck(t.TempDir()))
	c.RegisterFunc("tv", false, ConnectedCheck("tv", func() bool { return false }))

	assert.Equal(t, StatusUnknown, c.OverallStatus(), "critical check not run yet")

	results := c.Check(context.Background())
	require.Len(t, results, 2)
	assert.Equal(t, StatusHealthy, results["input"].Status)
	assert.Equal(t, StatusDegraded, results["tv"].Status)
	assert.Equal(t, StatusDegraded, c.OverallStatus())
}

func TestCriticalFailureIsUnhealthy(t *testing.T) {
	c := NewChecker()
	c.RegisterFunc("input", true, FileExistsCheck(filepath.Join(t.TempDir(), "event9")))
	c.RegisterFunc("receiver", false, PingCheck("receiver", func(context.Context) error {
		return errors.New("connection refused")
	}))

	results := c.Check(context.Background())
	assert.Equal(t, StatusUnhealthy, results["input"].Status)
	assert.Equal(t, "receiver unreachable", results["receiver"].Message)
	assert.Equal(t, StatusUnhealthy, c.OverallStatus())
}

func TestCheckTimeout(t *testing.T) {
	c := NewChecker()
	c.Register(&Component{
		Name:    "slow",
		Timeout: 20 * time.Millisecond,
		Check: func(ctx context.Context) CheckResult {
			<-ctx.Done()
			time.Sleep(50 * time.Millisecond)
			return CheckResult{Status: StatusHealthy}
		},
	})

	results := c.Check(context.Background())
	assert.Equal(t, StatusUnhealthy, results["slow"].Status)
	assert.Equal(t, "check timed out", results["slow"].Message)
}

func TestCheckPanicRecovered(t *testing.T) {
	c := NewChecker()
	c.RegisterFunc("boom", false, func(context.Context) CheckResult { panic("boom") })

	results := c.Check(context.Background())
	assert.Equal(t, StatusUnhealthy, results["boom"].Status)
	assert.Equal(t, "boom", results["boom"].Error)
}

func TestMonitorRunsOnTrigger(t *testing.T) {
	c := NewChecker()
	ran := make(chan struct{}, 4)
	c.RegisterFunc("probe", true, func(context.Context) CheckResult {
		ran <- struct{}{}
		return CheckResult{Status: StatusHealthy}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	trigger := make(chan struct{})
	go c.Monitor(ctx, 0, trigger, logging.Discard())

	trigger <- struct{}{}
	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("monitor did not run checks on trigger")
	}

	assert.Eventually(t, func() bool {
		return c.OverallStatus() == StatusHealthy
	}, time.Second, 5*time.Millisecond)
}
