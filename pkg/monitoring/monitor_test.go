package monitoring

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/core-tools/hsu-stack/pkg/errors"
	"github.com/core-tools/hsu-stack/pkg/logging"
)

func testLogger() logging.Logger {
	return logging.NewLogger("test , ", logging.LogFuncs{})
}

func fastRunOptions() HealthCheckRunOptions {
	return HealthCheckRunOptions{
		Interval: 10 * time.Millisecond,
		Timeout:  50 * time.Millisecond,
		Retries:  3,
	}
}

// scriptedChecker returns canned verdicts in sequence, repeating the last one.
type scriptedChecker struct {
	mutex    sync.Mutex
	verdicts []bool
	calls    int
}

func (c *scriptedChecker) Check(ctx context.Context) ProbeResult {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	index := c.calls
	if index >= len(c.verdicts) {
		index = len(c.verdicts) - 1
	}
	c.calls++

	if c.verdicts[index] {
		return ProbeResult{Healthy: true, Message: "ok", ObservedAt: time.Now()}
	}
	return ProbeResult{Healthy: false, Message: "check failed", ObservedAt: time.Now()}
}

func (c *scriptedChecker) callCount() int {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.calls
}

func TestHealthMonitor_InvalidRunOptions(t *testing.T) {
	checker := &scriptedChecker{verdicts: []bool{true}}
	monitor := NewHealthMonitor(checker, HealthCheckRunOptions{}, "unit-1", MonitorCallbacks{}, testLogger())

	err := monitor.Start(context.Background())
	assert.Error(t, err)
	assert.True(t, errors.IsValidationError(err))
}

func TestHealthMonitor_HealthyOnSingleSuccess(t *testing.T) {
	checker := &scriptedChecker{verdicts: []bool{true}}

	var healthyCalls int32
	monitor := NewHealthMonitor(checker, fastRunOptions(), "unit-1", MonitorCallbacks{
		OnHealthy: func() { atomic.AddInt32(&healthyCalls, 1) },
	}, testLogger())

	require.NoError(t, monitor.Start(context.Background()))
	defer monitor.Stop()

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&healthyCalls) == 1
	}, time.Second, 5*time.Millisecond)

	state := monitor.State()
	assert.Equal(t, HealthCheckStatusHealthy, state.Status)
	assert.True(t, state.EverHealthy)
	assert.Equal(t, 0, state.ConsecutiveFailures)
}

func TestHealthMonitor_UnhealthyAfterRetries(t *testing.T) {
	checker := &scriptedChecker{verdicts: []bool{false}}

	var healthyCalls, unhealthyCalls int32
	monitor := NewHealthMonitor(checker, fastRunOptions(), "unit-1", MonitorCallbacks{
		OnHealthy:   func() { atomic.AddInt32(&healthyCalls, 1) },
		OnUnhealthy: func(message string) { atomic.AddInt32(&unhealthyCalls, 1) },
	}, testLogger())

	require.NoError(t, monitor.Start(context.Background()))
	defer monitor.Stop()

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&unhealthyCalls) == 1
	}, time.Second, 5*time.Millisecond)

	// The verdict needs the full retries run of consecutive failures
	assert.GreaterOrEqual(t, checker.callCount(), 3)
	assert.Zero(t, atomic.LoadInt32(&healthyCalls))

	state := monitor.State()
	assert.Equal(t, HealthCheckStatusUnhealthy, state.Status)
	assert.False(t, state.EverHealthy)
}

func TestHealthMonitor_RecoveryAfterUnhealthy(t *testing.T) {
	// Three failures flip to unhealthy, then a single success recovers
	checker := &scriptedChecker{verdicts: []bool{false, false, false, true}}

	var healthyCalls, unhealthyCalls int32
	monitor := NewHealthMonitor(checker, fastRunOptions(), "unit-1", MonitorCallbacks{
		OnHealthy:   func() { atomic.AddInt32(&healthyCalls, 1) },
		OnUnhealthy: func(message string) { atomic.AddInt32(&unhealthyCalls, 1) },
	}, testLogger())

	require.NoError(t, monitor.Start(context.Background()))
	defer monitor.Stop()

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&healthyCalls) == 1
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, int32(1), atomic.LoadInt32(&unhealthyCalls))
	assert.Equal(t, HealthCheckStatusHealthy, monitor.State().Status)
}

func TestHealthMonitor_FlappingReportsEachEpisode(t *testing.T) {
	// healthy -> 3 failures -> healthy again
	checker := &scriptedChecker{verdicts: []bool{true, false, false, false, true}}

	var healthyCalls, unhealthyCalls int32
	monitor := NewHealthMonitor(checker, fastRunOptions(), "unit-1", MonitorCallbacks{
		OnHealthy:   func() { atomic.AddInt32(&healthyCalls, 1) },
		OnUnhealthy: func(message string) { atomic.AddInt32(&unhealthyCalls, 1) },
	}, testLogger())

	require.NoError(t, monitor.Start(context.Background()))
	defer monitor.Stop()

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&healthyCalls) == 2
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, int32(1), atomic.LoadInt32(&unhealthyCalls))
	assert.True(t, monitor.State().EverHealthy)
}

func TestHealthMonitor_StartPeriodSuppressesProbes(t *testing.T) {
	checker := &scriptedChecker{verdicts: []bool{true}}

	runOptions := fastRunOptions()
	runOptions.StartPeriod = 100 * time.Millisecond

	monitor := NewHealthMonitor(checker, runOptions, "unit-1", MonitorCallbacks{}, testLogger())
	require.NoError(t, monitor.Start(context.Background()))
	defer monitor.Stop()

	// Well inside the start period: no probe issued yet
	time.Sleep(40 * time.Millisecond)
	assert.Zero(t, checker.callCount())

	require.Eventually(t, func() bool {
		return checker.callCount() > 0
	}, time.Second, 5*time.Millisecond)
}

func TestHealthMonitor_FailureThresholdTiming(t *testing.T) {
	checker := &scriptedChecker{verdicts: []bool{false}}

	runOptions := HealthCheckRunOptions{
		Interval:    20 * time.Millisecond,
		Timeout:     50 * time.Millisecond,
		Retries:     3,
		StartPeriod: 50 * time.Millisecond,
	}

	var flippedAt atomic.Value
	monitor := NewHealthMonitor(checker, runOptions, "unit-1", MonitorCallbacks{
		OnUnhealthy: func(message string) { flippedAt.Store(time.Now()) },
	}, testLogger())

	startedAt := time.Now()
	require.NoError(t, monitor.Start(context.Background()))
	defer monitor.Stop()

	require.Eventually(t, func() bool {
		_, ok := flippedAt.Load().(time.Time)
		return ok
	}, time.Second, 5*time.Millisecond)

	// The verdict lands at start_period + retries * interval, never earlier.
	elapsed := flippedAt.Load().(time.Time).Sub(startedAt)
	assert.GreaterOrEqual(t, elapsed, 110*time.Millisecond, "flipped after %v", elapsed)
}

func TestHealthMonitor_TimeoutCountsAsFailure(t *testing.T) {
	// Checker ignores its context and sleeps well past the timeout
	stuck := CheckFunc(func(ctx context.Context) ProbeResult {
		time.Sleep(500 * time.Millisecond)
		return ProbeResult{Healthy: true, ObservedAt: time.Now()}
	})

	runOptions := HealthCheckRunOptions{
		Interval: 10 * time.Millisecond,
		Timeout:  20 * time.Millisecond,
		Retries:  1,
	}

	var probeMessage atomic.Value
	var unhealthyCalls int32
	monitor := NewHealthMonitor(stuck, runOptions, "unit-1", MonitorCallbacks{
		OnUnhealthy: func(message string) { atomic.AddInt32(&unhealthyCalls, 1) },
		OnProbe:     func(result ProbeResult) { probeMessage.Store(result.Message) },
	}, testLogger())

	require.NoError(t, monitor.Start(context.Background()))
	defer monitor.Stop()

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&unhealthyCalls) >= 1
	}, time.Second, 5*time.Millisecond)

	message, _ := probeMessage.Load().(string)
	assert.True(t, strings.Contains(message, "timed out"), "probe message: %q", message)
}

func TestHealthMonitor_StopEndsPolling(t *testing.T) {
	checker := &scriptedChecker{verdicts: []bool{true}}
	monitor := NewHealthMonitor(checker, fastRunOptions(), "unit-1", MonitorCallbacks{}, testLogger())

	require.NoError(t, monitor.Start(context.Background()))
	require.Eventually(t, func() bool {
		return checker.callCount() > 0
	}, time.Second, 5*time.Millisecond)

	monitor.Stop()
	countAfterStop := checker.callCount()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, countAfterStop, checker.callCount())
}
