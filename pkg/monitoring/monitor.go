package monitoring

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/core-tools/hsu-stack/pkg/errors"
	"github.com/core-tools/hsu-stack/pkg/logging"
)

// MonitorCallbacks deliver health verdicts to the supervisor. OnHealthy is
// edge-triggered on any single successful probe; OnUnhealthy fires once per
// unhealthy episode after Retries consecutive failures; OnProbe fires for
// every completed probe. Callbacks run on the monitor goroutine and must not
// block.
type MonitorCallbacks struct {
	OnHealthy   func()
	OnUnhealthy func(message string)
	OnProbe     func(result ProbeResult)
}

type HealthMonitor interface {
	Start(ctx context.Context) error
	Stop()
	State() *HealthCheckState
}

type healthMonitor struct {
	checker    Checker
	runOptions HealthCheckRunOptions
	callbacks  MonitorCallbacks
	state      *HealthCheckState
	stopChan   chan struct{}
	wg         sync.WaitGroup
	mutex      sync.Mutex
	logger     logging.Logger
	id         string
	startedAt  time.Time
}

func NewHealthMonitor(checker Checker, runOptions HealthCheckRunOptions, id string, callbacks MonitorCallbacks, logger logging.Logger) HealthMonitor {
	return &healthMonitor{
		checker:    checker,
		runOptions: runOptions,
		callbacks:  callbacks,
		state:      &HealthCheckState{Status: HealthCheckStatusUnknown},
		stopChan:   make(chan struct{}),
		logger:     logger,
		id:         id,
	}
}

func (h *healthMonitor) Start(ctx context.Context) error {
	h.logger.Infof("Starting health monitor, id: %s, interval: %v, timeout: %v, retries: %d, start_period: %v",
		h.id, h.runOptions.Interval, h.runOptions.Timeout, h.runOptions.Retries, h.runOptions.StartPeriod)

	if err := ValidateHealthCheckRunOptions(h.runOptions); err != nil {
		h.logger.Errorf("Health check run options validation failed, id: %s, error: %v", h.id, err)
		return errors.NewValidationError("invalid health check run options", err).WithContext("id", h.id)
	}

	h.startedAt = time.Now()

	h.wg.Add(1)
	go h.loop(ctx)
	return nil
}

func (h *healthMonitor) Stop() {
	h.logger.Debugf("Stopping health monitor, id: %s", h.id)
	close(h.stopChan)
	h.wg.Wait()
	h.logger.Debugf("Health monitor stopped, id: %s", h.id)
}

func (h *healthMonitor) State() *HealthCheckState {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	// Return a copy to avoid race conditions
	stateCopy := *h.state
	return &stateCopy
}

func (h *healthMonitor) loop(ctx context.Context) {
	defer h.wg.Done()

	// Probes issued before start_period has elapsed are suppressed: not
	// failures, simply not yet due.
	if h.runOptions.StartPeriod > 0 {
		h.logger.Debugf("Health monitor start period, id: %s, delay: %v", h.id, h.runOptions.StartPeriod)
		select {
		case <-time.After(h.runOptions.StartPeriod):
		case <-h.stopChan:
			return
		case <-ctx.Done():
			return
		}
	}

	// The first probe is due one full interval after the start period, so a
	// unit that never passes its check is flagged unhealthy exactly at
	// start_period + retries * interval.
	ticker := time.NewTicker(h.runOptions.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			h.performCheck(ctx)
		case <-h.stopChan:
			h.logger.Debugf("Health monitor loop stopping, id: %s", h.id)
			return
		case <-ctx.Done():
			h.logger.Debugf("Health monitor loop cancelled, id: %s", h.id)
			return
		}
	}
}

func (h *healthMonitor) performCheck(ctx context.Context) {
	h.mutex.Lock()
	h.state.LastCheck = time.Now()
	h.mutex.Unlock()

	checkCtx, cancel := context.WithTimeout(ctx, h.runOptions.Timeout)
	defer cancel()

	// Run the check on its own goroutine so a checker that ignores its
	// context cannot wedge the polling loop past the timeout.
	resultChan := make(chan ProbeResult, 1)
	go func() {
		resultChan <- h.checker.Check(checkCtx)
	}()

	var result ProbeResult
	select {
	case result = <-resultChan:
	case <-checkCtx.Done():
		result = ProbeResult{
			Healthy:    false,
			Message:    fmt.Sprintf("health check timed out after %v", h.runOptions.Timeout),
			ObservedAt: time.Now(),
		}
	case <-h.stopChan:
		return
	}

	h.updateState(result)
}

func (h *healthMonitor) updateState(result ProbeResult) {
	h.mutex.Lock()

	previousStatus := h.state.Status
	h.state.Message = result.Message

	var becameHealthy, becameUnhealthy bool

	if result.Healthy {
		h.state.ConsecutiveFailures = 0
		h.state.EverHealthy = true
		// A single success is enough to recover
		if previousStatus != HealthCheckStatusHealthy {
			h.state.Status = HealthCheckStatusHealthy
			becameHealthy = true
		}
	} else {
		h.state.ConsecutiveFailures++
		if h.state.ConsecutiveFailures >= h.runOptions.Retries && previousStatus != HealthCheckStatusUnhealthy {
			h.state.Status = HealthCheckStatusUnhealthy
			becameUnhealthy = true
		}
	}

	failures := h.state.ConsecutiveFailures
	h.mutex.Unlock()

	if h.callbacks.OnProbe != nil {
		h.callbacks.OnProbe(result)
	}

	if becameHealthy {
		h.logger.Infof("Health check passed, id: %s, previous: %s", h.id, previousStatus)
		if h.callbacks.OnHealthy != nil {
			h.callbacks.OnHealthy()
		}
	} else if becameUnhealthy {
		h.logger.Warnf("Health check failure threshold reached, id: %s, consecutive_failures: %d, message: %s",
			h.id, failures, result.Message)
		if h.callbacks.OnUnhealthy != nil {
			h.callbacks.OnUnhealthy(result.Message)
		}
	} else if !result.Healthy {
		h.logger.Warnf("Health check failed, id: %s, consecutive_failures: %d, message: %s",
			h.id, failures, result.Message)
	} else {
		h.logger.Debugf("Health check passed, id: %s", h.id)
	}
}
