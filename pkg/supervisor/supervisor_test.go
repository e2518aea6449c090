package supervisor

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/core-tools/hsu-stack/pkg/errors"
	"github.com/core-tools/hsu-stack/pkg/logging"
	"github.com/core-tools/hsu-stack/pkg/monitoring"
	"github.com/core-tools/hsu-stack/pkg/process"
	"github.com/core-tools/hsu-stack/pkg/units"
)

func testLogger() logging.Logger {
	return logging.NewLogger("test , ", logging.LogFuncs{})
}

// fastRunOptions keep health polling tight so tests settle quickly.
var fastRunOptions = monitoring.HealthCheckRunOptions{
	Interval: 10 * time.Millisecond,
	Timeout:  100 * time.Millisecond,
	Retries:  2,
}

var healthyChecker = monitoring.CheckFunc(func(ctx context.Context) monitoring.ProbeResult {
	return monitoring.ProbeResult{Healthy: true, ObservedAt: time.Now()}
})

var unhealthyChecker = monitoring.CheckFunc(func(ctx context.Context) monitoring.ProbeResult {
	return monitoring.ProbeResult{Healthy: false, Message: "connection refused", ObservedAt: time.Now()}
})

func flagChecker(healthy *atomic.Bool) monitoring.Checker {
	return monitoring.CheckFunc(func(ctx context.Context) monitoring.ProbeResult {
		if healthy.Load() {
			return monitoring.ProbeResult{Healthy: true, ObservedAt: time.Now()}
		}
		return monitoring.ProbeResult{Healthy: false, Message: "flagged down", ObservedAt: time.Now()}
	})
}

// fakeHandle is an in-memory process handle whose exit the test controls.
type fakeHandle struct {
	pid  int
	done chan struct{}
	once sync.Once
	code int

	mutex        sync.Mutex
	terminatedAt time.Time
}

func newFakeHandle(pid int) *fakeHandle {
	return &fakeHandle{pid: pid, done: make(chan struct{})}
}

func (h *fakeHandle) exit(code int) {
	h.once.Do(func() {
		h.code = code
		close(h.done)
	})
}

func (h *fakeHandle) Pid() int {
	return h.pid
}

func (h *fakeHandle) Wait() (int, error) {
	<-h.done
	return h.code, nil
}

func (h *fakeHandle) Terminate() error {
	h.mutex.Lock()
	h.terminatedAt = time.Now()
	h.mutex.Unlock()
	h.exit(0)
	return nil
}

func (h *fakeHandle) Kill() error {
	h.exit(137)
	return nil
}

func (h *fakeHandle) terminationTime() time.Time {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	return h.terminatedAt
}

// fastRestartRun keeps restart pacing tight so requeue tests settle quickly.
var fastRestartRun = units.RestartRunOptions{
	RetryDelay:  5 * time.Millisecond,
	BackoffRate: 1.0,
}

// fakeUnit is an in-memory unit: no processes, no filesystem.
type fakeUnit struct {
	name       string
	requires   []string
	restart    units.RestartPolicy
	restartRun units.RestartRunOptions
	runOptions monitoring.HealthCheckRunOptions
	checker    monitoring.Checker

	mutex    sync.Mutex
	starts   int
	startErr error
	handles  []*fakeHandle
	onStart  func(handle *fakeHandle)
}

func newFakeUnit(name string, requires []string, restart units.RestartPolicy, checker monitoring.Checker) *fakeUnit {
	return &fakeUnit{
		name:       name,
		requires:   requires,
		restart:    restart,
		restartRun: fastRestartRun,
		runOptions: fastRunOptions,
		checker:    checker,
	}
}

func (u *fakeUnit) Name() string                               { return u.name }
func (u *fakeUnit) Metadata() units.UnitMetadata               { return units.UnitMetadata{} }
func (u *fakeUnit) Requires() []string                         { return u.requires }
func (u *fakeUnit) RestartPolicy() units.RestartPolicy         { return u.restart }
func (u *fakeUnit) RestartRunOptions() units.RestartRunOptions { return u.restartRun }

func (u *fakeUnit) Start(ctx context.Context) (process.Handle, error) {
	u.mutex.Lock()
	u.starts++
	if u.startErr != nil {
		startErr := u.startErr
		u.mutex.Unlock()
		return nil, startErr
	}
	handle := newFakeHandle(1000 + u.starts)
	u.handles = append(u.handles, handle)
	onStart := u.onStart
	u.mutex.Unlock()

	if onStart != nil {
		onStart(handle)
	}
	return handle, nil
}

func (u *fakeUnit) Checker(pidFn monitoring.PIDFunc) (monitoring.Checker, error) {
	return u.checker, nil
}

func (u *fakeUnit) HealthCheckRunOptions() monitoring.HealthCheckRunOptions {
	return u.runOptions
}

func (u *fakeUnit) startCount() int {
	u.mutex.Lock()
	defer u.mutex.Unlock()
	return u.starts
}

func (u *fakeUnit) lastHandle() *fakeHandle {
	u.mutex.Lock()
	defer u.mutex.Unlock()
	if len(u.handles) == 0 {
		return nil
	}
	return u.handles[len(u.handles)-1]
}

func startSupervisor(t *testing.T, s *Supervisor) (context.CancelFunc, func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = s.Run(ctx)
		close(done)
	}()
	waitDone := func() {
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("supervisor did not stop")
		}
	}
	return cancel, waitDone
}

func awaitState(t *testing.T, s *Supervisor, unit string, state units.UnitState) {
	t.Helper()
	require.Eventually(t, func() bool {
		status, err := s.UnitStatus(unit)
		return err == nil && status.State == state
	}, 3*time.Second, 5*time.Millisecond, "unit %s did not reach %s", unit, state)
}

func TestSupervisor_StartupGatedOnPrerequisiteHealth(t *testing.T) {
	s := NewSupervisor(SupervisorOptions{GracefulStopTimeout: time.Second}, testLogger())

	var orderMutex sync.Mutex
	var order []string
	recordStart := func(name string) func(*fakeHandle) {
		return func(*fakeHandle) {
			orderMutex.Lock()
			order = append(order, name)
			orderMutex.Unlock()
		}
	}

	cache := newFakeUnit("cache", nil, units.RestartNever, healthyChecker)
	cache.onStart = recordStart("cache")
	docStore := newFakeUnit("doc-store", nil, units.RestartNever, healthyChecker)
	docStore.onStart = recordStart("doc-store")

	app := newFakeUnit("app", []string{"cache", "doc-store"}, units.RestartNever, healthyChecker)
	prereqStates := make(map[string]units.UnitState)
	app.onStart = func(handle *fakeHandle) {
		recordStart("app")(handle)
		orderMutex.Lock()
		for _, prerequisite := range []string{"cache", "doc-store"} {
			status, err := s.UnitStatus(prerequisite)
			if err == nil {
				prereqStates[prerequisite] = status.State
			}
		}
		orderMutex.Unlock()
	}

	require.NoError(t, s.AddUnits([]units.Unit{app, cache, docStore}))

	cancel, waitDone := startSupervisor(t, s)
	awaitState(t, s, "app", units.UnitStateHealthy)

	orderMutex.Lock()
	assert.Equal(t, "app", order[len(order)-1], "app must start last, order: %v", order)
	assert.Equal(t, units.UnitStateHealthy, prereqStates["cache"])
	assert.Equal(t, units.UnitStateHealthy, prereqStates["doc-store"])
	orderMutex.Unlock()

	cancel()
	waitDone()
}

func TestSupervisor_RestartAlwaysRequeues(t *testing.T) {
	s := NewSupervisor(SupervisorOptions{GracefulStopTimeout: time.Second}, testLogger())
	cache := newFakeUnit("cache", nil, units.RestartAlways, healthyChecker)
	require.NoError(t, s.AddUnit(cache))

	cancel, waitDone := startSupervisor(t, s)
	awaitState(t, s, "cache", units.UnitStateHealthy)

	// A clean exit requeues the unit under the always policy.
	cache.lastHandle().exit(0)
	require.Eventually(t, func() bool {
		return cache.startCount() >= 2
	}, 3*time.Second, 5*time.Millisecond)
	awaitState(t, s, "cache", units.UnitStateHealthy)

	cancel()
	waitDone()
}

func TestSupervisor_OnFailurePolicyIgnoresCleanExit(t *testing.T) {
	s := NewSupervisor(SupervisorOptions{GracefulStopTimeout: time.Second}, testLogger())
	job := newFakeUnit("job", nil, units.RestartOnFailure, healthyChecker)
	require.NoError(t, s.AddUnit(job))

	cancel, waitDone := startSupervisor(t, s)
	awaitState(t, s, "job", units.UnitStateHealthy)

	job.lastHandle().exit(0)
	awaitState(t, s, "job", units.UnitStateTerminated)
	assert.Equal(t, 1, job.startCount())

	cancel()
	waitDone()
}

func TestSupervisor_TerminationWithoutRestartBlocksDependents(t *testing.T) {
	s := NewSupervisor(SupervisorOptions{GracefulStopTimeout: time.Second}, testLogger())

	cache := newFakeUnit("cache", nil, units.RestartNever, healthyChecker)
	// The process dies right after launch, before any probe can pass.
	cache.onStart = func(handle *fakeHandle) {
		handle.exit(1)
	}
	app := newFakeUnit("app", []string{"cache"}, units.RestartNever, healthyChecker)

	require.NoError(t, s.AddUnits([]units.Unit{cache, app}))

	cancel, waitDone := startSupervisor(t, s)
	awaitState(t, s, "cache", units.UnitStateTerminated)
	awaitState(t, s, "app", units.UnitStateBlocked)

	assert.Equal(t, 0, app.startCount(), "app must never start")

	failures := s.Failures()
	require.NotEmpty(t, failures)
	assert.True(t, errors.IsDependencyBlockedError(failures[0]))

	cancel()
	waitDone()
}

func TestSupervisor_NeverHealthyUnitBlocksTransitively(t *testing.T) {
	s := NewSupervisor(SupervisorOptions{GracefulStopTimeout: time.Second}, testLogger())

	cache := newFakeUnit("cache", nil, units.RestartNever, unhealthyChecker)
	app := newFakeUnit("app", []string{"cache"}, units.RestartNever, healthyChecker)
	web := newFakeUnit("web", []string{"app"}, units.RestartNever, healthyChecker)

	require.NoError(t, s.AddUnits([]units.Unit{cache, app, web}))

	cancel, waitDone := startSupervisor(t, s)
	awaitState(t, s, "cache", units.UnitStateBlocked)
	awaitState(t, s, "app", units.UnitStateBlocked)
	awaitState(t, s, "web", units.UnitStateBlocked)

	assert.Equal(t, 1, cache.startCount())
	assert.Equal(t, 0, app.startCount())
	assert.Equal(t, 0, web.startCount())

	cancel()
	waitDone()

	// Shutdown settles blocked units into terminated.
	for _, name := range []string{"cache", "app", "web"} {
		status, err := s.UnitStatus(name)
		require.NoError(t, err)
		assert.Equal(t, units.UnitStateTerminated, status.State, "unit %s", name)
	}
}

func TestSupervisor_RecoversAfterSingleSuccess(t *testing.T) {
	s := NewSupervisor(SupervisorOptions{GracefulStopTimeout: time.Second}, testLogger())

	var healthy atomic.Bool
	healthy.Store(true)
	cache := newFakeUnit("cache", nil, units.RestartNever, flagChecker(&healthy))
	require.NoError(t, s.AddUnit(cache))

	cancel, waitDone := startSupervisor(t, s)
	awaitState(t, s, "cache", units.UnitStateHealthy)

	healthy.Store(false)
	awaitState(t, s, "cache", units.UnitStateUnhealthy)

	// One success is enough to recover; a unit that was healthy once is
	// never parked as blocked.
	healthy.Store(true)
	awaitState(t, s, "cache", units.UnitStateHealthy)
	assert.Empty(t, s.Failures())

	cancel()
	waitDone()
}

func TestSupervisor_ShutdownStopsDependentsFirst(t *testing.T) {
	s := NewSupervisor(SupervisorOptions{GracefulStopTimeout: time.Second}, testLogger())

	cache := newFakeUnit("cache", nil, units.RestartNever, healthyChecker)
	app := newFakeUnit("app", []string{"cache"}, units.RestartNever, healthyChecker)
	require.NoError(t, s.AddUnits([]units.Unit{cache, app}))

	cancel, waitDone := startSupervisor(t, s)
	awaitState(t, s, "app", units.UnitStateHealthy)

	cancel()
	waitDone()

	appStop := app.lastHandle().terminationTime()
	cacheStop := cache.lastHandle().terminationTime()
	require.False(t, appStop.IsZero())
	require.False(t, cacheStop.IsZero())
	assert.False(t, cacheStop.Before(appStop), "prerequisite must outlive its dependent")

	for _, name := range []string{"cache", "app"} {
		status, err := s.UnitStatus(name)
		require.NoError(t, err)
		assert.Equal(t, units.UnitStateTerminated, status.State, "unit %s", name)
	}
}

func TestSupervisor_RunRejectsCycle(t *testing.T) {
	s := NewSupervisor(SupervisorOptions{}, testLogger())
	a := newFakeUnit("a", []string{"b"}, units.RestartNever, healthyChecker)
	b := newFakeUnit("b", []string{"a"}, units.RestartNever, healthyChecker)
	require.NoError(t, s.AddUnits([]units.Unit{a, b}))

	err := s.Run(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsCycleError(err))
	assert.Equal(t, 0, a.startCount())
	assert.Equal(t, 0, b.startCount())
}

func TestSupervisor_RunRejectsUnknownPrerequisite(t *testing.T) {
	s := NewSupervisor(SupervisorOptions{}, testLogger())
	app := newFakeUnit("app", []string{"ghost"}, units.RestartNever, healthyChecker)
	require.NoError(t, s.AddUnit(app))

	err := s.Run(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsUnknownUnitError(err))
}

func TestSupervisor_RunRequiresUnits(t *testing.T) {
	s := NewSupervisor(SupervisorOptions{}, testLogger())
	err := s.Run(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsValidationError(err))
}

func TestSupervisor_AddUnitRejectsDuplicate(t *testing.T) {
	s := NewSupervisor(SupervisorOptions{}, testLogger())
	require.NoError(t, s.AddUnit(newFakeUnit("cache", nil, units.RestartNever, healthyChecker)))

	err := s.AddUnit(newFakeUnit("cache", nil, units.RestartNever, healthyChecker))
	require.Error(t, err)
	assert.True(t, errors.IsConflictError(err))
}

func TestSupervisor_EventSinkObservesLifecycle(t *testing.T) {
	s := NewSupervisor(SupervisorOptions{GracefulStopTimeout: time.Second}, testLogger())
	sink := NewChannelSink(64)
	s.Subscribe(sink)

	cache := newFakeUnit("cache", nil, units.RestartNever, healthyChecker)
	require.NoError(t, s.AddUnit(cache))

	cancel, waitDone := startSupervisor(t, s)
	awaitState(t, s, "cache", units.UnitStateHealthy)
	cancel()
	waitDone()

	seen := make(map[units.UnitState]bool)
	for {
		select {
		case event := <-sink.Events():
			assert.Equal(t, "cache", event.Unit)
			seen[event.To] = true
		default:
			assert.True(t, seen[units.UnitStateStarting])
			assert.True(t, seen[units.UnitStateHealthy])
			assert.True(t, seen[units.UnitStateTerminated])
			return
		}
	}
}

func TestSupervisor_StartupBatches(t *testing.T) {
	s := NewSupervisor(SupervisorOptions{GracefulStopTimeout: time.Second}, testLogger())
	cache := newFakeUnit("cache", nil, units.RestartNever, healthyChecker)
	docStore := newFakeUnit("doc-store", nil, units.RestartNever, healthyChecker)
	app := newFakeUnit("app", []string{"cache", "doc-store"}, units.RestartNever, healthyChecker)
	require.NoError(t, s.AddUnits([]units.Unit{app, cache, docStore}))

	cancel, waitDone := startSupervisor(t, s)
	awaitState(t, s, "app", units.UnitStateHealthy)

	batches := s.StartupBatches()
	require.Len(t, batches, 2)
	assert.Equal(t, []string{"cache", "doc-store"}, batches[0])
	assert.Equal(t, []string{"app"}, batches[1])

	cancel()
	waitDone()
}

func TestSupervisor_StartupBatchesSafeDuringRun(t *testing.T) {
	s := NewSupervisor(SupervisorOptions{GracefulStopTimeout: time.Second}, testLogger())

	previous := ""
	var unitList []units.Unit
	for i := 0; i < 8; i++ {
		name := fmt.Sprintf("unit-%d", i)
		var requires []string
		if previous != "" {
			requires = []string{previous}
		}
		unitList = append(unitList, newFakeUnit(name, requires, units.RestartNever, healthyChecker))
		previous = name
	}
	require.NoError(t, s.AddUnits(unitList))

	// Hammer the startup plan from another goroutine while Run wires the
	// graph; the status API does exactly this.
	stop := make(chan struct{})
	var readers sync.WaitGroup
	readers.Add(1)
	go func() {
		defer readers.Done()
		for {
			select {
			case <-stop:
				return
			default:
				s.StartupBatches()
			}
		}
	}()

	cancel, waitDone := startSupervisor(t, s)
	awaitState(t, s, "unit-7", units.UnitStateHealthy)

	close(stop)
	readers.Wait()

	batches := s.StartupBatches()
	require.Len(t, batches, 8)

	cancel()
	waitDone()
}

func TestSupervisor_AddUnitRejectedAfterWiring(t *testing.T) {
	s := NewSupervisor(SupervisorOptions{}, testLogger())
	require.NoError(t, s.AddUnit(newFakeUnit("cache", nil, units.RestartNever, healthyChecker)))
	require.NoError(t, s.WireEdges())

	err := s.AddUnit(newFakeUnit("app", nil, units.RestartNever, healthyChecker))
	require.Error(t, err)
	assert.True(t, errors.IsValidationError(err))
}

func TestSupervisor_RestartPacingBoundsStartAttempts(t *testing.T) {
	s := NewSupervisor(SupervisorOptions{GracefulStopTimeout: time.Second}, testLogger())

	// The executable is gone: every launch fails instantly, and only the
	// retry delay stands between attempts.
	job := newFakeUnit("job", nil, units.RestartAlways, healthyChecker)
	job.restartRun = units.RestartRunOptions{RetryDelay: 50 * time.Millisecond, BackoffRate: 1.0}
	job.startErr = errors.NewProcessError("executable not found", nil)
	require.NoError(t, s.AddUnit(job))

	cancel, waitDone := startSupervisor(t, s)
	time.Sleep(275 * time.Millisecond)
	attempts := job.startCount()

	assert.GreaterOrEqual(t, attempts, 2)
	assert.LessOrEqual(t, attempts, 7, "start attempts must be paced by the retry delay, got %d", attempts)

	cancel()
	waitDone()
}

func TestSupervisor_RestartBudgetExhaustionBlocksDependents(t *testing.T) {
	s := NewSupervisor(SupervisorOptions{GracefulStopTimeout: time.Second}, testLogger())

	job := newFakeUnit("job", nil, units.RestartAlways, healthyChecker)
	job.restartRun = units.RestartRunOptions{MaxRetries: 2, RetryDelay: 5 * time.Millisecond, BackoffRate: 1.0}
	job.startErr = errors.NewProcessError("executable not found", nil)
	app := newFakeUnit("app", []string{"job"}, units.RestartNever, healthyChecker)

	require.NoError(t, s.AddUnits([]units.Unit{job, app}))

	cancel, waitDone := startSupervisor(t, s)
	awaitState(t, s, "app", units.UnitStateBlocked)

	// Initial launch plus two budgeted restarts, then the unit stays down.
	assert.Equal(t, 3, job.startCount())
	assert.Equal(t, 0, app.startCount())

	cancel()
	waitDone()
}

func TestRestartDelayBackoff(t *testing.T) {
	options := units.RestartRunOptions{RetryDelay: 100 * time.Millisecond, BackoffRate: 2.0}
	assert.Equal(t, 100*time.Millisecond, restartDelay(options, 1))
	assert.Equal(t, 200*time.Millisecond, restartDelay(options, 2))
	assert.Equal(t, 400*time.Millisecond, restartDelay(options, 3))

	// Unset pacing falls back to the defaults.
	assert.Equal(t, units.DefaultRestartRetryDelay, restartDelay(units.RestartRunOptions{}, 1))
}
