package supervisor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/core-tools/hsu-stack/pkg/errors"
	"github.com/core-tools/hsu-stack/pkg/graph"
	"github.com/core-tools/hsu-stack/pkg/logging"
	"github.com/core-tools/hsu-stack/pkg/monitoring"
	"github.com/core-tools/hsu-stack/pkg/process"
	"github.com/core-tools/hsu-stack/pkg/units"
)

const transitionHistoryLimit = 32

// SupervisorOptions tune the supervisor's shutdown behavior.
type SupervisorOptions struct {
	// GracefulStopTimeout bounds how long a unit process gets between the
	// termination signal and a forced kill during shutdown.
	GracefulStopTimeout time.Duration
}

const DefaultGracefulStopTimeout = 10 * time.Second

// Supervisor brings a set of units up in dependency order, gates each start
// on the health of its direct prerequisites, keeps units alive per their
// restart policies, and tears everything down in reverse order on shutdown.
type Supervisor struct {
	options SupervisorOptions
	logger  logging.Logger

	graph   *graph.Graph
	entries map[string]*unitEntry

	sinks      []EventSink
	sinksMutex sync.Mutex

	metrics *Metrics

	// stateChanged is closed and replaced on every unit transition; waiters
	// grab the current channel, block on it, then re-check their predicate.
	stateChanged chan struct{}
	notifyMutex  sync.Mutex

	failures      *errors.ErrorCollection
	failuresMutex sync.Mutex

	running bool
	wired   bool
	mutex   sync.Mutex
	wg      sync.WaitGroup
}

// unitEntry is the supervisor's runtime record for one unit.
type unitEntry struct {
	unit  units.Unit
	state *units.StateMachine

	mutex       sync.Mutex
	handle      process.Handle
	monitor     monitoring.HealthMonitor
	everHealthy bool
	restarts    int
	history     []TransitionEvent
}

func (e *unitEntry) currentPid() int {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	if e.handle == nil {
		return 0
	}
	return e.handle.Pid()
}

func (e *unitEntry) setHandle(handle process.Handle) {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	e.handle = handle
}

func (e *unitEntry) setMonitor(monitor monitoring.HealthMonitor) {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	e.monitor = monitor
}

func (e *unitEntry) markEverHealthy() {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	e.everHealthy = true
	// A healthy run resets the consecutive-restart count, so backoff and
	// the restart budget only punish units that never come back up.
	e.restarts = 0
}

func (e *unitEntry) nextRestartAttempt() int {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	e.restarts++
	return e.restarts
}

func (e *unitEntry) isEverHealthy() bool {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	return e.everHealthy
}

func (e *unitEntry) resetRun() {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	e.handle = nil
	e.monitor = nil
	e.everHealthy = false
}

func (e *unitEntry) appendHistory(event TransitionEvent) {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	e.history = append(e.history, event)
	if len(e.history) > transitionHistoryLimit {
		e.history = e.history[len(e.history)-transitionHistoryLimit:]
	}
}

func (e *unitEntry) historySnapshot() []TransitionEvent {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	snapshot := make([]TransitionEvent, len(e.history))
	copy(snapshot, e.history)
	return snapshot
}

func NewSupervisor(options SupervisorOptions, logger logging.Logger) *Supervisor {
	if options.GracefulStopTimeout <= 0 {
		options.GracefulStopTimeout = DefaultGracefulStopTimeout
	}
	s := &Supervisor{
		options:      options,
		logger:       logger,
		graph:        graph.NewGraph(),
		entries:      make(map[string]*unitEntry),
		metrics:      NewMetrics(),
		stateChanged: make(chan struct{}),
		failures:     errors.NewErrorCollection(),
	}
	s.Subscribe(NewLogSink(logger))
	return s
}

// Subscribe registers an event sink for unit state transitions.
func (s *Supervisor) Subscribe(sink EventSink) {
	s.sinksMutex.Lock()
	defer s.sinksMutex.Unlock()
	s.sinks = append(s.sinks, sink)
}

// Metrics exposes the supervisor's metric registry for the status API.
func (s *Supervisor) Metrics() *Metrics {
	return s.metrics
}

// AddUnit registers a unit before Run. Names must be unique.
func (s *Supervisor) AddUnit(unit units.Unit) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.running {
		return errors.NewValidationError("cannot add units while the supervisor is running", nil)
	}
	if s.wired {
		return errors.NewValidationError("cannot add units after the dependency graph is wired", nil)
	}

	name := unit.Name()
	if err := units.ValidateUnitName(name); err != nil {
		return err
	}
	if _, exists := s.entries[name]; exists {
		return errors.NewConflictError("unit already added", nil).WithContext("unit", name)
	}
	if err := s.graph.AddUnit(name); err != nil {
		return err
	}

	s.entries[name] = &unitEntry{
		unit:  unit,
		state: units.NewStateMachine(name, s.logger),
	}

	s.logger.Infof("Unit added, unit: %s", name)
	return nil
}

// AddUnits registers units in order, stopping on the first error.
func (s *Supervisor) AddUnits(unitList []units.Unit) error {
	for _, unit := range unitList {
		if err := s.AddUnit(unit); err != nil {
			return err
		}
	}
	return nil
}

// wireEdges records every declared prerequisite in the dependency graph.
// Unknown prerequisite names and cycles surface here, before any process
// is launched. Wiring is one-shot: afterwards the graph is immutable and
// safe for concurrent readers. Callers hold s.mutex.
func (s *Supervisor) wireEdges() error {
	if s.wired {
		return nil
	}
	for name, entry := range s.entries {
		for _, prerequisite := range entry.unit.Requires() {
			if err := s.graph.AddEdge(name, prerequisite); err != nil {
				return err
			}
		}
	}
	s.wired = true
	return nil
}

// WireEdges validates and freezes the dependency graph ahead of Run, so the
// status API can serve the startup plan while the supervisor is coming up.
func (s *Supervisor) WireEdges() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.wireEdges()
}

// StartupBatches returns the dependency-ordered startup plan. It is valid
// once the graph is wired; before that it reflects units without edges.
func (s *Supervisor) StartupBatches() [][]string {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.graph.TopologicalBatches()
}

// Run validates the dependency graph, launches one supervision goroutine per
// unit, and blocks until ctx is cancelled. On cancellation it stops all unit
// processes in reverse dependency order and waits for them to exit.
func (s *Supervisor) Run(ctx context.Context) error {
	s.mutex.Lock()
	if s.running {
		s.mutex.Unlock()
		return errors.NewConflictError("supervisor is already running", nil)
	}
	if len(s.entries) == 0 {
		s.mutex.Unlock()
		return errors.NewValidationError("no units to supervise", nil)
	}
	if err := s.wireEdges(); err != nil {
		s.mutex.Unlock()
		return err
	}
	s.running = true
	s.mutex.Unlock()

	batches := s.graph.TopologicalBatches()
	for i, batch := range batches {
		s.logger.Infof("Startup batch %d: %v", i, batch)
	}

	for _, entry := range s.entries {
		s.wg.Add(1)
		go s.runUnit(ctx, entry)
	}

	<-ctx.Done()
	s.logger.Infof("Supervisor shutting down, units: %d", len(s.entries))

	s.stopAll(batches)
	s.wg.Wait()

	s.mutex.Lock()
	s.running = false
	s.mutex.Unlock()

	s.logger.Infof("Supervisor stopped")
	return nil
}

// Failures returns the blockage reports accumulated so far.
func (s *Supervisor) Failures() []error {
	s.failuresMutex.Lock()
	defer s.failuresMutex.Unlock()
	failures := make([]error, len(s.failures.Errors))
	copy(failures, s.failures.Errors)
	return failures
}

func (s *Supervisor) recordFailure(err error) {
	s.failuresMutex.Lock()
	defer s.failuresMutex.Unlock()
	s.failures.Add(err)
}

// runUnit is the per-unit supervision loop: gate on prerequisites, run the
// process once, and loop again when the restart policy requeues the unit.
func (s *Supervisor) runUnit(ctx context.Context, entry *unitEntry) {
	defer s.wg.Done()

	for {
		if err := s.awaitPrerequisites(ctx, entry); err != nil {
			return
		}
		if !s.runUnitOnce(ctx, entry) {
			return
		}
	}
}

// awaitPrerequisites blocks until every direct prerequisite of the unit is
// healthy. It returns an error when the wait can never succeed: the context
// was cancelled, or the unit was marked blocked because a prerequisite is
// permanently down.
func (s *Supervisor) awaitPrerequisites(ctx context.Context, entry *unitEntry) error {
	name := entry.unit.Name()
	prerequisites := entry.unit.Requires()

	for {
		// Grab the wait channel before checking the predicate so a transition
		// racing the check still wakes this goroutine.
		wait := s.watchStateChange()

		if ctx.Err() != nil {
			return errors.NewCancelledError("supervisor shutting down", ctx.Err()).WithContext("unit", name)
		}

		// A blocked prerequisite may have parked this unit while it waited.
		if entry.state.CurrentState() == units.UnitStateBlocked {
			return errors.NewDependencyBlockedError("unit is blocked", nil).WithContext("unit", name)
		}

		ready := true
		for _, prerequisite := range prerequisites {
			prereqEntry := s.entries[prerequisite]
			switch prereqEntry.state.CurrentState() {
			case units.UnitStateHealthy:
			case units.UnitStateBlocked:
				// A requeued unit re-enters Pending after the original
				// blockage propagation pass; park it here instead of
				// waiting on a prerequisite that can never recover.
				reason := fmt.Sprintf("prerequisite %s is blocked", prerequisite)
				if err := s.transition(entry, units.UnitStateBlocked, reason); err == nil {
					s.recordFailure(errors.NewDependencyBlockedError(reason, nil).WithContext("unit", name))
				}
				return errors.NewDependencyBlockedError(reason, nil).WithContext("unit", name)
			default:
				ready = false
			}
		}
		if ready {
			return nil
		}

		select {
		case <-wait:
		case <-ctx.Done():
		}
	}
}

// runUnitOnce drives a single process lifetime: start, monitor health, react
// to the exit. It returns true when the restart policy requeues the unit for
// another pass through the gate.
func (s *Supervisor) runUnitOnce(ctx context.Context, entry *unitEntry) bool {
	name := entry.unit.Name()
	entry.resetRun()

	if err := s.transition(entry, units.UnitStateStarting, "prerequisites healthy"); err != nil {
		return false
	}

	handle, err := entry.unit.Start(ctx)
	if err != nil {
		s.logger.Errorf("Unit start failed, unit: %s, error: %v", name, err)
		_ = s.transition(entry, units.UnitStateTerminated, fmt.Sprintf("start failed: %v", err))
		return s.handleTermination(ctx, entry, 1)
	}

	entry.setHandle(handle)

	exitChan := make(chan int, 1)
	go func() {
		code, waitErr := handle.Wait()
		if waitErr != nil {
			s.logger.Errorf("Unit process wait failed, unit: %s, error: %v", name, waitErr)
		}
		exitChan <- code
	}()

	checker, err := entry.unit.Checker(entry.currentPid)
	if err != nil {
		s.logger.Errorf("Unit health checker setup failed, unit: %s, error: %v", name, err)
		s.stopProcess(entry)
		_ = s.transition(entry, units.UnitStateTerminated, fmt.Sprintf("health checker setup failed: %v", err))
		s.recordFailure(errors.NewHealthCheckError("health checker setup failed", err).WithContext("unit", name))
		s.blockDependents(entry, fmt.Sprintf("prerequisite %s has no working health check", name))
		return false
	}

	// blockedChan fires when the unit exhausts its retries without ever
	// having been healthy. One buffered slot; the episode fires at most once
	// before the monitor stops.
	blockedChan := make(chan string, 1)
	callbacks := monitoring.MonitorCallbacks{
		OnHealthy: func() {
			s.onUnitHealthy(entry)
		},
		OnUnhealthy: func(message string) {
			s.onUnitUnhealthy(entry, message)
			if !entry.isEverHealthy() {
				select {
				case blockedChan <- message:
				default:
				}
			}
		},
		OnProbe: func(result monitoring.ProbeResult) {
			s.metrics.ObserveProbe(name, result.Healthy)
		},
	}

	monitor := monitoring.NewHealthMonitor(checker, entry.unit.HealthCheckRunOptions(), name, callbacks, s.logger)
	if err := monitor.Start(ctx); err != nil {
		s.logger.Errorf("Unit health monitor start failed, unit: %s, error: %v", name, err)
		s.stopProcess(entry)
		_ = s.transition(entry, units.UnitStateTerminated, fmt.Sprintf("health monitor start failed: %v", err))
		s.recordFailure(err)
		s.blockDependents(entry, fmt.Sprintf("prerequisite %s has no working health check", name))
		return false
	}
	entry.setMonitor(monitor)

	select {
	case code := <-exitChan:
		monitor.Stop()
		entry.setHandle(nil)
		_ = s.transition(entry, units.UnitStateTerminated, fmt.Sprintf("process exited with code %d", code))
		if ctx.Err() != nil {
			return false
		}
		return s.handleTermination(ctx, entry, code)

	case message := <-blockedChan:
		monitor.Stop()
		s.markBlocked(entry, fmt.Sprintf("never became healthy: %s", message))
		// The process is left running for the operator to inspect; shutdown
		// will stop it with the rest.
		return false

	case <-ctx.Done():
		monitor.Stop()
		// stopAll terminates the process and records the final state.
		return false
	}
}

// handleTermination applies the restart policy to an exit. The unit is in
// Terminated state; a restart moves it back to Pending so the prerequisite
// gate applies again.
func (s *Supervisor) handleTermination(ctx context.Context, entry *unitEntry, exitCode int) bool {
	name := entry.unit.Name()
	policy := entry.unit.RestartPolicy()

	if ctx.Err() != nil {
		return false
	}

	if units.ShouldRestart(policy, exitCode) {
		runOptions := entry.unit.RestartRunOptions()
		attempt := entry.nextRestartAttempt()

		if runOptions.MaxRetries > 0 && attempt > runOptions.MaxRetries {
			s.logger.Warnf("Unit restart budget exhausted, unit: %s, policy: %s, max_retries: %d, exit_code: %d",
				name, policy, runOptions.MaxRetries, exitCode)
			s.blockDependents(entry, fmt.Sprintf("prerequisite %s exhausted its restart budget", name))
			return false
		}

		delay := restartDelay(runOptions, attempt)
		s.logger.Infof("Unit requeued by restart policy, unit: %s, policy: %s, exit_code: %d, attempt: %d, delay: %v",
			name, policy, exitCode, attempt, delay)
		s.metrics.ObserveRestart(name)

		// Pace the requeue so a unit that dies right after launch cannot
		// hot-loop through start attempts.
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return false
		}

		if err := s.transition(entry, units.UnitStatePending, "requeued by restart policy"); err != nil {
			return false
		}
		return true
	}

	s.logger.Infof("Unit will not restart, unit: %s, policy: %s, exit_code: %d", name, policy, exitCode)
	s.blockDependents(entry, fmt.Sprintf("prerequisite %s terminated and will not restart", name))
	return false
}

// restartDelay paces one restart attempt: the base delay grows by the
// backoff rate for every consecutive restart without a healthy run between.
func restartDelay(options units.RestartRunOptions, attempt int) time.Duration {
	delay := options.RetryDelay
	if delay <= 0 {
		delay = units.DefaultRestartRetryDelay
	}
	rate := options.BackoffRate
	if rate < 1.0 {
		rate = units.DefaultRestartBackoffRate
	}
	for i := 1; i < attempt; i++ {
		delay = time.Duration(float64(delay) * rate)
	}
	return delay
}

func (s *Supervisor) onUnitHealthy(entry *unitEntry) {
	entry.markEverHealthy()
	// Valid from Starting and Unhealthy; anything else means the process
	// already exited and the verdict is stale.
	if err := s.transition(entry, units.UnitStateHealthy, "health check passed"); err != nil {
		s.logger.Debugf("Stale healthy verdict ignored, unit: %s", entry.unit.Name())
	}
}

func (s *Supervisor) onUnitUnhealthy(entry *unitEntry, message string) {
	if err := s.transition(entry, units.UnitStateUnhealthy, fmt.Sprintf("failure threshold reached: %s", message)); err != nil {
		s.logger.Debugf("Stale unhealthy verdict ignored, unit: %s", entry.unit.Name())
	}
}

// markBlocked permanently parks a unit and propagates the blockage to every
// transitive dependent still waiting to start.
func (s *Supervisor) markBlocked(entry *unitEntry, reason string) {
	name := entry.unit.Name()
	if err := s.transition(entry, units.UnitStateBlocked, reason); err != nil {
		return
	}
	s.recordFailure(errors.NewDependencyBlockedError(reason, nil).WithContext("unit", name))
	s.blockDependents(entry, fmt.Sprintf("prerequisite %s is blocked", name))
}

// blockDependents parks every transitive dependent of a permanently-down
// unit that has not started yet. Dependents already running are left alone;
// their own health checks judge them.
func (s *Supervisor) blockDependents(entry *unitEntry, reason string) {
	for _, dependent := range s.graph.TransitiveDependents(entry.unit.Name()) {
		dependentEntry := s.entries[dependent]
		if dependentEntry.state.CurrentState() != units.UnitStatePending {
			continue
		}
		if err := s.transition(dependentEntry, units.UnitStateBlocked, reason); err != nil {
			continue
		}
		s.recordFailure(errors.NewDependencyBlockedError(reason, nil).WithContext("unit", dependent))
	}
}

// transition moves a unit's state machine and fans the event out to sinks,
// metrics and waiting goroutines.
func (s *Supervisor) transition(entry *unitEntry, to units.UnitState, reason string) error {
	from, err := entry.state.Transition(to, reason)
	if err != nil {
		return err
	}

	event := TransitionEvent{
		Unit:   entry.unit.Name(),
		From:   from,
		To:     to,
		Reason: reason,
		At:     time.Now(),
	}

	entry.appendHistory(event)
	s.metrics.ObserveTransition(event.Unit, to)

	s.sinksMutex.Lock()
	sinks := make([]EventSink, len(s.sinks))
	copy(sinks, s.sinks)
	s.sinksMutex.Unlock()
	for _, sink := range sinks {
		sink.HandleTransition(event)
	}

	s.notifyStateChanged()
	return nil
}

func (s *Supervisor) watchStateChange() <-chan struct{} {
	s.notifyMutex.Lock()
	defer s.notifyMutex.Unlock()
	return s.stateChanged
}

func (s *Supervisor) notifyStateChanged() {
	s.notifyMutex.Lock()
	close(s.stateChanged)
	s.stateChanged = make(chan struct{})
	s.notifyMutex.Unlock()
}

// stopAll shuts units down batch by batch in reverse dependency order, so a
// prerequisite outlives its dependents.
func (s *Supervisor) stopAll(batches [][]string) {
	for i := len(batches) - 1; i >= 0; i-- {
		for _, name := range batches[i] {
			entry := s.entries[name]
			s.stopProcess(entry)
			// Pending and blocked units have nothing to stop; settle their
			// final state. Units whose exit was already observed are
			// terminated by their own goroutine.
			if entry.state.CurrentState() != units.UnitStateTerminated {
				_ = s.transition(entry, units.UnitStateTerminated, "shutdown")
			}
		}
	}
}

// stopProcess terminates one unit process: graceful signal first, kill after
// the grace timeout.
func (s *Supervisor) stopProcess(entry *unitEntry) {
	entry.mutex.Lock()
	handle := entry.handle
	entry.mutex.Unlock()
	if handle == nil {
		return
	}

	name := entry.unit.Name()
	s.logger.Infof("Stopping unit process, unit: %s, pid: %d", name, handle.Pid())

	if err := handle.Terminate(); err != nil {
		s.logger.Warnf("Graceful termination failed, unit: %s, error: %v", name, err)
	}

	done := make(chan struct{})
	go func() {
		_, _ = handle.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Infof("Unit process exited gracefully, unit: %s", name)
	case <-time.After(s.options.GracefulStopTimeout):
		s.logger.Warnf("Graceful stop timed out, killing, unit: %s", name)
		if err := handle.Kill(); err != nil {
			s.logger.Errorf("Kill failed, unit: %s, error: %v", name, err)
		}
		<-done
	}
}
