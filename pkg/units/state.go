package units

import (
	"fmt"
	"sync"
	"time"

	"github.com/core-tools/hsu-stack/pkg/errors"
	"github.com/core-tools/hsu-stack/pkg/logging"
)

// UnitState tracks one unit through its supervised lifecycle.
type UnitState string

const (
	// UnitStatePending means the unit is waiting for its prerequisites
	UnitStatePending UnitState = "pending"

	// UnitStateStarting means the process is launched but not yet healthy
	UnitStateStarting UnitState = "starting"

	// UnitStateHealthy means the last health verdict was positive
	UnitStateHealthy UnitState = "healthy"

	// UnitStateUnhealthy means the failure threshold was reached
	UnitStateUnhealthy UnitState = "unhealthy"

	// UnitStateTerminated means the process has exited
	UnitStateTerminated UnitState = "terminated"

	// UnitStateBlocked means the unit, or a prerequisite, never became
	// healthy; the unit is permanently parked and surfaced to the operator
	UnitStateBlocked UnitState = "blocked"
)

// allowedTransitions encodes the unit lifecycle. A unit may flap between
// healthy and unhealthy; terminated re-enters pending when the restart
// policy mandates it.
var allowedTransitions = map[UnitState][]UnitState{
	UnitStatePending:    {UnitStateStarting, UnitStateTerminated, UnitStateBlocked},
	UnitStateStarting:   {UnitStateHealthy, UnitStateUnhealthy, UnitStateTerminated, UnitStateBlocked},
	UnitStateHealthy:    {UnitStateUnhealthy, UnitStateTerminated},
	UnitStateUnhealthy:  {UnitStateHealthy, UnitStateTerminated, UnitStateBlocked},
	UnitStateTerminated: {UnitStatePending},
	UnitStateBlocked:    {UnitStateTerminated},
}

// StateInfo is a snapshot of a unit's current state.
type StateInfo struct {
	State     UnitState `json:"state"`
	EnteredAt time.Time `json:"entered_at"`
	Reason    string    `json:"reason,omitempty"`
}

// StateMachine serializes state transitions for one unit. Each unit owns its
// machine; there is no lock shared across units.
type StateMachine struct {
	unitName  string
	current   UnitState
	enteredAt time.Time
	reason    string
	mutex     sync.Mutex
	logger    logging.Logger
}

func NewStateMachine(unitName string, logger logging.Logger) *StateMachine {
	return &StateMachine{
		unitName:  unitName,
		current:   UnitStatePending,
		enteredAt: time.Now(),
		logger:    logger,
	}
}

// Transition moves the unit to a new state, rejecting moves the lifecycle
// does not permit. It returns the state that was left.
func (sm *StateMachine) Transition(to UnitState, reason string) (UnitState, error) {
	sm.mutex.Lock()
	defer sm.mutex.Unlock()

	from := sm.current
	if !transitionAllowed(from, to) {
		return from, errors.NewValidationError(
			fmt.Sprintf("invalid state transition %s -> %s", from, to),
			nil,
		).WithContext("unit", sm.unitName).WithContext("reason", reason)
	}

	sm.current = to
	sm.enteredAt = time.Now()
	sm.reason = reason

	sm.logger.Debugf("State transition, unit: %s, %s -> %s, reason: %s", sm.unitName, from, to, reason)
	return from, nil
}

// CurrentState returns the unit's current state.
func (sm *StateMachine) CurrentState() UnitState {
	sm.mutex.Lock()
	defer sm.mutex.Unlock()
	return sm.current
}

// Info returns a snapshot of the current state.
func (sm *StateMachine) Info() StateInfo {
	sm.mutex.Lock()
	defer sm.mutex.Unlock()
	return StateInfo{
		State:     sm.current,
		EnteredAt: sm.enteredAt,
		Reason:    sm.reason,
	}
}

func transitionAllowed(from, to UnitState) bool {
	for _, allowed := range allowedTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}
