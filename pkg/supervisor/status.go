package supervisor

import (
	"sort"
	"time"

	"github.com/core-tools/hsu-stack/pkg/errors"
	"github.com/core-tools/hsu-stack/pkg/monitoring"
	"github.com/core-tools/hsu-stack/pkg/units"
)

// UnitStatus is the operator-facing snapshot of one unit, served by the
// status API and the CLI.
type UnitStatus struct {
	Name        string                       `json:"name"`
	State       units.UnitState              `json:"state"`
	EnteredAt   time.Time                    `json:"entered_at"`
	Reason      string                       `json:"reason,omitempty"`
	Pid         int                          `json:"pid,omitempty"`
	EverHealthy bool                         `json:"ever_healthy"`
	Requires    []string                     `json:"requires,omitempty"`
	Restart     units.RestartPolicy          `json:"restart"`
	Health      *monitoring.HealthCheckState `json:"health,omitempty"`
	History     []TransitionEvent            `json:"history,omitempty"`
}

// UnitStatuses returns a snapshot of every unit, sorted by name.
func (s *Supervisor) UnitStatuses() []UnitStatus {
	names := make([]string, 0, len(s.entries))
	for name := range s.entries {
		names = append(names, name)
	}
	sort.Strings(names)

	statuses := make([]UnitStatus, 0, len(names))
	for _, name := range names {
		statuses = append(statuses, s.unitStatus(s.entries[name]))
	}
	return statuses
}

// UnitStatus returns the snapshot of one unit by name.
func (s *Supervisor) UnitStatus(name string) (UnitStatus, error) {
	entry, exists := s.entries[name]
	if !exists {
		return UnitStatus{}, errors.NewNotFoundError("unit not found", nil).WithContext("unit", name)
	}
	return s.unitStatus(entry), nil
}

func (s *Supervisor) unitStatus(entry *unitEntry) UnitStatus {
	info := entry.state.Info()

	entry.mutex.Lock()
	monitor := entry.monitor
	everHealthy := entry.everHealthy
	pid := 0
	if entry.handle != nil {
		pid = entry.handle.Pid()
	}
	entry.mutex.Unlock()

	var health *monitoring.HealthCheckState
	if monitor != nil {
		health = monitor.State()
	}

	return UnitStatus{
		Name:        entry.unit.Name(),
		State:       info.State,
		EnteredAt:   info.EnteredAt,
		Reason:      info.Reason,
		Pid:         pid,
		EverHealthy: everHealthy,
		Requires:    entry.unit.Requires(),
		Restart:     entry.unit.RestartPolicy(),
		Health:      health,
		History:     entry.historySnapshot(),
	}
}
