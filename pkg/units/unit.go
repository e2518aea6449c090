package units

import (
	"context"
	"time"

	"github.com/core-tools/hsu-stack/pkg/monitoring"
	"github.com/core-tools/hsu-stack/pkg/process"
)

// RestartPolicy defines when a terminated unit is requeued for startup.
// Restart is gated by dependency health like any first start.
type RestartPolicy string

const (
	RestartNever     RestartPolicy = "never"
	RestartOnFailure RestartPolicy = "on-failure"
	RestartAlways    RestartPolicy = "always"
)

// ShouldRestart applies a restart policy to a process exit code.
func ShouldRestart(policy RestartPolicy, exitCode int) bool {
	switch policy {
	case RestartAlways:
		return true
	case RestartOnFailure:
		return exitCode != 0
	case RestartNever:
		return false
	default:
		// Unknown policy, default to no restart
		return false
	}
}

// RestartRunOptions pace restarts once the policy has requeued a unit:
// RetryDelay before the first restart, multiplied by BackoffRate for each
// further restart without an intervening healthy run. MaxRetries caps
// consecutive restarts; zero means unlimited.
type RestartRunOptions struct {
	MaxRetries  int           `yaml:"max_retries,omitempty"`
	RetryDelay  time.Duration `yaml:"retry_delay,omitempty"`
	BackoffRate float64       `yaml:"backoff_rate,omitempty"`
}

const (
	DefaultRestartRetryDelay  = 5 * time.Second
	DefaultRestartBackoffRate = 1.5
)

type UnitMetadata struct {
	Name        string `yaml:"name,omitempty"`
	Description string `yaml:"description,omitempty"`
}

// UnitConfig is the static declaration of one supervised service.
type UnitConfig struct {
	Name        string                       `yaml:"name"`
	Metadata    UnitMetadata                 `yaml:"metadata,omitempty"`
	Start       process.ExecutionConfig      `yaml:"start"`
	Requires    []string                     `yaml:"requires,omitempty"`
	Restart     RestartPolicy                `yaml:"restart,omitempty"`
	RestartRun  RestartRunOptions            `yaml:"restart_run,omitempty"`
	HealthCheck monitoring.HealthCheckConfig `yaml:"health_check"`
}

// Unit is the supervisor's view of one supervised service: identity,
// prerequisites, an opaque start handle, restart policy and health check.
type Unit interface {
	Name() string
	Metadata() UnitMetadata
	Requires() []string
	RestartPolicy() RestartPolicy
	RestartRunOptions() RestartRunOptions

	// Start launches the unit's process and returns its handle.
	Start(ctx context.Context) (process.Handle, error)

	// Checker builds the unit's health checker. pidFn reports the current
	// process PID for process-type checks.
	Checker(pidFn monitoring.PIDFunc) (monitoring.Checker, error)

	HealthCheckRunOptions() monitoring.HealthCheckRunOptions
}
