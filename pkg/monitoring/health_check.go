package monitoring

import (
	"time"
)

type HealthCheckType string

const (
	HealthCheckTypeHTTP    HealthCheckType = "http"
	HealthCheckTypeTCP     HealthCheckType = "tcp"
	HealthCheckTypeExec    HealthCheckType = "exec"
	HealthCheckTypeProcess HealthCheckType = "process"
)

type HTTPHealthCheckConfig struct {
	URL     string            `yaml:"url"`
	Method  string            `yaml:"method,omitempty"`
	Headers map[string]string `yaml:"headers,omitempty"`
}

type TCPHealthCheckConfig struct {
	Address string `yaml:"address"`
	Port    int    `yaml:"port"`
}

type ExecHealthCheckConfig struct {
	Command string   `yaml:"command"`
	Args    []string `yaml:"args,omitempty"`
}

type HealthCheckConfig struct {
	Type HealthCheckType `yaml:"type"`

	// HTTP health check
	HTTP HTTPHealthCheckConfig `yaml:"http,omitempty"`

	// TCP health check
	TCP TCPHealthCheckConfig `yaml:"tcp,omitempty"`

	// Exec health check
	Exec ExecHealthCheckConfig `yaml:"exec,omitempty"`

	// Run options
	RunOptions HealthCheckRunOptions `yaml:"run_options,omitempty"`
}

// HealthCheckRunOptions are the polling parameters of a health check.
// StartPeriod is the grace interval after unit start during which no probes
// are issued; Retries is the number of consecutive failures that flips the
// verdict to unhealthy.
type HealthCheckRunOptions struct {
	Interval    time.Duration `yaml:"interval,omitempty"`
	Timeout     time.Duration `yaml:"timeout,omitempty"`
	Retries     int           `yaml:"retries,omitempty"`
	StartPeriod time.Duration `yaml:"start_period,omitempty"`
}

type HealthCheckStatus string

const (
	HealthCheckStatusUnknown   HealthCheckStatus = "unknown"
	HealthCheckStatusHealthy   HealthCheckStatus = "healthy"
	HealthCheckStatusUnhealthy HealthCheckStatus = "unhealthy"
)

// ProbeResult is the outcome of a single health check invocation. It is
// consumed immediately; nothing persists it.
type ProbeResult struct {
	Healthy    bool
	Message    string
	ObservedAt time.Time
}

// HealthCheckState is a snapshot of a monitor's view of one unit.
type HealthCheckState struct {
	Status              HealthCheckStatus `json:"status"`
	LastCheck           time.Time         `json:"last_check"`
	Message             string            `json:"message,omitempty"`
	ConsecutiveFailures int               `json:"consecutive_failures"`
	EverHealthy         bool              `json:"ever_healthy"`
}
