package supervisor

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/core-tools/hsu-stack/pkg/errors"
	"github.com/core-tools/hsu-stack/pkg/logging"
	"github.com/core-tools/hsu-stack/pkg/units"
)

// StackConfig represents the top-level configuration file structure
type StackConfig struct {
	Stack StackConfigOptions `yaml:"stack"`
	Units []units.UnitConfig `yaml:"units"`
}

// StackConfigOptions represents stack-level configuration
type StackConfigOptions struct {
	Name                string        `yaml:"name,omitempty"`
	ListenAddress       string        `yaml:"listen_address,omitempty"`
	LogLevel            string        `yaml:"log_level,omitempty"`
	GracefulStopTimeout time.Duration `yaml:"graceful_stop_timeout,omitempty"`
}

const (
	defaultHealthCheckInterval = 30 * time.Second
	defaultHealthCheckTimeout  = 30 * time.Second
	defaultHealthCheckRetries  = 3
	defaultWaitDelay           = 10 * time.Second
)

// LoadConfigFromFile loads stack configuration from a YAML file
func LoadConfigFromFile(filename string) (*StackConfig, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, errors.NewIOError("failed to read configuration file", err).WithContext("filename", filename)
	}

	var config StackConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, errors.NewValidationError("failed to parse YAML configuration", err).WithContext("filename", filename)
	}

	setConfigDefaults(&config)

	return &config, nil
}

// ValidateConfig validates the entire configuration structure
func ValidateConfig(config *StackConfig) error {
	if config == nil {
		return errors.NewValidationError("configuration cannot be nil", nil)
	}

	if len(config.Units) == 0 {
		return errors.NewValidationError("configuration declares no units", nil)
	}

	declared := make(map[string]struct{}, len(config.Units))
	for i, unitConfig := range config.Units {
		if err := units.ValidateUnitConfig(unitConfig); err != nil {
			return errors.NewValidationError(
				fmt.Sprintf("invalid unit configuration at index %d", i),
				err,
			).WithContext("unit", unitConfig.Name)
		}
		if _, exists := declared[unitConfig.Name]; exists {
			return errors.NewConflictError("duplicate unit name", nil).WithContext("unit", unitConfig.Name)
		}
		declared[unitConfig.Name] = struct{}{}
	}

	// Prerequisites must name declared units. Cycles are caught when the
	// supervisor wires its graph.
	for _, unitConfig := range config.Units {
		for _, prerequisite := range unitConfig.Requires {
			if _, exists := declared[prerequisite]; !exists {
				return errors.NewUnknownUnitError("prerequisite is not a declared unit", nil).
					WithContext("unit", unitConfig.Name).
					WithContext("prerequisite", prerequisite)
			}
		}
	}

	return nil
}

// ValidateConfigFile validates a configuration file without running it.
// Useful for configuration testing and CI validation.
func ValidateConfigFile(filename string) error {
	config, err := LoadConfigFromFile(filename)
	if err != nil {
		return err
	}
	return ValidateConfig(config)
}

// CreateUnitsFromConfig creates unit instances from configuration
func CreateUnitsFromConfig(config *StackConfig, logger logging.Logger) ([]units.Unit, error) {
	if config == nil {
		return nil, errors.NewValidationError("configuration cannot be nil", nil)
	}

	unitList := make([]units.Unit, 0, len(config.Units))
	for _, unitConfig := range config.Units {
		unitList = append(unitList, units.NewManagedUnit(unitConfig, logger))
	}
	return unitList, nil
}

// NewSupervisorFromConfig validates the configuration and builds a supervisor
// with all its units registered.
func NewSupervisorFromConfig(config *StackConfig, logger logging.Logger) (*Supervisor, error) {
	if err := ValidateConfig(config); err != nil {
		return nil, errors.NewValidationError("configuration validation failed", err)
	}

	unitList, err := CreateUnitsFromConfig(config, logger)
	if err != nil {
		return nil, err
	}

	supervisor := NewSupervisor(SupervisorOptions{
		GracefulStopTimeout: config.Stack.GracefulStopTimeout,
	}, logger)

	if err := supervisor.AddUnits(unitList); err != nil {
		return nil, err
	}

	// Wire the graph now: dependency cycles surface at build time, and the
	// status API can read the startup plan before Run is entered.
	if err := supervisor.WireEdges(); err != nil {
		return nil, err
	}

	return supervisor, nil
}

// setConfigDefaults applies default values to configuration
func setConfigDefaults(config *StackConfig) {
	if config.Stack.LogLevel == "" {
		config.Stack.LogLevel = "info"
	}
	if config.Stack.GracefulStopTimeout == 0 {
		config.Stack.GracefulStopTimeout = DefaultGracefulStopTimeout
	}

	for i := range config.Units {
		unit := &config.Units[i]

		if unit.Restart == "" {
			unit.Restart = units.RestartNever
		}
		if unit.RestartRun.RetryDelay == 0 {
			unit.RestartRun.RetryDelay = units.DefaultRestartRetryDelay
		}
		if unit.RestartRun.BackoffRate == 0 {
			unit.RestartRun.BackoffRate = units.DefaultRestartBackoffRate
		}
		if unit.Start.WaitDelay == 0 {
			unit.Start.WaitDelay = defaultWaitDelay
		}

		runOptions := &unit.HealthCheck.RunOptions
		if runOptions.Interval == 0 {
			runOptions.Interval = defaultHealthCheckInterval
		}
		if runOptions.Timeout == 0 {
			runOptions.Timeout = defaultHealthCheckTimeout
		}
		if runOptions.Retries == 0 {
			runOptions.Retries = defaultHealthCheckRetries
		}
	}
}
