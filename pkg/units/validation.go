package units

import (
	"github.com/core-tools/hsu-stack/pkg/errors"
	"github.com/core-tools/hsu-stack/pkg/monitoring"
	"github.com/core-tools/hsu-stack/pkg/process"
)

// ValidateUnitName validates unit name format and constraints
func ValidateUnitName(name string) error {
	if name == "" {
		return errors.NewValidationError("unit name cannot be empty", nil)
	}

	if len(name) > 64 {
		return errors.NewValidationError("unit name cannot exceed 64 characters", nil)
	}

	for _, char := range name {
		if !isValidNameChar(char) {
			return errors.NewValidationError("unit name contains invalid characters: only letters, numbers, hyphens, and underscores are allowed", nil)
		}
	}

	return nil
}

// ValidateRestartPolicy validates a restart policy value
func ValidateRestartPolicy(policy RestartPolicy) error {
	switch policy {
	case RestartNever, RestartOnFailure, RestartAlways:
		return nil
	default:
		return errors.NewValidationError("unsupported restart policy: "+string(policy), nil).
			WithContext("supported_policies", "never, on-failure, always")
	}
}

// ValidateRestartRunOptions validates restart pacing. Zero values mean
// "use the defaults" and are accepted.
func ValidateRestartRunOptions(options RestartRunOptions) error {
	if options.MaxRetries < 0 {
		return errors.NewValidationError("max retries cannot be negative", nil)
	}

	if options.RetryDelay < 0 {
		return errors.NewValidationError("retry delay cannot be negative", nil)
	}

	if options.BackoffRate != 0 && options.BackoffRate < 1.0 {
		return errors.NewValidationError("backoff rate must be at least 1.0", nil)
	}

	return nil
}

// ValidateUnitConfig validates one unit declaration
func ValidateUnitConfig(config UnitConfig) error {
	if err := ValidateUnitName(config.Name); err != nil {
		return errors.NewValidationError("invalid unit name", err).WithContext("unit", config.Name)
	}

	if err := process.ValidateExecutionConfig(config.Start); err != nil {
		return errors.NewValidationError("invalid start configuration", err).WithContext("unit", config.Name)
	}

	if err := ValidateRestartPolicy(config.Restart); err != nil {
		return errors.NewValidationError("invalid restart policy", err).WithContext("unit", config.Name)
	}

	if err := ValidateRestartRunOptions(config.RestartRun); err != nil {
		return errors.NewValidationError("invalid restart pacing", err).WithContext("unit", config.Name)
	}

	if err := monitoring.ValidateHealthCheckConfig(config.HealthCheck); err != nil {
		return errors.NewValidationError("invalid health check configuration", err).WithContext("unit", config.Name)
	}

	for _, prerequisite := range config.Requires {
		if err := ValidateUnitName(prerequisite); err != nil {
			return errors.NewValidationError("invalid prerequisite name", err).WithContext("unit", config.Name)
		}
		if prerequisite == config.Name {
			return errors.NewValidationError("unit cannot require itself", nil).WithContext("unit", config.Name)
		}
	}

	return nil
}

// Helper function to check if character is valid for unit name
func isValidNameChar(char rune) bool {
	return (char >= 'a' && char <= 'z') ||
		(char >= 'A' && char <= 'Z') ||
		(char >= '0' && char <= '9') ||
		char == '-' || char == '_'
}
