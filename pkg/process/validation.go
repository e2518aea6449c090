package process

import (
	"github.com/core-tools/hsu-stack/pkg/errors"
)

// ValidateExecutionConfig validates execution configuration
func ValidateExecutionConfig(config ExecutionConfig) error {
	if config.ExecutablePath == "" {
		return errors.NewValidationError("executable path cannot be empty", nil)
	}

	if config.WaitDelay < 0 {
		return errors.NewValidationError("wait delay cannot be negative", nil)
	}

	for _, env := range config.Environment {
		if env == "" {
			return errors.NewValidationError("environment entries cannot be empty", nil)
		}
	}

	return nil
}
