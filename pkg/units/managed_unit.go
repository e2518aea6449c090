package units

import (
	"context"

	"github.com/core-tools/hsu-stack/pkg/logging"
	"github.com/core-tools/hsu-stack/pkg/monitoring"
	"github.com/core-tools/hsu-stack/pkg/process"
)

// managedUnit is the standard Unit implementation: the supervisor launches
// the unit's process itself through the exec-based start command.
type managedUnit struct {
	config   UnitConfig
	startCmd process.StartCmd
	logger   logging.Logger
}

func NewManagedUnit(config UnitConfig, logger logging.Logger) Unit {
	unitLogger := logging.NewUnitLogger(config.Name, logger)
	return &managedUnit{
		config:   config,
		startCmd: process.NewStdStartCmd(config.Start, config.Name, unitLogger),
		logger:   unitLogger,
	}
}

func (u *managedUnit) Name() string {
	return u.config.Name
}

func (u *managedUnit) Metadata() UnitMetadata {
	return u.config.Metadata
}

func (u *managedUnit) Requires() []string {
	return u.config.Requires
}

func (u *managedUnit) RestartPolicy() RestartPolicy {
	return u.config.Restart
}

func (u *managedUnit) RestartRunOptions() RestartRunOptions {
	return u.config.RestartRun
}

func (u *managedUnit) Start(ctx context.Context) (process.Handle, error) {
	return u.startCmd(ctx)
}

func (u *managedUnit) Checker(pidFn monitoring.PIDFunc) (monitoring.Checker, error) {
	return monitoring.NewChecker(u.config.HealthCheck, u.config.Name, pidFn, u.logger)
}

func (u *managedUnit) HealthCheckRunOptions() monitoring.HealthCheckRunOptions {
	return u.config.HealthCheck.RunOptions
}
