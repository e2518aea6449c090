package supervisor

import (
	"context"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/compose-spec/compose-go/v2/loader"
	"github.com/compose-spec/compose-go/v2/types"
	"gopkg.in/yaml.v3"

	"github.com/core-tools/hsu-stack/pkg/errors"
	"github.com/core-tools/hsu-stack/pkg/monitoring"
	"github.com/core-tools/hsu-stack/pkg/process"
	"github.com/core-tools/hsu-stack/pkg/units"
)

// Compose descriptor import. A compose service maps onto a unit: command
// becomes the start configuration, healthcheck becomes the health check,
// depends_on becomes the prerequisite list and restart becomes the restart
// policy. Container-only concerns (images, networks, volumes, ports) have no
// process-level equivalent and are ignored.

// ImportComposeFile loads a compose descriptor from disk and converts it
// into a stack configuration.
func ImportComposeFile(filename string) (*StackConfig, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, errors.NewIOError("failed to read compose file", err).WithContext("filename", filename)
	}
	return ImportComposeContent(data, "stack")
}

// ImportComposeContent converts raw compose YAML into a stack configuration.
func ImportComposeContent(content []byte, projectName string) (*StackConfig, error) {
	project, err := loadComposeProject(content, projectName)
	if err != nil {
		return nil, err
	}

	if len(project.Services) == 0 {
		return nil, errors.NewValidationError("compose file declares no services", nil)
	}

	config := &StackConfig{
		Stack: StackConfigOptions{Name: project.Name},
		Units: make([]units.UnitConfig, 0, len(project.Services)),
	}

	// project.Services is a map; keep the output deterministic.
	names := make([]string, 0, len(project.Services))
	for name := range project.Services {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		unitConfig, err := convertComposeService(name, project.Services[name])
		if err != nil {
			return nil, err
		}
		config.Units = append(config.Units, unitConfig)
	}

	setConfigDefaults(config)
	return config, nil
}

func loadComposeProject(content []byte, projectName string) (*types.Project, error) {
	var dict map[string]interface{}
	if err := yaml.Unmarshal(content, &dict); err != nil {
		return nil, errors.NewValidationError("invalid compose YAML", err)
	}
	if dict == nil {
		return nil, errors.NewValidationError("compose file is empty", nil)
	}

	project, err := loader.LoadWithContext(context.Background(), types.ConfigDetails{
		ConfigFiles: []types.ConfigFile{
			{
				Content: content,
				Config:  dict,
			},
		},
	}, func(opts *loader.Options) {
		opts.SetProjectName(projectName, false)
		// In-memory load; nothing to normalize or extend from disk.
		opts.SkipNormalization = true
		opts.SkipExtends = true
	})
	if err != nil {
		return nil, errors.NewValidationError("failed to load compose project", err)
	}
	return project, nil
}

func convertComposeService(name string, svc types.ServiceConfig) (units.UnitConfig, error) {
	execution, err := composeExecution(name, svc)
	if err != nil {
		return units.UnitConfig{}, err
	}

	healthCheck, err := composeHealthCheck(name, svc.HealthCheck)
	if err != nil {
		return units.UnitConfig{}, err
	}

	restart, err := composeRestartPolicy(svc.Restart)
	if err != nil {
		return units.UnitConfig{}, errors.NewValidationError("unsupported restart policy", err).WithContext("service", name)
	}

	requires := make([]string, 0, len(svc.DependsOn))
	for dependency := range svc.DependsOn {
		requires = append(requires, dependency)
	}
	sort.Strings(requires)

	return units.UnitConfig{
		Name:        name,
		Start:       execution,
		Requires:    requires,
		Restart:     restart,
		RestartRun:  composeRestartRunOptions(svc.Deploy),
		HealthCheck: healthCheck,
	}, nil
}

// composeRestartRunOptions picks up restart pacing from deploy.restart_policy
// when the descriptor declares one. The condition is ignored; the service
// level restart field decides the policy.
func composeRestartRunOptions(deploy *types.DeployConfig) units.RestartRunOptions {
	var options units.RestartRunOptions
	if deploy == nil || deploy.RestartPolicy == nil {
		return options
	}
	if deploy.RestartPolicy.Delay != nil {
		options.RetryDelay = time.Duration(*deploy.RestartPolicy.Delay)
	}
	if deploy.RestartPolicy.MaxAttempts != nil {
		options.MaxRetries = int(*deploy.RestartPolicy.MaxAttempts)
	}
	return options
}

// composeExecution derives the process launch from entrypoint and command.
// Entrypoint wins as the executable; command supplies arguments, or the
// executable itself when there is no entrypoint.
func composeExecution(name string, svc types.ServiceConfig) (process.ExecutionConfig, error) {
	argv := append([]string{}, svc.Entrypoint...)
	argv = append(argv, svc.Command...)
	if len(argv) == 0 {
		return process.ExecutionConfig{}, errors.NewValidationError(
			"service declares neither entrypoint nor command; a supervised process needs an executable",
			nil,
		).WithContext("service", name)
	}

	environment := make([]string, 0, len(svc.Environment))
	for key, value := range svc.Environment {
		if value == nil {
			continue
		}
		environment = append(environment, fmt.Sprintf("%s=%s", key, *value))
	}
	sort.Strings(environment)

	return process.ExecutionConfig{
		ExecutablePath:   argv[0],
		Args:             argv[1:],
		Environment:      environment,
		WorkingDirectory: svc.WorkingDir,
	}, nil
}

// composeHealthCheck translates a compose healthcheck into a health check
// configuration. CMD runs the command directly, CMD-SHELL runs it through
// the shell. A service without a healthcheck gets a process liveness check.
func composeHealthCheck(name string, hc *types.HealthCheckConfig) (monitoring.HealthCheckConfig, error) {
	config := monitoring.HealthCheckConfig{
		Type: monitoring.HealthCheckTypeProcess,
	}

	if hc == nil || hc.Disable || len(hc.Test) == 0 {
		return config, nil
	}

	switch hc.Test[0] {
	case "NONE":
		return config, nil
	case "CMD":
		if len(hc.Test) < 2 {
			return config, errors.NewValidationError("healthcheck CMD needs a command", nil).WithContext("service", name)
		}
		config.Type = monitoring.HealthCheckTypeExec
		config.Exec = monitoring.ExecHealthCheckConfig{
			Command: hc.Test[1],
			Args:    hc.Test[2:],
		}
	case "CMD-SHELL":
		if len(hc.Test) < 2 {
			return config, errors.NewValidationError("healthcheck CMD-SHELL needs a command", nil).WithContext("service", name)
		}
		config.Type = monitoring.HealthCheckTypeExec
		config.Exec = monitoring.ExecHealthCheckConfig{
			Command: "/bin/sh",
			Args:    []string{"-c", hc.Test[1]},
		}
	default:
		return config, errors.NewValidationError(
			fmt.Sprintf("unsupported healthcheck test form: %s", hc.Test[0]),
			nil,
		).WithContext("service", name)
	}

	if hc.Interval != nil {
		config.RunOptions.Interval = time.Duration(*hc.Interval)
	}
	if hc.Timeout != nil {
		config.RunOptions.Timeout = time.Duration(*hc.Timeout)
	}
	if hc.Retries != nil {
		config.RunOptions.Retries = int(*hc.Retries)
	}
	if hc.StartPeriod != nil {
		config.RunOptions.StartPeriod = time.Duration(*hc.StartPeriod)
	}

	return config, nil
}

func composeRestartPolicy(restart string) (units.RestartPolicy, error) {
	switch restart {
	case "", "no", "never":
		return units.RestartNever, nil
	case "on-failure":
		return units.RestartOnFailure, nil
	case "always", "unless-stopped":
		// No stop-state persistence across supervisor runs, so
		// unless-stopped collapses to always.
		return units.RestartAlways, nil
	default:
		return "", errors.NewValidationError(fmt.Sprintf("unknown restart policy: %s", restart), nil)
	}
}
