package process

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/core-tools/hsu-stack/pkg/errors"
	"github.com/core-tools/hsu-stack/pkg/logging"
)

type ExecutionConfig struct {
	ExecutablePath   string        `yaml:"executable_path"`
	Args             []string      `yaml:"args,omitempty"`
	Environment      []string      `yaml:"environment,omitempty"`
	WorkingDirectory string        `yaml:"working_directory,omitempty"`
	WaitDelay        time.Duration `yaml:"wait_delay,omitempty"`
}

// Handle is the supervisor's view of a launched unit process.
type Handle interface {
	// Pid returns the OS process ID.
	Pid() int

	// Wait blocks until the process exits and returns its exit code.
	// A negative code with a non-nil error means the wait itself failed.
	// Wait is idempotent: concurrent and repeated calls share a single
	// underlying wait and return the same cached result.
	Wait() (int, error)

	// Terminate asks the process group to shut down gracefully.
	Terminate() error

	// Kill forcibly ends the process group.
	Kill() error
}

// StartCmd launches a unit process and returns its handle.
type StartCmd func(ctx context.Context) (Handle, error)

// NewStdStartCmd builds the default exec-based start command for a unit.
func NewStdStartCmd(execution ExecutionConfig, id string, logger logging.Logger) StartCmd {
	return func(ctx context.Context) (Handle, error) {
		if ctx == nil {
			logger.Errorf("Context cannot be nil, id: %s", id)
			return nil, errors.NewValidationError("context cannot be nil", nil).WithContext("id", id)
		}

		if err := ValidateExecutionConfig(execution); err != nil {
			logger.Errorf("Execution configuration validation failed, id: %s, error: %v", id, err)
			return nil, errors.NewValidationError("invalid execution configuration", err).WithContext("id", id)
		}

		// Check if the process is executable, and make it executable if it's not
		if err := ensureExecutable(execution.ExecutablePath); err != nil {
			return nil, errors.NewIOError("failed to ensure process is executable", err).
				WithContext("id", id).WithContext("executable_path", execution.ExecutablePath)
		}

		workDir := execution.WorkingDirectory
		if workDir == "" {
			absPath, err := filepath.Abs(execution.ExecutablePath)
			if err != nil {
				return nil, errors.NewIOError("failed to get absolute path", err).
					WithContext("id", id).WithContext("executable_path", execution.ExecutablePath)
			}
			workDir = filepath.Dir(absPath)
		}

		logger.Debugf("Executing process: id: %s, executable path: '%s', args: %v, working directory: '%s'",
			id, execution.ExecutablePath, execution.Args, workDir)

		env := os.Environ()
		env = append(env, execution.Environment...)

		cmd := exec.CommandContext(ctx, execution.ExecutablePath, execution.Args...)
		cmd.Dir = workDir
		cmd.Env = env

		// Platform-specific setup is handled in execute_unix.go or execute_windows.go
		setupProcessAttributes(cmd)

		// wait after sending the interrupt signal, before sending the kill signal
		cmd.WaitDelay = execution.WaitDelay

		if err := cmd.Start(); err != nil {
			return nil, errors.NewProcessError("failed to start the process", err).
				WithContext("id", id).WithContext("executable_path", execution.ExecutablePath)
		}

		logger.Infof("Successfully executed process, id: %s, PID: %d", id, cmd.Process.Pid)

		return &cmdHandle{cmd: cmd}, nil
	}
}

// cmdHandle wraps an exec.Cmd started by NewStdStartCmd.
type cmdHandle struct {
	cmd      *exec.Cmd
	waitOnce sync.Once
	exitCode int
	waitErr  error
}

func (h *cmdHandle) Pid() int {
	return h.cmd.Process.Pid
}

func (h *cmdHandle) Wait() (int, error) {
	h.waitOnce.Do(func() {
		err := h.cmd.Wait()
		if err == nil {
			h.exitCode = 0
			return
		}
		if exitErr, ok := err.(*exec.ExitError); ok {
			h.exitCode = exitErr.ExitCode()
			return
		}
		h.exitCode = -1
		h.waitErr = err
	})
	return h.exitCode, h.waitErr
}

func (h *cmdHandle) Terminate() error {
	return sendTerminationSignal(h.cmd.Process)
}

func (h *cmdHandle) Kill() error {
	return killProcessGroup(h.cmd.Process)
}

// ensureExecutable checks if a file is executable and makes it executable if it's not
func ensureExecutable(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return errors.NewIOError("file does not exist", err).WithContext("path", path)
	}

	// On Windows, files with .exe, .bat, .cmd extensions are inherently executable
	if runtime.GOOS == "windows" {
		ext := filepath.Ext(path)
		if ext == ".exe" || ext == ".bat" || ext == ".cmd" {
			return nil
		}
		return nil
	}

	mode := info.Mode()
	if mode&0111 != 0 { // Check if any execute bit is set
		return nil
	}

	if err := os.Chmod(path, mode|0111); err != nil {
		return errors.NewIOError("failed to make file executable", err).WithContext("path", path)
	}

	return nil
}
