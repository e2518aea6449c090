package processfile

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/core-tools/hsu-stack/pkg/errors"
	"github.com/core-tools/hsu-stack/pkg/logging"
	"github.com/core-tools/hsu-stack/pkg/processstate"
)

// PIDFile records the supervisor's own PID on disk so init scripts and
// operators can find the running instance. A stale file left by a crashed
// instance is overwritten; a file naming a live process is a conflict.
type PIDFile struct {
	path   string
	logger logging.Logger
}

func New(path string, logger logging.Logger) *PIDFile {
	return &PIDFile{
		path:   path,
		logger: logger,
	}
}

func (f *PIDFile) Path() string {
	return f.path
}

// Write claims the PID file for the current process.
func (f *PIDFile) Write() error {
	if f.path == "" {
		return errors.NewValidationError("PID file path cannot be empty", nil)
	}

	if pid, err := ReadPID(f.path); err == nil {
		running, checkErr := processstate.IsProcessRunning(pid)
		if checkErr == nil && running {
			return errors.NewConflictError("PID file names a running process", nil).
				WithContext("path", f.path).WithContext("pid", pid)
		}
		f.logger.Warnf("Overwriting stale PID file, path: %s, stale_pid: %d", f.path, pid)
	}

	if err := os.MkdirAll(filepath.Dir(f.path), 0755); err != nil {
		return errors.NewIOError("failed to create PID file directory", err).WithContext("path", f.path)
	}

	pid := os.Getpid()
	if err := os.WriteFile(f.path, []byte(fmt.Sprintf("%d\n", pid)), 0644); err != nil {
		return errors.NewIOError("failed to write PID file", err).WithContext("path", f.path)
	}

	f.logger.Infof("PID file written, path: %s, pid: %d", f.path, pid)
	return nil
}

// Remove deletes the PID file. Missing files are not an error; shutdown
// paths may race over it.
func (f *PIDFile) Remove() {
	if f.path == "" {
		return
	}
	if err := os.Remove(f.path); err != nil && !os.IsNotExist(err) {
		f.logger.Warnf("Failed to remove PID file, path: %s, error: %v", f.path, err)
	}
}

// ReadPID parses the PID recorded in a PID file.
func ReadPID(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, errors.NewIOError("failed to read PID file", err).WithContext("path", path)
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, errors.NewValidationError("PID file does not contain a valid PID", err).WithContext("path", path)
	}
	return pid, nil
}
