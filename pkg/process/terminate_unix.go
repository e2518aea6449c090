//go:build !windows

package process

import (
	"os"
	"syscall"
)

// sendTerminationSignal sends SIGTERM to the process group on Unix systems
func sendTerminationSignal(process *os.Process) error {
	// Send SIGTERM to the process group (negative PID)
	// This ensures we terminate the entire process tree
	return syscall.Kill(-process.Pid, syscall.SIGTERM)
}

// killProcessGroup sends SIGKILL to the process group on Unix systems
func killProcessGroup(process *os.Process) error {
	return syscall.Kill(-process.Pid, syscall.SIGKILL)
}
