//go:build windows

package process

import (
	"os"
)

// sendTerminationSignal has no graceful equivalent for arbitrary processes
// on Windows, so it terminates the process directly.
func sendTerminationSignal(process *os.Process) error {
	return process.Kill()
}

func killProcessGroup(process *os.Process) error {
	return process.Kill()
}
