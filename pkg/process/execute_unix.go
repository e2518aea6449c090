//go:build !windows

package process

import (
	"os/exec"
	"syscall"
)

// setupProcessAttributes configures Unix-specific process attributes
func setupProcessAttributes(cmd *exec.Cmd) {
	// On Unix, create a new process group that we can signal as a whole.
	// This is essential so that a termination signal sent to -pid affects
	// the entire process tree (parent + all children).
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}
}
