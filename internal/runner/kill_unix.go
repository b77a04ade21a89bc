//go:build !windows

package runner

import (
	"os/exec"
	"syscall"
)

// terminate asks the reviewer process to exit gracefully.
func terminate(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	return cmd.Process.Signal(syscall.SIGTERM)
}

// kill force-terminates the reviewer process.
func kill(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
}
