//go:build !windows

package executor

import (
	"fmt"
	"os/exec"
	"syscall"
)

// configureProcAttr puts the command in its own process group so that a
// timeout can kill the whole tree, not just the leader.
func configureProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}
}

// killProcessGroup signals an entire process group. Falls back to the
// single process when the group is already gone.
func killProcessGroup(pid int, sig syscall.Signal) error {
	if err := syscall.Kill(-pid, sig); err != nil {
		if err2 := syscall.Kill(pid, sig); err2 != nil {
			return fmt.Errorf("failed to kill process group -%d: %v, also failed to kill process %d: %v", pid, err, pid, err2)
		}
	}
	return nil
}
