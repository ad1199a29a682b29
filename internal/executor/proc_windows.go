//go:build windows

package executor

import (
	"os"
	"os/exec"
	"syscall"
)

// configureProcAttr configures the process attributes for Windows.
func configureProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP,
	}
}

// killProcessGroup terminates the process on Windows. There is no Unix
// style process group here, so only the leader is killed.
func killProcessGroup(pid int, _ syscall.Signal) error {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return proc.Kill()
}
