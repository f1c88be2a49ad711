//go:build !windows

package integration

import (
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// startInOwnGroup puts the tool and everything it spawns in a new process group.
func startInOwnGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// killTree kills the tool's whole process group, so wrapper scripts cannot
// leave a child holding the output pipes.
func killTree(cmd *exec.Cmd) error {
	if err := unix.Kill(-cmd.Process.Pid, unix.SIGKILL); err != nil {
		return cmd.Process.Kill()
	}
	return nil
}
