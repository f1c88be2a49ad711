//go:build windows

package integration

import "os/exec"

func startInOwnGroup(cmd *exec.Cmd) {}

// killTree kills the tool itself. Grandchildren are cut loose by WaitDelay.
func killTree(cmd *exec.Cmd) error {
	return cmd.Process.Kill()
}
