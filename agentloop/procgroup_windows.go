//go:build windows

package agentloop

import "os/exec"

func setupProcessGroup(cmd *exec.Cmd) {}

func killProcessGroup(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
}

func signalExitCode(state interface{ Sys() any }) (int, bool) {
	return 0, false
}
