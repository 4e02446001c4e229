//go:build !windows

package agentloop

import (
	"os/exec"
	"syscall"
)

// setupProcessGroup runs the interpreter in its own process group so a
// timeout can take down everything the script started.
func setupProcessGroup(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setpgid = true
}

// killProcessGroup sends SIGKILL to the whole group led by cmd.
func killProcessGroup(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	if err := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL); err != nil {
		// Group already gone; make sure the leader is.
		return cmd.Process.Kill()
	}
	return nil
}

// signalExitCode returns the negated signal number for a process that was
// terminated by a signal.
func signalExitCode(state interface{ Sys() any }) (int, bool) {
	ws, ok := state.Sys().(syscall.WaitStatus)
	if !ok || !ws.Signaled() {
		return 0, false
	}
	return -int(ws.Signal()), true
}
