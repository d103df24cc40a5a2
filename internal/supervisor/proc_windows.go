//go:build windows

package supervisor

import "os/exec"

func configureProcess(cmd *exec.Cmd) {}

// Windows has no SIGTERM for arbitrary processes; termination is immediate.
func signalTerm(cmd *exec.Cmd) { _ = cmd.Process.Kill() }

func forceKill(cmd *exec.Cmd) { _ = cmd.Process.Kill() }
