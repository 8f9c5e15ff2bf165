//go:build !windows

package session

import (
	"os/exec"
	"syscall"
)

// configureProcAttr puts the worker in its own process group so signals to
// the parent terminal do not reach it.
func configureProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}
