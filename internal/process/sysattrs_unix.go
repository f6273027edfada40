//go:build !windows

package process

import (
	"os/exec"
	"syscall"
)

// configureSysProcAttr places the worker in its own process group so the
// whole tree can be signaled at once.
func configureSysProcAttr(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setpgid = true
}
