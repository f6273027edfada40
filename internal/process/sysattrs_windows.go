//go:build windows

package process

import (
	"os/exec"
	"syscall"
)

// Windows creation flags
const (
	CREATE_NEW_PROCESS_GROUP = 0x00000200
	CREATE_NO_WINDOW         = 0x08000000
)

// configureSysProcAttr creates a new process group without a console window.
// An existing CmdLine set by getShellCommand is kept.
func configureSysProcAttr(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.CreationFlags |= CREATE_NEW_PROCESS_GROUP | CREATE_NO_WINDOW
	cmd.SysProcAttr.HideWindow = true
}
