//go:build windows

package process

import (
	"os/exec"
	"syscall"
)

// getShellCommand returns a shell command for Windows systems. The line is
// passed verbatim so quoted paths survive cmd's own parsing.
func getShellCommand(script string) *exec.Cmd {
	// #nosec G204
	cmd := exec.Command("cmd")
	cmd.SysProcAttr = &syscall.SysProcAttr{CmdLine: `cmd /s /c "` + script + `"`}
	return cmd
}
