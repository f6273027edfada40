//go:build windows

package process

import (
	"os/exec"
	"strconv"
	"syscall"
)

var (
	kernel32             = syscall.NewLazyDLL("kernel32.dll")
	procOpenProcess      = kernel32.NewProc("OpenProcess")
	procTerminateProcess = kernel32.NewProc("TerminateProcess")
	procCloseHandle      = kernel32.NewProc("CloseHandle")
)

const PROCESS_TERMINATE = 0x0001

// terminateGroup has no polite equivalent for console-less children on
// Windows, so it terminates the tree like killGroup.
func terminateGroup(pid int) error { return killGroup(pid) }

// killGroup terminates pid and its descendants. taskkill covers the tree
// started through cmd /c; TerminateProcess is the fallback for the leader.
func killGroup(pid int) error {
	if pid <= 0 {
		return nil
	}
	// #nosec G204
	if err := exec.Command("taskkill", "/T", "/F", "/PID", strconv.Itoa(pid)).Run(); err == nil {
		return nil
	}
	return terminate(pid)
}

func terminate(pid int) error {
	h, _, _ := procOpenProcess.Call(uintptr(PROCESS_TERMINATE), 0, uintptr(pid))
	if h == 0 {
		// already gone
		return nil
	}
	defer func() { _, _, _ = procCloseHandle.Call(h) }()
	if ret, _, err := procTerminateProcess.Call(h, uintptr(1)); ret == 0 {
		return err
	}
	return nil
}
