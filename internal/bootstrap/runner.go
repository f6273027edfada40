package bootstrap

import (
	"context"
	"os/exec"
	"runtime"
)

// Runner executes external commands. The default implementation uses os/exec;
// tests substitute a fake.
type Runner interface {
	// Output runs name with args and returns combined stdout and stderr.
	Output(ctx context.Context, name string, args ...string) ([]byte, error)
	// Shell runs script through the platform shell.
	Shell(ctx context.Context, script string) ([]byte, error)
}

type execRunner struct{}

func (execRunner) Output(ctx context.Context, name string, args ...string) ([]byte, error) {
	// #nosec G204
	cmd := exec.CommandContext(ctx, name, args...)
	return cmd.CombinedOutput()
}

func (execRunner) Shell(ctx context.Context, script string) ([]byte, error) {
	var cmd *exec.Cmd
	if runtime.GOOS == "windows" {
		// #nosec G204
		cmd = exec.CommandContext(ctx, "cmd", "/c", script)
	} else {
		// #nosec G204
		cmd = exec.CommandContext(ctx, "/bin/sh", "-c", script)
	}
	return cmd.CombinedOutput()
}
