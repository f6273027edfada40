//go:build !windows

package server

import "path/filepath"

// absTestPath is an absolute path on Unix hosts.
func absTestPath() string {
	return filepath.Join(string(filepath.Separator), "tmp", "x")
}
