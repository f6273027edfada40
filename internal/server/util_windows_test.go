//go:build windows

package server

import "path/filepath"

// absTestPath is an absolute path on Windows hosts.
func absTestPath() string {
	return filepath.Join("C:\\", "tmp", "x")
}
