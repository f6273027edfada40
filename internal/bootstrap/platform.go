package bootstrap

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	unixInstallScript    = "curl -LsSf https://astral.sh/uv/install.sh | sh"
	windowsInstallScript = `powershell -ExecutionPolicy ByPass -Command "& {irm https://astral.sh/uv/install.ps1 | iex}"`

	defaultReleaseBaseURL = "https://github.com/astral-sh/uv/releases/latest/download"
)

func exeName(tool, goos string) string {
	if goos == "windows" && !strings.HasSuffix(strings.ToLower(tool), ".exe") {
		return tool + ".exe"
	}
	return tool
}

func installScript(goos string) string {
	if goos == "windows" {
		return windowsInstallScript
	}
	return unixInstallScript
}

// interpreterPath is the python executable inside a virtual environment.
func interpreterPath(envDir, goos string) string {
	if goos == "windows" {
		return filepath.Join(envDir, "Scripts", "python.exe")
	}
	return filepath.Join(envDir, "bin", "python")
}

// programDataDir is the machine-wide application data directory on Windows.
func programDataDir() string {
	if d := os.Getenv("ProgramData"); d != "" {
		return d
	}
	return `C:\ProgramData`
}

// searchDirs lists the directories a user-level or system install of the tool usually lands in.
func searchDirs(home, goos string) []string {
	if goos == "windows" {
		return []string{
			filepath.Join(home, ".cargo", "bin"),
			filepath.Join(home, "AppData", "Local", "uv"),
			filepath.Join(home, "AppData", "Local", "Programs", "uv"),
			filepath.Join(programDataDir(), "uv"),
		}
	}
	return []string{
		filepath.Join(home, ".cargo", "bin"),
		filepath.Join(home, ".local", "bin"),
		"/usr/local/bin",
		"/opt/homebrew/bin",
		"/opt/local/bin",
		"/usr/bin",
	}
}

// shapeMatches rejects paths recorded on another platform: Windows paths carry
// backslashes, POSIX paths never do.
func shapeMatches(p, goos string) bool {
	hasBackslash := strings.Contains(p, `\`)
	if goos == "windows" {
		return hasBackslash
	}
	return !hasBackslash
}

// releaseAsset returns the archive name of the prebuilt binary for goos/goarch.
func releaseAsset(goos, goarch string) (string, error) {
	var arch string
	switch goarch {
	case "amd64":
		arch = "x86_64"
	case "arm64":
		arch = "aarch64"
	default:
		return "", fmt.Errorf("no prebuilt uv for architecture %s", goarch)
	}
	switch goos {
	case "linux":
		return "uv-" + arch + "-unknown-linux-gnu.tar.gz", nil
	case "darwin":
		return "uv-" + arch + "-apple-darwin.tar.gz", nil
	case "windows":
		return "uv-" + arch + "-pc-windows-msvc.zip", nil
	default:
		return "", fmt.Errorf("no prebuilt uv for platform %s", goos)
	}
}

func isExecutable(p, goos string) bool {
	if p == "" {
		return false
	}
	fi, err := os.Stat(p)
	if err != nil || !fi.Mode().IsRegular() {
		return false
	}
	if goos == "windows" {
		return true
	}
	return fi.Mode().Perm()&0o111 != 0
}

// ManualInstructions is shown when uv could not be installed automatically.
func ManualInstructions(goos string) string {
	var b strings.Builder
	b.WriteString("Install the uv package manager manually, then restart:\n")
	switch goos {
	case "windows":
		b.WriteString("  powershell -ExecutionPolicy ByPass -c \"irm https://astral.sh/uv/install.ps1 | iex\"\n")
	default:
		b.WriteString("  Option 1 (user install): curl -LsSf https://astral.sh/uv/install.sh | sh\n")
		b.WriteString("  Option 2 (may require sudo): curl -LsSf https://astral.sh/uv/install.sh | sudo sh\n")
		if goos == "darwin" {
			b.WriteString("  Option 3: brew install uv\n")
		}
	}
	b.WriteString("See https://docs.astral.sh/uv/getting-started/installation/ for other methods.")
	return b.String()
}
