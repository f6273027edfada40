package process

import (
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
)

// Strategy selects how the worker command line is handed to the OS.
type Strategy int

const (
	// StrategyArgv executes the interpreter directly with an argument vector.
	StrategyArgv Strategy = iota
	// StrategyCommandString runs `"<python>" -m <module> <args>` through the
	// platform shell with the script directory as working directory.
	StrategyCommandString
)

func (s Strategy) String() string {
	if s == StrategyCommandString {
		return "command-string"
	}
	return "argv"
}

// DefaultStrategy is argv everywhere except Windows.
func DefaultStrategy() Strategy {
	if runtime.GOOS == "windows" {
		return StrategyCommandString
	}
	return StrategyArgv
}

// ParseStrategy maps a config value to a Strategy; empty or unknown values
// yield the platform default.
func ParseStrategy(s string) Strategy {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "argv":
		return StrategyArgv
	case "command-string", "command_string", "shell":
		return StrategyCommandString
	default:
		return DefaultStrategy()
	}
}

// WorkerArgs are the worker's command-line parameters.
type WorkerArgs struct {
	Host               string
	Port               int
	ForcePort          bool
	StataPath          string
	StataEdition       string
	LogFile            string
	LogLevel           string
	LogFileLocation    string
	CustomLogDirectory string
}

// Argv renders the parameters in the order the worker documents them.
// Optional values are omitted when empty.
func (a WorkerArgs) Argv() []string {
	args := []string{"--port", strconv.Itoa(a.Port)}
	if a.Host != "" {
		args = append(args, "--host", a.Host)
	}
	if a.ForcePort {
		args = append(args, "--force-port")
	}
	if a.StataPath != "" {
		args = append(args, "--stata-path", a.StataPath)
	}
	if a.LogFile != "" {
		args = append(args, "--log-file", a.LogFile)
	}
	if a.StataEdition != "" {
		args = append(args, "--stata-edition", a.StataEdition)
	}
	if a.LogLevel != "" {
		args = append(args, "--log-level", a.LogLevel)
	}
	if a.LogFileLocation != "" {
		args = append(args, "--log-file-location", a.LogFileLocation)
	}
	if a.CustomLogDirectory != "" {
		args = append(args, "--custom-log-directory", a.CustomLogDirectory)
	}
	return args
}

// LaunchSpec describes one worker launch.
type LaunchSpec struct {
	Name     string
	Python   string
	Script   string // worker entry script
	Module   string // module name used by StrategyCommandString
	WorkDir  string
	Env      []string
	Args     []string
	Strategy Strategy
}

// BuildCommand constructs the *exec.Cmd for the spec's strategy.
func (s LaunchSpec) BuildCommand() *exec.Cmd {
	var cmd *exec.Cmd
	switch s.Strategy {
	case StrategyCommandString:
		cmd = getShellCommand(s.CommandLine())
	default:
		args := make([]string, 0, len(s.Args)+2)
		if s.Script != "" {
			args = append(args, s.Script)
		} else if s.Module != "" {
			args = append(args, "-m", s.Module)
		}
		args = append(args, s.Args...)
		// #nosec G204
		cmd = exec.Command(s.Python, args...)
	}
	cmd.Dir = s.dir()
	return cmd
}

// CommandLine is the single string form used for logging and for
// StrategyCommandString.
func (s LaunchSpec) CommandLine() string {
	var b strings.Builder
	b.WriteString(quote(s.Python, true))
	switch {
	case s.Strategy == StrategyCommandString:
		b.WriteString(" -m ")
		b.WriteString(s.module())
	case s.Script != "":
		b.WriteString(" ")
		b.WriteString(quote(s.Script, false))
	case s.Module != "":
		b.WriteString(" -m ")
		b.WriteString(s.Module)
	}
	for _, a := range s.Args {
		b.WriteString(" ")
		b.WriteString(quote(a, false))
	}
	return b.String()
}

func (s LaunchSpec) module() string {
	if s.Module != "" {
		return s.Module
	}
	base := s.Script[strings.LastIndexAny(s.Script, `/\`)+1:]
	return strings.TrimSuffix(base, filepath.Ext(base))
}

func (s LaunchSpec) dir() string {
	if s.WorkDir != "" {
		return s.WorkDir
	}
	if s.Script != "" {
		return filepath.Dir(s.Script)
	}
	return ""
}

func quote(s string, always bool) string {
	if always || s == "" || strings.ContainsAny(s, " \t\"") {
		return `"` + strings.ReplaceAll(s, `"`, `\"`) + `"`
	}
	return s
}
