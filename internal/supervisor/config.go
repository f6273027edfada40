package supervisor

import (
	"path/filepath"

	"github.com/research41/stata-mcp/internal/endpoint"
	"github.com/research41/stata-mcp/internal/env"
	"github.com/research41/stata-mcp/internal/process"
)

const (
	LogLocationExtension = "extension"
	LogLocationWorkspace = "workspace"
	LogLocationCustom    = "custom"

	workerName    = "stata_mcp_server"
	workerLogName = workerName + ".log"
)

// Config holds the settings that shape a worker launch.
type Config struct {
	Endpoint           endpoint.Endpoint
	StataPath          string
	StataEdition       string
	LogLevel           string // DEBUG or INFO
	LogFileLocation    string
	CustomLogDirectory string
	LogFile            string // explicit worker log file, overrides LogFileLocation
	ForcePort          bool
}

// RestartRequired reports whether moving from c to next needs a worker restart.
func (c Config) RestartRequired(next Config) bool {
	return c.Endpoint != next.Endpoint ||
		c.StataPath != next.StataPath ||
		c.StataEdition != next.StataEdition ||
		c.LogLevel != next.LogLevel ||
		c.LogFileLocation != next.LogFileLocation ||
		c.CustomLogDirectory != next.CustomLogDirectory ||
		c.LogFile != next.LogFile ||
		c.ForcePort != next.ForcePort
}

// WorkerLogFile is where the worker writes its own log: under logs/ of the
// data dir for the extension location, else in the data dir itself.
func (c Config) WorkerLogFile(dataDir string) string {
	if c.LogFile != "" {
		return c.LogFile
	}
	if c.LogFileLocation == LogLocationExtension || c.LogFileLocation == "" {
		return filepath.Join(dataDir, "logs", workerLogName)
	}
	return filepath.Join(dataDir, workerLogName)
}

// Args renders the worker command-line parameters.
func (c Config) Args(dataDir string) process.WorkerArgs {
	loc := c.LogFileLocation
	if loc == "" {
		loc = LogLocationExtension
	}
	edition := c.StataEdition
	if edition == "" {
		edition = "mp"
	}
	level := c.LogLevel
	if level == "" {
		level = "INFO"
	}
	return process.WorkerArgs{
		Host:               c.Endpoint.Host,
		Port:               c.Endpoint.Port,
		ForcePort:          c.ForcePort,
		StataPath:          c.StataPath,
		StataEdition:       edition,
		LogFile:            c.WorkerLogFile(dataDir),
		LogLevel:           level,
		LogFileLocation:    loc,
		CustomLogDirectory: c.CustomLogDirectory,
	}
}

// LaunchSpec describes the worker launch for c with the given interpreter.
// Only the launch fields of opts are used.
func (c Config) LaunchSpec(python string, opts Options) process.LaunchSpec {
	e := env.New()
	e.FromOS()
	e.Set("PYTHONUNBUFFERED", "1")
	return process.LaunchSpec{
		Name:     workerName,
		Python:   python,
		Script:   opts.Script,
		Module:   opts.Module,
		Env:      e.Merge(opts.ExtraEnv),
		Args:     c.Args(opts.DataDir).Argv(),
		Strategy: opts.Strategy,
	}
}
