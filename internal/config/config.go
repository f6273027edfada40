package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/research41/stata-mcp/internal/detector"
	"github.com/research41/stata-mcp/internal/endpoint"
	"github.com/research41/stata-mcp/internal/errdefs"
	"github.com/research41/stata-mcp/internal/logger"
	"github.com/research41/stata-mcp/internal/process"
	"github.com/research41/stata-mcp/internal/supervisor"
)

// EnvPrefix prefixes environment overrides: STATA_MCP_PORT, STATA_MCP_API_LISTEN, ...
const EnvPrefix = "STATA_MCP"

// Settings is the full configuration of the launcher and its worker.
type Settings struct {
	Host               string        `mapstructure:"host" yaml:"host"`
	Port               int           `mapstructure:"port" yaml:"port"`
	StataPath          string        `mapstructure:"stata_path" yaml:"stata_path"`
	StataEdition       string        `mapstructure:"stata_edition" yaml:"stata_edition"`
	LogFileLocation    string        `mapstructure:"log_file_location" yaml:"log_file_location"`
	CustomLogDirectory string        `mapstructure:"custom_log_directory" yaml:"custom_log_directory,omitempty"`
	WorkerLogFile      string        `mapstructure:"worker_log_file" yaml:"worker_log_file,omitempty"`
	ForcePort          bool          `mapstructure:"force_port" yaml:"force_port"`
	Debug              bool          `mapstructure:"debug" yaml:"debug"`
	RunFileTimeout     time.Duration `mapstructure:"run_file_timeout" yaml:"run_file_timeout"`
	HealthTrustWindow  time.Duration `mapstructure:"health_trust_window" yaml:"health_trust_window"`

	DataDir         string   `mapstructure:"data_dir" yaml:"data_dir"`
	ServerScript    string   `mapstructure:"server_script" yaml:"server_script"`
	Requirements    string   `mapstructure:"requirements" yaml:"requirements,omitempty"`
	PythonVersion   string   `mapstructure:"python_version" yaml:"python_version"`
	IntegrationFile string   `mapstructure:"integration_file" yaml:"integration_file"`
	History         []string `mapstructure:"history" yaml:"history,omitempty"` // sink DSNs
	Strategy        string   `mapstructure:"strategy" yaml:"strategy,omitempty"`

	Probe ProbeSettings `mapstructure:"probe" yaml:"probe"`
	API   APISettings   `mapstructure:"api" yaml:"api"`
	Log   LogSettings   `mapstructure:"log" yaml:"log"`
}

type ProbeSettings struct {
	Attempts int           `mapstructure:"attempts" yaml:"attempts"`
	Interval time.Duration `mapstructure:"interval" yaml:"interval"`
}

type APISettings struct {
	Listen   string `mapstructure:"listen" yaml:"listen"`
	BasePath string `mapstructure:"base_path" yaml:"base_path"`
}

type LogSettings struct {
	Level      string `mapstructure:"level" yaml:"level"`
	Format     string `mapstructure:"format" yaml:"format"`
	Color      bool   `mapstructure:"color" yaml:"color"`
	File       string `mapstructure:"file" yaml:"file,omitempty"`
	Dir        string `mapstructure:"dir" yaml:"dir,omitempty"` // worker stdout/stderr files
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days" yaml:"max_age_days"`
	Compress   bool   `mapstructure:"compress" yaml:"compress"`
}

// DefaultDataDir is ~/.stata-mcp.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".stata-mcp"
	}
	return filepath.Join(home, ".stata-mcp")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("host", "localhost")
	v.SetDefault("port", 4000)
	v.SetDefault("stata_path", "")
	v.SetDefault("stata_edition", "mp")
	v.SetDefault("log_file_location", supervisor.LogLocationExtension)
	v.SetDefault("custom_log_directory", "")
	v.SetDefault("worker_log_file", "")
	v.SetDefault("force_port", false)
	v.SetDefault("debug", false)
	v.SetDefault("run_file_timeout", 600*time.Second)
	v.SetDefault("health_trust_window", time.Duration(0))
	v.SetDefault("data_dir", DefaultDataDir())
	v.SetDefault("server_script", "")
	v.SetDefault("requirements", "")
	v.SetDefault("python_version", "3.11")
	v.SetDefault("integration_file", "")
	v.SetDefault("history", []string{})
	v.SetDefault("strategy", "")
	v.SetDefault("probe.attempts", 30)
	v.SetDefault("probe.interval", 500*time.Millisecond)
	v.SetDefault("api.listen", "127.0.0.1:4100")
	v.SetDefault("api.base_path", "/api")
	v.SetDefault("log.level", "INFO")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.color", false)
	v.SetDefault("log.file", "")
	v.SetDefault("log.dir", "")
	v.SetDefault("log.max_size_mb", logger.DefaultMaxSizeMB)
	v.SetDefault("log.max_backups", logger.DefaultMaxBackups)
	v.SetDefault("log.max_age_days", logger.DefaultMaxAgeDays)
	v.SetDefault("log.compress", false)
}

// Open prepares a viper instance with defaults, the optional config file
// (format from its extension) and STATA_MCP_* environment overrides. Callers
// may bind command-line flags before Decode.
func Open(path string) (*viper.Viper, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if path == "" {
		return v, nil
	}
	v.SetConfigFile(filepath.Clean(path))
	if err := v.ReadInConfig(); err != nil {
		return nil, errdefs.Wrap(errdefs.CodeInvalidConfiguration, err, "read config %s", path)
	}
	return v, nil
}

// Decode unmarshals and validates the settings held by v.
func Decode(v *viper.Viper) (Settings, error) {
	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return Settings{}, errdefs.Wrap(errdefs.CodeInvalidConfiguration, err, "decode config")
	}
	s.normalize()
	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

// Load is Open followed by Decode.
func Load(path string) (Settings, error) {
	v, err := Open(path)
	if err != nil {
		return Settings{}, err
	}
	return Decode(v)
}

func (s *Settings) normalize() {
	s.Host = strings.TrimSpace(s.Host)
	s.StataEdition = strings.ToLower(strings.TrimSpace(s.StataEdition))
	s.LogFileLocation = strings.ToLower(strings.TrimSpace(s.LogFileLocation))
	if s.ServerScript == "" && s.DataDir != "" {
		s.ServerScript = filepath.Join(s.DataDir, "src", "stata_mcp_server.py")
	}
	if s.Debug {
		s.Log.Level = "DEBUG"
	}
}

func (s Settings) Validate() error {
	if err := s.Endpoint().Validate(); err != nil {
		return errdefs.Wrap(errdefs.CodeInvalidConfiguration, err, "invalid host/port").
			WithSuggestion("set host and a port between 1 and 65535")
	}
	switch s.StataEdition {
	case "mp", "se", "be":
	default:
		return errdefs.New(errdefs.CodeInvalidConfiguration, "unknown stata_edition %q", s.StataEdition).
			WithSuggestion("use one of mp, se or be")
	}
	switch s.LogFileLocation {
	case supervisor.LogLocationExtension, supervisor.LogLocationWorkspace:
	case supervisor.LogLocationCustom:
		if strings.TrimSpace(s.CustomLogDirectory) == "" {
			return errdefs.New(errdefs.CodeInvalidConfiguration, "log_file_location is custom but custom_log_directory is empty")
		}
	default:
		return errdefs.New(errdefs.CodeInvalidConfiguration, "unknown log_file_location %q", s.LogFileLocation).
			WithSuggestion("use extension, workspace or custom")
	}
	if s.RunFileTimeout < 0 || s.HealthTrustWindow < 0 {
		return errdefs.New(errdefs.CodeInvalidConfiguration, "timeouts must not be negative")
	}
	if s.DataDir == "" {
		return errdefs.New(errdefs.CodeInvalidConfiguration, "data_dir is empty")
	}
	return nil
}

func (s Settings) Endpoint() endpoint.Endpoint { return endpoint.New(s.Host, s.Port) }

// WorkerLogLevel is the level passed to the worker: DEBUG when debug is on
// or the launcher itself logs at DEBUG, else INFO.
func (s Settings) WorkerLogLevel() string {
	if s.Debug || strings.EqualFold(s.Log.Level, "DEBUG") {
		return "DEBUG"
	}
	return "INFO"
}

// SupervisorConfig is the launch-relevant subset of s.
func (s Settings) SupervisorConfig() supervisor.Config {
	return supervisor.Config{
		Endpoint:           s.Endpoint(),
		StataPath:          s.StataPath,
		StataEdition:       s.StataEdition,
		LogLevel:           s.WorkerLogLevel(),
		LogFileLocation:    s.LogFileLocation,
		CustomLogDirectory: s.CustomLogDirectory,
		LogFile:            s.WorkerLogFile,
		ForcePort:          s.ForcePort,
	}
}

// RestartRequired reports whether moving to next needs a worker restart.
func (s Settings) RestartRequired(next Settings) bool {
	return s.SupervisorConfig().RestartRequired(next.SupervisorConfig())
}

func (s Settings) LaunchStrategy() process.Strategy { return process.ParseStrategy(s.Strategy) }

func (s Settings) LoggerConfig() logger.Config {
	return logger.Config{
		Level:  s.Log.Level,
		Format: s.Log.Format,
		Color:  s.Log.Color,
		File: logger.FileConfig{
			Path:       s.Log.File,
			Dir:        s.Log.Dir,
			MaxSizeMB:  s.Log.MaxSizeMB,
			MaxBackups: s.Log.MaxBackups,
			MaxAgeDays: s.Log.MaxAgeDays,
			Compress:   s.Log.Compress,
		},
	}
}

// ResolveStataPath fills StataPath (and the edition, when it can be told)
// from the detectors when it is empty.
func (s Settings) ResolveStataPath(ds ...detector.Detector) (Settings, error) {
	if strings.TrimSpace(s.StataPath) != "" {
		return s, nil
	}
	inst, ok := detector.Detect(ds...)
	if !ok {
		return s, errdefs.New(errdefs.CodeInvalidConfiguration, "Stata installation path is not set and none was detected").
			WithSuggestion("set stata_path (or STATA_MCP_STATA_PATH) to your Stata installation directory")
	}
	s.StataPath = inst.Path
	return s, nil
}
