package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/research41/stata-mcp/internal/config"
	"github.com/research41/stata-mcp/pkg/client"
)

// GlobalFlags holds the persistent flags shared by every command
type GlobalFlags struct {
	ConfigPath string
	APIUrl     string
	APITimeout time.Duration
}

// LaunchFlags mirrors the worker's own command line.
type LaunchFlags struct {
	Port               int
	Host               string
	LogLevel           string
	StataPath          string
	LogFile            string
	StataEdition       string
	LogFileLocation    string
	CustomLogDirectory string
	ForcePort          bool
}

// ServeFlags holds flags for the serve command
type ServeFlags struct {
	Listen     string
	BasePath   string
	StartEarly bool
	NoWatch    bool
}

// RunFlags holds flags for the run command
type RunFlags struct {
	Code    string
	Command string
	Timeout time.Duration
	Test    bool
}

// flagKeys maps command-line flags onto configuration keys.
var flagKeys = map[string]string{
	"port":                 "port",
	"host":                 "host",
	"log-level":            "log.level",
	"stata-path":           "stata_path",
	"log-file":             "worker_log_file",
	"stata-edition":        "stata_edition",
	"log-file-location":    "log_file_location",
	"custom-log-directory": "custom_log_directory",
	"force-port":           "force_port",
	"listen":               "api.listen",
	"base-path":            "api.base_path",
}

func addLaunchFlags(fs *pflag.FlagSet, f *LaunchFlags) {
	fs.IntVar(&f.Port, "port", 0, "worker port (default 4000)")
	fs.StringVar(&f.Host, "host", "", "worker host (default localhost)")
	fs.StringVar(&f.LogLevel, "log-level", "", "log level: DEBUG, INFO, WARNING, ERROR or CRITICAL")
	fs.StringVar(&f.StataPath, "stata-path", "", "Stata installation directory (detected when empty)")
	fs.StringVar(&f.LogFile, "log-file", "", "worker log file (default from --log-file-location)")
	fs.StringVar(&f.StataEdition, "stata-edition", "", "Stata edition: mp, se or be")
	fs.StringVar(&f.LogFileLocation, "log-file-location", "", "worker log location: extension, workspace or custom")
	fs.StringVar(&f.CustomLogDirectory, "custom-log-directory", "", "directory for logs when --log-file-location=custom")
	fs.BoolVar(&f.ForcePort, "force-port", false, "terminate whatever holds the port before starting")
}

// bindFlags lets changed flags override the config file and environment.
func bindFlags(v *viper.Viper, fs *pflag.FlagSet) error {
	var err error
	fs.VisitAll(func(f *pflag.Flag) {
		key, ok := flagKeys[f.Name]
		if !ok || err != nil {
			return
		}
		err = v.BindPFlag(key, f)
	})
	return err
}

// loadSettings reads the config file, environment and the flags in fs.
func loadSettings(g *GlobalFlags, fs *pflag.FlagSet) (*viper.Viper, config.Settings, error) {
	v, err := config.Open(g.ConfigPath)
	if err != nil {
		return nil, config.Settings{}, err
	}
	if fs != nil {
		if err := bindFlags(v, fs); err != nil {
			return nil, config.Settings{}, fmt.Errorf("bind flags: %w", err)
		}
	}
	s, err := config.Decode(v)
	if err != nil {
		return nil, config.Settings{}, err
	}
	return v, s, nil
}

// apiBaseURL is --api-url, or the control API address from the settings.
func apiBaseURL(g *GlobalFlags, s config.Settings) string {
	if g.APIUrl != "" {
		return g.APIUrl
	}
	listen := s.API.Listen
	if listen == "" {
		return client.DefaultBaseURL
	}
	if strings.HasPrefix(listen, ":") {
		listen = "127.0.0.1" + listen
	}
	return "http://" + listen + s.API.BasePath
}

func newAPIClient(g *GlobalFlags) (*client.Client, error) {
	_, s, err := loadSettings(g, nil)
	if err != nil {
		return nil, err
	}
	return client.New(client.Config{BaseURL: apiBaseURL(g, s), Timeout: g.APITimeout}), nil
}
