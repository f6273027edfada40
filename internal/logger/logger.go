package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

// Default logging configuration constants
const (
	DefaultMaxSizeMB  = 10 // MB
	DefaultMaxBackups = 3  // number of backup files
	DefaultMaxAgeDays = 7  // days
)

// Config describes where the launcher logs go and where worker output is kept.
type Config struct {
	Level  string // DEBUG, INFO, WARNING, ERROR, CRITICAL
	Format string // text or json
	Color  bool   // ANSI colors for text output
	File   FileConfig
}

// FileConfig holds rotating file destinations. Rotation parameters follow
// lumberjack semantics.
// If StdoutPath/StderrPath are empty and Dir is set, worker streams go to
// Dir/<name>.stdout.log and Dir/<name>.stderr.log.
type FileConfig struct {
	Path       string // launcher log file; empty logs to stderr
	Dir        string // base directory for worker stream logs
	StdoutPath string // explicit stdout path overrides Dir
	StderrPath string // explicit stderr path overrides Dir
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// New builds a slog.Logger from cfg. Output goes to a rotating file when
// File.Path is set, otherwise to stderr.
func New(cfg Config) *slog.Logger {
	var w io.Writer = os.Stderr
	if cfg.File.Path != "" {
		_ = os.MkdirAll(filepath.Dir(cfg.File.Path), 0o750)
		w = cfg.File.rotating(cfg.File.Path)
	}
	return NewWithWriter(cfg, w)
}

// NewWithWriter is New with an explicit destination.
func NewWithWriter(cfg Config, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(cfg.Level)}
	switch strings.ToLower(cfg.Format) {
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts))
	default:
		if cfg.Color && cfg.File.Path == "" {
			return slog.New(NewColorTextHandler(w, opts, true))
		}
		return slog.New(slog.NewTextHandler(w, opts))
	}
}

// ParseLevel maps launcher log level names to slog levels. Unknown names map to Info.
func ParseLevel(s string) slog.Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR", "CRITICAL", "FATAL":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ProcessWriters returns rotating writers for the stdout and stderr of the named process.
// Either may be nil when no destination is configured.
func (c Config) ProcessWriters(name string) (io.WriteCloser, io.WriteCloser, error) {
	return c.File.Writers(name)
}

// Writers returns io.WriteClosers for stdout and stderr for given process name.
func (c FileConfig) Writers(name string) (io.WriteCloser, io.WriteCloser, error) {
	stdout := c.StdoutPath
	stderr := c.StderrPath
	if stdout == "" && c.Dir != "" {
		stdout = filepath.Join(c.Dir, fmt.Sprintf("%s.stdout.log", name))
	}
	if stderr == "" && c.Dir != "" {
		stderr = filepath.Join(c.Dir, fmt.Sprintf("%s.stderr.log", name))
	}
	if c.Dir != "" {
		if err := os.MkdirAll(c.Dir, 0o750); err != nil {
			return nil, nil, err
		}
	}
	var outW io.WriteCloser
	var errW io.WriteCloser
	if stdout != "" {
		outW = c.rotating(stdout)
	}
	if stderr != "" {
		errW = c.rotating(stderr)
	}
	return outW, errW, nil
}

func (c FileConfig) rotating(path string) *lj.Logger {
	return &lj.Logger{
		Filename:   path,
		MaxSize:    valOr(c.MaxSizeMB, DefaultMaxSizeMB),
		MaxBackups: valOr(c.MaxBackups, DefaultMaxBackups),
		MaxAge:     valOr(c.MaxAgeDays, DefaultMaxAgeDays),
		Compress:   c.Compress,
	}
}

func valOr(v int, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
