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

// FileConfig describes file destinations.
// Path is the daemon's own log file. Dir/StdoutPath/StderrPath are used for
// supervised service output: if StdoutPath/StderrPath are empty and Dir is set,
// files will be Dir/<name>.stdout.log and Dir/<name>.stderr.log.
// Rotation parameters follow lumberjack semantics.
type FileConfig struct {
	Path       string `mapstructure:"path" json:"path,omitempty"`
	Dir        string `mapstructure:"dir" json:"dir,omitempty"`
	StdoutPath string `mapstructure:"stdout" json:"stdout,omitempty"`
	StderrPath string `mapstructure:"stderr" json:"stderr,omitempty"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" json:"max_size_mb,omitempty"`
	MaxBackups int    `mapstructure:"max_backups" json:"max_backups,omitempty"`
	MaxAgeDays int    `mapstructure:"max_age_days" json:"max_age_days,omitempty"`
	Compress   bool   `mapstructure:"compress" json:"compress,omitempty"`
}

// Config is the unified slog-based logging configuration.
type Config struct {
	Level  string     `mapstructure:"level" json:"level,omitempty"`   // debug, info, warn, error
	Format string     `mapstructure:"format" json:"format,omitempty"` // text (default) or json
	Color  bool       `mapstructure:"color" json:"color,omitempty"`   // ANSI level colors for text output
	File   FileConfig `mapstructure:"file" json:"file,omitempty"`
}

// New builds a *slog.Logger from cfg. Without File.Path it writes to stderr.
func New(cfg Config) *slog.Logger {
	var w io.Writer = os.Stderr
	if cfg.File.Path != "" {
		_ = os.MkdirAll(filepath.Dir(cfg.File.Path), 0o750)
		w = cfg.File.rotating(cfg.File.Path)
	}
	return NewWithWriter(cfg, w)
}

// NewWithWriter builds a logger on an explicit writer (tests, embedded use).
func NewWithWriter(cfg Config, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(cfg.Level)}
	var h slog.Handler
	switch {
	case strings.EqualFold(cfg.Format, "json"):
		h = slog.NewJSONHandler(w, opts)
	case cfg.Color && cfg.File.Path == "":
		h = NewColorTextHandler(w, opts, true)
	default:
		h = slog.NewTextHandler(w, opts)
	}
	return slog.New(h)
}

// ParseLevel maps a level name to slog.Level, defaulting to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ProcessWriters returns io.WriteClosers for stdout and stderr of the named service.
// Both are nil when neither Dir nor explicit paths are configured.
func (c Config) ProcessWriters(name string) (io.WriteCloser, io.WriteCloser, error) {
	fc := c.File
	stdout := fc.StdoutPath
	stderr := fc.StderrPath
	if stdout == "" && fc.Dir != "" {
		stdout = filepath.Join(fc.Dir, fmt.Sprintf("%s.stdout.log", name))
	}
	if stderr == "" && fc.Dir != "" {
		stderr = filepath.Join(fc.Dir, fmt.Sprintf("%s.stderr.log", name))
	}
	if fc.Dir != "" {
		if err := os.MkdirAll(fc.Dir, 0o750); err != nil {
			return nil, nil, err
		}
	}
	var outW io.WriteCloser
	var errW io.WriteCloser
	if stdout != "" {
		outW = fc.rotating(stdout)
	}
	if stderr != "" {
		errW = fc.rotating(stderr)
	}
	return outW, errW, nil
}

func (fc FileConfig) rotating(path string) *lj.Logger {
	return &lj.Logger{
		Filename:   path,
		MaxSize:    valOr(fc.MaxSizeMB, DefaultMaxSizeMB),
		MaxBackups: valOr(fc.MaxBackups, DefaultMaxBackups),
		MaxAge:     valOr(fc.MaxAgeDays, DefaultMaxAgeDays),
		Compress:   fc.Compress,
	}
}

// OrDefault returns l, or slog.Default() when l is nil.
func OrDefault(l *slog.Logger) *slog.Logger {
	if l == nil {
		return slog.Default()
	}
	return l
}

func valOr(v int, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
