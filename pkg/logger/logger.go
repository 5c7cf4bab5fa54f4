// Package logger wires log/slog to stdout and rotating files. The node keeps
// two streams: the application log and an optional audit log recording
// settlements, oracle admissions and API access.
package logger

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Config describes how the application logger should behave. File outputs
// rotate with the same limits as the audit stream.
type Config struct {
	Level       string      `json:"level" yaml:"level"`
	Format      string      `json:"format" yaml:"format"`
	OutputPaths []string    `json:"output_paths" yaml:"output_paths"`
	Audit       AuditConfig `json:"audit" yaml:"audit"`
}

// AuditConfig controls the audit stream.
type AuditConfig struct {
	Enabled    bool   `json:"enabled" yaml:"enabled"`
	Path       string `json:"path" yaml:"path"`
	MaxSizeMB  int    `json:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `json:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `json:"max_age_days" yaml:"max_age_days"`
	Compress   bool   `json:"compress" yaml:"compress"`
}

func (c AuditConfig) rotating(path string) *lumberjack.Logger {
	w := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    c.MaxSizeMB,
		MaxBackups: c.MaxBackups,
		MaxAge:     c.MaxAgeDays,
		Compress:   c.Compress,
	}
	if w.MaxSize <= 0 {
		w.MaxSize = 100
	}
	if w.MaxBackups <= 0 {
		w.MaxBackups = 7
	}
	if w.MaxAge <= 0 {
		w.MaxAge = 30
	}
	return w
}

type loggers struct {
	mu      sync.Mutex
	app     *slog.Logger
	audit   *slog.Logger
	closers []io.Closer
}

var current loggers

// Init installs the global loggers. Calling it again swaps the loggers and
// closes the files opened by the previous call.
func Init(cfg Config) error {
	if cfg.Audit.Enabled && strings.TrimSpace(cfg.Audit.Path) == "" {
		return errors.New("audit log path cannot be empty when enabled")
	}
	level := parseLevel(cfg.Level)

	var opened []io.Closer
	writers := []io.Writer{}
	for _, path := range cfg.OutputPaths {
		switch strings.ToLower(strings.TrimSpace(path)) {
		case "", "stdout":
			writers = append(writers, os.Stdout)
		case "stderr":
			writers = append(writers, os.Stderr)
		default:
			file := cfg.Audit.rotating(path)
			opened = append(opened, file)
			writers = append(writers, file)
		}
	}
	if len(writers) == 0 {
		writers = append(writers, os.Stdout)
	}

	opts := &slog.HandlerOptions{Level: level, AddSource: level == slog.LevelDebug}
	out := io.MultiWriter(writers...)
	var handler slog.Handler = slog.NewJSONHandler(out, opts)
	if strings.EqualFold(cfg.Format, "text") {
		handler = slog.NewTextHandler(out, opts)
	}
	app := slog.New(handler)

	audit := app
	if cfg.Audit.Enabled {
		file := cfg.Audit.rotating(cfg.Audit.Path)
		opened = append(opened, file)
		audit = slog.New(slog.NewJSONHandler(file, &slog.HandlerOptions{Level: slog.LevelInfo})).
			With(slog.String("stream", "audit"))
	}

	current.mu.Lock()
	previous := current.closers
	current.app, current.audit, current.closers = app, audit, opened
	current.mu.Unlock()
	return closeAll(previous)
}

func parseLevel(level string) slog.Level {
	var l slog.Level
	if strings.EqualFold(level, "warning") {
		level = "warn"
	}
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return slog.LevelInfo
	}
	return l
}

// L returns the application logger, installing defaults on first use.
func L() *slog.Logger {
	current.mu.Lock()
	l := current.app
	current.mu.Unlock()
	if l != nil {
		return l
	}
	_ = Init(Config{})
	return L()
}

// Audit returns the audit logger, or the application logger when the audit
// stream is disabled.
func Audit() *slog.Logger {
	current.mu.Lock()
	a := current.audit
	current.mu.Unlock()
	if a == nil {
		return L()
	}
	return a
}

// Named tags the application logger with a component.
func Named(name string) *slog.Logger {
	return L().With(slog.String("component", name))
}

// Sync closes the files opened by Init. Loggers keep working but file
// outputs are reopened lazily by the rotator.
func Sync() error {
	current.mu.Lock()
	list := current.closers
	current.closers = nil
	current.mu.Unlock()
	return closeAll(list)
}

func closeAll(list []io.Closer) error {
	var err error
	for _, c := range list {
		err = errors.Join(err, c.Close())
	}
	return err
}
