// Package logger provides a lightweight, centralized logging facility
// with configurable verbosity levels.
//
// Design goals:
//   - Simple API (Errorf, Warnf, Infof, Debugf, Tracef)
//   - Centralized verbosity control
//   - Zero formatting logic at call sites
//   - Structured output through log/slog, optionally to a rotated file
//
// Verbosity levels (in increasing order):
//
//	Error < Info < Debug < Trace
//
// Example usage:
//
//	logger.SetVerbosity(2) // Debug
//	logger.Infof("building surface for %s", ticker)
//	logger.Debugf("spot=%f contracts=%d", spot, n)
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Level represents a logging verbosity level.
// Higher values mean more verbose logging.
type Level int

const (
	Error Level = iota // Error logs failures and warnings.
	Info               // Info logs high-level application progress.
	Debug              // Debug logs detailed diagnostic information.
	Trace              // Trace logs very fine-grained execution details.
)

// slogTrace sits below slog's Debug so trace lines stay distinguishable.
const slogTrace = slog.LevelDebug - 4

// Options configures the output sink. The zero value logs text to stderr.
type Options struct {
	Format     string // "text" (default) or "json"
	File       string // when set, logs are also written to this rotated file
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

var (
	mu      sync.RWMutex
	current = Info
	base    = newLogger(os.Stderr, "text")
	closer  io.Closer
)

func newLogger(w io.Writer, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: slogTrace, // gating happens in logf
		ReplaceAttr: func(_ []string, a slog.Attr) slog.Attr {
			if a.Key == slog.LevelKey {
				if lvl, ok := a.Value.Any().(slog.Level); ok && lvl == slogTrace {
					a.Value = slog.StringValue("TRACE")
				}
			}
			return a
		},
	}
	if strings.EqualFold(format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// Init replaces the output sink. Typically called once during startup,
// after configuration is loaded.
func Init(opts Options) error {
	var w io.Writer = os.Stderr
	var c io.Closer

	if opts.File != "" {
		if err := os.MkdirAll(filepath.Dir(opts.File), 0755); err != nil {
			return fmt.Errorf("create log dir: %w", err)
		}
		lj := &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.MaxBackups,
			MaxAge:     opts.MaxAgeDays,
			Compress:   true,
		}
		w = io.MultiWriter(os.Stderr, lj)
		c = lj
	}

	mu.Lock()
	defer mu.Unlock()
	if closer != nil {
		_ = closer.Close()
	}
	base = newLogger(w, opts.Format)
	closer = c
	return nil
}

// SetOutput sends log output to w. Mostly useful in tests.
func SetOutput(w io.Writer, format string) {
	mu.Lock()
	defer mu.Unlock()
	base = newLogger(w, format)
}

// Close flushes and releases the rotated log file, if any.
func Close() error {
	mu.Lock()
	defer mu.Unlock()
	if closer == nil {
		return nil
	}
	err := closer.Close()
	closer = nil
	return err
}

// SetVerbosity sets the global logging verbosity.
// Typically called once during application startup
// (e.g. after parsing CLI flags).
func SetVerbosity(v int) {
	mu.Lock()
	defer mu.Unlock()
	switch {
	case v < int(Error):
		current = Error
	case v > int(Trace):
		current = Trace
	default:
		current = Level(v)
	}
}

// Verbosity returns the active level.
func Verbosity() Level {
	mu.RLock()
	defer mu.RUnlock()
	return current
}

// logf checks verbosity and hands the formatted message to slog.
func logf(l Level, sl slog.Level, format string, args ...any) {
	mu.RLock()
	lg, enabled := base, current >= l
	mu.RUnlock()
	if !enabled {
		return
	}
	lg.Log(context.Background(), sl, fmt.Sprintf(format, args...))
}

// Errorf logs an error-level message.
// Use this for failures that require attention.
func Errorf(format string, args ...any) {
	logf(Error, slog.LevelError, format, args...)
}

// Warnf logs a recoverable problem. It shares the Error verbosity so that
// per-contract failures stay visible at the quietest setting.
func Warnf(format string, args ...any) {
	logf(Error, slog.LevelWarn, format, args...)
}

// Infof logs an informational message.
// Use this for major lifecycle events.
func Infof(format string, args ...any) {
	logf(Info, slog.LevelInfo, format, args...)
}

// Debugf logs debugging information.
func Debugf(format string, args ...any) {
	logf(Debug, slog.LevelDebug, format, args...)
}

// Tracef logs very detailed execution traces.
// Use this sparingly due to high volume.
func Tracef(format string, args ...any) {
	logf(Trace, slogTrace, format, args...)
}
