// Package logging configures zerolog for proctor and hands out component loggers.
package logging

import (
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	mu   sync.RWMutex
	root = zerolog.New(consoleWriter()).With().Timestamp().Logger()
)

// Options controls global logging behavior.
type Options struct {
	// Level is the minimum level to emit (trace, debug, info, warn, error).
	Level string

	// File, when set, sends JSON logs to a size-rotated file instead of stderr.
	File string

	// MaxSizeMB caps the log file size before rotation. Zero means 50.
	MaxSizeMB int

	// MaxBackups is how many rotated files to keep. Zero means 3.
	MaxBackups int

	// Console forces human-readable console output even when File is set.
	Console bool
}

// Setup applies global logging options. Safe to call more than once; the
// last call wins.
func Setup(opts Options) {
	level := parseLevel(opts.Level)

	var out io.Writer
	switch {
	case opts.File != "":
		maxSize := opts.MaxSizeMB
		if maxSize <= 0 {
			maxSize = 50
		}
		maxBackups := opts.MaxBackups
		if maxBackups <= 0 {
			maxBackups = 3
		}
		rotated := &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    maxSize,
			MaxBackups: maxBackups,
			Compress:   true,
		}
		if opts.Console {
			out = zerolog.MultiLevelWriter(consoleWriter(), rotated)
		} else {
			out = rotated
		}
	default:
		out = consoleWriter()
	}

	mu.Lock()
	root = zerolog.New(out).Level(level).With().Timestamp().Logger()
	mu.Unlock()
}

// Component returns a logger tagged with the component name.
func Component(name string) zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return root.With().Str("component", name).Logger()
}

// Root returns the root logger.
func Root() zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return root
}

func consoleWriter() io.Writer {
	return zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}
}

func parseLevel(value string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "", "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
