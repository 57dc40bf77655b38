// Package logging configures the process-wide structured logger shared by
// every gateway component.
package logging

import (
	"io"
	"os"
	"sync"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	once   sync.Once
	logger = logrus.StandardLogger()
)

// Options controls how the shared logger is initialized.
type Options struct {
	// Level is a logrus level name ("debug", "info", "warn", "error").
	Level string
	// File, when non-empty, enables a rotating file sink alongside stderr.
	File string
	// MaxSizeMB caps the rotated log file size.
	MaxSizeMB int
	// MaxBackups caps the number of rotated files kept.
	MaxBackups int
}

// Init configures the shared logger exactly once per process. Subsequent
// calls are no-ops so packages can call it defensively during construction.
func Init(opts Options) {
	once.Do(func() {
		level, err := logrus.ParseLevel(opts.Level)
		if err != nil {
			level = logrus.InfoLevel
		}
		logger.SetLevel(level)
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

		var writers []io.Writer
		writers = append(writers, os.Stderr)
		if opts.File != "" {
			maxSize := opts.MaxSizeMB
			if maxSize <= 0 {
				maxSize = 50
			}
			maxBackups := opts.MaxBackups
			if maxBackups <= 0 {
				maxBackups = 5
			}
			writers = append(writers, &lumberjack.Logger{
				Filename:   opts.File,
				MaxSize:    maxSize,
				MaxBackups: maxBackups,
				Compress:   true,
			})
		}
		logger.SetOutput(io.MultiWriter(writers...))
	})
}

// For returns a logger entry tagged with the given component name, matching
// the field-based logging idiom used throughout the gateway.
func For(component string) *logrus.Entry {
	return logger.WithField("component", component)
}

// Root exposes the shared *logrus.Logger for callers that need direct access
// (e.g. wiring gin's writer).
func Root() *logrus.Logger {
	return logger
}
