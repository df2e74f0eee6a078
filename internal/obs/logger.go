// Package obs bootstraps logging for the proxy: logrus level setup and
// output routing to stdout plus a rotating file.
package obs

import (
	"io"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// LogOptions controls the logging bootstrap.
type LogOptions struct {
	// Debug drops the level to Debug; otherwise Info.
	Debug bool
	// File is the rotating log file. Empty disables file output.
	File string
	// Quiet suppresses stdout; file output still applies. Used in tests and
	// when the process is detached from a terminal.
	Quiet bool
}

// DefaultLogFile returns the log path under the config directory.
func DefaultLogFile(configDir string) string {
	return filepath.Join(configDir, "log", "crosstalk.log")
}

// SetupLogging configures the global logrus instance. The returned closer
// owns the rotating file handle; callers close it on shutdown. It is never
// nil.
func SetupLogging(opts LogOptions) io.Closer {
	if opts.Debug {
		logrus.SetLevel(logrus.DebugLevel)
	} else {
		logrus.SetLevel(logrus.InfoLevel)
	}

	var writers []io.Writer
	if !opts.Quiet {
		writers = append(writers, os.Stdout)
	}

	var closer io.Closer = nopCloser{}
	if opts.File != "" {
		rotating := &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    10, // MB
			MaxBackups: 10,
			MaxAge:     30, // days
			Compress:   true,
		}
		writers = append(writers, rotating)
		closer = rotating
	}

	switch len(writers) {
	case 0:
		logrus.SetOutput(io.Discard)
	case 1:
		logrus.SetOutput(writers[0])
	default:
		logrus.SetOutput(io.MultiWriter(writers...))
	}

	return closer
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
