// Package logging builds the component loggers used across plugsync.
//
// Every component takes a plain *log.Logger with its own prefix. The
// loggers returned here share one writer: stderr, plus a size-rotated log
// file when one is configured.
package logging

import (
	"io"
	"log"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Config controls where log output goes.
type Config struct {
	// File is the rotated log file. Empty logs to stderr only.
	File string

	// MaxSizeMB is the size at which the file is rotated.
	MaxSizeMB int

	// MaxBackups is the number of rotated files kept.
	MaxBackups int

	// MaxAgeDays is the number of days rotated files are kept.
	MaxAgeDays int

	// Quiet drops the stderr copy. Used when only the file should receive
	// output.
	Quiet bool
}

// Factory creates prefixed loggers that share one output.
type Factory struct {
	out  io.Writer
	file *lumberjack.Logger
}

// New returns a Factory for cfg. A nil cfg logs to stderr.
func New(cfg *Config) *Factory {
	if cfg == nil {
		cfg = &Config{}
	}

	var writers []io.Writer
	if !cfg.Quiet {
		writers = append(writers, os.Stderr)
	}

	f := &Factory{}
	if cfg.File != "" {
		f.file = &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
		}
		writers = append(writers, f.file)
	}

	switch len(writers) {
	case 0:
		f.out = io.Discard
	case 1:
		f.out = writers[0]
	default:
		f.out = io.MultiWriter(writers...)
	}
	return f
}

// Logger returns a logger whose lines start with "[component] ".
func (f *Factory) Logger(component string) *log.Logger {
	return log.New(f.out, "["+component+"] ", log.LstdFlags)
}

// Writer returns the shared output.
func (f *Factory) Writer() io.Writer {
	return f.out
}

// Rotate closes the current log file and starts a new one. It is a no-op
// without a log file.
func (f *Factory) Rotate() error {
	if f.file == nil {
		return nil
	}
	return f.file.Rotate()
}

// Close closes the log file, if any.
func (f *Factory) Close() error {
	if f.file == nil {
		return nil
	}
	return f.file.Close()
}
