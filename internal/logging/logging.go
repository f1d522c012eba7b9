// Package logging builds the per-component loggers the daemon and CLI use.
package logging

import (
	"io"
	"log"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Options selects the log destination. An empty File writes to stderr;
// otherwise output goes to a size-rotated file.
type Options struct {
	File       string
	MaxSizeMB  int
	MaxBackups int
}

// Sink builds logger factories over one shared destination.
type Sink struct {
	w      io.Writer
	closer io.Closer
}

// NewSink creates the destination described by opts.
func NewSink(opts Options) *Sink {
	if opts.File == "" {
		return &Sink{w: os.Stderr}
	}
	lj := &lumberjack.Logger{
		Filename:   opts.File,
		MaxSize:    max(opts.MaxSizeMB, 1),
		MaxBackups: opts.MaxBackups,
		Compress:   true,
	}
	return &Sink{w: lj, closer: lj}
}

// Component returns a logger with the conventional "[name] " prefix.
func (s *Sink) Component(name string) *log.Logger {
	return log.New(s.w, "["+name+"] ", log.LstdFlags)
}

// Close flushes and closes a file-backed sink. No-op for stderr.
func (s *Sink) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer.Close()
}
