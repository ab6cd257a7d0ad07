// Package log provides the small leveled logger used across the
// secure-channel stack, modeled on the teacher's device/logger.go: a narrow
// interface backed by the standard library's log.Logger, gated by level
// rather than by structured fields.
package log

import (
	"io"
	"log"
	"os"
)

const (
	Silent = iota
	Error
	Info
	Debug
)

// Logger is the narrow logging surface every component depends on.
type Logger interface {
	Debugf(f string, v ...interface{})
	Infof(f string, v ...interface{})
	Errorf(f string, v ...interface{})
	// With returns a child logger that prefixes every line with tag,
	// used to scope log output to one device or session.
	With(tag string) Logger
}

type basicLogger struct {
	level  int
	prefix string
	debug  *log.Logger
	info   *log.Logger
	err    *log.Logger
}

var _ Logger = &basicLogger{}

// New creates a Logger at the given level writing to os.Stderr.
func New(level int, prefix string) Logger {
	return newWithOutput(level, prefix, os.Stderr)
}

func newWithOutput(level int, prefix string, output io.Writer) Logger {
	discard := io.Discard
	logErr, logInfo, logDebug := output, discard, discard
	if level >= Info {
		logInfo = output
	}
	if level >= Debug {
		logDebug = output
	}
	if level < Error {
		logErr = discard
	}
	return &basicLogger{
		level:  level,
		prefix: prefix,
		debug:  log.New(logDebug, "DEBUG: "+prefix, log.Ldate|log.Ltime),
		info:   log.New(logInfo, "INFO: "+prefix, log.Ldate|log.Ltime),
		err:    log.New(logErr, "ERROR: "+prefix, log.Ldate|log.Ltime),
	}
}

func (l *basicLogger) Debugf(f string, v ...interface{}) { l.debug.Printf(f, v...) }
func (l *basicLogger) Infof(f string, v ...interface{})  { l.info.Printf(f, v...) }
func (l *basicLogger) Errorf(f string, v ...interface{}) { l.err.Printf(f, v...) }

func (l *basicLogger) With(tag string) Logger {
	return newWithOutput(l.level, l.prefix+tag+": ", l.err.Writer())
}

// Discard is a Logger that drops everything, handy in tests.
var Discard Logger = &basicLogger{
	debug: log.New(io.Discard, "", 0),
	info:  log.New(io.Discard, "", 0),
	err:   log.New(io.Discard, "", 0),
}
