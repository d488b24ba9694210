// Package xlog is a small leveled logger shared by every package in this
// module. It mirrors the teacher's per-package logger idiom: each package
// calls xlog.New(pkg) once and gets back a *Logger scoped to that name,
// while the log level of every logger can still be raised or lowered
// globally at runtime (used by the --log-level CLI flag).
package xlog

import (
	"fmt"
	"os"
	"sync"
)

// Level is the set of all log levels, ordered from most to least severe.
type Level int8

const (
	// CRITICAL logs and then terminates the process.
	CRITICAL Level = iota - 1
	// ERROR indicates a problem that does not require exiting.
	ERROR
	// WARN flags a condition worth noticing.
	WARN
	// INFO is routine operational logging.
	INFO
	// DEBUG is verbose, development-time logging.
	DEBUG
)

// String returns a single-character label for lvl, e.g. "I" for INFO.
func (lvl Level) String() string {
	switch lvl {
	case CRITICAL:
		return "C"
	case ERROR:
		return "E"
	case WARN:
		return "W"
	case INFO:
		return "I"
	case DEBUG:
		return "D"
	default:
		return "?"
	}
}

// ParseLevel maps a CLI-friendly name to a Level. Unknown names default to INFO.
func ParseLevel(s string) Level {
	switch s {
	case "critical":
		return CRITICAL
	case "error":
		return ERROR
	case "warn", "warning":
		return WARN
	case "debug":
		return DEBUG
	default:
		return INFO
	}
}

// Logger carries a package name and its own max level, but writes through
// the shared, mutex-protected formatter so that concurrent loggers never
// interleave partial lines.
type Logger struct {
	pkg    string
	maxLvl Level
}

func (l *Logger) log(lvl Level, txt string) {
	global.mu.Lock()
	defer global.mu.Unlock()
	if l.maxLvl < lvl {
		return
	}
	global.formatter.WriteFlush(l.pkg, lvl, txt)
}

func (l *Logger) Fatalf(format string, args ...interface{}) {
	l.log(CRITICAL, fmt.Sprintf(format, args...))
	os.Exit(1)
}

func (l *Logger) Panicf(format string, args ...interface{}) {
	txt := fmt.Sprintf(format, args...)
	l.log(CRITICAL, txt)
	panic(txt)
}

func (l *Logger) Errorf(format string, args ...interface{}) { l.log(ERROR, fmt.Sprintf(format, args...)) }
func (l *Logger) Warnf(format string, args ...interface{})  { l.log(WARN, fmt.Sprintf(format, args...)) }
func (l *Logger) Infof(format string, args ...interface{})  { l.log(INFO, fmt.Sprintf(format, args...)) }
func (l *Logger) Debugf(format string, args ...interface{}) { l.log(DEBUG, fmt.Sprintf(format, args...)) }

// SetLevel updates only this logger's max level.
func (l *Logger) SetLevel(lvl Level) {
	global.mu.Lock()
	l.maxLvl = lvl
	global.mu.Unlock()
}

type registry struct {
	mu        sync.Mutex
	loggers   map[string]*Logger
	formatter Formatter
}

var global = &registry{
	loggers:   make(map[string]*Logger),
	formatter: NewTextFormatter(os.Stderr),
}

// New returns the Logger for pkg, creating it at INFO level if it does not exist yet.
func New(pkg string) *Logger {
	global.mu.Lock()
	defer global.mu.Unlock()
	if lg, ok := global.loggers[pkg]; ok {
		return lg
	}
	lg := &Logger{pkg: pkg, maxLvl: INFO}
	global.loggers[pkg] = lg
	return lg
}

// SetGlobalLevel sets the max level of every logger created so far.
func SetGlobalLevel(lvl Level) {
	global.mu.Lock()
	defer global.mu.Unlock()
	for _, lg := range global.loggers {
		lg.maxLvl = lvl
	}
}

// SetOutput swaps the shared formatter, e.g. to redirect logs to a file or a buffer in tests.
func SetOutput(f Formatter) {
	global.mu.Lock()
	global.formatter = f
	global.mu.Unlock()
}
