package logger

import (
	"log"
)

type LogLevel int

const (
	LogLevelNone LogLevel = iota
	LogLevelError
	LogLevelWarning
	LogLevelInfo
	LogLevelDebug
)

var levelPrefix = map[LogLevel]string{
	LogLevelError:   "ERROR:",
	LogLevelWarning: "WARN:",
	LogLevelInfo:    "",
	LogLevelDebug:   "DEBUG:",
}

type Logger struct {
	out   *log.Logger
	level LogLevel
	tag   string
}

func NewLogger(out *log.Logger, level LogLevel) *Logger {
	return &Logger{
		out:   out,
		level: level,
	}
}

// WithTag creates a new logger that prefixes every line with [tag]
func (l *Logger) WithTag(tag string) *Logger {
	return &Logger{
		out:   l.out,
		level: l.level,
		tag:   tag,
	}
}

func (l *Logger) printf(level LogLevel, format string, v ...interface{}) {
	if l.level < level {
		return
	}
	prefix := levelPrefix[level]
	if l.tag != "" {
		if prefix != "" {
			prefix = "[" + l.tag + "] " + prefix
		} else {
			prefix = "[" + l.tag + "]"
		}
	}
	if prefix != "" {
		format = prefix + " " + format
	}
	l.out.Printf(format, v...)
}

func (l *Logger) Debugf(format string, v ...interface{}) {
	l.printf(LogLevelDebug, format, v...)
}

func (l *Logger) Infof(format string, v ...interface{}) {
	l.printf(LogLevelInfo, format, v...)
}

// Printf is an alias for Infof for compatibility
func (l *Logger) Printf(format string, v ...interface{}) {
	l.printf(LogLevelInfo, format, v...)
}

func (l *Logger) Warnf(format string, v ...interface{}) {
	l.printf(LogLevelWarning, format, v...)
}

func (l *Logger) Errorf(format string, v ...interface{}) {
	l.printf(LogLevelError, format, v...)
}

func (l *Logger) Fatalf(format string, v ...interface{}) {
	prefix := "FATAL:"
	if l.tag != "" {
		prefix = "[" + l.tag + "] " + prefix
	}
	l.out.Fatalf(prefix+" "+format, v...)
}
