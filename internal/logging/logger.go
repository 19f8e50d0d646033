package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/fadedpez/tradevault/internal/types"
)

// Level represents a logging level
type Level int

const (
	DEBUG Level = iota
	INFO
	WARN
	ERROR
)

var levelNames = map[Level]string{
	DEBUG: "DEBUG",
	INFO:  "INFO",
	WARN:  "WARN",
	ERROR: "ERROR",
}

// ParseLevel converts a level name such as "debug" to a Level, defaulting to INFO
func ParseLevel(name string) Level {
	for level, levelName := range levelNames {
		if strings.EqualFold(name, levelName) {
			return level
		}
	}
	return INFO
}

// Logger represents our custom logger
type Logger struct {
	*log.Logger
	level  Level
	prefix string
}

// NewLogger creates a new logger instance
func NewLogger(level Level) *Logger {
	return NewLoggerWithWriter(os.Stdout, level)
}

// NewLoggerWithWriter creates a logger that writes to w
func NewLoggerWithWriter(w io.Writer, level Level) *Logger {
	return &Logger{
		Logger: log.New(w, "", 0),
		level:  level,
	}
}

// WithPrefix returns a logger sharing the same output that tags every line with
// a component name, e.g. "[WALLET]"
func (l *Logger) WithPrefix(component string) *Logger {
	return &Logger{
		Logger: l.Logger,
		level:  l.level,
		prefix: "[" + component + "] ",
	}
}

// formatMessage formats a log message with timestamp, level, and caller info
func (l *Logger) formatMessage(level Level, msg string) string {
	// Get caller information
	_, file, line, ok := runtime.Caller(3)
	caller := "unknown"
	if ok {
		caller = fmt.Sprintf("%s:%d", filepath.Base(file), line)
	}

	// Format timestamp
	timestamp := time.Now().Format("2006-01-02 15:04:05.000")

	return fmt.Sprintf("[%s] %-5s %s: %s%s",
		timestamp,
		levelNames[level],
		caller,
		l.prefix,
		msg,
	)
}

func (l *Logger) logf(level Level, format string, v ...interface{}) {
	if l.level <= level {
		l.Output(3, l.formatMessage(level, fmt.Sprintf(format, v...)))
	}
}

// Debug logs a debug message
func (l *Logger) Debug(format string, v ...interface{}) {
	l.logf(DEBUG, format, v...)
}

// Info logs an info message
func (l *Logger) Info(format string, v ...interface{}) {
	l.logf(INFO, format, v...)
}

// Warn logs a warning message
func (l *Logger) Warn(format string, v ...interface{}) {
	l.logf(WARN, format, v...)
}

// Error logs an error message
func (l *Logger) Error(format string, v ...interface{}) {
	l.logf(ERROR, format, v...)
}

// LogError logs an error with its code, message and cause when it is a coded error.
// Business rejections are logged at WARN, everything else at ERROR.
func (l *Logger) LogError(err error) {
	var coded *types.Error
	if !types.As(err, &coded) {
		l.logf(ERROR, "Unexpected error: %v", err)
		return
	}

	// Format error context
	context := []string{
		fmt.Sprintf("Code: %s", coded.Code),
		fmt.Sprintf("Message: %s", coded.Message),
	}
	if coded.Err != nil {
		context = append(context, fmt.Sprintf("Cause: %v", coded.Err))
	}

	switch coded.Code.Kind() {
	case types.KindValidation, types.KindState, types.KindFunds, types.KindConflict:
		l.logf(WARN, "Request rejected:\n\t%s", strings.Join(context, "\n\t"))
	case types.KindIntegrity:
		l.logf(ERROR, "Ledger integrity fault, manual reconciliation required:\n\t%s", strings.Join(context, "\n\t"))
	default:
		l.logf(ERROR, "Error occurred:\n\t%s", strings.Join(context, "\n\t"))
	}
}

// Default logger instance
var Default = NewLogger(INFO)
