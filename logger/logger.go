// Package logger wraps logrus with the conventions the service logs by:
// JSON entries with stable field names, a component tag on every entry,
// per-component warn/error counters feeding the runtime report, and
// optional CloudWatch metric publishing.
package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

// Fields is the structured payload attached to a log entry.
type Fields map[string]interface{}

// Log is the process-wide logger. Components never build their own; they
// take the shared instance from GetLogger and tag entries with
// WithComponent so the report counters stay attributable.
type Log struct {
	*logrus.Logger
}

// Entry is one in-flight log entry carrying accumulated fields.
type Entry struct {
	*logrus.Entry
}

var globalLogger = Logger()

// GetLogger returns the shared logger.
func GetLogger() *Log {
	return globalLogger
}

// Logger builds a logger with the default JSON setup. The level comes from
// LOG_LEVEL until Configure runs with the loaded configuration.
func Logger() *Log {
	l := logrus.New()
	l.SetReportCaller(true)
	l.SetLevel(parseLevel(os.Getenv("LOG_LEVEL")))
	l.SetFormatter(jsonFormatter())
	l.AddHook(&callerHook{})
	return &Log{Logger: l}
}

// parseLevel maps a configured level name to logrus. The "report" level
// enables the periodic runtime report and otherwise behaves as info;
// unknown names also fall back to info.
func parseLevel(level string) logrus.Level {
	level = strings.ToLower(strings.TrimSpace(level))
	if level == "" || level == "report" {
		return logrus.InfoLevel
	}
	if parsed, err := logrus.ParseLevel(level); err == nil {
		return parsed
	}
	return logrus.InfoLevel
}

func trimCaller(f *runtime.Frame) (string, string) {
	return "", fmt.Sprintf("%s:%d", filepath.Base(f.File), f.Line)
}

func jsonFormatter() logrus.Formatter {
	return &logrus.JSONFormatter{
		TimestampFormat: time.RFC3339Nano,
		FieldMap: logrus.FieldMap{
			logrus.FieldKeyTime:  "timestamp",
			logrus.FieldKeyLevel: "level",
			logrus.FieldKeyMsg:   "message",
		},
		CallerPrettyfier: trimCaller,
	}
}

func textFormatter() logrus.Formatter {
	return &logrus.TextFormatter{
		FullTimestamp:    true,
		TimestampFormat:  time.RFC3339,
		CallerPrettyfier: trimCaller,
	}
}

// Configure applies the logging section of the configuration. LOG_LEVEL
// still wins over the configured level so a deployment can be made verbose
// without editing its config file. File outputs rotate through lumberjack
// when maxAge is positive, otherwise append to a plain file.
func (l *Log) Configure(level, format, output string, maxAge int) error {
	if env := os.Getenv("LOG_LEVEL"); env != "" {
		level = env
	}
	level = strings.ToLower(level)
	if level != "report" {
		if _, err := logrus.ParseLevel(level); err != nil {
			return fmt.Errorf("invalid log level '%s'", level)
		}
	}
	l.SetLevel(parseLevel(level))
	l.SetReportCaller(true)

	switch format {
	case "json":
		l.SetFormatter(jsonFormatter())
	case "text":
		l.SetFormatter(textFormatter())
	default:
		return fmt.Errorf("invalid log format '%s'", format)
	}

	switch output {
	case "stdout", "":
		l.SetOutput(os.Stdout)
	case "stderr":
		l.SetOutput(os.Stderr)
	default:
		if maxAge > 0 {
			l.SetOutput(&lumberjack.Logger{
				Filename: output,
				MaxAge:   maxAge,
				MaxSize:  100,
				Compress: true,
			})
			return nil
		}
		file, err := os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
		if err != nil {
			return fmt.Errorf("failed to open log file '%s': %w", output, err)
		}
		l.SetOutput(file)
	}

	return nil
}

// WithComponent tags the entry with the emitting component. The tag drives
// the warn/error counters in the runtime report, so log sites should go
// through it.
func (l *Log) WithComponent(component string) *Entry {
	return &Entry{Entry: l.Logger.WithField("component", component)}
}

func (l *Log) WithFields(fields Fields) *Entry {
	return &Entry{Entry: l.Logger.WithFields(logrus.Fields(fields))}
}

func (l *Log) WithError(err error) *Entry {
	return &Entry{Entry: l.Logger.WithError(err)}
}

// WithEnv attaches the current values of the named environment variables.
func (l *Log) WithEnv(envs ...string) *Entry {
	fields := logrus.Fields{}
	for _, env := range envs {
		fields[env] = os.Getenv(env)
	}
	return &Entry{Entry: l.Logger.WithFields(fields)}
}

func (l *Log) SetOutput(output io.Writer)         { l.Logger.SetOutput(output) }
func (l *Log) SetLevel(level logrus.Level)        { l.Logger.SetLevel(level) }
func (l *Log) SetFormatter(fmtr logrus.Formatter) { l.Logger.SetFormatter(fmtr) }

func (e *Entry) WithComponent(component string) *Entry {
	return &Entry{Entry: e.Entry.WithField("component", component)}
}

func (e *Entry) WithFields(fields Fields) *Entry {
	return &Entry{Entry: e.Entry.WithFields(logrus.Fields(fields))}
}

func (e *Entry) WithError(err error) *Entry {
	return &Entry{Entry: e.Entry.WithError(err)}
}

// WithEnv attaches the current values of the named environment variables.
func (e *Entry) WithEnv(envs ...string) *Entry {
	fields := logrus.Fields{}
	for _, env := range envs {
		fields[env] = os.Getenv(env)
	}
	return &Entry{Entry: e.Entry.WithFields(fields)}
}

func (e *Entry) Debug(args ...interface{}) { e.Entry.Debug(args...) }
func (e *Entry) Info(args ...interface{})  { e.Entry.Info(args...) }

// Warn logs at warn level and bumps the per-component counter surfaced by
// the runtime report.
func (e *Entry) Warn(args ...interface{}) {
	if component, ok := e.Entry.Data["component"].(string); ok {
		recordWarn(component)
	}
	e.Entry.Warn(args...)
}

// Error logs at error level and bumps the per-component counter surfaced
// by the runtime report.
func (e *Entry) Error(args ...interface{}) {
	if component, ok := e.Entry.Data["component"].(string); ok {
		recordError(component)
	}
	e.Entry.Error(args...)
}

// LogPerformanceEntry logs one timed operation with its duration in
// milliseconds.
func LogPerformanceEntry(entry *Entry, component, operation string, duration time.Duration, fields Fields) {
	if fields == nil {
		fields = make(Fields)
	}
	fields["duration_ms"] = float64(duration.Nanoseconds()) / 1e6
	fields["operation"] = operation

	entry.WithFields(fields).WithComponent(component).Info("performance metric")
}
