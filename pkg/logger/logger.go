package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
)

// Level is the log level.
type Level int

const (
	DEBUG Level = iota
	INFO
	WARN
	ERROR
	FATAL
)

// String returns the level name.
func (l Level) String() string {
	switch l {
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	case FATAL:
		return "FATAL"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel maps a config string to a Level. Unknown values fall back to INFO.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug", "trace":
		return DEBUG
	case "warn", "warning":
		return WARN
	case "error":
		return ERROR
	case "fatal":
		return FATAL
	default:
		return INFO
	}
}

func (l Level) logrus() logrus.Level {
	switch l {
	case DEBUG:
		return logrus.DebugLevel
	case WARN:
		return logrus.WarnLevel
	case ERROR:
		return logrus.ErrorLevel
	case FATAL:
		return logrus.FatalLevel
	default:
		return logrus.InfoLevel
	}
}

// Logger is a levelled logger. A prefix names the component it belongs to.
type Logger struct {
	entry *logrus.Logger
	level Level
	file  *os.File
	// prefix is attached to every line as the "component" field
	prefix string
}

// Config describes where and how to log.
type Config struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text | json
	Output string `yaml:"output"` // stdout | stderr | <file path>
	Prefix string `yaml:"prefix"`
}

// NewLogger creates a logger from config.
func NewLogger(config *Config) (*Logger, error) {
	l := &Logger{
		entry:  logrus.New(),
		prefix: config.Prefix,
	}

	if err := l.setOutput(config.Output); err != nil {
		return nil, err
	}
	l.setFormat(config.Format)
	l.SetLevel(ParseLevel(config.Level))

	return l, nil
}

// NewWithWriter creates a text logger writing to w.
func NewWithWriter(w io.Writer, level Level) *Logger {
	l := &Logger{entry: logrus.New()}
	l.entry.SetOutput(w)
	l.setFormat("text")
	l.SetLevel(level)
	return l
}

// Discard returns a logger that drops everything. Used by tests.
func Discard() *Logger {
	return NewWithWriter(io.Discard, FATAL)
}

func (l *Logger) setOutput(output string) error {
	switch output {
	case "", "stdout":
		l.entry.SetOutput(os.Stdout)
	case "stderr":
		l.entry.SetOutput(os.Stderr)
	default:
		return l.setFileOutput(output)
	}
	return nil
}

func (l *Logger) setFileOutput(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create log dir: %w", err)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}

	l.file = file
	l.entry.SetOutput(file)
	return nil
}

func (l *Logger) setFormat(format string) {
	switch format {
	case "json":
		l.entry.SetFormatter(&logrus.JSONFormatter{TimestampFormat: "2006-01-02 15:04:05.000"})
	default:
		l.entry.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "2006-01-02 15:04:05.000",
		})
	}
}

// With returns a child logger sharing output and level, tagged with prefix.
func (l *Logger) With(prefix string) *Logger {
	return &Logger{entry: l.entry, level: l.level, prefix: prefix}
}

func (l *Logger) log(level Level, message string) {
	if level < l.level {
		return
	}

	e := logrus.NewEntry(l.entry)
	if l.prefix != "" {
		e = e.WithField("component", l.prefix)
	}

	switch level {
	case DEBUG:
		e.Debug(message)
	case INFO:
		e.Info(message)
	case WARN:
		e.Warn(message)
	case ERROR:
		e.Error(message)
	case FATAL:
		e.Fatal(message)
	}
}

// Debug logs at DEBUG.
func (l *Logger) Debug(format string, args ...interface{}) {
	l.log(DEBUG, fmt.Sprintf(format, args...))
}

// Info logs at INFO.
func (l *Logger) Info(format string, args ...interface{}) {
	l.log(INFO, fmt.Sprintf(format, args...))
}

// Warn logs at WARN.
func (l *Logger) Warn(format string, args ...interface{}) {
	l.log(WARN, fmt.Sprintf(format, args...))
}

// Error logs at ERROR.
func (l *Logger) Error(format string, args ...interface{}) {
	l.log(ERROR, fmt.Sprintf(format, args...))
}

// Fatal logs and exits the process.
func (l *Logger) Fatal(format string, args ...interface{}) {
	l.log(FATAL, fmt.Sprintf(format, args...))
}

// SetLevel sets the minimum level.
func (l *Logger) SetLevel(level Level) {
	l.level = level
	l.entry.SetLevel(level.logrus())
}

// SetPrefix sets the component prefix.
func (l *Logger) SetPrefix(prefix string) {
	l.prefix = prefix
}

// GetLevel returns the minimum level.
func (l *Logger) GetLevel() Level {
	return l.level
}

// IsDebug reports whether DEBUG lines are emitted.
func (l *Logger) IsDebug() bool {
	return l.level <= DEBUG
}

// Close closes the log file, if any.
func (l *Logger) Close() error {
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}
