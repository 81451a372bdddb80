// Package logger provides a structured logging interface with zerolog-backed
// implementations, including size-rotated file output for long-running servers.
package logger

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Field represents a key-value pair for structured log output.
type Field struct {
	Key   string
	Value any
}

// Logger is an interface for structured logging. Transport components accept
// a Logger and derive a component-scoped one with With.
type Logger interface {
	// Debug logs a message at debug level with optional structured fields.
	Debug(msg string, fields ...Field)

	// Info logs a message at info level with optional structured fields.
	Info(msg string, fields ...Field)

	// Warn logs a message at warn level with optional structured fields.
	Warn(msg string, fields ...Field)

	// Error logs a message at error level with optional structured fields.
	Error(msg string, fields ...Field)

	// With returns a new Logger that includes the given fields in all
	// subsequent log entries. The original Logger is unchanged.
	//
	// Parameters:
	//   - fields: Key-value pairs to attach to the derived logger
	//
	// Returns:
	//   - A new Logger with the specified fields
	With(fields ...Field) Logger

	// GetLoggerInstance returns the underlying zerolog.Logger for advanced
	// configuration or integration.
	GetLoggerInstance() interface{}

	// Close releases resources held by the logger (e.g. the rotating file).
	// It is safe to call multiple times.
	Close() error
}

// FileOptions configures rotating file output for NewZerologFileLogger.
type FileOptions struct {
	// Path of the active log file; rotated files are kept next to it.
	Path string
	// MaxSizeMB is the size at which the file is rotated.
	MaxSizeMB int
	// MaxBackups is how many rotated files are retained.
	MaxBackups int
	// MaxAgeDays is how long rotated files are retained.
	MaxAgeDays int
	// Compress gzips rotated files.
	Compress bool
}

// zerologLogger is the zerolog-based implementation of Logger.
type zerologLogger struct {
	logger zerolog.Logger
	closer io.Closer
}

// NewZerologLogger builds a Logger that wraps the given zerolog.Logger,
// adding a service name and timestamp to all entries and filtering by level.
//
// Parameters:
//   - l: The zerolog.Logger to wrap
//   - serviceName: Name of the service, added as a field to every log entry
//   - level: Minimum level to log (e.g. zerolog.InfoLevel)
//
// Returns:
//   - A Logger that writes through the given zerolog instance
func NewZerologLogger(l zerolog.Logger, serviceName string, level zerolog.Level) Logger {
	return &zerologLogger{
		logger: l.With().Str("service", serviceName).Timestamp().Logger().Level(level),
	}
}

// NewConsoleLogger builds a human-readable Logger writing to stderr.
func NewConsoleLogger(serviceName string, level zerolog.Level) Logger {
	w := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05.000"}
	return NewZerologLogger(zerolog.New(w), serviceName, level)
}

// NewNopLogger returns a Logger that discards every entry. Components fall
// back to it when constructed with a nil Logger.
func NewNopLogger() Logger {
	return &zerologLogger{logger: zerolog.Nop()}
}

// NewZerologFileLogger creates a Logger that writes JSON entries to a
// size-rotated file and, when console is non-nil, to that writer as well.
//
// Parameters:
//   - serviceName: Name of the service, added as a field to every log entry
//   - opts: Rotation settings; Path is required
//   - level: Minimum level to log
//   - console: Optional extra writer (e.g. os.Stdout); nil for file only
//
// Returns:
//   - A Logger that owns the rotating file; call Close to release it
//   - An error if opts.Path is empty
func NewZerologFileLogger(serviceName string, opts FileOptions, level zerolog.Level, console io.Writer) (Logger, error) {
	if opts.Path == "" {
		return nil, fmt.Errorf("log file path is required")
	}

	file := &lumberjack.Logger{
		Filename:   opts.Path,
		MaxSize:    max(opts.MaxSizeMB, 10),
		MaxBackups: max(opts.MaxBackups, 1),
		MaxAge:     max(opts.MaxAgeDays, 7),
		Compress:   opts.Compress,
	}

	var out io.Writer = file
	if console != nil {
		out = zerolog.MultiLevelWriter(console, file)
	}

	return &zerologLogger{
		logger: zerolog.New(out).With().Str("service", serviceName).Timestamp().Logger().Level(level),
		closer: file,
	}, nil
}

// ParseLevel converts a textual level ("debug", "info", "warn", "error") into
// a zerolog.Level. Unknown or empty values yield zerolog.InfoLevel.
func ParseLevel(level string) zerolog.Level {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}

	return lvl
}

// Debug implements Logger.
func (z *zerologLogger) Debug(msg string, fields ...Field) {
	z.logger.Debug().Fields(toMap(fields)).Msg(msg)
}

// Info implements Logger.
func (z *zerologLogger) Info(msg string, fields ...Field) {
	z.logger.Info().Fields(toMap(fields)).Msg(msg)
}

// Warn implements Logger.
func (z *zerologLogger) Warn(msg string, fields ...Field) {
	z.logger.Warn().Fields(toMap(fields)).Msg(msg)
}

// Error implements Logger.
func (z *zerologLogger) Error(msg string, fields ...Field) {
	z.logger.Error().Fields(toMap(fields)).Msg(msg)
}

// With implements Logger. Derived loggers share the parent's output but do
// not own it.
func (z *zerologLogger) With(fields ...Field) Logger {
	return &zerologLogger{
		logger: z.logger.With().Fields(toMap(fields)).Logger(),
	}
}

// GetLoggerInstance implements Logger.
func (z *zerologLogger) GetLoggerInstance() interface{} {
	return z.logger
}

// Close implements Logger.
func (z *zerologLogger) Close() error {
	if z.closer == nil {
		return nil
	}

	err := z.closer.Close()
	z.closer = nil
	return err
}

// toMap converts a slice of Field into a map for zerolog.
func toMap(fields []Field) map[string]any {
	if len(fields) == 0 {
		return nil
	}

	m := make(map[string]any, len(fields))
	for _, f := range fields {
		m[f.Key] = f.Value
	}

	return m
}
