package log

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	// Logger is the global logger instance
	Logger zerolog.Logger
)

// Level represents log level
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// RotatingFile describes a size/age-bounded log file sink. A zero MaxSizeMB
// means 100 MB and a zero MaxAgeDays means 28 days, so a long-running host
// process never grows an unbounded log directory. MaxBackups and Compress
// are passed to lumberjack as given: a zero MaxBackups keeps every rotated
// file, and rotated files are compressed only when Compress is set.
type RotatingFile struct {
	Path       string
	MaxSizeMB  int
	MaxAgeDays int
	MaxBackups int
	Compress   bool
}

// Config holds logging configuration. Output and Rotate are mutually
// exclusive; set Rotate to have Init open a lumberjack-managed file sink
// instead of writing to Output directly.
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer
	Rotate     *RotatingFile
}

// Init initializes the global logger
func Init(cfg Config) {
	// Set log level
	var level zerolog.Level
	switch cfg.Level {
	case DebugLevel:
		level = zerolog.DebugLevel
	case InfoLevel:
		level = zerolog.InfoLevel
	case WarnLevel:
		level = zerolog.WarnLevel
	case ErrorLevel:
		level = zerolog.ErrorLevel
	default:
		level = zerolog.InfoLevel
	}

	zerolog.SetGlobalLevel(level)

	// Configure output
	var output io.Writer = cfg.Output
	if cfg.Rotate != nil {
		output = &lumberjack.Logger{
			Filename:   cfg.Rotate.Path,
			MaxSize:    orDefault(cfg.Rotate.MaxSizeMB, 100),
			MaxAge:     orDefault(cfg.Rotate.MaxAgeDays, 28),
			MaxBackups: cfg.Rotate.MaxBackups,
			Compress:   cfg.Rotate.Compress,
		}
	} else if output == nil {
		output = os.Stdout
	}

	// Use JSON or console output
	if cfg.JSONOutput {
		Logger = zerolog.New(output).With().Timestamp().Logger()
	} else {
		Logger = zerolog.New(zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}).With().Timestamp().Logger()
	}
}

func orDefault(v, fallback int) int {
	if v == 0 {
		return fallback
	}
	return v
}

// WithComponent creates a child logger with component field
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithSessionID creates a child logger with session_id field
func WithSessionID(sessionID string) zerolog.Logger {
	return Logger.With().Str("session_id", sessionID).Logger()
}

// WithOperationID creates a child logger with operation_id field
func WithOperationID(operationID string) zerolog.Logger {
	return Logger.With().Str("operation_id", operationID).Logger()
}

// WithBackupID creates a child logger with backup_id field
func WithBackupID(backupID string) zerolog.Logger {
	return Logger.With().Str("backup_id", backupID).Logger()
}

// Helper functions for common logging patterns
func Info(msg string) {
	Logger.Info().Msg(msg)
}

func Debug(msg string) {
	Logger.Debug().Msg(msg)
}

func Warn(msg string) {
	Logger.Warn().Msg(msg)
}

func Error(msg string) {
	Logger.Error().Msg(msg)
}

func Errorf(format string, err error) {
	Logger.Error().Err(err).Msg(format)
}

func Fatal(msg string) {
	Logger.Fatal().Msg(msg)
}
