package observability

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// LogConfig selects where and at what level the process logs.
type LogConfig struct {
	Level      string
	File       string // empty: stdout only
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// LogConfigFromEnv reads GRATIS_LOG_LEVEL and GRATIS_LOG_FILE.
func LogConfigFromEnv() LogConfig {
	return LogConfig{
		Level:      os.Getenv("GRATIS_LOG_LEVEL"),
		File:       os.Getenv("GRATIS_LOG_FILE"),
		MaxSizeMB:  100,
		MaxBackups: 5,
		MaxAgeDays: 14,
	}
}

// NewLogger creates a structured JSON logger configured from the environment.
func NewLogger(component string) zerolog.Logger {
	return NewLoggerFromConfig(component, LogConfigFromEnv())
}

// NewLoggerFromConfig builds a JSON logger. When cfg.File is set, output
// goes to both stdout and a size-rotated file.
func NewLoggerFromConfig(component string, cfg LogConfig) zerolog.Logger {
	return newLogger(component, writerFor(cfg), ParseLogLevel(cfg.Level))
}

// LoggerFactory returns a constructor for component loggers that share one
// writer, so a rotated log file has a single owner.
func LoggerFactory(cfg LogConfig) func(component string) zerolog.Logger {
	w := writerFor(cfg)
	level := ParseLogLevel(cfg.Level)
	return func(component string) zerolog.Logger {
		return newLogger(component, w, level)
	}
}

// NewLoggerWithLevel creates a stdout logger with an explicit level.
func NewLoggerWithLevel(component string, level zerolog.Level) zerolog.Logger {
	return newLogger(component, os.Stdout, level)
}

func newLogger(component string, w io.Writer, level zerolog.Level) zerolog.Logger {
	return zerolog.New(w).
		Level(level).
		With().
		Timestamp().
		Str("component", component).
		Logger()
}

func writerFor(cfg LogConfig) io.Writer {
	if cfg.File == "" {
		return os.Stdout
	}
	rotating := &lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   true,
	}
	return zerolog.MultiLevelWriter(os.Stdout, rotating)
}

// ParseLogLevel maps a level name to a zerolog level, defaulting to info.
func ParseLogLevel(s string) zerolog.Level {
	switch s {
	case "debug":
		return zerolog.DebugLevel
	case "info", "":
		return zerolog.InfoLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

func init() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
}
