package observability

import (
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// LogOptions controls where component loggers write.
type LogOptions struct {
	Level      string
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

var (
	outputMu     sync.RWMutex
	output       io.Writer = os.Stdout
	defaultLevel           = zerolog.InfoLevel
	rotating     *lumberjack.Logger
)

// ConfigureLogging sets the shared log sink and level for every logger
// created afterwards. With a file configured, output is teed to stdout and
// a size-rotated file. POOL_LOG_LEVEL overrides opts.Level.
func ConfigureLogging(opts LogOptions) {
	outputMu.Lock()
	defer outputMu.Unlock()

	level := opts.Level
	if env := os.Getenv("POOL_LOG_LEVEL"); env != "" {
		level = env
	}
	defaultLevel = parseLogLevel(level)

	if rotating != nil {
		_ = rotating.Close()
		rotating = nil
	}
	output = os.Stdout

	if opts.File != "" {
		rotating = &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.MaxBackups,
			MaxAge:     opts.MaxAgeDays,
			Compress:   true,
		}
		output = zerolog.MultiLevelWriter(os.Stdout, rotating)
	}
}

// CloseLogging flushes and closes the rotating file, if any.
func CloseLogging() error {
	outputMu.Lock()
	defer outputMu.Unlock()
	if rotating == nil {
		return nil
	}
	err := rotating.Close()
	rotating = nil
	output = os.Stdout
	return err
}

// NewLogger creates a structured JSON logger for one component.
// Level comes from ConfigureLogging, else POOL_LOG_LEVEL, else info.
func NewLogger(component string) zerolog.Logger {
	outputMu.RLock()
	w, level := output, defaultLevel
	outputMu.RUnlock()

	if env := os.Getenv("POOL_LOG_LEVEL"); env != "" {
		level = parseLogLevel(env)
	}
	return newLogger(w, component, level)
}

// NewLoggerWithLevel creates a logger with an explicit level.
func NewLoggerWithLevel(component string, level zerolog.Level) zerolog.Logger {
	outputMu.RLock()
	w := output
	outputMu.RUnlock()
	return newLogger(w, component, level)
}

func newLogger(w io.Writer, component string, level zerolog.Level) zerolog.Logger {
	return zerolog.New(w).
		Level(level).
		With().
		Timestamp().
		Str("component", component).
		Logger()
}

func parseLogLevel(s string) zerolog.Level {
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
