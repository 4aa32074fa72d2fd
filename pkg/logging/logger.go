package logging

import (
	"os"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger wraps zap.Logger so components can share one configured sink.
type Logger struct {
	*zap.Logger
}

// Config holds logging configuration.
type Config struct {
	// Level is one of debug, info, warn, error, dpanic, panic, fatal.
	Level string
	// Format is json or console.
	Format string
	// OutputPaths lists the sinks log entries are written to.
	OutputPaths []string
	// ErrorOutputPaths lists the sinks for internal logger errors.
	ErrorOutputPaths []string
	// Development enables development mode (DPanic logs panic).
	Development bool
	// EnableCaller adds caller information to entries.
	EnableCaller bool
	// EnableStacktrace adds stack traces to error entries.
	EnableStacktrace bool
}

// DefaultConfig returns a production configuration writing JSON to stdout.
func DefaultConfig() Config {
	return Config{
		Level:            "info",
		Format:           "json",
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}
}

// DevelopmentConfig returns a human-readable configuration for local work.
func DevelopmentConfig() Config {
	return Config{
		Level:            "debug",
		Format:           "console",
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
		Development:      true,
		EnableCaller:     true,
		EnableStacktrace: true,
	}
}

// NewLogger builds a logger from config.
func NewLogger(config Config) (*Logger, error) {
	level := ParseLevel(config.Level)

	var encoderConfig zapcore.EncoderConfig
	if config.Development {
		encoderConfig = zap.NewDevelopmentEncoderConfig()
	} else {
		encoderConfig = zap.NewProductionEncoderConfig()
	}
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.EncodeDuration = zapcore.StringDurationEncoder

	format := config.Format
	if format == "" {
		format = "json"
	}
	outputs := config.OutputPaths
	if len(outputs) == 0 {
		outputs = []string{"stdout"}
	}
	errOutputs := config.ErrorOutputPaths
	if len(errOutputs) == 0 {
		errOutputs = []string{"stderr"}
	}

	zapConfig := zap.Config{
		Level:             zap.NewAtomicLevelAt(level),
		Development:       config.Development,
		DisableCaller:     !config.EnableCaller,
		DisableStacktrace: !config.EnableStacktrace,
		Encoding:          format,
		EncoderConfig:     encoderConfig,
		OutputPaths:       outputs,
		ErrorOutputPaths:  errOutputs,
	}

	logger, err := zapConfig.Build()
	if err != nil {
		return nil, err
	}

	return &Logger{logger}, nil
}

// NewLoggerFromEnv creates a logger from environment variables.
//
//	RC_LOG_LEVEL   log level (default: info)
//	RC_LOG_FORMAT  json or console (default: json)
//	RC_LOG_DEV     "true" switches to DevelopmentConfig
func NewLoggerFromEnv() (*Logger, error) {
	config := DefaultConfig()
	if os.Getenv("RC_LOG_DEV") == "true" {
		config = DevelopmentConfig()
	}
	if level := os.Getenv("RC_LOG_LEVEL"); level != "" {
		config.Level = level
	}
	if format := os.Getenv("RC_LOG_FORMAT"); format != "" {
		config.Format = format
	}
	return NewLogger(config)
}

// NewNoOpLogger creates a logger that discards everything.
func NewNoOpLogger() *Logger {
	return &Logger{zap.NewNop()}
}

// ParseLevel converts a level name to a zapcore.Level, defaulting to info.
func ParseLevel(level string) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	case "dpanic":
		return zapcore.DPanicLevel
	case "panic":
		return zapcore.PanicLevel
	case "fatal":
		return zapcore.FatalLevel
	default:
		return zapcore.InfoLevel
	}
}

// With creates a child logger with additional fields.
func (l *Logger) With(fields ...zap.Field) *Logger {
	return &Logger{l.Logger.With(fields...)}
}

// Named creates a child logger with a name segment.
func (l *Logger) Named(name string) *Logger {
	return &Logger{l.Logger.Named(name)}
}

// Sync flushes buffered entries.
func (l *Logger) Sync() error {
	return l.Logger.Sync()
}

var global atomic.Pointer[Logger]

func init() {
	global.Store(NewNoOpLogger())
}

// SetGlobal replaces the process-wide logger. A nil logger is ignored.
func SetGlobal(logger *Logger) {
	if logger == nil {
		return
	}
	global.Store(logger)
}

// Global returns the process-wide logger.
func Global() *Logger {
	return global.Load()
}

// L is short for Global.
func L() *Logger {
	return Global()
}

// Component returns l named after component, or the global logger named so when l is nil.
func Component(l *Logger, component string) *Logger {
	if l == nil {
		l = Global()
	}
	return l.Named(component)
}
