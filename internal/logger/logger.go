package logger

import (
	"fmt"
	"io"
	"os"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

type Logger struct {
	*zerolog.Logger
	component string
}

var (
	// Global log levels for different environments
	logLevel = map[string]zerolog.Level{
		"development": zerolog.DebugLevel,
		"test":        zerolog.WarnLevel,
		"staging":     zerolog.InfoLevel,
		"production":  zerolog.InfoLevel,
	}
)

// Config represents logger configuration
type Config struct {
	IsProduction bool
	AppEnv       string

	// File, when set, receives every event as a JSON line through a rotating writer.
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// rotating writers are shared per path so that every component appends to
// the same lumberjack instance instead of racing on rotation.
var (
	rotatingMu sync.Mutex
	rotating   = map[string]*lumberjack.Logger{}
)

// New creates a new logger instance for a specific component
func New(component string) *Logger {
	return NewWithConfig(component, Config{
		IsProduction: os.Getenv("APP_ENV") == "production",
		AppEnv:       os.Getenv("APP_ENV"),
		File:         os.Getenv("LOG_FILE"),
		MaxSizeMB:    envInt("LOG_MAX_SIZE_MB", 100),
		MaxBackups:   envInt("LOG_MAX_BACKUPS", 5),
		MaxAgeDays:   envInt("LOG_MAX_AGE_DAYS", 14),
	})
}

// NewWithConfig creates a new logger instance with custom configuration
func NewWithConfig(component string, config Config) *Logger {
	zerolog.TimeFieldFormat = time.RFC3339

	output := zerolog.ConsoleWriter{
		Out: os.Stdout,
		FormatMessage: func(i interface{}) string {
			return fmt.Sprintf("[%s] %s", component, i)
		},
		FormatLevel: func(i interface{}) string {
			if level, ok := i.(string); ok {
				switch level {
				case "debug":
					return "\033[36m[DEBUG]\033[0m" // Cyan
				case "info":
					return "\033[34m[INFO]\033[0m" // Blue
				case "success":
					return "\033[32m[SUCCESS]\033[0m" // Green
				case "warn":
					return "\033[33m[WARN]\033[0m" // Yellow
				case "error":
					return "\033[31m[ERROR]\033[0m" // Red
				case "fatal":
					return "\033[35m[FATAL]\033[0m" // Purple
				default:
					return fmt.Sprintf("[%s]", level)
				}
			}
			return "???"
		},
	}

	// Remove timestamp in production
	if config.IsProduction {
		output.TimeFormat = ""
	} else {
		output.TimeFormat = "2006-01-02 15:04:05"
	}

	var w io.Writer = output
	if config.File != "" {
		w = zerolog.MultiLevelWriter(output, fileWriter(config))
	}

	var logger zerolog.Logger
	if config.IsProduction {
		logger = zerolog.New(w).
			Level(getLogLevel(config.AppEnv)).
			With().
			Str("component", component).
			Logger()
	} else {
		logger = zerolog.New(w).
			Level(getLogLevel(config.AppEnv)).
			With().
			Timestamp().
			Str("component", component).
			Logger()
	}

	return &Logger{
		Logger:    &logger,
		component: component,
	}
}

func fileWriter(config Config) io.Writer {
	rotatingMu.Lock()
	defer rotatingMu.Unlock()
	if lj, ok := rotating[config.File]; ok {
		return lj
	}
	lj := &lumberjack.Logger{
		Filename:   config.File,
		MaxSize:    config.MaxSizeMB,
		MaxBackups: config.MaxBackups,
		MaxAge:     config.MaxAgeDays,
		Compress:   true,
	}
	rotating[config.File] = lj
	return lj
}

// getLogLevel returns the appropriate log level based on environment
func getLogLevel(env string) zerolog.Level {
	if level, exists := logLevel[env]; exists {
		return level
	}
	return zerolog.DebugLevel
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return i
}

// Component returns the component name this logger was created for.
func (l *Logger) Component() string { return l.component }

func (l *Logger) Debug() *zerolog.Event   { return l.Logger.Debug() }
func (l *Logger) Info() *zerolog.Event    { return l.Logger.Info() }
func (l *Logger) Success() *zerolog.Event { return l.Logger.Info().Str("level", "success") }
func (l *Logger) Warn() *zerolog.Event    { return l.Logger.Warn() }
func (l *Logger) Error() *zerolog.Event   { return l.Logger.Error() }

// Simple logging methods
func (l *Logger) LogInfo(msg string) {
	l.Info().Msg(msg)
}

func (l *Logger) LogWarn(msg string) {
	l.Warn().Msg(msg)
}

func (l *Logger) LogError(msg string, err error) {
	if err != nil {
		l.Error().Err(err).Msg(msg)
		return
	}
	l.Error().Msg(msg)
}

// Formatted logging methods with variable arguments
func (l *Logger) LogDebugf(format string, v ...interface{}) {
	l.Debug().Msgf(format, v...)
}

func (l *Logger) LogInfof(format string, v ...interface{}) {
	l.Info().Msgf(format, v...)
}

func (l *Logger) LogSuccessf(format string, v ...interface{}) {
	l.Success().Msgf(format, v...)
}

func (l *Logger) LogWarnf(format string, v ...interface{}) {
	l.Warn().Msgf(format, v...)
}

func (l *Logger) LogErrorf(format string, v ...interface{}) {
	l.Error().Msgf(format, v...)
}

// WithFields adds fields to the log event
func (l *Logger) WithFields(fields map[string]interface{}) *zerolog.Event {
	event := l.Info()
	for k, v := range fields {
		event = event.Interface(k, v)
	}
	return event
}

var ansiPattern = regexp.MustCompile("\x1B\\[[0-9;]*[a-zA-Z]")

// StripANSI removes ANSI color codes from a string before it is sent in an
// HTTP response or persisted as a job error.
func StripANSI(str string) string {
	return ansiPattern.ReplaceAllString(str, "")
}
