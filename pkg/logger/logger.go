// Package logger provides structured logging for papert-claw based on zerolog.
package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// Config holds logger configuration.
type Config struct {
	Level  string `json:"level" mapstructure:"level" yaml:"level"`    // debug, info, warn, error
	Format string `json:"format" mapstructure:"format" yaml:"format"` // console, json
	File   string `json:"file" mapstructure:"file" yaml:"file"`       // optional log file path
}

var (
	global      zerolog.Logger
	sink        *os.File
	mu          sync.RWMutex
	initialized bool
)

func parseLevel(s string) zerolog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// Init configures the global logger. Call once at process start.
func Init(cfg Config) error {
	mu.Lock()
	defer mu.Unlock()

	zerolog.SetGlobalLevel(parseLevel(cfg.Level))

	var writers []io.Writer
	if strings.ToLower(cfg.Format) == "console" {
		writers = append(writers, zerolog.ConsoleWriter{
			Out:        os.Stderr,
			TimeFormat: "2006-01-02T15:04:05-07:00",
		})
	} else {
		writers = append(writers, os.Stderr)
	}

	if cfg.File != "" {
		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
		if err != nil {
			return fmt.Errorf("open log file %s: %w", cfg.File, err)
		}
		sink = f
		writers = append(writers, f)
	}

	var out io.Writer = writers[0]
	if len(writers) > 1 {
		out = io.MultiWriter(writers...)
	}

	global = zerolog.New(out).With().Timestamp().Logger()
	initialized = true
	return nil
}

// Get returns the global logger instance.
func Get() *zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	if !initialized {
		l := zerolog.New(os.Stderr).With().Timestamp().Logger()
		return &l
	}
	return &global
}

// With returns a child logger carrying an extra string field.
func With(key, value string) *zerolog.Logger {
	l := Get().With().Str(key, value).Logger()
	return &l
}

// Close closes the log file sink if one was opened.
func Close() error {
	mu.Lock()
	defer mu.Unlock()
	if sink != nil {
		err := sink.Close()
		sink = nil
		return err
	}
	return nil
}

// Debug returns a debug level event on the global logger.
func Debug() *zerolog.Event { return Get().Debug() }

// Info returns an info level event on the global logger.
func Info() *zerolog.Event { return Get().Info() }

// Warn returns a warn level event on the global logger.
func Warn() *zerolog.Event { return Get().Warn() }

// Error returns an error level event on the global logger.
func Error() *zerolog.Event { return Get().Error() }
