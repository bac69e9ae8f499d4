// Package observability holds the logging and metrics shared by chanrpc
// clients and servers.
package observability

import (
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	EnvLogLevel   = "CHANRPC_LOG_LEVEL"
	EnvLogNoColor = "CHANRPC_LOG_NO_COLOR"
)

// LogConfig selects the global log level and console formatting.
type LogConfig struct {
	Level   string `toml:"level"`
	NoColor bool   `toml:"no_color"`
	JSON    bool   `toml:"json"`
}

var configureOnce sync.Once

// InitLogger installs the process-wide logger tagged with app and returns it.
// Environment variables override cfg.
func InitLogger(app string, cfg LogConfig) zerolog.Logger {
	applyEnvOverrides(&cfg)
	var output io.Writer = os.Stdout
	if !cfg.JSON {
		output = zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
			NoColor:    cfg.NoColor,
		}
	}
	level, ok := parseLevel(cfg.Level)
	if !ok {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	logger := zerolog.New(output).With().Timestamp().Str("app", app).Logger()
	log.Logger = logger
	return logger
}

// Configure applies environment overrides to the global level once. Library
// code that never calls InitLogger still honours CHANRPC_LOG_LEVEL.
func Configure() {
	configureOnce.Do(func() {
		if level, ok := parseLevel(os.Getenv(EnvLogLevel)); ok {
			zerolog.SetGlobalLevel(level)
		}
	})
}

// Logger returns the process-wide logger with component attached.
func Logger(component string) zerolog.Logger {
	Configure()
	return log.Logger.With().Str("component", component).Logger()
}

func applyEnvOverrides(cfg *LogConfig) {
	if lvl := os.Getenv(EnvLogLevel); lvl != "" {
		cfg.Level = lvl
	}
	if v, ok := parseBool(os.Getenv(EnvLogNoColor)); ok {
		cfg.NoColor = v
	}
}

func parseLevel(raw string) (zerolog.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "trace":
		return zerolog.TraceLevel, true
	case "debug":
		return zerolog.DebugLevel, true
	case "info":
		return zerolog.InfoLevel, true
	case "warn", "warning":
		return zerolog.WarnLevel, true
	case "error":
		return zerolog.ErrorLevel, true
	case "off", "disabled":
		return zerolog.Disabled, true
	}
	return zerolog.InfoLevel, false
}

func parseBool(raw string) (bool, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "true", "yes", "on":
		return true, true
	case "0", "false", "no", "off":
		return false, true
	}
	return false, false
}
