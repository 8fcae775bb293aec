package utils

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LoggerConfig configures the process logger.
type LoggerConfig struct {
	Level       string `json:"level" mapstructure:"level"` // debug, info, warn, error
	Component   string `json:"component" mapstructure:"component"`
	Development bool   `json:"development" mapstructure:"development"`
	// Encoding is "console" (default) or "json".
	Encoding   string `json:"encoding" mapstructure:"encoding"`
	Colorize   bool   `json:"colorize" mapstructure:"colorize"`
	ShowCaller bool   `json:"show_caller" mapstructure:"show_caller"`
	TimeFormat string `json:"time_format" mapstructure:"time_format"`
}

// DefaultLoggerConfig logs info and above to stderr in colour.
func DefaultLoggerConfig(component string) LoggerConfig {
	return LoggerConfig{
		Level:      "info",
		Component:  component,
		Encoding:   "console",
		Colorize:   true,
		TimeFormat: "15:04:05.000",
	}
}

// ParseLevel maps a level name to a zap level.
func ParseLevel(s string) (zapcore.Level, error) {
	var lvl zapcore.Level
	if s == "" {
		return zapcore.InfoLevel, nil
	}
	if err := lvl.UnmarshalText([]byte(strings.ToLower(s))); err != nil {
		return lvl, fmt.Errorf("unknown log level %q", s)
	}
	return lvl, nil
}

// NewLogger builds a zap logger named after the component. The console
// layout is [TIME] LEVEL component message key=value.
func NewLogger(config LoggerConfig) (*zap.Logger, error) {
	level, err := ParseLevel(config.Level)
	if err != nil {
		return nil, err
	}

	var zc zap.Config
	if config.Development {
		zc = zap.NewDevelopmentConfig()
	} else {
		zc = zap.NewProductionConfig()
		zc.Sampling = nil
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	zc.DisableCaller = !config.ShowCaller
	zc.OutputPaths = []string{"stderr"}

	switch config.Encoding {
	case "", "console":
		zc.Encoding = "console"
		format := config.TimeFormat
		if format == "" {
			format = "15:04:05.000"
		}
		zc.EncoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout(format)
		zc.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
		if config.Colorize {
			zc.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		}
	case "json":
		zc.Encoding = "json"
		zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	default:
		return nil, fmt.Errorf("unknown log encoding %q", config.Encoding)
	}

	logger, err := zc.Build()
	if err != nil {
		return nil, err
	}
	if config.Component != "" {
		logger = logger.Named(config.Component)
	}
	return logger, nil
}

// ShortID truncates a peer identifier for log fields.
func ShortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
