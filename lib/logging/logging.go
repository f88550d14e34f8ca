// Package logging builds the zap loggers of the server and launcher processes.
package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/snowmerak/mediaserver/lib/errs"
)

// Config selects level, encoding and destination of the process log.
type Config struct {
	Level    string `yaml:"level"`
	Encoding string `yaml:"encoding"`
	// Output is a zap sink such as "stderr" or a file path. A launcher on the
	// stdio transport must not log to stdout.
	Output string `yaml:"output"`
}

func DefaultConfig() Config {
	return Config{Level: "info", Encoding: "console", Output: "stderr"}
}

// ParseLevel parses debug, info, warn or error.
func ParseLevel(s string) (zapcore.Level, error) {
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return level, errs.Wrap(fmt.Errorf("%w: log level %q", errs.ErrInvalidConfig, s), "logging", "parse level")
	}
	return level, nil
}

// NewLoggerConfig returns the zap configuration for cfg: ISO8601 times,
// capital levels and no stacktraces.
func NewLoggerConfig(cfg Config) (zap.Config, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return zap.Config{}, err
	}
	switch cfg.Encoding {
	case "console", "json":
	default:
		return zap.Config{}, errs.Wrap(fmt.Errorf("%w: log encoding %q", errs.ErrInvalidConfig, cfg.Encoding),
			"logging", "config")
	}
	output := cfg.Output
	if output == "" {
		output = "stderr"
	}

	encodeLevel := zapcore.CapitalLevelEncoder
	if cfg.Encoding == "console" && output == "stderr" {
		encodeLevel = zapcore.CapitalColorLevelEncoder
	}

	return zap.Config{
		Level:    zap.NewAtomicLevelAt(level),
		Encoding: cfg.Encoding,
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "ts",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			FunctionKey:    zapcore.OmitKey,
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    encodeLevel,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.StringDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		DisableStacktrace: true,
		OutputPaths:       []string{output},
		ErrorOutputPaths:  []string{"stderr"},
	}, nil
}

// New builds the process logger named name.
func New(name string, cfg Config) (*zap.Logger, error) {
	zcfg, err := NewLoggerConfig(cfg)
	if err != nil {
		return nil, err
	}
	logger, err := zcfg.Build()
	if err != nil {
		return nil, errs.Wrap(err, "logging", "build")
	}
	return logger.Named(name), nil
}
