// Package logging builds the zap logger for the jobwatch CLI. Logs go to
// stderr (or a file) so they never interleave with progress lines on stdout.
package logging

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Options selects the encoder, threshold and destination.
type Options struct {
	// Development switches to the colored console encoder.
	Development bool
	// Level is the minimum level logged: debug, info, warn or error.
	// Empty means warn, keeping a watch session's stderr quiet.
	Level string
	// Output is a file path, or "stderr" when empty.
	Output string
}

// DefaultLevel applies when Options.Level is empty.
const DefaultLevel = zapcore.WarnLevel

// ParseLevel maps a config value to a zap level.
func ParseLevel(raw string) (zapcore.Level, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return DefaultLevel, nil
	}
	lvl, err := zapcore.ParseLevel(strings.ToLower(raw))
	if err != nil {
		return DefaultLevel, fmt.Errorf("logging level %q: %w", raw, err)
	}
	return lvl, nil
}

// New builds a zap.Logger for the CLI.
func New(opts Options) (*zap.Logger, error) {
	lvl, err := ParseLevel(opts.Level)
	if err != nil {
		return nil, err
	}
	out := opts.Output
	if out == "" {
		out = "stderr"
	}

	var cfg zap.Config
	if opts.Development {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		if out != "stderr" {
			cfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
		}
	} else {
		cfg = zap.NewProductionConfig()
		cfg.DisableStacktrace = false
	}
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.OutputPaths = []string{out}
	cfg.ErrorOutputPaths = []string{"stderr"}

	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	return logger.Named("jobwatch"), nil
}
