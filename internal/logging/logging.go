// Package logging builds the supervisor's zap logger from configuration.
package logging

import (
	"fmt"
	"os"
	"strings"

	"github.com/nixpig/queuefleet/internal/config"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// New returns a logger writing human readable lines to stderr and, when
// cfg.File is set, JSON lines to a size-rotated file.
func New(cfg config.LogConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil {
		return nil, fmt.Errorf("parse log level: %w", err)
	}

	return NewWithSink(cfg, level, zapcore.Lock(os.Stderr)), nil
}

// NewWithSink is New with an explicit console sink and level.
func NewWithSink(
	cfg config.LogConfig,
	level zapcore.Level,
	console zapcore.WriteSyncer,
) *zap.Logger {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.TimeKey = "time"
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	consoleConfig := encoderConfig
	consoleConfig.EncodeLevel = zapcore.CapitalLevelEncoder

	cores := []zapcore.Core{
		zapcore.NewCore(zapcore.NewConsoleEncoder(consoleConfig), console, level),
	}

	if cfg.File != "" {
		rotator := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSize,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAge,
		}

		cores = append(
			cores,
			zapcore.NewCore(
				zapcore.NewJSONEncoder(encoderConfig),
				zapcore.AddSync(rotator),
				level,
			),
		)
	}

	return zap.New(zapcore.NewTee(cores...), zap.AddCaller())
}
