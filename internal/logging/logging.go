// Package logging builds the zap logger used by ariactl.
package logging

import (
	"fmt"
	"io"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/x5iu/ariarpc/internal/config"
)

// New returns a logger configured by cfg. When cfg.File is set the log is
// written there with size based rotation instead of to stderr. The returned
// closer releases the log file.
func New(cfg config.LogConfig) (*zap.Logger, io.Closer, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, nil, fmt.Errorf("logging: %w", err)
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	var enc zapcore.Encoder
	switch cfg.Format {
	case "json":
		enc = zapcore.NewJSONEncoder(encCfg)
	default:
		encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		enc = zapcore.NewConsoleEncoder(encCfg)
	}

	var (
		out    zapcore.WriteSyncer
		closer io.Closer = nopCloser{}
	)
	if cfg.File != "" {
		rotator := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB, // megabytes
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays, // days
			Compress:   cfg.Compress,
		}
		out = zapcore.AddSync(rotator)
		closer = rotator
	} else {
		out = zapcore.Lock(os.Stderr)
	}

	core := zapcore.NewCore(enc, out, zap.NewAtomicLevelAt(level))
	return zap.New(core, zap.AddCaller()), closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
