package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// logLevel maps the verbosity setting to zap; debug also enables logr V(2) chatter
func logLevel(level string) zapcore.Level {
	switch level {
	case "debug":
		return zapcore.Level(-2)
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// newLogger appends to the log file; the console stays reserved for the debuggee and the markers
func newLogger(path, level string) (logr.Logger, func(), error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return logr.Discard(), nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return logr.Discard(), nil, fmt.Errorf("failed to open log file: %w", err)
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(encoderConfig), zapcore.AddSync(file), logLevel(level))
	zapLogger := zap.New(core)

	log := zapr.NewLogger(zapLogger).WithName("dbgwatch").WithValues("run", uuid.NewString())
	flush := func() {
		_ = zapLogger.Sync()
		file.Close()
	}
	return log, flush, nil
}
