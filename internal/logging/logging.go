// Package logging is a thin package-level wrapper around a zap SugaredLogger.
package logging

import (
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var sugar = zap.NewNop().Sugar()

// Init builds the process logger. level is a zap level name ("debug", "info",
// ...); format "console" selects the human-readable encoder, anything else JSON.
// When outputPath is set, logs also go to outputPath/chataudit.log.
func Init(level, format, outputPath string) error {
	logLevel := zap.NewAtomicLevel()
	if err := logLevel.UnmarshalText([]byte(level)); err != nil {
		logLevel.SetLevel(zap.InfoLevel)
	}

	var zapConfig zap.Config
	if format == "console" {
		zapConfig = zap.NewDevelopmentConfig()
		zapConfig.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		zapConfig = zap.NewProductionConfig()
		zapConfig.Encoding = "json"
	}

	zapConfig.Level = logLevel
	zapConfig.OutputPaths = []string{"stderr"}
	if outputPath != "" {
		if err := os.MkdirAll(outputPath, 0o755); err != nil {
			return err
		}
		zapConfig.OutputPaths = append(zapConfig.OutputPaths, filepath.Join(outputPath, "chataudit.log"))
	}

	logger, err := zapConfig.Build()
	if err != nil {
		return err
	}
	sugar = logger.Sugar()
	return nil
}

// Set replaces the process logger. Tests use it with zaptest/observer loggers.
func Set(l *zap.Logger) {
	sugar = l.Sugar()
}

// With returns a child logger carrying the given key/value pairs.
func With(keysAndValues ...any) *zap.SugaredLogger {
	return sugar.With(keysAndValues...)
}

func Debugf(template string, args ...any) { sugar.Debugf(template, args...) }

func Info(msg string) { sugar.Info(msg) }

func Infof(template string, args ...any) { sugar.Infof(template, args...) }

// Infow logs a message with structured key/value context.
func Infow(msg string, keysAndValues ...any) { sugar.Infow(msg, keysAndValues...) }

func Warnf(template string, args ...any) { sugar.Warnf(template, args...) }

func Warnw(msg string, keysAndValues ...any) { sugar.Warnw(msg, keysAndValues...) }

// Error logs msg at error level with err attached under the "error" key.
func Error(msg string, err error) { sugar.Errorw(msg, "error", err) }

func Errorf(template string, args ...any) { sugar.Errorf(template, args...) }

func Errorw(msg string, keysAndValues ...any) { sugar.Errorw(msg, keysAndValues...) }

// Sync flushes buffered log entries. Call it before the process exits.
func Sync() {
	_ = sugar.Sync()
}
