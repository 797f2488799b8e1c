package logger

import (
	"pdfchat-platform/internal/config"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is nil-safe through the helpers below; before InitLogger everything
// goes to a no-op logger so packages can log from tests without setup.
var Logger = zap.NewNop().Sugar()

// InitLogger initializes structured logging based on configuration
func InitLogger(cfg *config.Config) error {
	var zcfg zap.Config
	if cfg.GinMode == "debug" {
		zcfg = zap.NewDevelopmentConfig()
		zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	} else {
		zcfg = zap.NewProductionConfig()
		zcfg.EncoderConfig.TimeKey = "ts"
		zcfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	base, err := zcfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		return err
	}
	Logger = base.Sugar().With("service", cfg.ServiceName)

	Logger.Debugw("Structured logging initialized", "mode", cfg.GinMode)
	return nil
}

// With returns a child logger carrying the given key/value pairs.
func With(args ...any) *zap.SugaredLogger {
	return Logger.With(args...)
}

func Sync() {
	_ = Logger.Sync()
}

// Helper functions for common log operations
func Info(msg string, args ...any) {
	Logger.Infow(msg, args...)
}

func Error(msg string, args ...any) {
	Logger.Errorw(msg, args...)
}

func Debug(msg string, args ...any) {
	Logger.Debugw(msg, args...)
}

func Warn(msg string, args ...any) {
	Logger.Warnw(msg, args...)
}
