package logger

import (
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds the process logger. Prod-like environments get JSON output at info level,
// everything else gets the colored development console encoder.
func New(appEnv string) (*zap.Logger, error) {
	env := strings.ToLower(strings.TrimSpace(appEnv))
	if env == "prod" || env == "production" || env == "release" {
		cfg := zap.NewProductionConfig()
		cfg.EncoderConfig.TimeKey = "ts"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		return cfg.Build()
	}

	cfg := zap.NewDevelopmentConfig()
	cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	return cfg.Build()
}

// Must is New that panics, for cmd entrypoints.
func Must(appEnv string) *zap.Logger {
	l, err := New(appEnv)
	if err != nil {
		panic(err)
	}
	return l
}
