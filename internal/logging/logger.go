// Package logging builds the process-wide zap logger.
package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ServiceName is the root logger name; components add their own with Named.
const ServiceName = "sitesearch"

// Config returns the zap configuration New builds from. Development mode logs
// coloured console output at debug level. Production mode logs JSON at info
// with sampling off, because a crawl emits one warning per unreachable page
// and those must not be dropped.
func Config(development bool) zap.Config {
	cfg := zap.NewProductionConfig()
	cfg.Sampling = nil
	if development {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return cfg
}

// New builds the logger.
func New(development bool) (*zap.Logger, error) {
	logger, err := Config(development).Build()
	if err != nil {
		return nil, fmt.Errorf("build logger (development=%t): %w", development, err)
	}
	return logger.Named(ServiceName), nil
}
