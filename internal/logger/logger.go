// Package logger builds the process logger.
//
// Commands log through *zap.Logger. Library packages only see the
// Printf-style seam (type Logger interface{ Printf(string, ...any) }) and get
// a *log.Logger bridged from zap through StdLog.
package logger

import (
	"log"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New creates a logger for environment. "production" selects JSON output at
// info level; anything else selects the colored development console.
// verbose lowers the level to debug in both modes.
func New(environment string, verbose bool) (*zap.Logger, error) {
	var config zap.Config

	if environment == "production" {
		config = zap.NewProductionConfig()
	} else {
		config = zap.NewDevelopmentConfig()
		config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		config.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}
	if verbose {
		config.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}

	config.EncoderConfig.CallerKey = "caller"
	config.EncoderConfig.EncodeCaller = zapcore.ShortCallerEncoder
	config.OutputPaths = []string{"stderr"}
	config.ErrorOutputPaths = []string{"stderr"}

	return config.Build(zap.AddCaller())
}

// StdLog adapts l to the Printf seam used by engine, etl, watch and
// multitable. Lines are written at info level.
func StdLog(l *zap.Logger) *log.Logger {
	if l == nil {
		l = zap.NewNop()
	}
	return zap.NewStdLog(l.WithOptions(zap.AddCallerSkip(1)))
}
