package logger

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Config struct {
	Service string
	Debug   bool
	Fields  []zap.Field

	// Output receives the JSON entries, stdout if nil.
	Output zapcore.WriteSyncer
	// Cores get every entry next to the JSON output.
	Cores []zapcore.Core
}

func (c Config) level() zapcore.Level {
	if c.Debug {
		return zapcore.DebugLevel
	}

	return zapcore.InfoLevel
}

// New builds the service logger. Every entry carries the service name and pid.
func New(c Config) *zap.Logger {
	out := c.Output
	if out == nil {
		out = zapcore.Lock(os.Stdout)
	}

	json := zapcore.NewCore(zapcore.NewJSONEncoder(EncoderConfig()), out, c.level())

	return zap.New(
		zapcore.NewTee(append([]zapcore.Core{json}, c.Cores...)...),
		zap.AddCaller(),
		zap.AddStacktrace(zapcore.ErrorLevel),
		zap.ErrorOutput(zapcore.Lock(os.Stderr)),
		zap.Fields(
			zap.String("service", c.Service),
			zap.Int("pid", os.Getpid()),
		),
		zap.Fields(c.Fields...),
	)
}

func EncoderConfig() zapcore.EncoderConfig {
	return zapcore.EncoderConfig{
		TimeKey:       "timestamp",
		MessageKey:    "message",
		LevelKey:      "level",
		CallerKey:     "caller",
		StacktraceKey: "stacktrace",
		NameKey:       "logger",
		EncodeLevel:   zapcore.LowercaseLevelEncoder,
		EncodeTime:    zapcore.RFC3339NanoTimeEncoder,
		EncodeCaller:  zapcore.ShortCallerEncoder,
		EncodeName:    zapcore.FullNameEncoder,
		LineEnding:    zapcore.DefaultLineEnding,
	}
}
