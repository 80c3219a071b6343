package logger

import (
	"nova-core/pkg/config"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var Module = fx.Module("logger",
	fx.Provide(New),
)

type Params struct {
	fx.In
	Cfg *config.Config
}

// New builds the process logger and installs it as the zap global so
// packages can log through zap.L() without a handle.
func New(p Params) *zap.Logger {
	log := build(p.Cfg.AppEnv)

	log = log.With(
		zap.String("service", p.Cfg.AppName),
		zap.String("env", p.Cfg.AppEnv),
	)

	zap.ReplaceGlobals(log)
	return log
}

func build(env string) *zap.Logger {
	if env != "production" {
		return zap.Must(zap.NewDevelopment())
	}

	cfg := zap.NewProductionConfig()
	cfg.Encoding = "json"
	cfg.OutputPaths = []string{"stdout"}
	cfg.ErrorOutputPaths = []string{"stderr"}
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.RFC3339TimeEncoder
	cfg.EncoderConfig.LevelKey = "level"
	cfg.EncoderConfig.EncodeLevel = zapcore.LowercaseLevelEncoder
	cfg.EncoderConfig.CallerKey = "caller"
	cfg.EncoderConfig.EncodeCaller = zapcore.ShortCallerEncoder
	cfg.EncoderConfig.StacktraceKey = "stacktrace"

	return zap.Must(cfg.Build())
}
