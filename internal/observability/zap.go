package observability

import (
	"fmt"
	"log"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const callerSkipFrames = 1

// ZapConfig selects the zap profile.
type ZapConfig struct {
	// Environment "dev", "development" or "local" selects debug defaults.
	Environment string
	Level       string
	Role        string
}

// ZapLogger adapts a zap.Logger to Logger.
type ZapLogger struct {
	logger *zap.Logger
	level  zap.AtomicLevel
}

// NewZapLogger builds a JSON logger for cfg.
func NewZapLogger(cfg ZapConfig) (*ZapLogger, error) {
	env := strings.ToLower(strings.TrimSpace(cfg.Environment))
	var base zap.Config
	if isDevelopment(env) {
		base = zap.NewDevelopmentConfig()
	} else {
		base = zap.NewProductionConfig()
	}
	base.Encoding = "json"
	base.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	base.EncoderConfig.TimeKey = "ts"
	base.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	base.DisableStacktrace = true

	level, err := resolveLevel(cfg.Level, env)
	if err != nil {
		return nil, err
	}
	base.Level = level

	built, err := base.Build(zap.AddCallerSkip(callerSkipFrames))
	if err != nil {
		return nil, fmt.Errorf("build zap logger: %w", err)
	}
	if role := strings.TrimSpace(cfg.Role); role != "" {
		built = built.With(zap.String("role", role))
	}
	return &ZapLogger{logger: built, level: level}, nil
}

// NewZapLoggerFrom wraps an existing zap logger.
func NewZapLoggerFrom(logger *zap.Logger) *ZapLogger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ZapLogger{logger: logger, level: zap.NewAtomicLevelAt(zapcore.DebugLevel)}
}

func resolveLevel(raw, env string) (zap.AtomicLevel, error) {
	if strings.TrimSpace(raw) != "" {
		var parsed zapcore.Level
		if err := parsed.Set(raw); err != nil {
			return zap.AtomicLevel{}, fmt.Errorf("invalid log level %q: %w", raw, err)
		}
		return zap.NewAtomicLevelAt(parsed), nil
	}
	if isDevelopment(env) {
		return zap.NewAtomicLevelAt(zapcore.DebugLevel), nil
	}
	return zap.NewAtomicLevelAt(zapcore.InfoLevel), nil
}

func (l *ZapLogger) Debug(msg string, fields ...Field) { l.logger.Debug(msg, toZap(fields)...) }
func (l *ZapLogger) Info(msg string, fields ...Field)  { l.logger.Info(msg, toZap(fields)...) }
func (l *ZapLogger) Warn(msg string, fields ...Field)  { l.logger.Warn(msg, toZap(fields)...) }
func (l *ZapLogger) Error(msg string, fields ...Field) { l.logger.Error(msg, toZap(fields)...) }

// With returns a child logger carrying fields on every entry.
func (l *ZapLogger) With(fields ...Field) *ZapLogger {
	return &ZapLogger{logger: l.logger.With(toZap(fields)...), level: l.level}
}

// Std exposes the logger as a *log.Logger for libraries that want one.
func (l *ZapLogger) Std() *log.Logger {
	return zap.NewStdLog(l.logger)
}

// Sync flushes buffered entries.
func (l *ZapLogger) Sync() error {
	return l.logger.Sync()
}

// Level exposes the runtime-adjustable level.
func (l *ZapLogger) Level() zap.AtomicLevel {
	return l.level
}

func isDevelopment(env string) bool {
	switch env {
	case "dev", "development", "local":
		return true
	}
	return false
}

func toZap(fields []Field) []zap.Field {
	if len(fields) == 0 {
		return nil
	}
	out := make([]zap.Field, 0, len(fields))
	for _, f := range fields {
		if err, ok := f.Value.(error); ok {
			out = append(out, zap.NamedError(f.Key, err))
			continue
		}
		out = append(out, zap.Any(f.Key, f.Value))
	}
	return out
}

var _ Logger = (*ZapLogger)(nil)
