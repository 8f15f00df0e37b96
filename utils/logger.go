package utils

import (
	"context"
	"log/slog"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
	DebugCtx(ctx context.Context, msg string, args ...any)
	InfoCtx(ctx context.Context, msg string, args ...any)
	WarnCtx(ctx context.Context, msg string, args ...any)
	ErrorCtx(ctx context.Context, msg string, args ...any)
}

type DefaultLogger struct {
	logger *slog.Logger
}

func NewDefaultLogger(level slog.Level) *DefaultLogger {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))

	return &DefaultLogger{logger: logger}
}

const prefix = "[fabric] "

func (d *DefaultLogger) Debug(msg string, args ...any) {
	d.logger.Debug(prefix+msg, args...)
}

func (d *DefaultLogger) Info(msg string, args ...any) {
	d.logger.Info(prefix+msg, args...)
}

func (d *DefaultLogger) Warn(msg string, args ...any) {
	d.logger.Warn(prefix+msg, args...)
}

func (d *DefaultLogger) Error(msg string, args ...any) {
	d.logger.Error(prefix+msg, args...)
}

var DefaultArgs int

func getDefaultArgs(ctx context.Context) []any {
	ctxargs := ctx.Value(&DefaultArgs)
	if ctxargs == nil {
		return nil
	}
	return ctxargs.([]any)
}

// WithDefaultArgs attaches key/value pairs that every *Ctx log call made
// with the returned context appends to its own args.
func WithDefaultArgs(ctx context.Context, args ...any) context.Context {
	dargs := append([]any{}, getDefaultArgs(ctx)...)
	dargs = append(dargs, args...)
	return context.WithValue(ctx, &DefaultArgs, dargs)
}

func (d *DefaultLogger) DebugCtx(ctx context.Context, msg string, args ...any) {
	args = append(args, getDefaultArgs(ctx)...)
	d.logger.Debug(prefix+msg, args...)
}

func (d *DefaultLogger) InfoCtx(ctx context.Context, msg string, args ...any) {
	args = append(args, getDefaultArgs(ctx)...)
	d.logger.Info(prefix+msg, args...)
}

func (d *DefaultLogger) WarnCtx(ctx context.Context, msg string, args ...any) {
	args = append(args, getDefaultArgs(ctx)...)
	d.logger.Warn(prefix+msg, args...)
}

func (d *DefaultLogger) ErrorCtx(ctx context.Context, msg string, args ...any) {
	args = append(args, getDefaultArgs(ctx)...)
	d.logger.Error(prefix+msg, args...)
}

// ZapLogger emits structured JSON through zap. Args are slog-style
// alternating key/value pairs.
type ZapLogger struct {
	logger *zap.SugaredLogger
}

func NewZapLogger(level slog.Level) (*ZapLogger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zapLevel(level))
	cfg.Sampling = nil
	logger, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return &ZapLogger{logger: logger.Named("fabric").Sugar()}, nil
}

func zapLevel(level slog.Level) zapcore.Level {
	switch {
	case level <= slog.LevelDebug:
		return zapcore.DebugLevel
	case level <= slog.LevelInfo:
		return zapcore.InfoLevel
	case level <= slog.LevelWarn:
		return zapcore.WarnLevel
	default:
		return zapcore.ErrorLevel
	}
}

func (z *ZapLogger) Sync() error {
	return z.logger.Sync()
}

func (z *ZapLogger) Debug(msg string, args ...any) { z.logger.Debugw(msg, args...) }
func (z *ZapLogger) Info(msg string, args ...any)  { z.logger.Infow(msg, args...) }
func (z *ZapLogger) Warn(msg string, args ...any)  { z.logger.Warnw(msg, args...) }
func (z *ZapLogger) Error(msg string, args ...any) { z.logger.Errorw(msg, args...) }

func (z *ZapLogger) DebugCtx(ctx context.Context, msg string, args ...any) {
	z.logger.Debugw(msg, append(args, getDefaultArgs(ctx)...)...)
}

func (z *ZapLogger) InfoCtx(ctx context.Context, msg string, args ...any) {
	z.logger.Infow(msg, append(args, getDefaultArgs(ctx)...)...)
}

func (z *ZapLogger) WarnCtx(ctx context.Context, msg string, args ...any) {
	z.logger.Warnw(msg, append(args, getDefaultArgs(ctx)...)...)
}

func (z *ZapLogger) ErrorCtx(ctx context.Context, msg string, args ...any) {
	z.logger.Errorw(msg, append(args, getDefaultArgs(ctx)...)...)
}
