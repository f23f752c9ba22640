package logging

import (
	"context"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	sugar *zap.SugaredLogger
	once  sync.Once
	mu    sync.RWMutex
)

// Logger is the structured logging surface used across the coordinator.
// Keep it small and focused on key/value events.
type Logger interface {
	Infow(msg string, keysAndValues ...interface{})
	Debugw(msg string, keysAndValues ...interface{})
	Warnw(msg string, keysAndValues ...interface{})
	Errorw(msg string, keysAndValues ...interface{})
	Sync() error
}

type noopLogger struct{}

func (noopLogger) Infow(msg string, keysAndValues ...interface{})  {}
func (noopLogger) Debugw(msg string, keysAndValues ...interface{}) {}
func (noopLogger) Warnw(msg string, keysAndValues ...interface{})  {}
func (noopLogger) Errorw(msg string, keysAndValues ...interface{}) {}
func (noopLogger) Sync() error                                     { return nil }

// current starts as a noop so package code can log before Init runs (tests).
var current Logger = noopLogger{}

// Init builds the global sugared logger from LOG_LEVEL and redirects the
// standard library logger into zap. Safe to call multiple times; only the
// first call configures anything.
func Init() *zap.SugaredLogger {
	return InitLevel(os.Getenv("LOG_LEVEL"))
}

// InitLevel is Init with an explicit level (debug|info|warn|error).
func InitLevel(level string) *zap.SugaredLogger {
	once.Do(func() {
		cfg := zap.Config{
			Encoding:         "json",
			EncoderConfig:    zap.NewProductionEncoderConfig(),
			OutputPaths:      []string{"stdout"},
			ErrorOutputPaths: []string{"stderr"},
		}
		cfg.EncoderConfig.TimeKey = "ts"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		cfg.EncoderConfig.CallerKey = "caller"
		cfg.Level = zap.NewAtomicLevelAt(parseLevel(level))

		logger, err := cfg.Build(zap.AddCaller(), zap.AddCallerSkip(1), zap.AddStacktrace(zap.ErrorLevel))
		if err != nil {
			logger, _ = zap.NewProduction()
		}
		_ = zap.RedirectStdLog(logger)
		sugar = logger.Sugar()
		SetLogger(sugar)
	})
	return sugar
}

func parseLevel(level string) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zap.DebugLevel
	case "warn":
		return zap.WarnLevel
	case "error":
		return zap.ErrorLevel
	default:
		return zap.InfoLevel
	}
}

// Sugar returns the initialized sugared logger (nil before Init).
func Sugar() *zap.SugaredLogger { return sugar }

// SetLogger replaces the package-level logger. Passing nil restores the
// logger built by Init, or the noop logger if Init never ran.
func SetLogger(l Logger) {
	mu.Lock()
	defer mu.Unlock()
	switch {
	case l != nil:
		current = l
	case sugar != nil:
		current = sugar
	default:
		current = noopLogger{}
	}
}

// GetLogger returns the current Logger.
func GetLogger() Logger {
	mu.RLock()
	defer mu.RUnlock()
	return current
}

func Infow(msg string, keysAndValues ...interface{}) {
	GetLogger().Infow(msg, keysAndValues...)
}

func Debugw(msg string, keysAndValues ...interface{}) {
	GetLogger().Debugw(msg, keysAndValues...)
}

func Warnw(msg string, keysAndValues ...interface{}) {
	GetLogger().Warnw(msg, keysAndValues...)
}

func Errorw(msg string, keysAndValues ...interface{}) {
	GetLogger().Errorw(msg, keysAndValues...)
}

// Sync flushes any buffered logs.
func Sync() error {
	return GetLogger().Sync()
}

type ctxKeyType struct{}

// WithFields returns a context carrying kv; fields already on ctx are kept
// and the new ones appended.
func WithFields(ctx context.Context, kv ...interface{}) context.Context {
	if len(kv) == 0 {
		return ctx
	}
	prev, _ := ctx.Value(ctxKeyType{}).([]interface{})
	merged := make([]interface{}, 0, len(prev)+len(kv))
	merged = append(merged, prev...)
	merged = append(merged, kv...)
	return context.WithValue(ctx, ctxKeyType{}, merged)
}

// FromContext returns any fields previously attached with WithFields.
func FromContext(ctx context.Context) []interface{} {
	if ctx == nil {
		return nil
	}
	if v, ok := ctx.Value(ctxKeyType{}).([]interface{}); ok {
		return v
	}
	return nil
}

func merge(ctx context.Context, kv []interface{}) []interface{} {
	ctxFields := FromContext(ctx)
	if len(ctxFields) == 0 {
		return kv
	}
	merged := make([]interface{}, 0, len(ctxFields)+len(kv))
	merged = append(merged, ctxFields...)
	return append(merged, kv...)
}

// InfowCtx merges fields from ctx with kv and logs at info level.
func InfowCtx(ctx context.Context, msg string, kv ...interface{}) {
	Infow(msg, merge(ctx, kv)...)
}

// WarnwCtx merges fields from ctx with kv and logs at warn level.
func WarnwCtx(ctx context.Context, msg string, kv ...interface{}) {
	Warnw(msg, merge(ctx, kv)...)
}

// SessionFields returns the canonical key/value pair for a recording session.
func SessionFields(sessionID string) []interface{} {
	if sessionID == "" {
		return nil
	}
	return []interface{}{"session.id", sessionID}
}

// ChannelFields identifies a delivery channel in log lines.
func ChannelFields(name, url string) []interface{} {
	if url == "" {
		return []interface{}{"channel.name", name}
	}
	return []interface{}{"channel.name", name, "channel.url", url}
}

// TrackFields identifies a capture device track.
func TrackFields(id, kind string) []interface{} {
	return []interface{}{"track.id", id, "track.kind", kind}
}
