package logger

import (
	"context"
	"fmt"
	"io"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/Gopher0727/chatsync/config"
)

// Logger wraps zap.Logger and owns the sink it writes to.
type Logger struct {
	*zap.Logger
	sink io.Closer
}

// NewLogger builds a logger from the logging section of the config.
// Output is one of stdout, stderr or file; format is json or text.
// An unknown level falls back to info.
func NewLogger(cfg *config.LoggingConfig) (*Logger, error) {
	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		LevelKey:       "level",
		NameKey:        "component",
		CallerKey:      "caller",
		FunctionKey:    zapcore.OmitKey,
		MessageKey:     "message",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.MillisDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	var encoder zapcore.Encoder
	if cfg.Format == "json" {
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	} else {
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	}

	var (
		ws   zapcore.WriteSyncer
		sink io.Closer
	)
	switch cfg.Output {
	case "file":
		if cfg.FilePath == "" {
			return nil, fmt.Errorf("logging.file_path is required when output is file")
		}
		f, err := os.OpenFile(cfg.FilePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		ws, sink = zapcore.AddSync(f), f
	case "stderr":
		ws = zapcore.Lock(os.Stderr)
	default:
		ws = zapcore.Lock(os.Stdout)
	}

	core := zapcore.NewCore(encoder, ws, parseLogLevel(cfg.Level))
	return &Logger{
		Logger: zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel)),
		sink:   sink,
	}, nil
}

// NewDevelopmentLogger returns a console logger at debug level.
func NewDevelopmentLogger() (*Logger, error) {
	zl, err := zap.NewDevelopment()
	if err != nil {
		return nil, err
	}
	return &Logger{Logger: zl}, nil
}

// WithFields returns a child logger carrying fields on every entry.
func (l *Logger) WithFields(fields ...zap.Field) *zap.Logger {
	return l.Logger.With(fields...)
}

// Component returns a named child logger, e.g. "gateway" or "usercache".
// A nil Logger yields a no-op logger.
func (l *Logger) Component(name string) *zap.Logger {
	if l == nil {
		return zap.NewNop()
	}
	return l.Logger.Named(name)
}

// FromContext decorates any zap logger with the trace fields carried by ctx.
// Components hold a plain *zap.Logger, so this is the helper they call.
func FromContext(ctx context.Context, l *zap.Logger) *zap.Logger {
	fields := ContextFields(ctx)
	if len(fields) == 0 {
		return l
	}
	return l.With(fields...)
}

// OrNop returns l, or a no-op logger when l is nil.
func OrNop(l *zap.Logger) *zap.Logger {
	if l == nil {
		return zap.NewNop()
	}
	return l
}

func parseLogLevel(level string) zapcore.Level {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return zapcore.InfoLevel
	}
	return lvl
}

// Close flushes buffered entries and releases the file sink, if any.
func (l *Logger) Close() error {
	// Sync on stdout returns EINVAL on some platforms; only file sinks matter.
	syncErr := l.Logger.Sync()
	if l.sink == nil {
		return nil
	}
	if syncErr != nil {
		_ = l.sink.Close()
		return syncErr
	}
	return l.sink.Close()
}
