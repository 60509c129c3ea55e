// Package definition holds the default implementations of the small
// capabilities the rest of the module depends on through interfaces,
// starting with the leveled Logger.
package definition

import (
	"os"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/jabolina/palmcast/pkg/palmcast/types"
)

// NewDefaultLogger builds the logger used when the embedding process
// does not provide its own types.Logger: a zap production core writing
// to stderr, with debug records gated behind ToggleDebug.
func NewDefaultLogger(name string) *DefaultLogger {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	level := zap.NewAtomicLevelAt(zapcore.InfoLevel)
	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encoderConfig),
		zapcore.Lock(os.Stderr),
		level,
	)
	return &DefaultLogger{
		sugar: zap.New(core).Named(name).Sugar(),
		level: level,
	}
}

// The default logger used if the user does not provide its own
// implementation.
type DefaultLogger struct {
	sugar *zap.SugaredLogger
	level zap.AtomicLevel
	debug atomic.Bool
}

func (l *DefaultLogger) Info(v ...interface{}) { l.sugar.Info(v...) }

func (l *DefaultLogger) Infof(format string, v ...interface{}) { l.sugar.Infof(format, v...) }

func (l *DefaultLogger) Warn(v ...interface{}) { l.sugar.Warn(v...) }

func (l *DefaultLogger) Warnf(format string, v ...interface{}) { l.sugar.Warnf(format, v...) }

func (l *DefaultLogger) Error(v ...interface{}) { l.sugar.Error(v...) }

func (l *DefaultLogger) Errorf(format string, v ...interface{}) { l.sugar.Errorf(format, v...) }

func (l *DefaultLogger) Debug(v ...interface{}) { l.sugar.Debug(v...) }

func (l *DefaultLogger) Debugf(format string, v ...interface{}) { l.sugar.Debugf(format, v...) }

func (l *DefaultLogger) Fatal(v ...interface{}) { l.sugar.Fatal(v...) }

func (l *DefaultLogger) Fatalf(format string, v ...interface{}) { l.sugar.Fatalf(format, v...) }

// ToggleDebug switches the core's level between INFO and DEBUG,
// returning the new debug state.
func (l *DefaultLogger) ToggleDebug(value bool) bool {
	l.debug.Store(value)
	if value {
		l.level.SetLevel(zapcore.DebugLevel)
	} else {
		l.level.SetLevel(zapcore.InfoLevel)
	}
	return l.debug.Load()
}

// Sync flushes buffered records; call it on process shutdown.
func (l *DefaultLogger) Sync() error { return l.sugar.Sync() }

var _ types.Logger = (*DefaultLogger)(nil)
