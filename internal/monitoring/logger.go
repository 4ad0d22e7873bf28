package monitoring

import (
	"fmt"
	"log"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Logf is the package-level diagnostic logger. It defaults to log.Printf but may
// be replaced by SetLogger. Tests or production code can redirect or mute it.
var Logf func(format string, v ...interface{}) = log.Printf

// SetLogger replaces the package logger. Passing nil will set a no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}

// LoggerOptions selects the zap backend for Logf.
type LoggerOptions struct {
	Level  string // debug, info, warn, error
	Format string // json or console
	// File enables a rotated JSON log next to the console output.
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// NewLogger builds a zap logger. Console output always goes to stderr; when
// File is set a lumberjack-rotated JSON copy is teed alongside it.
func NewLogger(opts LoggerOptions) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if opts.Level != "" {
		if err := level.UnmarshalText([]byte(opts.Level)); err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", opts.Level, err)
		}
	}

	var enc zapcore.Encoder
	switch opts.Format {
	case "", "console":
		enc = zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig())
	case "json":
		enc = zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
	default:
		return nil, fmt.Errorf("invalid log format %q (want json or console)", opts.Format)
	}

	cores := []zapcore.Core{zapcore.NewCore(enc, zapcore.Lock(os.Stderr), level)}
	if opts.File != "" {
		rotator := &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    orDefault(opts.MaxSizeMB, 64),
			MaxBackups: orDefault(opts.MaxBackups, 7),
			MaxAge:     orDefault(opts.MaxAgeDays, 7),
			Compress:   true,
		}
		cores = append(cores, zapcore.NewCore(
			zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()),
			zapcore.AddSync(rotator),
			level,
		))
	}

	return zap.New(zapcore.NewTee(cores...), zap.AddCaller(), zap.AddCallerSkip(1)), nil
}

// UseZap routes Logf through l at info level and returns a function that
// restores the previous logger.
func UseZap(l *zap.Logger) (restore func()) {
	prev := Logf
	Logf = l.Sugar().Infof
	return func() { Logf = prev }
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
