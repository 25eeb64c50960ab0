// Package logger provides the process-wide structured logger.
package logger

import (
	"fmt"
	"io"
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	log *zap.SugaredLogger
	mu  sync.Mutex
)

func init() {
	initLogger(os.Getenv("LOOM_DEBUG") != "")
}

func initLogger(debug bool) {
	cfg := zap.NewProductionConfig()
	cfg.OutputPaths = []string{"stderr"}
	cfg.Encoding = "console"
	cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	if debug {
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	} else {
		cfg.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	}
	l, err := cfg.Build()
	if err != nil {
		// zap config is static; a build failure here means a broken binary.
		panic(err)
	}
	log = l.Sugar()
}

// SetDebug toggles debug-level output.
func SetDebug(debug bool) {
	mu.Lock()
	defer mu.Unlock()
	initLogger(debug)
}

// SetOutput redirects log output, primarily for test capture.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	encoderCfg := zap.NewProductionEncoderConfig()
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(encoderCfg), zapcore.AddSync(w), zapcore.DebugLevel)
	log = zap.New(core).Sugar()
}

func Debug(format string, args ...any) { log.Debugf(format, args...) }
func Info(format string, args ...any)  { log.Infof(format, args...) }
func Warn(format string, args ...any)  { log.Warnf(format, args...) }
func Error(format string, args ...any) { log.Errorf(format, args...) }

// Infow logs an info message with structured key/value fields.
func Infow(msg string, fields ...any) { log.Infow(msg, fields...) }

// Warnw logs a warning with structured key/value fields.
func Warnw(msg string, fields ...any) { log.Warnw(msg, fields...) }

// Errorw logs an error with structured key/value fields.
func Errorw(msg string, fields ...any) { log.Errorw(msg, fields...) }

// Errorf logs the formatted message at error level and returns it as an error.
func Errorf(format string, args ...any) error {
	err := fmt.Errorf(format, args...)
	log.Errorf("%s", err)
	return err
}
