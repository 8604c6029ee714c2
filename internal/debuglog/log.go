// Package debuglog is the process-wide leveled logger. It is silent until
// Setup is called.
package debuglog

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// LogLevel represents the severity level of a log message
type LogLevel int

const (
	LevelDebug LogLevel = iota
	LevelInfo
	LevelWarn
	LevelError
	LevelOff // Disables all logging
)

// String returns the string representation of the log level
func (l LogLevel) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	case LevelOff:
		return "OFF"
	default:
		return "UNKNOWN"
	}
}

// ParseLogLevel parses a string into a LogLevel. Unknown input is INFO.
func ParseLogLevel(s string) LogLevel {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return LevelDebug
	case "INFO":
		return LevelInfo
	case "WARN", "WARNING":
		return LevelWarn
	case "ERROR":
		return LevelError
	case "OFF":
		return LevelOff
	default:
		return LevelInfo
	}
}

func (l LogLevel) zapLevel() zapcore.Level {
	switch l {
	case LevelDebug:
		return zapcore.DebugLevel
	case LevelWarn:
		return zapcore.WarnLevel
	case LevelError:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// Options configures Setup. With File empty, output goes to Writer, or to
// stderr when Writer is nil as well.
type Options struct {
	Level      LogLevel
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Writer     io.Writer
}

var (
	currentLevel atomic.Int32
	atomicLevel  = zap.NewAtomicLevel()
	logger       atomic.Pointer[zap.SugaredLogger]

	mu     sync.Mutex
	closer io.Closer
)

func init() {
	currentLevel.Store(int32(LevelOff))
	logger.Store(zap.NewNop().Sugar())
}

// Setup replaces the process logger.
func Setup(opts Options) error {
	mu.Lock()
	defer mu.Unlock()

	closeLocked()
	SetLevel(opts.Level)

	if opts.Level == LevelOff {
		logger.Store(zap.NewNop().Sugar())
		return nil
	}

	var sink zapcore.WriteSyncer
	switch {
	case opts.File != "":
		if err := os.MkdirAll(filepath.Dir(opts.File), 0o755); err != nil {
			return fmt.Errorf("failed to create log directory: %w", err)
		}
		rotator := &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.MaxBackups,
			MaxAge:     opts.MaxAgeDays,
		}
		closer = rotator
		sink = zapcore.AddSync(rotator)
	case opts.Writer != nil:
		sink = zapcore.AddSync(opts.Writer)
	default:
		sink = zapcore.Lock(os.Stderr)
	}

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderCfg.EncodeLevel = zapcore.CapitalLevelEncoder

	core := zapcore.NewCore(zapcore.NewConsoleEncoder(encoderCfg), sink, atomicLevel)
	logger.Store(zap.New(core).Named("feedkeeper").Sugar())
	return nil
}

// SetLevel changes the current logging level
func SetLevel(level LogLevel) {
	currentLevel.Store(int32(level))
	atomicLevel.SetLevel(level.zapLevel())
}

// GetLevel returns the current logging level
func GetLevel() LogLevel {
	return LogLevel(currentLevel.Load())
}

// Close flushes the logger and closes a rotating log file if one is open.
func Close() error {
	mu.Lock()
	defer mu.Unlock()
	err := closeLocked()
	logger.Store(zap.NewNop().Sugar())
	return err
}

func closeLocked() error {
	_ = logger.Load().Sync()
	if closer == nil {
		return nil
	}
	err := closer.Close()
	closer = nil
	return err
}

func enabled(level LogLevel) bool {
	current := GetLevel()
	return current != LevelOff && level >= current
}

func Debugf(format string, args ...any) {
	if enabled(LevelDebug) {
		logger.Load().Debugf(format, args...)
	}
}

func Infof(format string, args ...any) {
	if enabled(LevelInfo) {
		logger.Load().Infof(format, args...)
	}
}

func Warnf(format string, args ...any) {
	if enabled(LevelWarn) {
		logger.Load().Warnf(format, args...)
	}
}

func Errorf(format string, args ...any) {
	if enabled(LevelError) {
		logger.Load().Errorf(format, args...)
	}
}

// FieldLogger attaches structured key-value fields to each message.
type FieldLogger struct {
	fields []interface{}
}

// WithFields returns a logger with the specified fields, ordered by key.
func WithFields(fields map[string]interface{}) *FieldLogger {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	kv := make([]interface{}, 0, 2*len(keys))
	for _, k := range keys {
		kv = append(kv, k, fields[k])
	}
	return &FieldLogger{fields: kv}
}

func (fl *FieldLogger) Debugf(format string, args ...any) {
	if enabled(LevelDebug) {
		logger.Load().Debugw(fmt.Sprintf(format, args...), fl.fields...)
	}
}

func (fl *FieldLogger) Infof(format string, args ...any) {
	if enabled(LevelInfo) {
		logger.Load().Infow(fmt.Sprintf(format, args...), fl.fields...)
	}
}

func (fl *FieldLogger) Warnf(format string, args ...any) {
	if enabled(LevelWarn) {
		logger.Load().Warnw(fmt.Sprintf(format, args...), fl.fields...)
	}
}

func (fl *FieldLogger) Errorf(format string, args ...any) {
	if enabled(LevelError) {
		logger.Load().Errorw(fmt.Sprintf(format, args...), fl.fields...)
	}
}
