// Package log provides structured logging with spawn context.
//
// Two logger variants are available:
//   - Logger: Non-sugared zap.Logger for the spawning engine (structured fields)
//   - SugaredLogger: Printf-style logging for CLI/agent surfaces
//
// Use Logger.Sugar() to obtain a SugaredLogger when needed.
package log

import (
	"io"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// SpawnContext identifies the spawn attempt all log entries belong to.
type SpawnContext struct {
	// AppRoot is the application root directory being spawned.
	AppRoot string
	// JourneyType is the wire name of the journey type.
	JourneyType string
	// WorkDir is the spawn work directory, "" before handshake prepare.
	WorkDir string
}

// Logger provides structured logging with spawn context. Every entry
// carries the app root and journey type so interleaved spawns from one
// process stay attributable.
type Logger struct {
	zap *zap.Logger
	sc  SpawnContext
}

// SugaredLogger provides printf-style logging for CLI and in-child agent
// surfaces where convenience matters more than performance.
type SugaredLogger struct {
	sugar *zap.SugaredLogger
}

// NewLogger creates a logger with spawn context, writing to os.Stderr.
func NewLogger(sc SpawnContext) *Logger {
	return newLoggerWithWriter(sc, os.Stderr)
}

// WithOutput returns a logger with the same spawn context pointing at a
// different writer. Used by tests and by the agent when stderr is a
// captured pipe.
func (l *Logger) WithOutput(w io.Writer) *Logger {
	return newLoggerWithWriter(l.sc, w)
}

// WithWorkDir returns a logger that additionally carries the spawn work
// directory, available once handshake preparation has created it.
func (l *Logger) WithWorkDir(workDir string) *Logger {
	sc := l.sc
	sc.WorkDir = workDir
	return &Logger{
		zap: l.zap.With(zap.String("work_dir", workDir)),
		sc:  sc,
	}
}

func newCore(w io.Writer) zapcore.Core {
	encoderConfig := zapcore.EncoderConfig{
		TimeKey:     "timestamp",
		LevelKey:    "level",
		MessageKey:  "message",
		EncodeTime:  zapcore.RFC3339NanoTimeEncoder,
		EncodeLevel: zapcore.LowercaseLevelEncoder,
	}
	return zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderConfig),
		zapcore.AddSync(w),
		zapcore.DebugLevel,
	)
}

func newLoggerWithWriter(sc SpawnContext, w io.Writer) *Logger {
	contextFields := []zap.Field{
		zap.String("app_root", sc.AppRoot),
		zap.String("journey_type", sc.JourneyType),
	}
	if sc.WorkDir != "" {
		contextFields = append(contextFields, zap.String("work_dir", sc.WorkDir))
	}
	return &Logger{zap: zap.New(newCore(w)).With(contextFields...), sc: sc}
}

// Debug logs a debug message.
func (l *Logger) Debug(message string, fields map[string]any) {
	l.zap.Debug(message, zap.Any("fields", fields))
}

// Info logs an info message.
func (l *Logger) Info(message string, fields map[string]any) {
	l.zap.Info(message, zap.Any("fields", fields))
}

// Warn logs a warning message.
func (l *Logger) Warn(message string, fields map[string]any) {
	l.zap.Warn(message, zap.Any("fields", fields))
}

// Error logs an error message.
func (l *Logger) Error(message string, fields map[string]any) {
	l.zap.Error(message, zap.Any("fields", fields))
}

// Sugar returns a SugaredLogger for printf-style logging.
func (l *Logger) Sugar() *SugaredLogger {
	return &SugaredLogger{sugar: l.zap.Sugar()}
}

// Debugf logs a debug message with printf-style formatting.
func (s *SugaredLogger) Debugf(template string, args ...any) {
	s.sugar.Debugf(template, args...)
}

// Infof logs an info message with printf-style formatting.
func (s *SugaredLogger) Infof(template string, args ...any) {
	s.sugar.Infof(template, args...)
}

// Warnf logs a warning message with printf-style formatting.
func (s *SugaredLogger) Warnf(template string, args ...any) {
	s.sugar.Warnf(template, args...)
}

// Errorf logs an error message with printf-style formatting.
func (s *SugaredLogger) Errorf(template string, args ...any) {
	s.sugar.Errorf(template, args...)
}

// With returns a SugaredLogger with additional context fields.
func (s *SugaredLogger) With(args ...any) *SugaredLogger {
	return &SugaredLogger{sugar: s.sugar.With(args...)}
}
