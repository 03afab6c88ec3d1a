package logger

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger wraps zap logger with component and chain scoping
type Logger struct {
	*zap.Logger
}

// NewLogger creates a new logger instance.
// encoding is "json" or "console"; anything else falls back to json.
func NewLogger(level, encoding string) (*Logger, error) {
	config := zap.NewProductionConfig()

	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(level)); err != nil {
		zapLevel = zapcore.InfoLevel
	}
	config.Level = zap.NewAtomicLevelAt(zapLevel)

	if encoding == "console" {
		config.Encoding = "console"
	}
	config.OutputPaths = []string{"stdout"}
	config.ErrorOutputPaths = []string{"stderr"}
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	config.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder

	logger, err := config.Build()
	if err != nil {
		return nil, err
	}

	return &Logger{Logger: logger}, nil
}

// NewNop returns a logger that discards everything
func NewNop() *Logger {
	return &Logger{Logger: zap.NewNop()}
}

// WithComponent adds a component field to the logger
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{Logger: l.Logger.With(zap.String("component", component))}
}

// WithChain adds a chain field to the logger
func (l *Logger) WithChain(chain string) *Logger {
	return &Logger{Logger: l.Logger.With(zap.String("chain", chain))}
}

// WithFields adds multiple fields to the logger
func (l *Logger) WithFields(fields map[string]interface{}) *Logger {
	zapFields := make([]zap.Field, 0, len(fields))
	for k, v := range fields {
		zapFields = append(zapFields, zap.Any(k, v))
	}
	return &Logger{Logger: l.Logger.With(zapFields...)}
}

// CronAdapter lets robfig/cron report through zap
type CronAdapter struct {
	log *Logger
}

// NewCronAdapter wraps the logger for cron.Logger
func NewCronAdapter(l *Logger) CronAdapter {
	return CronAdapter{log: l.WithComponent("cron")}
}

// Info logs routine scheduler messages at debug level
func (c CronAdapter) Info(msg string, keysAndValues ...interface{}) {
	c.log.Sugar().Debugw(msg, keysAndValues...)
}

// Error logs scheduler failures, including recovered panics
func (c CronAdapter) Error(err error, msg string, keysAndValues ...interface{}) {
	c.log.Sugar().Errorw(msg, append(keysAndValues, "error", err)...)
}
