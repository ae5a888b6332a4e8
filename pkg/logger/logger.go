package logger

import (
	"sort"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Level mirrors the zap levels we expose through SetLevel.
type Level int8

const (
	DEBUG Level = iota - 1
	INFO
	WARN
	ERROR
)

var (
	atomicLevel = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	base        *zap.Logger
)

func init() {
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encCfg.EncodeLevel = zapcore.LowercaseLevelEncoder

	cfg := zap.Config{
		Level:            atomicLevel,
		Encoding:         "json",
		EncoderConfig:    encCfg,
		OutputPaths:      []string{"stderr"},
		ErrorOutputPaths: []string{"stderr"},
	}

	l, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		l = zap.NewNop()
	}
	base = l
}

// SetLevel adjusts the global log level at runtime.
func SetLevel(level Level) {
	atomicLevel.SetLevel(zapcore.Level(level))
}

// Sync flushes buffered log entries. Safe to call on shutdown.
func Sync() {
	_ = base.Sync()
}

func fieldsToZap(component string, fields map[string]interface{}) []zap.Field {
	out := make([]zap.Field, 0, len(fields)+1)
	out = append(out, zap.String("component", component))

	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		out = append(out, zap.Any(k, fields[k]))
	}
	return out
}

func DebugC(component, msg string) {
	base.Debug(msg, zap.String("component", component))
}

func DebugCF(component, msg string, fields map[string]interface{}) {
	base.Debug(msg, fieldsToZap(component, fields)...)
}

func InfoC(component, msg string) {
	base.Info(msg, zap.String("component", component))
}

func InfoCF(component, msg string, fields map[string]interface{}) {
	base.Info(msg, fieldsToZap(component, fields)...)
}

func WarnC(component, msg string) {
	base.Warn(msg, zap.String("component", component))
}

func WarnCF(component, msg string, fields map[string]interface{}) {
	base.Warn(msg, fieldsToZap(component, fields)...)
}

func ErrorC(component, msg string) {
	base.Error(msg, zap.String("component", component))
}

func ErrorCF(component, msg string, fields map[string]interface{}) {
	base.Error(msg, fieldsToZap(component, fields)...)
}
