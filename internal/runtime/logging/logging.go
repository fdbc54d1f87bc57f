// Package logging is the structured logger flowbind components write to. One
// ServiceLogger serves the broker, the supervisor and the watermill backends,
// so pipeline logs and backend logs land in the same sink with the same keys.
package logging

import (
	"log/slog"
	"maps"

	"github.com/ThreeDotsLabs/watermill"
)

// Keys used across the runtime.
const (
	FieldBinding   = "binding"
	FieldTopic     = "topic"
	FieldPartition = "partition"
	FieldProcess   = "process"
	FieldOffset    = "offset"
	FieldState     = "state"
)

// LogFields are the key/value pairs attached to one entry.
type LogFields map[string]any

// PartitionFields names one partition of a binding.
func PartitionFields(binding string, partition int) LogFields {
	return LogFields{FieldBinding: binding, FieldPartition: partition}
}

// With returns a copy of f with key set.
func (f LogFields) With(key string, value any) LogFields {
	out := make(LogFields, len(f)+1)
	maps.Copy(out, f)
	out[key] = value
	return out
}

// ServiceLogger is what flowbind logs through. Its methods mirror watermill's
// LoggerAdapter, so either side can wrap the other.
type ServiceLogger interface {
	With(fields LogFields) ServiceLogger
	Debug(msg string, fields LogFields)
	Info(msg string, fields LogFields)
	Error(msg string, err error, fields LogFields)
	Trace(msg string, fields LogFields)
}

// slog levels pass through unchanged; watermill's trace entries land below
// debug.
var slogLevels = map[slog.Level]slog.Level{
	slog.LevelDebug: slog.LevelDebug,
	slog.LevelInfo:  slog.LevelInfo,
	slog.LevelWarn:  slog.LevelWarn,
	slog.LevelError: slog.LevelError,
}

func NewSlogServiceLogger(log *slog.Logger) ServiceLogger {
	if log == nil {
		panic("flowbind: slog logger cannot be nil")
	}
	return NewWatermillServiceLogger(watermill.NewSlogLoggerWithLevelMapping(log, slogLevels))
}

// NewWatermillServiceLogger logs through a watermill LoggerAdapter.
func NewWatermillServiceLogger(logger watermill.LoggerAdapter) ServiceLogger {
	if logger == nil {
		panic("flowbind: watermill logger cannot be nil")
	}
	return &adapterLogger{inner: logger}
}

func NopLogger() ServiceLogger {
	return &adapterLogger{inner: watermill.NopLogger{}}
}

// OrNop lets components accept a nil logger.
func OrNop(log ServiceLogger) ServiceLogger {
	if log == nil {
		return NopLogger()
	}
	return log
}

type adapterLogger struct {
	inner watermill.LoggerAdapter
}

func (a *adapterLogger) With(fields LogFields) ServiceLogger {
	if len(fields) == 0 {
		return a
	}
	return &adapterLogger{inner: a.inner.With(toWatermillFields(fields))}
}

func (a *adapterLogger) Debug(msg string, fields LogFields) {
	a.inner.Debug(msg, toWatermillFields(fields))
}

func (a *adapterLogger) Info(msg string, fields LogFields) {
	a.inner.Info(msg, toWatermillFields(fields))
}

func (a *adapterLogger) Error(msg string, err error, fields LogFields) {
	a.inner.Error(msg, err, toWatermillFields(fields))
}

func (a *adapterLogger) Trace(msg string, fields LogFields) {
	a.inner.Trace(msg, toWatermillFields(fields))
}

// NewWatermillAdapter hands log to watermill backends as their LoggerAdapter.
func NewWatermillAdapter(log ServiceLogger) watermill.LoggerAdapter {
	if log == nil {
		panic("flowbind: ServiceLogger cannot be nil")
	}
	return &backendLogger{base: log}
}

type backendLogger struct {
	base ServiceLogger
}

func (b *backendLogger) Error(msg string, err error, fields watermill.LogFields) {
	b.base.Error(msg, err, fromWatermillFields(fields))
}

func (b *backendLogger) Info(msg string, fields watermill.LogFields) {
	b.base.Info(msg, fromWatermillFields(fields))
}

func (b *backendLogger) Debug(msg string, fields watermill.LogFields) {
	b.base.Debug(msg, fromWatermillFields(fields))
}

func (b *backendLogger) Trace(msg string, fields watermill.LogFields) {
	b.base.Trace(msg, fromWatermillFields(fields))
}

func (b *backendLogger) With(fields watermill.LogFields) watermill.LoggerAdapter {
	return &backendLogger{base: b.base.With(fromWatermillFields(fields))}
}

func toWatermillFields(fields LogFields) watermill.LogFields {
	if len(fields) == 0 {
		return nil
	}
	return watermill.LogFields(fields)
}

func fromWatermillFields(fields watermill.LogFields) LogFields {
	if len(fields) == 0 {
		return nil
	}
	return LogFields(fields)
}
