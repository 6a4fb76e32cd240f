package logger

import "github.com/quorumlock/quorumlock/types"

// NoOpLogger discards all messages. Tests can override individual
// methods to capture output.
type NoOpLogger struct {
	DebugwFunc func(string, ...any)
	InfowFunc  func(string, ...any)
	WarnwFunc  func(string, ...any)
	ErrorwFunc func(string, ...any)
	FatalwFunc func(string, ...any)
}

// NewNoOpLogger returns a logger that discards everything.
func NewNoOpLogger() Logger { return &NoOpLogger{} }

func (l *NoOpLogger) Debugw(msg string, kvs ...any) {
	if l.DebugwFunc != nil {
		l.DebugwFunc(msg, kvs...)
	}
}

func (l *NoOpLogger) Infow(msg string, kvs ...any) {
	if l.InfowFunc != nil {
		l.InfowFunc(msg, kvs...)
	}
}

func (l *NoOpLogger) Warnw(msg string, kvs ...any) {
	if l.WarnwFunc != nil {
		l.WarnwFunc(msg, kvs...)
	}
}

func (l *NoOpLogger) Errorw(msg string, kvs ...any) {
	if l.ErrorwFunc != nil {
		l.ErrorwFunc(msg, kvs...)
	}
}

func (l *NoOpLogger) Fatalw(msg string, kvs ...any) {
	if l.FatalwFunc != nil {
		l.FatalwFunc(msg, kvs...)
	}
}

// With returns the same logger; context is not stored.
func (l *NoOpLogger) With(kvs ...any) Logger { return l }

// WithNodeID returns the same logger; context is not stored.
func (l *NoOpLogger) WithNodeID(id types.NodeID) Logger { return l }

// WithComponent returns the same logger; context is not stored.
func (l *NoOpLogger) WithComponent(name string) Logger { return l }
