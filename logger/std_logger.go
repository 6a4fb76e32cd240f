package logger

import (
	"fmt"
	"log"
	"os"
	"sort"
	"strings"

	"github.com/quorumlock/quorumlock/types"
)

// LogLevel is the severity of a log message.
type LogLevel int

const (
	LevelDebug LogLevel = iota
	LevelInfo
	LevelWarn
	LevelError
	LevelFatal
)

// ParseLevel maps a string to a LogLevel. Unknown input defaults to info.
func ParseLevel(s string) LogLevel {
	switch strings.ToLower(s) {
	case "debug":
		return LevelDebug
	case "info":
		return LevelInfo
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	case "fatal":
		return LevelFatal
	default:
		return LevelInfo
	}
}

// StdLogger writes structured messages through the standard library
// log package, filtered by a minimum level.
type StdLogger struct {
	context  map[string]any
	minLevel LogLevel
}

// NewStdLogger returns a StdLogger filtering below the given level.
func NewStdLogger(minLevel string) Logger {
	return &StdLogger{
		context:  make(map[string]any),
		minLevel: ParseLevel(minLevel),
	}
}

func (l *StdLogger) log(level LogLevel, tag, msg string, kvs ...any) {
	if level < l.minLevel {
		return
	}

	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s", strings.ToUpper(tag), msg)

	// Persistent context first, in stable order so lines are comparable.
	keys := make([]string, 0, len(l.context))
	for k := range l.context {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%v", k, l.context[k])
	}

	for i := 0; i+1 < len(kvs); i += 2 {
		key, ok := kvs[i].(string)
		if !ok {
			continue
		}
		fmt.Fprintf(&b, " %s=%v", key, kvs[i+1])
	}

	log.Println(b.String())

	if level == LevelFatal {
		os.Exit(1)
	}
}

func (l *StdLogger) Debugw(msg string, kvs ...any) { l.log(LevelDebug, "debug", msg, kvs...) }
func (l *StdLogger) Infow(msg string, kvs ...any)  { l.log(LevelInfo, "info", msg, kvs...) }
func (l *StdLogger) Warnw(msg string, kvs ...any)  { l.log(LevelWarn, "warn", msg, kvs...) }
func (l *StdLogger) Errorw(msg string, kvs ...any) { l.log(LevelError, "error", msg, kvs...) }
func (l *StdLogger) Fatalw(msg string, kvs ...any) { l.log(LevelFatal, "fatal", msg, kvs...) }

func (l *StdLogger) withContext(extra map[string]any) *StdLogger {
	merged := make(map[string]any, len(l.context)+len(extra))
	for k, v := range l.context {
		merged[k] = v
	}
	for k, v := range extra {
		merged[k] = v
	}
	return &StdLogger{context: merged, minLevel: l.minLevel}
}

// With adds key-value pairs to the logger's persistent context.
func (l *StdLogger) With(kvs ...any) Logger {
	extra := make(map[string]any)
	for i := 0; i+1 < len(kvs); i += 2 {
		if key, ok := kvs[i].(string); ok {
			extra[key] = kvs[i+1]
		}
	}
	return l.withContext(extra)
}

// WithNodeID tags every message with the local node identity.
func (l *StdLogger) WithNodeID(id types.NodeID) Logger {
	return l.withContext(map[string]any{"node": id})
}

// WithComponent tags every message with a subsystem name.
func (l *StdLogger) WithComponent(name string) Logger {
	return l.withContext(map[string]any{"component": name})
}
