package logger

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Urgency levels passed to the callback. They match the level column of the
// history log table.
const (
	UrgencyInfo  = 0
	UrgencyError = 1
	UrgencyWarn  = 2
	UrgencyDebug = 3
)

var (
	mu       sync.RWMutex
	log      = zap.NewNop()
	mode     = "prod"
	callback func(urgency int, msg string, fields ...interface{})
)

// SetType picks the zap preset. "dev" gives a human readable console logger,
// anything else the JSON production logger.
func SetType(m string) {
	var l *zap.Logger
	if m == "dev" {
		l, _ = zap.NewDevelopment()
	} else {
		m = "prod"
		l, _ = zap.NewProduction()
	}
	swap(l, m)
}

// SetOutput sends log lines to path instead of stderr, keeping the current
// preset. The detached supervisor uses it since it has no terminal.
func SetOutput(path string) error {
	mu.RLock()
	m := mode
	mu.RUnlock()

	var cfg zap.Config
	if m == "dev" {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}
	cfg.OutputPaths = []string{path}
	cfg.ErrorOutputPaths = []string{path}

	l, err := cfg.Build()
	if err != nil {
		return fmt.Errorf("build logger for %s: %w", path, err)
	}
	swap(l, m)
	return nil
}

func swap(l *zap.Logger, m string) {
	mu.Lock()
	old := log
	log = l
	mode = m
	mu.Unlock()
	_ = old.Sync()
}

func current() *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return log
}

func toFields(xs ...interface{}) []zap.Field {
	out := make([]zap.Field, 0, len(xs))
	i := 0
	for i < len(xs) {
		switch v := xs[i].(type) {
		case zap.Field:
			out = append(out, v)
			i++
		case map[string]interface{}:
			for k, val := range v {
				out = append(out, zap.Any(k, val))
			}
			i++
		case string:
			if i+1 < len(xs) {
				if err, ok := xs[i+1].(error); ok {
					out = append(out, zap.NamedError(v, err))
				} else {
					out = append(out, zap.Any(v, xs[i+1]))
				}
				i += 2
			} else {
				out = append(out, zap.Any(v, nil))
				i++
			}
		case error:
			out = append(out, zap.Error(v))
			i++
		default:
			out = append(out, zap.Any("", v))
			i++
		}
	}
	return out
}

// SetCallBack registers f to be called for every log line. Pass nil to
// remove it.
func SetCallBack(f func(urgency int, msg string, fields ...interface{})) {
	mu.Lock()
	callback = f
	mu.Unlock()
}

func notify(urgency int, msg string, fields []interface{}) {
	mu.RLock()
	cb := callback
	mu.RUnlock()
	if cb != nil {
		cb(urgency, msg, fields...)
	}
}

func Info(msg string, fields ...interface{}) {
	notify(UrgencyInfo, msg, fields)
	current().Info(msg, toFields(fields...)...)
}

func Error(msg string, fields ...interface{}) {
	notify(UrgencyError, msg, fields)
	current().Error(msg, toFields(fields...)...)
}

func Warn(msg string, fields ...interface{}) {
	notify(UrgencyWarn, msg, fields)
	current().Warn(msg, toFields(fields...)...)
}

func Debug(msg string, fields ...interface{}) {
	notify(UrgencyDebug, msg, fields)
	current().Debug(msg, toFields(fields...)...)
}

func Sync() {
	_ = current().Sync()
}
