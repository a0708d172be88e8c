package core

import (
	"strings"

	"entitycore/pkg/domain"
)

// Option configures a Lifecycle.
type Option func(*Lifecycle)

// WithLogger sets the lifecycle logger.
func WithLogger(logger Logger) Option {
	return func(l *Lifecycle) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithClock overrides the clock used for audit and tombstone timestamps.
func WithClock(clock ClockFunc) Option {
	return func(l *Lifecycle) {
		if clock != nil {
			l.clock = clock
		}
	}
}

// WithMetricsRecorder sets the recorder receiving operation outcomes.
func WithMetricsRecorder(recorder MetricsRecorder) Option {
	return func(l *Lifecycle) {
		if recorder != nil {
			l.metrics = recorder
		}
	}
}

// WithTracer sets the tracer wrapping each operation.
func WithTracer(tracer Tracer) Option {
	return func(l *Lifecycle) {
		if tracer != nil {
			l.tracer = tracer
		}
	}
}

// WithListener registers a listener notified after each recorded mutation.
func WithListener(listener domain.Listener) Option {
	return func(l *Lifecycle) {
		if listener != nil {
			l.listeners = append(l.listeners, listener)
		}
	}
}

// RedactFunc masks a payload value before it reaches the ledger.
type RedactFunc func(key string, v any) any

// RedactMap maps field names to redaction functions.
type RedactMap map[string]RedactFunc

// Mask replaces any value with a fixed placeholder.
func Mask(string, any) any {
	return "***"
}

// WithRedaction applies redact to audit payloads. Keys merged from owned
// entities match on their unqualified field name.
func WithRedaction(redact RedactMap) Option {
	return func(l *Lifecycle) {
		if len(redact) == 0 {
			return
		}
		if l.redact == nil {
			l.redact = make(RedactMap, len(redact))
		}
		for k, fn := range redact {
			l.redact[k] = fn
		}
	}
}

func (r RedactMap) apply(d domain.Diff) domain.Diff {
	if len(r) == 0 || d.Len() == 0 {
		return d
	}
	out := domain.Diff{}
	d.Range(func(key string, value any) bool {
		fn, ok := r[key]
		if !ok {
			if i := strings.LastIndexByte(key, '.'); i >= 0 {
				fn, ok = r[key[i+1:]]
			}
		}
		if ok && fn != nil {
			value = fn(key, value)
		}
		out.Set(key, value)
		return true
	})
	return out
}
