package logx

import (
	"runtime/debug"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Field adds one key to a record. Fields apply in order, so a key repeated
// through With and the call site is written twice.
type Field func(e *zerolog.Event)

func String(k, v string) Field { return func(e *zerolog.Event) { e.Str(k, v) } }

func Strings(k string, v []string) Field { return func(e *zerolog.Event) { e.Strs(k, v) } }

func Int(k string, v int) Field { return func(e *zerolog.Event) { e.Int(k, v) } }

func Int64(k string, v int64) Field { return func(e *zerolog.Event) { e.Int64(k, v) } }

// ID logs any int64-backed identifier (account and peer ids, cursors) as a
// number without a conversion at every call site.
func ID[T ~int64](k string, v T) Field {
	return func(e *zerolog.Event) { e.Int64(k, int64(v)) }
}

func Bool(k string, v bool) Field { return func(e *zerolog.Event) { e.Bool(k, v) } }

func Float64(k string, v float64) Field { return func(e *zerolog.Event) { e.Float64(k, v) } }

func Duration(k string, v time.Duration) Field { return func(e *zerolog.Event) { e.Dur(k, v) } }

func Time(k string, v time.Time) Field { return func(e *zerolog.Event) { e.Time(k, v) } }

func Any(k string, v any) Field { return func(e *zerolog.Event) { e.Interface(k, v) } }

// Err is a no-op for a nil error.
func Err(err error) Field {
	return func(e *zerolog.Event) {
		if err != nil {
			e.Err(err)
		}
	}
}

// Panic records a recovered value and the stack of the goroutine that
// recovered it. Call it inside the deferred recover.
func Panic(r any) Field {
	stack := strings.TrimSpace(string(debug.Stack()))
	return func(e *zerolog.Event) {
		e.Interface("panic", r)
		if stack != "" {
			e.Str("stack", stack)
		}
	}
}
