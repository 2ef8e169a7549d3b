// Package xlog gives every long-lived kernel type (Universe, SimulationEngine,
// object drivers) a contextual logger in the message-plus-alternating-
// key/value-pairs convention — log.Info("message", "key", value, "key2",
// value2) — backed by zerolog.
package xlog

import (
	"os"

	"github.com/rs/zerolog"
)

// Logger is a contextual, structured logger: a message followed by
// alternating key/value pairs.
type Logger struct {
	z zerolog.Logger
}

var base = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05.000"}).With().Timestamp().Logger()

// New returns a Logger tagged with the given component name, e.g.
// xlog.New("universe") or xlog.New("engine.driver").
func New(component string) Logger {
	return Logger{z: base.With().Str("component", component).Logger()}
}

// Nop returns a Logger that discards everything, for tests and defaults.
func Nop() Logger {
	return Logger{z: zerolog.Nop()}
}

func (l Logger) with(e *zerolog.Event, kv []any) *zerolog.Event {
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			continue
		}
		e = e.Interface(key, kv[i+1])
	}
	return e
}

func (l Logger) Debug(msg string, kv ...any) { l.with(l.z.Debug(), kv).Msg(msg) }
func (l Logger) Info(msg string, kv ...any)  { l.with(l.z.Info(), kv).Msg(msg) }
func (l Logger) Warn(msg string, kv ...any)  { l.with(l.z.Warn(), kv).Msg(msg) }
func (l Logger) Error(msg string, kv ...any) { l.with(l.z.Error(), kv).Msg(msg) }
