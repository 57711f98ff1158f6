package temporal

import (
	"fmt"

	"github.com/rs/zerolog"
	"go.temporal.io/sdk/log"
)

// TemporalAdapter routes Temporal SDK logs through zerolog.
type TemporalAdapter struct {
	logger zerolog.Logger
}

var (
	_ log.Logger     = (*TemporalAdapter)(nil)
	_ log.WithLogger = (*TemporalAdapter)(nil)
)

func NewTemporalAdapter(logger zerolog.Logger) log.Logger {
	return &TemporalAdapter{
		logger: logger.With().Str("component", "temporal").Logger(),
	}
}

// With returns an adapter carrying keyvals on every entry; the SDK uses it
// to attach workflow and activity identifiers.
func (a *TemporalAdapter) With(keyvals ...interface{}) log.Logger {
	ctx := a.logger.With()
	forEachPair(keyvals, func(key string, value interface{}) {
		ctx = ctx.Interface(key, value)
	})
	return &TemporalAdapter{logger: ctx.Logger()}
}

func (a *TemporalAdapter) Debug(msg string, keyvals ...interface{}) {
	a.write(a.logger.Debug(), msg, keyvals)
}

func (a *TemporalAdapter) Info(msg string, keyvals ...interface{}) {
	a.write(a.logger.Info(), msg, keyvals)
}

func (a *TemporalAdapter) Warn(msg string, keyvals ...interface{}) {
	a.write(a.logger.Warn(), msg, keyvals)
}

func (a *TemporalAdapter) Error(msg string, keyvals ...interface{}) {
	a.write(a.logger.Error(), msg, keyvals)
}

func (a *TemporalAdapter) write(event *zerolog.Event, msg string, keyvals []interface{}) {
	forEachPair(keyvals, func(key string, value interface{}) {
		if err, ok := value.(error); ok {
			event = event.AnErr(key, err)
			return
		}
		event = event.Interface(key, value)
	})
	event.Msg(msg)
}

// forEachPair walks alternating key/value arguments. A trailing key without
// a value is logged under "extra".
func forEachPair(keyvals []interface{}, fn func(key string, value interface{})) {
	for i := 0; i < len(keyvals); i += 2 {
		if i+1 == len(keyvals) {
			fn("extra", keyvals[i])
			return
		}
		key, ok := keyvals[i].(string)
		if !ok {
			key = fmt.Sprint(keyvals[i])
		}
		fn(key, keyvals[i+1])
	}
}
