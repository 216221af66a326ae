package telemetry

import (
	"github.com/rs/zerolog"

	"github.com/blockflow/blockflow/pkg/engine"
)

// LogSink writes one structured log line per engine event.
type LogSink struct {
	logger *Logger
}

// NewLogSink creates a sink logging through l under the "engine" component.
func NewLogSink(l *Logger) *LogSink {
	if l == nil {
		l = NewNopLogger()
	}
	return &LogSink{logger: l.NewComponentLogger("engine")}
}

// OnEvent implements engine.EventSink.
func (s *LogSink) OnEvent(e engine.Event) {
	z := s.logger.ForEvent(e).zlog
	ev := z.WithLevel(eventLevel(e.Type)).Str("event", string(e.Type))

	if e.Attempt > 0 {
		ev = ev.Int("attempt", e.Attempt)
	}
	if isHandlerEvent(e.Type) {
		ev = ev.Str("source_id", e.SourceID.String())
	}
	if e.Code != "" {
		ev = ev.Str("origin", string(e.Origin)).
			Str("domain", e.Domain).
			Str("code", e.Code)
	}
	if e.Delay > 0 {
		ev = ev.Dur("delay", e.Delay)
	}
	if e.Duration > 0 {
		ev = ev.Dur("duration", e.Duration)
	}

	msg := e.Message
	if msg == "" {
		msg = string(e.Type)
	}
	ev.Msg(msg)
}

func eventLevel(t engine.EventType) zerolog.Level {
	switch t {
	case engine.EventRunFailed, engine.EventRunTimedOut:
		return zerolog.ErrorLevel
	case engine.EventBlockFailed, engine.EventHandlerFailed, engine.EventBlockRetryScheduled:
		return zerolog.WarnLevel
	case engine.EventBlockStarted, engine.EventBlockSucceeded:
		return zerolog.DebugLevel
	default:
		return zerolog.InfoLevel
	}
}

func isHandlerEvent(t engine.EventType) bool {
	return t == engine.EventHandlerStarted || t == engine.EventHandlerSucceeded || t == engine.EventHandlerFailed
}
