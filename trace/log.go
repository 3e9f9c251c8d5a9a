package trace

import "github.com/rs/zerolog"

type logSink struct {
	log zerolog.Logger
}

// Log returns a sink writing every event to l at debug level.
func Log(l zerolog.Logger) Sink {
	return logSink{log: l}
}

func (s logSink) Emit(ev Event) {
	e := s.log.Debug().
		Uint64("seq", ev.Seq).
		Str("kind", ev.Kind.String()).
		Int("worker", ev.Worker)
	if ev.Fiber != 0 {
		e = e.Uint64("fiber", ev.Fiber).Str("name", ev.Name)
	}
	if ev.Parent != 0 {
		e = e.Uint64("parent", ev.Parent)
	}
	if ev.Outcome != "" {
		e = e.Str("outcome", ev.Outcome)
	}
	if ev.Err != "" {
		e = e.Str("err", ev.Err)
	}
	e.Msg("fiber event")
}
