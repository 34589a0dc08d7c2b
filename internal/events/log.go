package events

import "github.com/rs/zerolog"

// LogPublisher writes every event as a structured log line.
type LogPublisher struct {
	log   zerolog.Logger
	level zerolog.Level
}

// NewLogPublisher logs events at the given level.
func NewLogPublisher(l zerolog.Logger, level zerolog.Level) LogPublisher {
	return LogPublisher{log: l, level: level}
}

func (p LogPublisher) Publish(e Event) {
	ev := p.log.WithLevel(p.level).Str("event", e.Name)
	if e.Subject != "" {
		ev = ev.Str("subject", e.Subject)
	}
	if len(e.Fields) > 0 {
		ev = ev.Fields(e.Fields)
	}
	ev.Msg("lifecycle")
}
