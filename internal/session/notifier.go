package session

import (
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"avatarhub/internal/metrics"
	"avatarhub/internal/protocol"
	"avatarhub/internal/topic"
)

// Notifier pushes avatar-changed events to the affected user and to
// everyone subscribed to them. Both deliveries are best-effort: a user
// without a session or subscribers simply misses the event.
type Notifier struct {
	sessions *Map
	topics   *topic.Registry
	log      zerolog.Logger
}

// NewNotifier returns a notifier bound to the session map and topic
// registry.
func NewNotifier(sessions *Map, topics *topic.Registry, log zerolog.Logger) *Notifier {
	return &Notifier{sessions: sessions, topics: topics, log: log}
}

// SendEvent emits one Event frame for id on the user's topic and one on the
// user's own session queue.
func (n *Notifier) SendEvent(id uuid.UUID) {
	frame := (&protocol.S2CEvent{User: id}).Encode()
	metrics.EventsSent.Inc()

	if t, ok := n.topics.Get(id); ok {
		if delivered := t.Publish(frame); delivered == 0 {
			n.log.Debug().Stringer("uuid", id).Msg("event published to topic with no subscribers")
		}
	} else {
		n.log.Debug().Stringer("uuid", id).Msg("no topic for event")
	}

	if !n.sessions.Send(id, frame) {
		n.log.Debug().Stringer("uuid", id).Msg("no session for event")
	}
}

// SendEventToOwner emits one Event frame only on the user's own session
// queue, without touching the topic. The operator-facing event trigger uses
// this so subscribers never see a synthetic event.
func (n *Notifier) SendEventToOwner(id uuid.UUID) {
	frame := (&protocol.S2CEvent{User: id}).Encode()
	metrics.EventsSent.Inc()
	if !n.sessions.Send(id, frame) {
		n.log.Debug().Stringer("uuid", id).Msg("no session for event")
	}
}
