package session

import (
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"avatarhub/internal/metrics"
)

// Map tracks the outbound queue of every authenticated session, keyed by
// user UUID. An entry exists exactly while the user's websocket is
// authenticated.
type Map struct {
	mu  sync.RWMutex
	out map[uuid.UUID]chan<- []byte
	log zerolog.Logger
}

// NewMap returns an empty session map.
func NewMap(log zerolog.Logger) *Map {
	return &Map{out: make(map[uuid.UUID]chan<- []byte), log: log}
}

// Insert binds a user's outbound queue. A newer session for the same UUID
// replaces the old entry; the evicted connection cleans itself up when its
// next send fails.
func (m *Map) Insert(id uuid.UUID, out chan<- []byte) {
	m.mu.Lock()
	m.out[id] = out
	m.mu.Unlock()
}

// Remove drops the entry for id, but only when it still points at out.
// A session tearing down after takeover must not evict its successor.
func (m *Map) Remove(id uuid.UUID, out chan<- []byte) {
	m.mu.Lock()
	if cur, ok := m.out[id]; ok && cur == out {
		delete(m.out, id)
	}
	m.mu.Unlock()
}

// Send enqueues one frame on the user's session without blocking. It
// reports false when the user has no session or the queue is full.
func (m *Map) Send(id uuid.UUID, frame []byte) bool {
	m.mu.RLock()
	out, ok := m.out[id]
	m.mu.RUnlock()
	if !ok {
		return false
	}
	select {
	case out <- frame:
		return true
	default:
		metrics.FramesDropped.Inc()
		m.log.Debug().Stringer("uuid", id).Msg("session queue full, frame dropped")
		return false
	}
}

// Len reports the number of authenticated sessions.
func (m *Map) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.out)
}
