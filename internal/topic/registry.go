package topic

import (
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Registry maps user UUIDs to their broadcast topics. Topics are created on
// first publish or first subscribe and live for the process lifetime; the
// session that owns the UUID does not have to be connected.
type Registry struct {
	mu     sync.RWMutex
	topics map[uuid.UUID]*Topic
	log    zerolog.Logger
}

// NewRegistry returns an empty topic registry.
func NewRegistry(log zerolog.Logger) *Registry {
	return &Registry{topics: make(map[uuid.UUID]*Topic), log: log}
}

// GetOrCreate returns the topic for id, creating it if needed. Concurrent
// first-writers observe the same topic.
func (r *Registry) GetOrCreate(id uuid.UUID) *Topic {
	r.mu.RLock()
	t, ok := r.topics[id]
	r.mu.RUnlock()
	if ok {
		return t
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.topics[id]; ok {
		return t
	}
	t = newTopic(r.log.With().Stringer("topic", id).Logger())
	r.topics[id] = t
	return t
}

// Get returns the topic for id if it exists. It may miss during a creation
// race; callers fall back to GetOrCreate when they need the topic.
func (r *Registry) Get(id uuid.UUID) (*Topic, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.topics[id]
	return t, ok
}

// Len reports the number of live topics.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.topics)
}
