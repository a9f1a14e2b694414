// Package topic implements the per-user broadcast channels that carry ping
// and event frames to subscribers. Publishing never blocks: a subscriber
// whose buffer is full misses the frame.
package topic

import (
	"sync"

	"github.com/rs/zerolog"
)

// DefaultBuffer is the per-subscriber frame buffer.
const DefaultBuffer = 64

// Topic is one user's broadcast channel. Subscribers only see frames
// published after they attached.
type Topic struct {
	mu   sync.Mutex
	subs map[uint64]chan []byte
	next uint64
	log  zerolog.Logger
}

func newTopic(log zerolog.Logger) *Topic {
	return &Topic{subs: make(map[uint64]chan []byte), log: log}
}

// Publish fans one frame out to every subscriber and returns the delivered
// count. Subscribers with full buffers are skipped, not waited on.
func (t *Topic) Publish(frame []byte) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	delivered := 0
	for id, ch := range t.subs {
		select {
		case ch <- frame:
			delivered++
		default:
			t.log.Debug().Uint64("subscriber", id).Msg("slow subscriber, frame dropped")
		}
	}
	return delivered
}

// SubscriberCount reports the number of attached subscribers.
func (t *Topic) SubscriberCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subs)
}

// Subscribe attaches a new subscriber with the given buffer size (<= 0
// selects DefaultBuffer). Cancel the subscription to detach; its channel is
// closed once detached.
func (t *Topic) Subscribe(buffer int) *Subscription {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	ch := make(chan []byte, buffer)

	t.mu.Lock()
	defer t.mu.Unlock()
	id := t.next
	t.next++
	t.subs[id] = ch
	return &Subscription{C: ch, topic: t, id: id, ch: ch}
}

// Subscription is one subscriber's view of a topic. Receive frames from C;
// C is closed after Cancel.
type Subscription struct {
	C <-chan []byte

	topic *Topic
	id    uint64
	ch    chan []byte
	once  sync.Once
}

// Cancel detaches the subscription and closes C. Safe to call more than
// once and concurrently with Publish.
func (s *Subscription) Cancel() {
	s.once.Do(func() {
		s.topic.mu.Lock()
		delete(s.topic.subs, s.id)
		s.topic.mu.Unlock()
		close(s.ch)
	})
}
