package events

import (
	"encoding/json"
	"log/slog"
	"sync"
)

const defaultBuffer = 16

// Broadcaster tracks live subscribers per session id and fans messages out to them.
//
// Delivery is best-effort: a subscriber whose buffer is full misses the message,
// and nothing is replayed to subscribers that join later. Messages for one
// session reach each subscriber in Publish order.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]map[chan []byte]struct{}

	buffer int
	log    *slog.Logger
}

func NewBroadcaster(log *slog.Logger) *Broadcaster {
	if log == nil {
		log = slog.Default()
	}
	return &Broadcaster{
		subscribers: make(map[string]map[chan []byte]struct{}),
		buffer:      defaultBuffer,
		log:         log,
	}
}

// Subscribe registers a subscriber for sessionID. The returned cancel func
// unregisters it and closes the channel; it is safe to call more than once.
func (b *Broadcaster) Subscribe(sessionID string) (<-chan []byte, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan []byte, b.buffer)
	subs, ok := b.subscribers[sessionID]
	if !ok {
		subs = make(map[chan []byte]struct{})
		b.subscribers[sessionID] = subs
	}
	subs[ch] = struct{}{}

	var once sync.Once
	return ch, func() {
		once.Do(func() { b.unsubscribe(sessionID, ch) })
	}
}

func (b *Broadcaster) unsubscribe(sessionID string, ch chan []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs, ok := b.subscribers[sessionID]
	if !ok {
		return
	}
	if _, ok := subs[ch]; !ok {
		return
	}
	delete(subs, ch)
	close(ch)
	if len(subs) == 0 {
		delete(b.subscribers, sessionID)
	}
}

// Publish JSON-encodes msg once and offers it to every current subscriber of sessionID.
func (b *Broadcaster) Publish(sessionID string, msg any) {
	raw, err := json.Marshal(msg)
	if err != nil {
		b.log.Error("encode event failed", "call_id", sessionID, "err", err)
		return
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subscribers[sessionID] {
		select {
		case ch <- raw:
		default:
			b.log.Warn("subscriber buffer full, dropping event", "call_id", sessionID)
		}
	}
}

// ConnectionCount is the number of live subscribers across all sessions.
func (b *Broadcaster) ConnectionCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := 0
	for _, subs := range b.subscribers {
		n += len(subs)
	}
	return n
}

// SessionCount is the number of sessions with at least one subscriber.
func (b *Broadcaster) SessionCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
