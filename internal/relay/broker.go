package relay

import (
	"sync"
	"sync/atomic"
)

// Feed names published by the recorder. FeedSteps carries persisted
// capture steps, FeedTasks carries task lifecycle changes.
const (
	FeedSteps = "steps"
	FeedTasks = "tasks"
)

// A step published while a subscriber lags beyond this many buffered
// events is dropped for that subscriber.
const subscriberBufSize = 256

// Event is one message on a feed: a step or task change serialized by the
// Publisher.
type Event struct {
	Feed    string
	Payload string
}

// Broker fans capture progress out to all subscribed SSE clients.
type Broker struct {
	mu          sync.RWMutex
	subscribers map[int64]chan Event
	nextID      atomic.Int64
}

// NewBroker creates an empty broker. The recorder keeps exactly one for
// the lifetime of the process; sessions come and go underneath it.
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[int64]chan Event),
	}
}

// Subscribe registers a new client and returns its id and event channel.
// The channel is buffered; a slow consumer loses events rather than
// stalling capture.
func (b *Broker) Subscribe() (int64, <-chan Event) {
	id := b.nextID.Add(1)
	ch := make(chan Event, subscriberBufSize)
	b.mu.Lock()
	b.subscribers[id] = ch
	b.mu.Unlock()
	return id, ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Broker) Unsubscribe(id int64) {
	b.mu.Lock()
	ch, ok := b.subscribers[id]
	if ok {
		delete(b.subscribers, id)
		close(ch)
	}
	b.mu.Unlock()
}

// Publish delivers an event to every subscriber without blocking the
// capture path.
func (b *Broker) Publish(evt Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subscribers {
		select {
		case ch <- evt:
		default:
		}
	}
}

// ClientCount returns the number of active subscribers.
func (b *Broker) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
