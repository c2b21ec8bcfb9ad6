// Package events fans instance and step transitions out to subscribers
package events

import (
	"sync"

	"github.com/kode4food/caravan"
	"github.com/kode4food/caravan/topic"

	"github.com/kode4food/cascade/pkg/api"
)

type (
	// Hub broadcasts transition events to any number of subscribers. Events
	// published while nobody is subscribed are dropped
	Hub struct {
		topic  topic.Topic[*api.Event]
		prod   topic.Producer[*api.Event]
		mu     sync.RWMutex
		closed bool
	}

	// Subscription receives the events published after it was created
	Subscription struct {
		cons   topic.Consumer[*api.Event]
		filter Filter
		out    chan *api.Event
		stop   chan struct{}
		once   sync.Once
		wg     sync.WaitGroup
	}

	// Filter selects the events a subscription delivers
	Filter func(*api.Event) bool
)

const subscriptionBuffer = 64

// NewHub creates an event hub
func NewHub() *Hub {
	t := caravan.NewTopic[*api.Event]()
	return &Hub{
		topic: t,
		prod:  t.NewProducer(),
	}
}

// Publish sends ev to every current subscriber
func (h *Hub) Publish(ev *api.Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return
	}
	h.prod.Send() <- ev
}

// Subscribe returns a subscription delivering events accepted by filter. A
// nil filter accepts everything
func (h *Hub) Subscribe(filter Filter) *Subscription {
	if filter == nil {
		filter = All
	}
	s := &Subscription{
		cons:   h.topic.NewConsumer(),
		filter: filter,
		out:    make(chan *api.Event, subscriptionBuffer),
		stop:   make(chan struct{}),
	}
	s.wg.Go(s.forward)
	return s
}

// Close stops publishing. Existing subscriptions must still be closed
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	h.prod.Close()
}

// Events returns the channel events are delivered on. It is closed when the
// subscription is closed
func (s *Subscription) Events() <-chan *api.Event {
	return s.out
}

// Close releases the subscription
func (s *Subscription) Close() {
	s.once.Do(func() {
		close(s.stop)
		s.wg.Wait()
		s.cons.Close()
	})
}

func (s *Subscription) forward() {
	defer close(s.out)
	for {
		select {
		case <-s.stop:
			return
		case ev, ok := <-s.cons.Receive():
			if !ok {
				return
			}
			if !s.filter(ev) {
				continue
			}
			select {
			case s.out <- ev:
			case <-s.stop:
				return
			}
		}
	}
}

// All accepts every event
func All(*api.Event) bool {
	return true
}

// ForInstance accepts events of the given instance
func ForInstance(id api.InstanceID) Filter {
	return func(ev *api.Event) bool {
		return ev.InstanceID == id
	}
}

// OfType accepts events of any of the given types
func OfType(types ...api.EventType) Filter {
	return func(ev *api.Event) bool {
		for _, t := range types {
			if ev.Type == t {
				return true
			}
		}
		return false
	}
}

// And accepts events accepted by every filter
func And(filters ...Filter) Filter {
	return func(ev *api.Event) bool {
		for _, f := range filters {
			if !f(ev) {
				return false
			}
		}
		return true
	}
}
