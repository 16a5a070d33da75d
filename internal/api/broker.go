package api

import (
	"sync"
)

// DeliveryEvent is a broadcast notification of one resolved attempt,
// keyed by endpoint ID for subscribers watching a single endpoint.
type DeliveryEvent struct {
	Type string
	Data map[string]any
}

// EventBroker fans delivery notifications out to live admin subscribers.
type EventBroker interface {
	Subscribe(endpointID string) chan DeliveryEvent
	Unsubscribe(endpointID string, ch chan DeliveryEvent)
	Publish(endpointID string, evt DeliveryEvent)
}

// Broker is the in-process EventBroker used when no REDIS_URL is set.
type Broker struct {
	mu   sync.Mutex
	subs map[string]map[chan DeliveryEvent]struct{} // endpointId -> set of channels
}

func NewBroker() *Broker {
	return &Broker{subs: map[string]map[chan DeliveryEvent]struct{}{}}
}

func (b *Broker) Subscribe(endpointID string) chan DeliveryEvent {
	ch := make(chan DeliveryEvent, 8)
	b.mu.Lock()
	if b.subs[endpointID] == nil {
		b.subs[endpointID] = map[chan DeliveryEvent]struct{}{}
	}
	b.subs[endpointID][ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

func (b *Broker) Unsubscribe(endpointID string, ch chan DeliveryEvent) {
	b.mu.Lock()
	if m := b.subs[endpointID]; m != nil {
		delete(m, ch)
		if len(m) == 0 {
			delete(b.subs, endpointID)
		}
	}
	b.mu.Unlock()
	close(ch)
}

func (b *Broker) Publish(endpointID string, evt DeliveryEvent) {
	b.mu.Lock()
	m := b.subs[endpointID]
	for ch := range m {
		select {
		case ch <- evt:
		default:
		}
	}
	b.mu.Unlock()
}
