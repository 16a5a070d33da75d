package webhooks

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"loyaltyhooks/internal/model"
	"loyaltyhooks/internal/store"
)

// Publisher is the inbound contract for domain collaborators. Collaborators
// call Publish and are never coupled to delivery outcomes; every matched
// endpoint gets its own concurrent delivery with its own retry budget.
type Publisher struct {
	Store store.Store
	Sched *Scheduler
	Log   zerolog.Logger

	wg sync.WaitGroup
}

func NewPublisher(s store.Store, sched *Scheduler, logger zerolog.Logger) *Publisher {
	return &Publisher{Store: s, Sched: sched, Log: logger}
}

// Publish routes evt to every active, subscribed endpoint and fans the
// deliveries out concurrently. An unknown event type is a configuration
// error; nothing else propagates to the caller.
func (p *Publisher) Publish(ctx context.Context, evt model.Event) error {
	if !model.ValidEventType(evt.Type) {
		return fmt.Errorf("unknown event type: %q", evt.Type)
	}
	if evt.OccurredAt.IsZero() {
		evt.OccurredAt = time.Now().UTC()
	}
	eps, err := p.Store.EndpointsForEvent(ctx, evt.Type)
	if err != nil {
		return fmt.Errorf("route event: %w", err)
	}
	if len(eps) == 0 {
		return nil
	}
	p.Log.Debug().Str("event_type", evt.Type).Int("endpoints", len(eps)).Msg("dispatching event")
	for _, ep := range eps {
		deliveryID := uuid.New().String()
		endpointID := ep.ID
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			if _, err := p.Sched.Dispatch(context.Background(), endpointID, evt, deliveryID, 0); err != nil {
				// Endpoint deactivated or deleted since routing; drop.
				p.Log.Info().
					Err(err).
					Str("endpoint_id", endpointID).
					Str("delivery_id", deliveryID).
					Msg("delivery dropped")
			}
		}()
	}
	return nil
}

// Test sends a verification event to one endpoint synchronously. Same
// execution path as a real delivery: signed, logged, retried on failure.
func (p *Publisher) Test(ctx context.Context, endpointID, eventType string, data json.RawMessage) (model.DeliveryAttempt, error) {
	if !model.ValidEventType(eventType) {
		return model.DeliveryAttempt{}, fmt.Errorf("unknown event type: %q", eventType)
	}
	if len(data) == 0 {
		data = json.RawMessage(`{"test":true}`)
	}
	evt := model.Event{Type: eventType, OccurredAt: time.Now().UTC(), Data: data}
	return p.Sched.Dispatch(ctx, endpointID, evt, uuid.New().String(), 0)
}

// Wait blocks until all in-flight fan-out goroutines have handed their
// deliveries off. Used in tests and graceful shutdown.
func (p *Publisher) Wait() {
	p.wg.Wait()
}
