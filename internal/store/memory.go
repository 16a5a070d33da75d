package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"loyaltyhooks/internal/model"
)

// Memory is a simple in-memory store used when no DATABASE_URL is set.
// All reads and writes happen under one mutex, so routing reads observe
// a consistent snapshot of active/events.
type Memory struct {
	mu        sync.Mutex
	endpoints map[string]model.Endpoint
	order     []string                  // endpoint ids in creation order
	attempts  map[string]model.DeliveryAttempt
	log       []string                  // attempt ids in append order
	byGroup   map[string][]string       // deliveryId -> attempt ids, attempt order
	seen      map[string]struct{}       // deliveryId/attempt uniqueness
}

func NewMemory() *Memory {
	return &Memory{
		endpoints: map[string]model.Endpoint{},
		attempts:  map[string]model.DeliveryAttempt{},
		byGroup:   map[string][]string{},
		seen:      map[string]struct{}{},
	}
}

func (m *Memory) CreateEndpoint(ctx context.Context, ep model.Endpoint) (model.Endpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ep.ID == "" {
		ep.ID = uuid.New().String()
	}
	if ep.CreatedAt.IsZero() {
		ep.CreatedAt = time.Now().UTC()
	}
	if _, ok := m.endpoints[ep.ID]; ok {
		return model.Endpoint{}, ErrConflict
	}
	ep.Events = append([]string(nil), ep.Events...)
	m.endpoints[ep.ID] = ep
	m.order = append(m.order, ep.ID)
	return ep, nil
}

func (m *Memory) GetEndpoint(ctx context.Context, id string) (model.Endpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ep, ok := m.endpoints[id]
	if !ok {
		return model.Endpoint{}, ErrNotFound
	}
	return ep, nil
}

func (m *Memory) ListEndpoints(ctx context.Context, cursor string, limit int) ([]model.Endpoint, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	start := 0
	if cursor != "" {
		for i, id := range m.order {
			if id == cursor {
				start = i + 1
				break
			}
		}
	}
	if limit <= 0 {
		limit = 100
	}
	out := []model.Endpoint{}
	next := ""
	for _, id := range m.order[start:] {
		out = append(out, m.endpoints[id])
		if len(out) >= limit {
			next = id
			break
		}
	}
	if next != "" && m.order[len(m.order)-1] == next {
		next = ""
	}
	return out, next, nil
}

func (m *Memory) UpdateEndpoint(ctx context.Context, id string, patch model.EndpointPatch) (model.Endpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ep, ok := m.endpoints[id]
	if !ok {
		return model.Endpoint{}, ErrNotFound
	}
	if patch.URL != nil {
		ep.URL = *patch.URL
	}
	if patch.Events != nil {
		ep.Events = append([]string(nil), (*patch.Events)...)
	}
	if patch.Active != nil {
		ep.Active = *patch.Active
	}
	m.endpoints[id] = ep
	return ep, nil
}

func (m *Memory) SetEndpointActive(ctx context.Context, id string, active bool) (model.Endpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ep, ok := m.endpoints[id]
	if !ok {
		return model.Endpoint{}, ErrNotFound
	}
	ep.Active = active
	m.endpoints[id] = ep
	return ep, nil
}

func (m *Memory) SetEndpointSecret(ctx context.Context, id, secret string) (model.Endpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ep, ok := m.endpoints[id]
	if !ok {
		return model.Endpoint{}, ErrNotFound
	}
	ep.Secret = secret
	m.endpoints[id] = ep
	return ep, nil
}

func (m *Memory) DeleteEndpoint(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.endpoints[id]; !ok {
		return ErrNotFound
	}
	delete(m.endpoints, id)
	out := make([]string, 0, len(m.order))
	for _, eid := range m.order {
		if eid != id {
			out = append(out, eid)
		}
	}
	m.order = out
	// Delivery log rows are retained; they reference the detached id.
	return nil
}

func (m *Memory) EndpointsForEvent(ctx context.Context, eventType string) ([]model.Endpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []model.Endpoint{}
	for _, id := range m.order {
		ep := m.endpoints[id]
		if ep.Active && ep.Subscribed(eventType) {
			out = append(out, ep)
		}
	}
	return out, nil
}

func (m *Memory) AppendAttempt(ctx context.Context, att model.DeliveryAttempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if att.ID == "" {
		att.ID = uuid.New().String()
	}
	if att.CreatedAt.IsZero() {
		att.CreatedAt = time.Now().UTC()
	}
	key := fmt.Sprintf("%s/%d", att.DeliveryID, att.Attempt)
	if _, dup := m.seen[key]; dup {
		return ErrConflict
	}
	m.seen[key] = struct{}{}
	m.attempts[att.ID] = att
	m.log = append(m.log, att.ID)
	m.byGroup[att.DeliveryID] = append(m.byGroup[att.DeliveryID], att.ID)
	return nil
}

func (m *Memory) GetAttempt(ctx context.Context, id string) (model.DeliveryAttempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	att, ok := m.attempts[id]
	if !ok {
		return model.DeliveryAttempt{}, ErrNotFound
	}
	return att, nil
}

func (m *Memory) LatestAttempt(ctx context.Context, deliveryID string) (model.DeliveryAttempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := m.byGroup[deliveryID]
	if len(ids) == 0 {
		return model.DeliveryAttempt{}, ErrNotFound
	}
	return m.attempts[ids[len(ids)-1]], nil
}

func (m *Memory) ListAttempts(ctx context.Context, f AttemptFilter) ([]model.DeliveryAttempt, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	// Most recent first: walk the append log backwards.
	start := len(m.log) - 1
	if f.Cursor != "" {
		for i := len(m.log) - 1; i >= 0; i-- {
			if m.log[i] == f.Cursor {
				start = i - 1
				break
			}
		}
	}
	out := []model.DeliveryAttempt{}
	next := ""
	for i := start; i >= 0; i-- {
		att := m.attempts[m.log[i]]
		if f.EndpointID != "" && att.EndpointID != f.EndpointID {
			continue
		}
		if f.Status != "" && att.Status != f.Status {
			continue
		}
		out = append(out, att)
		if len(out) >= limit {
			if i > 0 {
				next = att.ID
			}
			break
		}
	}
	return out, next, nil
}
