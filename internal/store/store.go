package store

import (
	"context"
	"errors"

	"loyaltyhooks/internal/model"
)

// Store is the persistence interface for the webhook registry and the
// append-only delivery log.
type Store interface {
	// Registry
	CreateEndpoint(ctx context.Context, ep model.Endpoint) (model.Endpoint, error)
	GetEndpoint(ctx context.Context, id string) (model.Endpoint, error)
	ListEndpoints(ctx context.Context, cursor string, limit int) ([]model.Endpoint, string, error)
	UpdateEndpoint(ctx context.Context, id string, patch model.EndpointPatch) (model.Endpoint, error)
	SetEndpointActive(ctx context.Context, id string, active bool) (model.Endpoint, error)
	SetEndpointSecret(ctx context.Context, id, secret string) (model.Endpoint, error)
	DeleteEndpoint(ctx context.Context, id string) error

	// Routing read: every active endpoint whose subscription set is empty
	// or contains eventType, observed as one consistent snapshot.
	EndpointsForEvent(ctx context.Context, eventType string) ([]model.Endpoint, error)

	// Delivery log (append-only; rows are never updated once written)
	AppendAttempt(ctx context.Context, att model.DeliveryAttempt) error
	GetAttempt(ctx context.Context, id string) (model.DeliveryAttempt, error)
	LatestAttempt(ctx context.Context, deliveryID string) (model.DeliveryAttempt, error)
	ListAttempts(ctx context.Context, f AttemptFilter) ([]model.DeliveryAttempt, string, error)
}

// AttemptFilter narrows ListAttempts. Zero values mean "no filter".
// Results are most-recent-first.
type AttemptFilter struct {
	EndpointID string
	Status     string
	Cursor     string
	Limit      int
}

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("conflict")
)
