package model

import (
	"encoding/json"
	"time"
)

// Closed enumeration of domain event types endpoints can subscribe to.
const (
	EventUserCreated        = "user.created"
	EventUserUpdated        = "user.updated"
	EventTransactionCreated = "transaction.created"
	EventPointsEarned       = "points.earned"
	EventPointsRedeemed     = "points.redeemed"
	EventTierChanged        = "tier.changed"
	EventCampaignJoined     = "campaign.joined"
	EventCampaignCompleted  = "campaign.completed"
	EventRewardRedeemed     = "reward.redeemed"
)

// EventTypes lists every valid event type in a stable order.
var EventTypes = []string{
	EventUserCreated,
	EventUserUpdated,
	EventTransactionCreated,
	EventPointsEarned,
	EventPointsRedeemed,
	EventTierChanged,
	EventCampaignJoined,
	EventCampaignCompleted,
	EventRewardRedeemed,
}

var eventTypeSet = func() map[string]struct{} {
	m := make(map[string]struct{}, len(EventTypes))
	for _, t := range EventTypes {
		m[t] = struct{}{}
	}
	return m
}()

// ValidEventType reports whether t is part of the closed enumeration.
func ValidEventType(t string) bool {
	_, ok := eventTypeSet[t]
	return ok
}

// Event is a domain occurrence handed to Publish by a collaborator.
// Immutable; not persisted by this subsystem.
type Event struct {
	Type       string          `json:"type"`
	OccurredAt time.Time       `json:"occurredAt"`
	Data       json.RawMessage `json:"data"`
}

// Endpoint is a registered external HTTP destination for webhook events.
// An empty Events set subscribes the endpoint to all event types.
type Endpoint struct {
	ID        string    `json:"id"`
	URL       string    `json:"url"`
	Secret    string    `json:"secret,omitempty"`
	Events    []string  `json:"events"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"createdAt"`
}

// Subscribed reports whether the endpoint wants events of type t.
func (e Endpoint) Subscribed(t string) bool {
	if len(e.Events) == 0 {
		return true
	}
	for _, s := range e.Events {
		if s == t {
			return true
		}
	}
	return false
}

// EndpointRequest is the create payload for an endpoint. Secret is
// generated when absent; Active defaults to true.
type EndpointRequest struct {
	URL    string   `json:"url"`
	Events []string `json:"events,omitempty"`
	Secret string   `json:"secret,omitempty"`
	Active *bool    `json:"active,omitempty"`
}

// EndpointPatch carries partial updates; nil fields are left unchanged.
type EndpointPatch struct {
	URL    *string   `json:"url,omitempty"`
	Events *[]string `json:"events,omitempty"`
	Active *bool     `json:"active,omitempty"`
}

// Attempt statuses. A row is written once, at resolution: success for a
// 2xx response, retrying when another attempt is scheduled, failed when
// the retry budget is exhausted. A delivery group's visible status is the
// status of its latest attempt.
const (
	AttemptSuccess  = "success"
	AttemptRetrying = "retrying"
	AttemptFailed   = "failed"
)

// DeliveryAttempt records one physical HTTP call. All attempts sharing a
// DeliveryID belong to one logical delivery of one event to one endpoint,
// numbered 0, 1, 2, ... with no gaps.
type DeliveryAttempt struct {
	ID          string    `json:"id"`
	EndpointID  string    `json:"endpointId"`
	DeliveryID  string    `json:"deliveryId"`
	EventType   string    `json:"eventType"`
	RequestBody []byte    `json:"requestBody,omitempty"`
	Signature   string    `json:"signature,omitempty"`
	Status      string    `json:"status"`
	HTTPStatus  int       `json:"httpStatus,omitempty"`
	Response    string    `json:"response,omitempty"`
	Error       string    `json:"error,omitempty"`
	Attempt     int       `json:"attempt"`
	DurationMs  int       `json:"durationMs"`
	CreatedAt   time.Time `json:"createdAt"`
}

// TestRequest is the admin payload for a synchronous verification send.
type TestRequest struct {
	EventType string          `json:"eventType"`
	Data      json.RawMessage `json:"data,omitempty"`
}
