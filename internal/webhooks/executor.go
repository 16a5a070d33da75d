package webhooks

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"loyaltyhooks/internal/metrics"
	"loyaltyhooks/internal/model"
	"loyaltyhooks/internal/store"
)

// Request headers attached to every outbound delivery.
const (
	HeaderSignature = "X-Webhook-Signature"
	HeaderDelivery  = "X-Delivery-Id"
	HeaderAttempt   = "X-Attempt-Number"
	HeaderEventType = "X-Event-Type"
)

// DefaultTimeout bounds each outbound HTTP call.
const DefaultTimeout = 10 * time.Second

// maxResponseBytes caps how much of a receiver's response body is stored.
const maxResponseBytes = 2048

// eventBody is the canonical wire payload. Field order is fixed and Data
// is passed through verbatim, so the signed bytes are reproducible.
type eventBody struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// Executor performs one outbound HTTP call per invocation, classifies the
// outcome and appends exactly one row to the delivery log.
type Executor struct {
	Store   store.Store
	HTTP    *http.Client
	Limiter *rate.Limiter // optional global outbound rate limit
	Notify  func(model.DeliveryAttempt)
	Log     zerolog.Logger
}

func NewExecutor(s store.Store, logger zerolog.Logger) *Executor {
	return &Executor{
		Store: s,
		HTTP:  &http.Client{Timeout: DefaultTimeout},
		Log:   logger,
	}
}

// Execute sends event to ep as attempt number attempt of deliveryID and
// records the outcome. final marks the last permitted attempt, so a
// failure is written as terminal "failed" instead of "retrying".
// Delivery failure is a normal, logged outcome; the returned error is
// reserved for invariant violations such as a log write failure.
func (e *Executor) Execute(ctx context.Context, ep model.Endpoint, evt model.Event, deliveryID string, attempt int, final bool) (model.DeliveryAttempt, error) {
	body, err := json.Marshal(eventBody{Event: evt.Type, Data: evt.Data})
	if err != nil {
		return model.DeliveryAttempt{}, err
	}
	sig := Sign(ep.Secret, body)

	att := model.DeliveryAttempt{
		ID:          uuid.New().String(),
		EndpointID:  ep.ID,
		DeliveryID:  deliveryID,
		EventType:   evt.Type,
		RequestBody: body,
		Signature:   sig,
		Attempt:     attempt,
		CreatedAt:   time.Now().UTC(),
	}

	if e.Limiter != nil {
		if err := e.Limiter.Wait(ctx); err != nil {
			att.Status = classifyFailure(final)
			att.Error = err.Error()
			return e.record(ctx, att)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.URL, bytes.NewReader(body))
	if err != nil {
		att.Status = classifyFailure(final)
		att.Error = err.Error()
		return e.record(ctx, att)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderSignature, sig)
	req.Header.Set(HeaderDelivery, deliveryID)
	req.Header.Set(HeaderAttempt, strconv.Itoa(attempt))
	req.Header.Set(HeaderEventType, evt.Type)

	start := time.Now()
	resp, err := e.HTTP.Do(req)
	att.DurationMs = int(time.Since(start).Milliseconds())

	if err != nil {
		att.Status = classifyFailure(final)
		att.Error = err.Error()
		return e.record(ctx, att)
	}
	defer func() { _ = resp.Body.Close() }()
	att.HTTPStatus = resp.StatusCode
	b, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	att.Response = string(b)
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		att.Status = model.AttemptSuccess
	} else {
		att.Status = classifyFailure(final)
	}
	return e.record(ctx, att)
}

func classifyFailure(final bool) string {
	if final {
		return model.AttemptFailed
	}
	return model.AttemptRetrying
}

func (e *Executor) record(ctx context.Context, att model.DeliveryAttempt) (model.DeliveryAttempt, error) {
	if err := e.Store.AppendAttempt(ctx, att); err != nil {
		return model.DeliveryAttempt{}, err
	}
	metrics.WebhookDeliveries.WithLabelValues(att.EventType, att.Status).Inc()
	metrics.WebhookLatency.WithLabelValues(att.EventType, att.Status).Observe(float64(att.DurationMs))
	e.Log.Info().
		Str("endpoint_id", att.EndpointID).
		Str("delivery_id", att.DeliveryID).
		Str("event_type", att.EventType).
		Str("status", att.Status).
		Int("attempt", att.Attempt).
		Int("http_status", att.HTTPStatus).
		Int("duration_ms", att.DurationMs).
		Msg("webhook attempt resolved")
	if e.Notify != nil {
		e.Notify(att)
	}
	return att, nil
}
