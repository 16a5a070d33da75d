package webhooks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"loyaltyhooks/internal/metrics"
	"loyaltyhooks/internal/model"
	"loyaltyhooks/internal/store"
)

// DefaultMaxRetries bounds retries per logical delivery, deployment-wide.
const DefaultMaxRetries = 3

var (
	ErrInactiveEndpoint = errors.New("endpoint inactive")
	ErrAlreadyDelivered = errors.New("delivery already succeeded")
	ErrBudgetExhausted  = errors.New("retry budget exhausted")
	ErrRetryInFlight    = errors.New("retry already in progress")
)

// Scheduler owns the bounded-retry policy. Attempts within one delivery
// are strictly sequential: attempt n+1 exists only after attempt n has
// resolved, either from a backoff timer or an admin RetryNow. The
// inflight set serializes the two paths; while one attempt of a delivery
// is executing, any other dispatch for it is refused with
// ErrRetryInFlight.
type Scheduler struct {
	Store      store.Store
	Exec       *Executor
	Clock      clockwork.Clock
	MaxRetries int
	Log        zerolog.Logger

	mu       sync.Mutex
	pending  map[string]*pendingRetry // deliveryID -> scheduled retry
	inflight map[string]struct{}      // deliveryID -> attempt currently executing
	stopped  bool
}

type pendingRetry struct {
	endpointID string
	event      model.Event
	attempt    int
	timer      clockwork.Timer
}

func NewScheduler(s store.Store, exec *Executor, logger zerolog.Logger) *Scheduler {
	return &Scheduler{
		Store:      s,
		Exec:       exec,
		Clock:      clockwork.NewRealClock(),
		MaxRetries: DefaultMaxRetries,
		Log:        logger,
		pending:    map[string]*pendingRetry{},
		inflight:   map[string]struct{}{},
	}
}

// nextBackoff returns the delay before retry attempt n (n >= 1).
// Exponential, capped at one hour; never decreases.
func nextBackoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 12 {
		attempt = 12
	}
	d := 5 * time.Second * time.Duration(1<<(attempt-1))
	if d > time.Hour {
		d = time.Hour
	}
	return d
}

// Dispatch performs attempt number attempt of deliveryID. If another
// attempt of the same delivery is already executing it refuses with
// ErrRetryInFlight. The endpoint is re-read here so a retry observes
// deactivation, deletion, or a regenerated secret at fire time, not at
// schedule time. On a non-terminal failure the next attempt is enqueued
// after backoff.
func (s *Scheduler) Dispatch(ctx context.Context, endpointID string, evt model.Event, deliveryID string, attempt int) (model.DeliveryAttempt, error) {
	if !s.acquire(deliveryID) {
		return model.DeliveryAttempt{}, ErrRetryInFlight
	}
	defer s.release(deliveryID)
	return s.dispatch(ctx, endpointID, evt, deliveryID, attempt)
}

// dispatch does the work of Dispatch. The caller holds the delivery group
// via acquire.
func (s *Scheduler) dispatch(ctx context.Context, endpointID string, evt model.Event, deliveryID string, attempt int) (model.DeliveryAttempt, error) {
	ep, err := s.Store.GetEndpoint(ctx, endpointID)
	if err != nil {
		return model.DeliveryAttempt{}, err
	}
	if !ep.Active {
		return model.DeliveryAttempt{}, ErrInactiveEndpoint
	}
	final := attempt >= s.MaxRetries
	att, err := s.Exec.Execute(ctx, ep, evt, deliveryID, attempt, final)
	if err != nil {
		return model.DeliveryAttempt{}, err
	}
	if att.Status == model.AttemptRetrying {
		s.schedule(deliveryID, endpointID, evt, attempt+1)
	}
	return att, nil
}

func (s *Scheduler) schedule(deliveryID, endpointID string, evt model.Event, attempt int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	delay := nextBackoff(attempt)
	pr := &pendingRetry{endpointID: endpointID, event: evt, attempt: attempt}
	pr.timer = s.Clock.AfterFunc(delay, func() { s.fire(deliveryID) })
	s.pending[deliveryID] = pr
	metrics.WebhookRetries.WithLabelValues(evt.Type).Inc()
	s.Log.Debug().
		Str("delivery_id", deliveryID).
		Str("endpoint_id", endpointID).
		Int("attempt", attempt).
		Dur("delay", delay).
		Msg("retry scheduled")
}

// acquire marks an attempt of deliveryID as executing. Reports false if
// one already is.
func (s *Scheduler) acquire(deliveryID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.inflight[deliveryID]; busy {
		return false
	}
	s.inflight[deliveryID] = struct{}{}
	return true
}

func (s *Scheduler) release(deliveryID string) {
	s.mu.Lock()
	delete(s.inflight, deliveryID)
	s.mu.Unlock()
}

func (s *Scheduler) fire(deliveryID string) {
	// Popping the pending entry and claiming the group happen under one
	// lock hold, so RetryNow sees either a stoppable timer or a busy
	// group, never a gap between the two.
	s.mu.Lock()
	pr := s.pending[deliveryID]
	delete(s.pending, deliveryID)
	if pr == nil {
		s.mu.Unlock()
		return
	}
	if _, busy := s.inflight[deliveryID]; busy {
		s.mu.Unlock()
		s.Log.Debug().Str("delivery_id", deliveryID).Msg("scheduled retry dropped, attempt already executing")
		return
	}
	s.inflight[deliveryID] = struct{}{}
	s.mu.Unlock()
	defer s.release(deliveryID)
	if _, err := s.dispatch(context.Background(), pr.endpointID, pr.event, deliveryID, pr.attempt); err != nil {
		s.Log.Info().
			Err(err).
			Str("delivery_id", deliveryID).
			Str("endpoint_id", pr.endpointID).
			Int("attempt", pr.attempt).
			Msg("scheduled retry skipped")
	}
}

// RetryNow performs an admin-triggered immediate retry for the delivery
// group that attemptID belongs to. It bypasses the backoff delay but
// consumes the same retry budget.
func (s *Scheduler) RetryNow(ctx context.Context, attemptID string) (model.DeliveryAttempt, error) {
	att, err := s.Store.GetAttempt(ctx, attemptID)
	if err != nil {
		return model.DeliveryAttempt{}, err
	}

	s.mu.Lock()
	if _, busy := s.inflight[att.DeliveryID]; busy {
		s.mu.Unlock()
		return model.DeliveryAttempt{}, ErrRetryInFlight
	}
	if pr, ok := s.pending[att.DeliveryID]; ok {
		if !pr.timer.Stop() {
			// Timer already fired; the scheduled dispatch owns this turn.
			s.mu.Unlock()
			return model.DeliveryAttempt{}, ErrRetryInFlight
		}
		delete(s.pending, att.DeliveryID)
	}
	s.inflight[att.DeliveryID] = struct{}{}
	s.mu.Unlock()
	defer s.release(att.DeliveryID)

	// The latest attempt is read while holding the group, so a retry that
	// resolved between the admin's read and this call is observed here and
	// its attempt number is never reissued.
	latest, err := s.Store.LatestAttempt(ctx, att.DeliveryID)
	if err != nil {
		return model.DeliveryAttempt{}, err
	}
	if latest.Status == model.AttemptSuccess {
		return model.DeliveryAttempt{}, ErrAlreadyDelivered
	}
	if latest.Attempt >= s.MaxRetries {
		return model.DeliveryAttempt{}, ErrBudgetExhausted
	}
	evt, err := eventFromAttempt(latest)
	if err != nil {
		return model.DeliveryAttempt{}, err
	}
	return s.dispatch(ctx, latest.EndpointID, evt, latest.DeliveryID, latest.Attempt+1)
}

// eventFromAttempt rebuilds the original event from the canonical body
// recorded with the attempt.
func eventFromAttempt(att model.DeliveryAttempt) (model.Event, error) {
	var body eventBody
	if err := json.Unmarshal(att.RequestBody, &body); err != nil {
		return model.Event{}, fmt.Errorf("decode recorded payload: %w", err)
	}
	return model.Event{Type: body.Event, Data: body.Data}, nil
}

// CancelEndpoint drops every pending retry for an endpoint. Called when
// an endpoint is deleted; a timer that already fired re-validates the
// endpoint in Dispatch and drops there instead.
func (s *Scheduler) CancelEndpoint(endpointID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, pr := range s.pending {
		if pr.endpointID == endpointID {
			pr.timer.Stop()
			delete(s.pending, id)
			n++
		}
	}
	return n
}

// PendingForEndpoint counts retries currently scheduled for an endpoint.
func (s *Scheduler) PendingForEndpoint(endpointID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, pr := range s.pending {
		if pr.endpointID == endpointID {
			n++
		}
	}
	return n
}

// Stop cancels all outstanding retry timers. New schedules are refused.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	for id, pr := range s.pending {
		pr.timer.Stop()
		delete(s.pending, id)
	}
}
