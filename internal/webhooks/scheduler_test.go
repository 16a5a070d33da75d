package webhooks

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"loyaltyhooks/internal/model"
	"loyaltyhooks/internal/store"
)

func newRig(t *testing.T, maxRetries int) (*store.Memory, *Scheduler, *clockwork.FakeClock) {
	t.Helper()
	st := store.NewMemory()
	sched := NewScheduler(st, NewExecutor(st, zerolog.Nop()), zerolog.Nop())
	sched.MaxRetries = maxRetries
	fc := clockwork.NewFakeClock()
	sched.Clock = fc
	return st, sched, fc
}

func countAttempts(t *testing.T, st *store.Memory, endpointID string) int {
	t.Helper()
	items, _, err := st.ListAttempts(context.Background(), store.AttemptFilter{EndpointID: endpointID})
	if err != nil {
		t.Fatalf("ListAttempts: %v", err)
	}
	return len(items)
}

func waitAttempts(t *testing.T, st *store.Memory, endpointID string, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if countAttempts(t, st, endpointID) >= want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d attempts, have %d", want, countAttempts(t, st, endpointID))
}

func TestRetryBudgetExhaustion(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(500) }))
	defer srv.Close()

	st, sched, fc := newRig(t, 3)
	ep := seedEndpoint(t, st, srv.URL, nil, true)
	evt := model.Event{Type: model.EventPointsEarned, Data: json.RawMessage(`{"points":10}`)}

	att, err := sched.Dispatch(context.Background(), ep.ID, evt, "d1", 0)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if att.Status != model.AttemptRetrying {
		t.Fatalf("first failure should be retrying, got %q", att.Status)
	}

	for _, delay := range []time.Duration{5 * time.Second, 10 * time.Second, 20 * time.Second} {
		fc.BlockUntil(1)
		fc.Advance(delay)
	}
	waitAttempts(t, st, ep.ID, 4)

	if n := countAttempts(t, st, ep.ID); n != 4 {
		t.Fatalf("expected maxRetries+1 = 4 attempts, got %d", n)
	}
	latest, err := st.LatestAttempt(context.Background(), "d1")
	if err != nil {
		t.Fatalf("LatestAttempt: %v", err)
	}
	if latest.Status != model.AttemptFailed || latest.Attempt != 3 {
		t.Fatalf("terminal attempt wrong: %+v", latest)
	}
	if sched.PendingForEndpoint(ep.ID) != 0 {
		t.Fatalf("retries still pending after budget exhaustion")
	}

	// Attempt numbers are 0..3 with no gaps or duplicates.
	items, _, _ := st.ListAttempts(context.Background(), store.AttemptFilter{EndpointID: ep.ID})
	seen := map[int]bool{}
	for _, a := range items {
		if a.DeliveryID != "d1" {
			t.Fatalf("unexpected delivery id %q", a.DeliveryID)
		}
		if seen[a.Attempt] {
			t.Fatalf("duplicate attempt number %d", a.Attempt)
		}
		seen[a.Attempt] = true
	}
	for i := 0; i < 4; i++ {
		if !seen[i] {
			t.Fatalf("missing attempt number %d", i)
		}
	}
}

func TestSuccessOnRetryStopsGroup(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(500)
			return
		}
		w.WriteHeader(200)
	}))
	defer srv.Close()

	st, sched, fc := newRig(t, 3)
	ep := seedEndpoint(t, st, srv.URL, nil, true)
	evt := model.Event{Type: model.EventCampaignCompleted, Data: json.RawMessage(`{}`)}

	if _, err := sched.Dispatch(context.Background(), ep.ID, evt, "d1", 0); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	fc.BlockUntil(1)
	fc.Advance(5 * time.Second)
	waitAttempts(t, st, ep.ID, 2)

	latest, _ := st.LatestAttempt(context.Background(), "d1")
	if latest.Status != model.AttemptSuccess || latest.Attempt != 1 {
		t.Fatalf("expected success on attempt 1, got %+v", latest)
	}
	if sched.PendingForEndpoint(ep.ID) != 0 {
		t.Fatalf("no further attempt may be scheduled after success")
	}

	// Nothing more fires even if time keeps moving.
	fc.Advance(time.Hour)
	time.Sleep(20 * time.Millisecond)
	if n := countAttempts(t, st, ep.ID); n != 2 {
		t.Fatalf("attempts created after success: %d", n)
	}
}

func TestDeactivationStopsNextRetry(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(500) }))
	defer srv.Close()

	st, sched, fc := newRig(t, 3)
	ep := seedEndpoint(t, st, srv.URL, nil, true)
	evt := model.Event{Type: model.EventRewardRedeemed, Data: json.RawMessage(`{}`)}

	if _, err := sched.Dispatch(context.Background(), ep.ID, evt, "d1", 0); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if sched.PendingForEndpoint(ep.ID) != 1 {
		t.Fatalf("expected one pending retry")
	}

	// Deactivate before the timer fires; active is re-read at fire time.
	if _, err := st.SetEndpointActive(context.Background(), ep.ID, false); err != nil {
		t.Fatalf("SetEndpointActive: %v", err)
	}
	fc.BlockUntil(1)
	fc.Advance(5 * time.Second)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && sched.PendingForEndpoint(ep.ID) != 0 {
		time.Sleep(5 * time.Millisecond)
	}
	if n := countAttempts(t, st, ep.ID); n != 1 {
		t.Fatalf("retry fired against deactivated endpoint: %d attempts", n)
	}
}

func TestRetryNow(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(500) }))
	defer srv.Close()

	st, sched, _ := newRig(t, 1)
	ep := seedEndpoint(t, st, srv.URL, nil, true)
	evt := model.Event{Type: model.EventPointsRedeemed, Data: json.RawMessage(`{"points":5}`)}

	first, err := sched.Dispatch(context.Background(), ep.ID, evt, "d1", 0)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	// Bypasses the backoff delay but consumes the budget.
	second, err := sched.RetryNow(context.Background(), first.ID)
	if err != nil {
		t.Fatalf("RetryNow: %v", err)
	}
	if second.Attempt != 1 || second.DeliveryID != "d1" || second.Status != model.AttemptFailed {
		t.Fatalf("unexpected manual retry outcome: %+v", second)
	}
	if sched.PendingForEndpoint(ep.ID) != 0 {
		t.Fatalf("timer survived manual retry")
	}

	if _, err := sched.RetryNow(context.Background(), second.ID); !errors.Is(err, ErrBudgetExhausted) {
		t.Fatalf("expected ErrBudgetExhausted, got %v", err)
	}
}

func TestRetryNowWhileRetryInFlight(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(500)
			return
		}
		entered <- struct{}{}
		<-release
		w.WriteHeader(200)
	}))
	defer srv.Close()

	st, sched, fc := newRig(t, 3)
	ep := seedEndpoint(t, st, srv.URL, nil, true)

	first, err := sched.Dispatch(context.Background(), ep.ID, model.Event{Type: model.EventPointsEarned, Data: json.RawMessage(`{}`)}, "d1", 0)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	fc.BlockUntil(1)
	fc.Advance(5 * time.Second)
	// The scheduled attempt 1 is now mid-flight, parked in the receiver.
	<-entered

	if _, err := sched.RetryNow(context.Background(), first.ID); !errors.Is(err, ErrRetryInFlight) {
		t.Fatalf("expected ErrRetryInFlight while the scheduled retry executes, got %v", err)
	}

	close(release)
	waitAttempts(t, st, ep.ID, 2)
	latest, err := st.LatestAttempt(context.Background(), "d1")
	if err != nil {
		t.Fatalf("LatestAttempt: %v", err)
	}
	if latest.Status != model.AttemptSuccess || latest.Attempt != 1 {
		t.Fatalf("unexpected outcome: %+v", latest)
	}
	if n := atomic.LoadInt32(&calls); n != 2 {
		t.Fatalf("each attempt number must reach the receiver exactly once, saw %d calls", n)
	}
}

func TestRetryNowAfterSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200) }))
	defer srv.Close()

	st, sched, _ := newRig(t, 3)
	ep := seedEndpoint(t, st, srv.URL, nil, true)

	att, err := sched.Dispatch(context.Background(), ep.ID, model.Event{Type: model.EventUserCreated}, "d1", 0)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if _, err := sched.RetryNow(context.Background(), att.ID); !errors.Is(err, ErrAlreadyDelivered) {
		t.Fatalf("expected ErrAlreadyDelivered, got %v", err)
	}
}

func TestCancelEndpointDropsPendingRetries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(500) }))
	defer srv.Close()

	st, sched, fc := newRig(t, 3)
	ep := seedEndpoint(t, st, srv.URL, nil, true)

	for _, did := range []string{"d1", "d2"} {
		if _, err := sched.Dispatch(context.Background(), ep.ID, model.Event{Type: model.EventCampaignJoined}, did, 0); err != nil {
			t.Fatalf("Dispatch: %v", err)
		}
	}
	if n := sched.CancelEndpoint(ep.ID); n != 2 {
		t.Fatalf("expected 2 canceled retries, got %d", n)
	}
	if err := st.DeleteEndpoint(context.Background(), ep.ID); err != nil {
		t.Fatalf("DeleteEndpoint: %v", err)
	}

	fc.Advance(time.Hour)
	time.Sleep(20 * time.Millisecond)
	if n := countAttempts(t, st, ep.ID); n != 2 {
		t.Fatalf("canceled retries still fired: %d attempts", n)
	}
}

func TestBackoffMonotonic(t *testing.T) {
	prev := time.Duration(0)
	for i := 1; i <= 14; i++ {
		d := nextBackoff(i)
		if d < prev {
			t.Fatalf("backoff decreased at attempt %d: %v < %v", i, d, prev)
		}
		if d > time.Hour {
			t.Fatalf("backoff exceeds ceiling at attempt %d: %v", i, d)
		}
		prev = d
	}
}
