package api

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"loyaltyhooks/internal/config"
	"loyaltyhooks/internal/model"
	"loyaltyhooks/internal/store"
	"loyaltyhooks/internal/webhooks"
)

type Server struct {
	Store  store.Store
	Pub    *webhooks.Publisher
	Sched  *webhooks.Scheduler
	Broker EventBroker
	Log    zerolog.Logger
}

// NewServer wires the delivery core. If DATABASE_URL is unset, uses the
// in-memory store; if REDIS_URL is unset, the in-process broker.
func NewServer(cfg config.Config, logger zerolog.Logger) (*Server, error) {
	var s store.Store
	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		s = store.NewMemory()
	} else {
		sp, err := store.NewPostgres(cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		// Run migrations (dev helper). A failed migration means the
		// schema cannot be trusted, so refuse to start.
		if cfg.Migrate {
			if err := sp.MigrateDir("db/migrations"); err != nil {
				return nil, fmt.Errorf("apply migrations: %w", err)
			}
		}
		s = sp
	}

	var broker EventBroker
	if cfg.RedisURL != "" {
		if rb, err := NewRedisBroker(cfg.RedisURL); err == nil {
			broker = rb
		} else {
			logger.Warn().Err(err).Msg("redis broker unavailable, using in-process broker")
			broker = NewBroker()
		}
	} else {
		broker = NewBroker()
	}

	exec := webhooks.NewExecutor(s, logger)
	exec.HTTP = &http.Client{Timeout: time.Duration(cfg.Webhooks.TimeoutSec) * time.Second}
	if cfg.Webhooks.RateRPS > 0 {
		exec.Limiter = rate.NewLimiter(rate.Limit(cfg.Webhooks.RateRPS), cfg.Webhooks.RateBurst)
	}

	sched := webhooks.NewScheduler(s, exec, logger)
	sched.MaxRetries = cfg.Webhooks.MaxRetries

	srv := &Server{
		Store:  s,
		Sched:  sched,
		Pub:    webhooks.NewPublisher(s, sched, logger),
		Broker: broker,
		Log:    logger,
	}
	exec.Notify = srv.notifyAttempt
	return srv, nil
}

// notifyAttempt bridges resolved attempts onto the broker for live
// delivery streams. The payload mirrors the list-view row, never the
// secret or full request body.
func (s *Server) notifyAttempt(att model.DeliveryAttempt) {
	s.Broker.Publish(att.EndpointID, DeliveryEvent{
		Type: "delivery.attempt",
		Data: map[string]any{
			"id":         att.ID,
			"deliveryId": att.DeliveryID,
			"eventType":  att.EventType,
			"status":     att.Status,
			"httpStatus": att.HTTPStatus,
			"attempt":    att.Attempt,
			"durationMs": att.DurationMs,
			"createdAt":  att.CreatedAt,
		},
	})
}

// Shutdown stops retry timers and waits for in-flight fan-out handoffs.
func (s *Server) Shutdown() {
	s.Pub.Wait()
	s.Sched.Stop()
}
