package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"loyaltyhooks/internal/model"
	"loyaltyhooks/internal/store"
	"loyaltyhooks/internal/webhooks"
)

// EndpointsHandler handles /v1/endpoints
func (s *Server) EndpointsHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var req model.EndpointRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
			return
		}
		if err := validateEndpointURL(req.URL); err != nil {
			writeProblem(w, http.StatusBadRequest, "Invalid endpoint", err.Error(), r.URL.Path)
			return
		}
		if err := validateEventTypes(req.Events); err != nil {
			writeProblem(w, http.StatusBadRequest, "Invalid subscription", err.Error(), r.URL.Path)
			return
		}
		secret := req.Secret
		if secret == "" {
			var err error
			secret, err = webhooks.GenerateSecret()
			if err != nil {
				writeProblem(w, 500, "Secret generation failed", err.Error(), r.URL.Path)
				return
			}
		}
		active := true
		if req.Active != nil {
			active = *req.Active
		}
		ep, err := s.Store.CreateEndpoint(r.Context(), model.Endpoint{
			URL:    req.URL,
			Secret: secret,
			Events: req.Events,
			Active: active,
		})
		if err != nil {
			writeProblem(w, 500, "Create endpoint failed", err.Error(), r.URL.Path)
			return
		}
		writeJSON(w, http.StatusCreated, ep)
	case http.MethodGet:
		cursor := r.URL.Query().Get("cursor")
		limit := 100
		if v := r.URL.Query().Get("limit"); v != "" {
			fmt.Sscanf(v, "%d", &limit)
		}
		items, next, err := s.Store.ListEndpoints(r.Context(), cursor, limit)
		if err != nil {
			writeProblem(w, 500, "List endpoints failed", err.Error(), r.URL.Path)
			return
		}
		writeJSON(w, 200, map[string]any{"items": items, "nextCursor": next})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// EndpointByIDHandler handles /v1/endpoints/{id} and its subresources:
// POST {id}/active, POST {id}/secret, POST {id}/test,
// GET {id}/deliveries/stream.
func (s *Server) EndpointByIDHandler(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/endpoints/")
	parts := strings.Split(rest, "/")
	id := parts[0]
	if id == "" {
		writeProblem(w, http.StatusBadRequest, "Missing endpoint id", "", r.URL.Path)
		return
	}
	if len(parts) > 1 {
		switch strings.Join(parts[1:], "/") {
		case "active":
			s.setActive(w, r, id)
		case "secret":
			s.regenerateSecret(w, r, id)
		case "test":
			s.sendTest(w, r, id)
		case "deliveries/stream":
			s.DeliveryStreamHandler(w, r, id)
		default:
			http.NotFound(w, r)
		}
		return
	}

	switch r.Method {
	case http.MethodGet:
		ep, err := s.Store.GetEndpoint(r.Context(), id)
		if err != nil {
			s.storeProblem(w, r, "Get endpoint failed", err)
			return
		}
		writeJSON(w, 200, ep)
	case http.MethodPatch:
		var patch model.EndpointPatch
		if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
			writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
			return
		}
		if patch.URL != nil {
			if err := validateEndpointURL(*patch.URL); err != nil {
				writeProblem(w, http.StatusBadRequest, "Invalid endpoint", err.Error(), r.URL.Path)
				return
			}
		}
		if patch.Events != nil {
			if err := validateEventTypes(*patch.Events); err != nil {
				writeProblem(w, http.StatusBadRequest, "Invalid subscription", err.Error(), r.URL.Path)
				return
			}
		}
		ep, err := s.Store.UpdateEndpoint(r.Context(), id, patch)
		if err != nil {
			s.storeProblem(w, r, "Update endpoint failed", err)
			return
		}
		writeJSON(w, 200, ep)
	case http.MethodDelete:
		// Cascade-cancel: pending retries die with the endpoint; the
		// delivery log keeps its history.
		canceled := s.Sched.CancelEndpoint(id)
		if err := s.Store.DeleteEndpoint(r.Context(), id); err != nil {
			s.storeProblem(w, r, "Delete endpoint failed", err)
			return
		}
		writeJSON(w, 200, map[string]any{"status": "deleted", "canceledRetries": canceled})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) setActive(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Active bool `json:"active"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
		return
	}
	ep, err := s.Store.SetEndpointActive(r.Context(), id, req.Active)
	if err != nil {
		s.storeProblem(w, r, "Set active failed", err)
		return
	}
	writeJSON(w, 200, ep)
}

func (s *Server) regenerateSecret(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	secret, err := webhooks.GenerateSecret()
	if err != nil {
		writeProblem(w, 500, "Secret generation failed", err.Error(), r.URL.Path)
		return
	}
	ep, err := s.Store.SetEndpointSecret(r.Context(), id, secret)
	if err != nil {
		s.storeProblem(w, r, "Regenerate secret failed", err)
		return
	}
	writeJSON(w, 200, ep)
}

func (s *Server) sendTest(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req model.TestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
		return
	}
	att, err := s.Pub.Test(r.Context(), id, req.EventType, req.Data)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeProblem(w, 404, "Endpoint not found", err.Error(), r.URL.Path)
			return
		}
		if errors.Is(err, webhooks.ErrInactiveEndpoint) {
			writeProblem(w, 409, "Endpoint inactive", err.Error(), r.URL.Path)
			return
		}
		writeProblem(w, http.StatusBadRequest, "Test delivery rejected", err.Error(), r.URL.Path)
		return
	}
	writeJSON(w, 200, att)
}

// EventsHandler handles POST /v1/events: the inbound publish contract for
// out-of-process domain collaborators.
func (s *Server) EventsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var evt model.Event
	if err := json.NewDecoder(r.Body).Decode(&evt); err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
		return
	}
	if err := s.Pub.Publish(r.Context(), evt); err != nil {
		writeProblem(w, http.StatusBadRequest, "Publish rejected", err.Error(), r.URL.Path)
		return
	}
	// Delivery outcomes are observable only via the delivery log.
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "accepted"})
}

// DeliveriesHandler handles GET /v1/deliveries
func (s *Server) DeliveriesHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	q := r.URL.Query()
	limit := 100
	if v := q.Get("limit"); v != "" {
		fmt.Sscanf(v, "%d", &limit)
	}
	items, next, err := s.Store.ListAttempts(r.Context(), store.AttemptFilter{
		EndpointID: q.Get("endpointId"),
		Status:     q.Get("status"),
		Cursor:     q.Get("cursor"),
		Limit:      limit,
	})
	if err != nil {
		writeProblem(w, 500, "List deliveries failed", err.Error(), r.URL.Path)
		return
	}
	out := make([]map[string]any, 0, len(items))
	for _, att := range items {
		out = append(out, map[string]any{
			"id":         att.ID,
			"endpointId": att.EndpointID,
			"deliveryId": att.DeliveryID,
			"eventType":  att.EventType,
			"status":     att.Status,
			"httpStatus": att.HTTPStatus,
			"attempt":    att.Attempt,
			"durationMs": att.DurationMs,
			"createdAt":  att.CreatedAt,
		})
	}
	writeJSON(w, 200, map[string]any{"items": out, "nextCursor": next})
}

// DeliveryByIDHandler handles /v1/deliveries/{id} and /v1/deliveries/{id}/retry
func (s *Server) DeliveryByIDHandler(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/deliveries/")
	parts := strings.Split(rest, "/")
	id := parts[0]
	if id == "" {
		writeProblem(w, http.StatusBadRequest, "Missing attempt id", "", r.URL.Path)
		return
	}
	if len(parts) > 1 && parts[1] == "retry" {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		att, err := s.Sched.RetryNow(r.Context(), id)
		if err != nil {
			switch {
			case errors.Is(err, store.ErrNotFound):
				writeProblem(w, 404, "Attempt not found", err.Error(), r.URL.Path)
			case errors.Is(err, webhooks.ErrAlreadyDelivered),
				errors.Is(err, webhooks.ErrBudgetExhausted),
				errors.Is(err, webhooks.ErrRetryInFlight),
				errors.Is(err, webhooks.ErrInactiveEndpoint):
				writeProblem(w, http.StatusConflict, "Retry rejected", err.Error(), r.URL.Path)
			default:
				writeProblem(w, 500, "Retry failed", err.Error(), r.URL.Path)
			}
			return
		}
		writeJSON(w, 200, att)
		return
	}
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	att, err := s.Store.GetAttempt(r.Context(), id)
	if err != nil {
		s.storeProblem(w, r, "Get attempt failed", err)
		return
	}
	writeJSON(w, 200, att)
}

func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, 200, map[string]string{"status": "ok"})
}

func (s *Server) ReadyHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, 200, map[string]string{"status": "ready"})
}

func (s *Server) storeProblem(w http.ResponseWriter, r *http.Request, title string, err error) {
	if errors.Is(err, store.ErrNotFound) {
		writeProblem(w, http.StatusNotFound, "Not found", err.Error(), r.URL.Path)
		return
	}
	if errors.Is(err, store.ErrConflict) {
		writeProblem(w, http.StatusConflict, "Conflict", err.Error(), r.URL.Path)
		return
	}
	writeProblem(w, http.StatusInternalServerError, title, err.Error(), r.URL.Path)
}
