package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"loyaltyhooks/internal/config"
	"loyaltyhooks/internal/model"
)

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	var cfg config.Config
	cfg.Webhooks.TimeoutSec = 5
	cfg.Webhooks.MaxRetries = 3

	srv, err := NewServer(cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	t.Cleanup(srv.Shutdown)

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/endpoints", srv.EndpointsHandler)
	mux.HandleFunc("/v1/endpoints/", srv.EndpointByIDHandler)
	mux.HandleFunc("/v1/deliveries", srv.DeliveriesHandler)
	mux.HandleFunc("/v1/deliveries/", srv.DeliveryByIDHandler)
	mux.HandleFunc("/v1/events", srv.EventsHandler)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return srv, ts
}

func doJSON(t *testing.T, method, url string, body any) (*http.Response, []byte) {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request: %v", err)
		}
		rd = bytes.NewReader(b)
	} else {
		rd = bytes.NewReader([]byte(`{}`))
	}
	req, err := http.NewRequest(method, url, rd)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	var buf bytes.Buffer
	_, _ = buf.ReadFrom(resp.Body)
	return resp, buf.Bytes()
}

func createEndpoint(t *testing.T, ts *httptest.Server, url string, events []string) model.Endpoint {
	t.Helper()
	resp, body := doJSON(t, "POST", ts.URL+"/v1/endpoints", map[string]any{
		"url":    url,
		"events": events,
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create endpoint: status %d body %s", resp.StatusCode, body)
	}
	var ep model.Endpoint
	if err := json.Unmarshal(body, &ep); err != nil {
		t.Fatalf("decode endpoint: %v", err)
	}
	return ep
}

func TestCreateEndpoint(t *testing.T) {
	_, ts := newTestServer(t)

	ep := createEndpoint(t, ts, "https://example.com/hooks", []string{model.EventPointsEarned})
	if ep.ID == "" || !ep.Active {
		t.Fatalf("unexpected endpoint: %+v", ep)
	}
	if !strings.HasPrefix(ep.Secret, "whsec_") {
		t.Fatalf("generated secret missing prefix: %q", ep.Secret)
	}

	// Invalid URL scheme.
	resp, _ := doJSON(t, "POST", ts.URL+"/v1/endpoints", map[string]any{"url": "ftp://example.com"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("ftp URL accepted: %d", resp.StatusCode)
	}

	// Unknown event type.
	resp, _ = doJSON(t, "POST", ts.URL+"/v1/endpoints", map[string]any{
		"url":    "https://example.com",
		"events": []string{"no.such.event"},
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("unknown event type accepted: %d", resp.StatusCode)
	}
}

func TestEndpointLifecycle(t *testing.T) {
	_, ts := newTestServer(t)
	ep := createEndpoint(t, ts, "https://example.com/hooks", nil)
	base := ts.URL + "/v1/endpoints/" + ep.ID

	// PATCH url and events.
	resp, body := doJSON(t, "PATCH", base, map[string]any{
		"url":    "https://example.com/v2/hooks",
		"events": []string{model.EventTierChanged},
	})
	if resp.StatusCode != 200 {
		t.Fatalf("patch: %d %s", resp.StatusCode, body)
	}
	var patched model.Endpoint
	_ = json.Unmarshal(body, &patched)
	if patched.URL != "https://example.com/v2/hooks" || len(patched.Events) != 1 {
		t.Fatalf("patch not applied: %+v", patched)
	}

	// Deactivate.
	resp, body = doJSON(t, "POST", base+"/active", map[string]any{"active": false})
	if resp.StatusCode != 200 {
		t.Fatalf("set active: %d %s", resp.StatusCode, body)
	}
	var deact model.Endpoint
	_ = json.Unmarshal(body, &deact)
	if deact.Active {
		t.Fatalf("endpoint still active")
	}

	// Regenerate secret.
	resp, body = doJSON(t, "POST", base+"/secret", nil)
	if resp.StatusCode != 200 {
		t.Fatalf("regenerate secret: %d %s", resp.StatusCode, body)
	}
	var regen model.Endpoint
	_ = json.Unmarshal(body, &regen)
	if regen.Secret == ep.Secret || !strings.HasPrefix(regen.Secret, "whsec_") {
		t.Fatalf("secret not rotated: %q", regen.Secret)
	}

	// Delete, then 404 on GET.
	resp, _ = doJSON(t, "DELETE", base, nil)
	if resp.StatusCode != 200 {
		t.Fatalf("delete: %d", resp.StatusCode)
	}
	getResp, err := http.Get(base)
	if err != nil {
		t.Fatalf("get after delete: %v", err)
	}
	getResp.Body.Close()
	if getResp.StatusCode != http.StatusNotFound {
		t.Fatalf("deleted endpoint still readable: %d", getResp.StatusCode)
	}
}

func TestSendTestDelivery(t *testing.T) {
	var gotType string
	receiver := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotType = r.Header.Get("X-Event-Type")
		w.WriteHeader(200)
	}))
	defer receiver.Close()

	_, ts := newTestServer(t)
	ep := createEndpoint(t, ts, receiver.URL, nil)

	resp, body := doJSON(t, "POST", ts.URL+"/v1/endpoints/"+ep.ID+"/test", map[string]any{
		"eventType": model.EventPointsEarned,
	})
	if resp.StatusCode != 200 {
		t.Fatalf("test send: %d %s", resp.StatusCode, body)
	}
	var att model.DeliveryAttempt
	_ = json.Unmarshal(body, &att)
	if att.Status != model.AttemptSuccess || att.Attempt != 0 {
		t.Fatalf("unexpected test attempt: %+v", att)
	}
	if gotType != model.EventPointsEarned {
		t.Fatalf("receiver saw wrong event type: %q", gotType)
	}

	// Unknown event type rejected.
	resp, _ = doJSON(t, "POST", ts.URL+"/v1/endpoints/"+ep.ID+"/test", map[string]any{"eventType": "bogus"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bogus test event accepted: %d", resp.StatusCode)
	}

	// Inactive endpoint rejected with 409.
	resp, body = doJSON(t, "POST", ts.URL+"/v1/endpoints/"+ep.ID+"/active", map[string]any{"active": false})
	if resp.StatusCode != 200 {
		t.Fatalf("set active: %d %s", resp.StatusCode, body)
	}
	resp, _ = doJSON(t, "POST", ts.URL+"/v1/endpoints/"+ep.ID+"/test", map[string]any{"eventType": model.EventPointsEarned})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("test against inactive endpoint: %d", resp.StatusCode)
	}

	// Missing endpoint is 404.
	resp, _ = doJSON(t, "POST", ts.URL+"/v1/endpoints/nope/test", map[string]any{"eventType": model.EventPointsEarned})
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("test against missing endpoint: %d", resp.StatusCode)
	}
}

func TestPublishEvent(t *testing.T) {
	receiver := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200) }))
	defer receiver.Close()

	srv, ts := newTestServer(t)
	ep := createEndpoint(t, ts, receiver.URL, nil)

	resp, body := doJSON(t, "POST", ts.URL+"/v1/events", map[string]any{
		"type": model.EventCampaignJoined,
		"data": map[string]any{"campaignId": "c1"},
	})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("publish: %d %s", resp.StatusCode, body)
	}
	srv.Pub.Wait()

	// The delivery shows up in the log, filterable by endpoint.
	resp, body = doJSON(t, "GET", ts.URL+"/v1/deliveries?endpointId="+ep.ID, nil)
	if resp.StatusCode != 200 {
		t.Fatalf("list deliveries: %d %s", resp.StatusCode, body)
	}
	var list struct {
		Items []map[string]any `json:"items"`
	}
	if err := json.Unmarshal(body, &list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(list.Items) != 1 {
		t.Fatalf("want 1 logged attempt, got %d", len(list.Items))
	}
	row := list.Items[0]
	if row["status"] != model.AttemptSuccess || row["eventType"] != model.EventCampaignJoined {
		t.Fatalf("unexpected log row: %+v", row)
	}
	if _, leaked := row["requestBody"]; leaked {
		t.Fatalf("list view leaks request body")
	}

	// Detail view carries the full attempt record.
	id, _ := row["id"].(string)
	resp, body = doJSON(t, "GET", ts.URL+"/v1/deliveries/"+id, nil)
	if resp.StatusCode != 200 {
		t.Fatalf("get delivery: %d %s", resp.StatusCode, body)
	}
	var att model.DeliveryAttempt
	_ = json.Unmarshal(body, &att)
	if len(att.RequestBody) == 0 || att.Signature == "" {
		t.Fatalf("detail view missing request record: %+v", att)
	}

	// Unknown event type is rejected up front.
	resp, _ = doJSON(t, "POST", ts.URL+"/v1/events", map[string]any{"type": "not.a.thing"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("unknown publish accepted: %d", resp.StatusCode)
	}
}

func TestRetryEndpointConflicts(t *testing.T) {
	receiver := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200) }))
	defer receiver.Close()

	_, ts := newTestServer(t)
	ep := createEndpoint(t, ts, receiver.URL, nil)

	// Successful test send, then a manual retry must conflict.
	resp, body := doJSON(t, "POST", ts.URL+"/v1/endpoints/"+ep.ID+"/test", map[string]any{
		"eventType": model.EventUserCreated,
	})
	if resp.StatusCode != 200 {
		t.Fatalf("test send: %d %s", resp.StatusCode, body)
	}
	var att model.DeliveryAttempt
	_ = json.Unmarshal(body, &att)

	resp, _ = doJSON(t, "POST", ts.URL+"/v1/deliveries/"+att.ID+"/retry", nil)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("retry after success: %d", resp.StatusCode)
	}

	resp, _ = doJSON(t, "POST", ts.URL+"/v1/deliveries/missing/retry", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("retry of unknown attempt: %d", resp.StatusCode)
	}
}
