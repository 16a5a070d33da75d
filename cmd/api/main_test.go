package main

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"

	"loyaltyhooks/internal/metrics"
)

func TestRouteLabel(t *testing.T) {
	cases := map[string]string{
		"/v1/endpoints":                        "/v1/endpoints",
		"/v1/endpoints/abc":                    "/v1/endpoints/{id}",
		"/v1/endpoints/abc/test":               "/v1/endpoints/{id}/test",
		"/v1/endpoints/abc/deliveries/stream":  "/v1/endpoints/{id}/deliveries/stream",
		"/v1/deliveries/55c1/retry":            "/v1/deliveries/{id}/retry",
		"/v1/deliveries/55c1":                  "/v1/deliveries/{id}",
		"/healthz":                             "/healthz",
	}
	for in, want := range cases {
		if got := routeLabel(in); got != want {
			t.Fatalf("routeLabel(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestLogMiddlewareRecordsMetrics(t *testing.T) {
	h := logMiddleware(zerolog.Nop(), http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	before := testutil.ToFloat64(metrics.HTTPRequests.WithLabelValues("GET", "/v1/endpoints/{id}", "418"))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/endpoints/abc123", nil))
	if rec.Code != http.StatusTeapot {
		t.Fatalf("handler status lost through wrapper: %d", rec.Code)
	}
	after := testutil.ToFloat64(metrics.HTTPRequests.WithLabelValues("GET", "/v1/endpoints/{id}", "418"))
	if after != before+1 {
		t.Fatalf("request counter not incremented: before=%v after=%v", before, after)
	}
}
