// Package main runs a demo client for the live delivery stream.
//
// It registers a webhook endpoint pointing at a local receiver, opens the
// WebSocket delivery stream for that endpoint, fires a test delivery, and
// prints the attempt events as they arrive.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"time"

	"github.com/gorilla/websocket"
)

func main() {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	base := fmt.Sprintf("http://localhost:%s", port)

	// Local receiver for the webhook POSTs.
	receiver := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log.Printf("receiver <- %s delivery=%s attempt=%s",
			r.Header.Get("X-Event-Type"),
			r.Header.Get("X-Delivery-Id"),
			r.Header.Get("X-Attempt-Number"))
		w.WriteHeader(http.StatusOK)
	}))
	defer receiver.Close()

	// Register an endpoint subscribed to everything.
	body := []byte(fmt.Sprintf(`{"url":%q}`, receiver.URL))
	resp, err := http.Post(base+"/v1/endpoints", "application/json", bytes.NewReader(body))
	if err != nil {
		log.Fatal(err)
	}
	defer func() { _ = resp.Body.Close() }()
	var ep struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&ep); err != nil {
		log.Fatal(err)
	}
	if ep.ID == "" {
		log.Fatal("no endpoint id returned")
	}
	log.Printf("Endpoint ID: %s", ep.ID)

	// Connect to the delivery stream.
	u := url.URL{Scheme: "ws", Host: "localhost:" + port, Path: "/v1/endpoints/" + ep.ID + "/deliveries/stream"}
	c, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		log.Fatal("dial:", err)
	}
	defer func() { _ = c.Close() }()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			var m struct {
				Type string         `json:"type"`
				Data map[string]any `json:"data"`
			}
			if err := c.ReadJSON(&m); err != nil {
				log.Printf("read: %v", err)
				return
			}
			log.Printf("WS <- %s: status=%v attempt=%v", m.Type, m.Data["status"], m.Data["attempt"])
		}
	}()

	// Fire a test delivery.
	time.Sleep(500 * time.Millisecond)
	testBody := []byte(`{"eventType":"points.earned","data":{"points":50}}`)
	testResp, err := http.Post(base+"/v1/endpoints/"+ep.ID+"/test", "application/json", bytes.NewReader(testBody))
	if err != nil {
		log.Fatal(err)
	}
	_ = testResp.Body.Close()

	// Wait briefly to receive the attempt event.
	select {
	case <-time.After(2 * time.Second):
	case <-done:
	}
}
