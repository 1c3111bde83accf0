// Package main runs a demo client: it triggers an optimization run, then
// streams GPS samples over the tracking WebSocket and prints the acks.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/gorilla/websocket"
)

type wsMessage struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func main() {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	base := fmt.Sprintf("http://localhost:%s", port)
	date := time.Now().UTC().Format("2006-01-02")

	body := []byte(fmt.Sprintf(`{"date":%q}`, date))
	req, _ := http.NewRequest(http.MethodPost, base+"/v1/optimize", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		log.Fatal(err)
	}
	defer func() { _ = resp.Body.Close() }()
	var optResp struct {
		Routes []struct {
			ID        string `json:"id"`
			VehicleID string `json:"vehicleId"`
			Visits    []struct {
				Location struct {
					Lat float64 `json:"lat"`
					Lng float64 `json:"lng"`
				} `json:"location"`
			} `json:"visits"`
		} `json:"routes"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&optResp); err != nil {
		log.Fatal(err)
	}
	if len(optResp.Routes) == 0 || len(optResp.Routes[0].Visits) == 0 {
		log.Fatal("no routes returned; seed cases, personnel, and vehicles first")
	}
	route := optResp.Routes[0]
	log.Printf("Route ID: %s vehicle: %s", route.ID, route.VehicleID)

	u := url.URL{Scheme: "ws", Host: "localhost:" + port, Path: "/v1/track/ws"}
	c, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		log.Fatal("dial:", err)
	}
	defer func() { _ = c.Close() }()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			var m json.RawMessage
			if err := c.ReadJSON(&m); err != nil {
				log.Printf("read: %v", err)
				return
			}
			log.Printf("WS <- %s", string(m))
		}
	}()

	// walk toward the first visit in three samples
	target := route.Visits[0].Location
	for i := 1; i <= 3; i++ {
		sample := map[string]any{
			"vehicleId": route.VehicleID,
			"location":  map[string]float64{"lat": target.Lat - 0.01*float64(3-i), "lng": target.Lng},
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		}
		pl, _ := json.Marshal(sample)
		if err := c.WriteJSON(wsMessage{Type: "location", ID: fmt.Sprintf("s%d", i), Payload: pl}); err != nil {
			log.Fatal(err)
		}
		time.Sleep(500 * time.Millisecond)
	}

	select {
	case <-time.After(2 * time.Second):
	case <-done:
	}
}
