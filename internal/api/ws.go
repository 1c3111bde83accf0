package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"careroute/internal/model"
)

// WebSocket ingest for vehicle GPS streams. Each location message is applied
// through the tracker and acknowledged, so mobile clients can resend on drops
// without double-applying (replays are discarded by timestamp).

var upgrader = websocket.Upgrader{CheckOrigin: func(_ *http.Request) bool { return true }}

type wsMessage struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type wsAck struct {
	Type    string           `json:"type"`
	ID      string           `json:"id,omitempty"`
	Applied bool             `json:"applied"`
	RouteID string           `json:"routeId,omitempty"`
	ETAs    []model.VisitETA `json:"etas,omitempty"`
	Error   string           `json:"error,omitempty"`
}

// TrackWSHandler handles /v1/track/ws.
func (s *Server) TrackWSHandler(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer func() { _ = conn.Close() }()

	conn.SetReadLimit(1 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	write := func(v any) error { return conn.WriteJSON(v) }

	// keepalive
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(20 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if err := write(wsMessage{Type: "ping"}); err != nil {
					return
				}
			}
		}
	}()

	for {
		var msg wsMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		switch msg.Type {
		case "ping":
			_ = write(wsMessage{Type: "pong"})
		case "pong":
		case "location":
			var u model.LocationUpdate
			if err := json.Unmarshal(msg.Payload, &u); err != nil {
				_ = write(wsAck{Type: "ack", ID: msg.ID, Error: "invalid payload: " + err.Error()})
				continue
			}
			res, _, err := s.applyLocationUpdate(r.Context(), u)
			if err != nil {
				_ = write(wsAck{Type: "ack", ID: msg.ID, Error: err.Error()})
				continue
			}
			_ = write(wsAck{Type: "ack", ID: msg.ID, Applied: res.Applied, RouteID: res.RouteID, ETAs: res.ETAs})
		default:
			// ignore
		}
	}
}
