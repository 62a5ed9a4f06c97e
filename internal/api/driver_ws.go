package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"dispatch/internal/locations"
	"dispatch/internal/metrics"
	"dispatch/internal/model"
)

var upgrader = websocket.Upgrader{CheckOrigin: func(_ *http.Request) bool { return true }}

// wsInbound is a driver-app frame: location pushes and status changes
// arrive over the socket instead of polling POSTs.
type wsInbound struct {
	Type       string             `json:"type"` // "location" | "status" | "ping"
	Lat        float64            `json:"lat"`
	Lng        float64            `json:"lng"`
	Status     model.DriverStatus `json:"status"`
	AccuracyM  *float64           `json:"accuracyM,omitempty"`
	SpeedKmh   *float64           `json:"speedKmh,omitempty"`
	BearingDeg *float64           `json:"bearingDeg,omitempty"`
}

type wsOutbound struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data,omitempty"`
}

// DriverWSHandler handles /v1/ws/drivers?driverId=...: assignment offers
// stream out, location updates stream in.
func (s *Server) DriverWSHandler(w http.ResponseWriter, r *http.Request) {
	driverID := r.URL.Query().Get("driverId")
	if driverID == "" {
		writeProblem(w, http.StatusBadRequest, "Invalid request", "driverId required", r.URL.Path)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer func() { _ = conn.Close() }()

	events := s.Broker.Subscribe("driver:" + driverID)
	defer s.Broker.Unsubscribe("driver:"+driverID, events)

	conn.SetReadLimit(1 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	// Gorilla allows one writer at a time; both loops go through send.
	var wmu sync.Mutex
	send := func(v wsOutbound) error {
		wmu.Lock()
		defer wmu.Unlock()
		return conn.WriteJSON(v)
	}

	done := make(chan struct{})

	// Writer: broker events plus keepalive pings.
	go func() {
		ticker := time.NewTicker(20 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case evt, ok := <-events:
				if !ok {
					return
				}
				if err := send(wsOutbound{Type: evt.Type, Data: evt.Data}); err != nil {
					return
				}
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
					return
				}
			}
		}
	}()

	// Reader: location and status frames from the driver app.
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		var msg wsInbound
		if err := json.Unmarshal(raw, &msg); err != nil {
			_ = send(wsOutbound{Type: "error", Data: map[string]any{"message": "invalid frame"}})
			continue
		}
		switch msg.Type {
		case "ping":
			_ = send(wsOutbound{Type: "pong"})
		case "location":
			if !s.limiter.allow(driverID) {
				continue
			}
			status := msg.Status
			if status == "" {
				status = model.DriverOnline
			}
			loc, err := s.Locations.UpdateLocation(r.Context(), locations.Update{
				DriverID:   driverID,
				Lat:        msg.Lat,
				Lng:        msg.Lng,
				Status:     status,
				AccuracyM:  msg.AccuracyM,
				SpeedKmh:   msg.SpeedKmh,
				BearingDeg: msg.BearingDeg,
			})
			if err != nil {
				_ = send(wsOutbound{Type: "error", Data: map[string]any{"message": err.Error()}})
				continue
			}
			metrics.LocationUpdates.WithLabelValues(string(loc.Status)).Inc()
		case "status":
			if _, err := s.Locations.UpdateStatus(r.Context(), driverID, msg.Status); err != nil {
				_ = send(wsOutbound{Type: "error", Data: map[string]any{"message": err.Error()}})
			}
		}
	}
	close(done)
}
