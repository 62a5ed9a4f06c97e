// Package main runs a demo driver simulator against the dispatch API:
// it pushes a location, opens the driver websocket, and accepts the
// first assignment offer it receives.
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

type wsFrame struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data,omitempty"`
}

func main() {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	driverID := os.Getenv("DRIVER_ID")
	if driverID == "" {
		driverID = "drv_demo"
	}
	base := fmt.Sprintf("http://localhost:%s", port)

	// Go online near the demo pickup point.
	body, _ := json.Marshal(map[string]any{"lat": 37.7749, "lng": -122.4194, "status": "online"})
	resp, err := http.Post(base+"/v1/drivers/"+driverID+"/location", "application/json", bytes.NewReader(body))
	if err != nil {
		log.Fatal(err)
	}
	_ = resp.Body.Close()
	log.Printf("driver %s online", driverID)

	// Connect the offer stream.
	u := url.URL{Scheme: "ws", Host: "localhost:" + port, Path: "/v1/ws/drivers", RawQuery: "driverId=" + driverID}
	c, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		log.Fatal(err)
	}
	defer func() { _ = c.Close() }()

	// Keep the location fresh while waiting for offers.
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			frame := map[string]any{"type": "location", "lat": 37.7749, "lng": -122.4194, "status": "online"}
			if err := c.WriteJSON(frame); err != nil {
				return
			}
		}
	}()

	for {
		var frame wsFrame
		if err := c.ReadJSON(&frame); err != nil {
			log.Fatal(err)
		}
		log.Printf("event: %s %v", frame.Type, frame.Data)
		if frame.Type != "assignment.offer" {
			continue
		}
		id, _ := frame.Data["assignmentId"].(string)
		if id == "" {
			continue
		}
		payload, _ := json.Marshal(map[string]any{"response": "accept", "message": "on my way", "estimatedPickupMinutes": 10})
		resp, err := http.Post(base+"/v1/assignments/"+id+"/response", "application/json", bytes.NewReader(payload))
		if err != nil {
			log.Fatal(err)
		}
		_ = resp.Body.Close()
		log.Printf("accepted assignment %s (status %d)", id, resp.StatusCode)
	}
}
