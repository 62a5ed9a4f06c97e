package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"dispatch/internal/delivery"
	"dispatch/internal/dispatch"
	"dispatch/internal/locations"
	"dispatch/internal/matching"
	"dispatch/internal/metrics"
	"dispatch/internal/model"
)

// Routes builds the ServeMux for the engine's HTTP surface.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/v1/drivers/", s.DriversHandler)
	mux.HandleFunc("/v1/requests", s.RequestsHandler)
	mux.HandleFunc("/v1/requests/", s.RequestByIDHandler)
	mux.HandleFunc("/v1/assignments/", s.AssignmentsHandler)
	mux.HandleFunc("/v1/subscriptions", s.SubscriptionsHandler)
	mux.HandleFunc("/v1/subscriptions/", s.SubscriptionByIDHandler)
	mux.HandleFunc("/v1/ws/drivers", s.DriverWSHandler)

	mux.HandleFunc("/healthz", s.HealthHandler)
	mux.HandleFunc("/readyz", s.ReadyHandler)
	mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))

	return mux
}

// DriversHandler handles /v1/drivers/nearby and /v1/drivers/{id}/...
func (s *Server) DriversHandler(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/drivers/")
	if rest == "nearby" {
		s.nearbyDrivers(w, r)
		return
	}
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) != 2 || parts[0] == "" {
		writeProblem(w, http.StatusNotFound, "Not Found", "", r.URL.Path)
		return
	}
	driverID, action := parts[0], parts[1]
	switch {
	case action == "location" && r.Method == http.MethodPost:
		s.pushLocation(w, r, driverID)
	case action == "location" && r.Method == http.MethodGet:
		loc, err := s.Locations.Get(r.Context(), driverID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, loc)
	case action == "status" && r.Method == http.MethodPost:
		s.pushStatus(w, r, driverID)
	case action == "activity" && r.Method == http.MethodGet:
		window := 8 * time.Hour
		if v := r.URL.Query().Get("windowMinutes"); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				window = time.Duration(n) * time.Minute
			}
		}
		stats, err := s.Locations.ActivityStats(r.Context(), driverID, window)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, stats)
	case action == "profile" && (r.Method == http.MethodPut || r.Method == http.MethodPost):
		var body struct {
			Rating              float64 `json:"rating"`
			CompletedDeliveries int     `json:"completedDeliveries"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
			return
		}
		p := model.DriverProfile{DriverID: driverID, Rating: body.Rating, CompletedDeliveries: body.CompletedDeliveries}
		if err := s.Store.UpsertDriverProfile(r.Context(), p); err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, p)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) pushLocation(w http.ResponseWriter, r *http.Request, driverID string) {
	if !s.limiter.allow(driverID) {
		writeProblem(w, http.StatusTooManyRequests, "Rate limited", "too many location updates", r.URL.Path)
		return
	}
	var body struct {
		Lat        float64            `json:"lat"`
		Lng        float64            `json:"lng"`
		Status     model.DriverStatus `json:"status"`
		AccuracyM  *float64           `json:"accuracyM"`
		SpeedKmh   *float64           `json:"speedKmh"`
		BearingDeg *float64           `json:"bearingDeg"`
		AltitudeM  *float64           `json:"altitudeM"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
		return
	}
	if body.Status == "" {
		body.Status = model.DriverOnline
	}
	loc, err := s.Locations.UpdateLocation(r.Context(), locations.Update{
		DriverID:   driverID,
		Lat:        body.Lat,
		Lng:        body.Lng,
		Status:     body.Status,
		AccuracyM:  body.AccuracyM,
		SpeedKmh:   body.SpeedKmh,
		BearingDeg: body.BearingDeg,
		AltitudeM:  body.AltitudeM,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	metrics.LocationUpdates.WithLabelValues(string(loc.Status)).Inc()
	writeJSON(w, http.StatusOK, loc)
}

func (s *Server) pushStatus(w http.ResponseWriter, r *http.Request, driverID string) {
	var body struct {
		Status model.DriverStatus `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
		return
	}
	loc, err := s.Locations.UpdateStatus(r.Context(), driverID, body.Status)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, loc)
}

// nearbyDrivers handles GET /v1/drivers/nearby
func (s *Server) nearbyDrivers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	q := r.URL.Query()
	lat, errLat := strconv.ParseFloat(q.Get("lat"), 64)
	lng, errLng := strconv.ParseFloat(q.Get("lng"), 64)
	if errLat != nil || errLng != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid request", "lat and lng are required", r.URL.Path)
		return
	}
	radius := s.Cfg.Matching.MaxSearchRadiusKm
	if v := q.Get("radiusKm"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			radius = f
		}
	}
	limit := s.Cfg.Matching.MaxCandidates
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	statuses := []model.DriverStatus{model.DriverOnline}
	if v := q.Get("status"); v != "" {
		statuses = nil
		for _, raw := range strings.Split(v, ",") {
			st := model.DriverStatus(strings.TrimSpace(raw))
			if !st.Valid() {
				writeProblem(w, http.StatusBadRequest, "Invalid request", "unknown status "+raw, r.URL.Path)
				return
			}
			statuses = append(statuses, st)
		}
	}
	sortBy := matching.SortByDistance
	if q.Get("sortBy") == "rating" {
		sortBy = matching.SortByRating
	}
	cands, err := s.Finder.Find(r.Context(), model.GeoPoint{Lat: lat, Lng: lng}, radius, statuses, limit, sortBy)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": cands})
}

// RequestsHandler handles POST/GET /v1/requests
func (s *Server) RequestsHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var body struct {
			OrderID  string         `json:"orderId"`
			Pickup   model.GeoPoint `json:"pickup"`
			Dropoff  model.GeoPoint `json:"dropoff"`
			Priority model.Priority `json:"priority"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
			return
		}
		req, err := s.Delivery.Create(r.Context(), delivery.CreateInput{
			OrderID:  body.OrderID,
			Pickup:   body.Pickup,
			Dropoff:  body.Dropoff,
			Priority: body.Priority,
		})
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, req)
	case http.MethodGet:
		status := model.RequestStatus(r.URL.Query().Get("status"))
		limit := 100
		if v := r.URL.Query().Get("limit"); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				limit = n
			}
		}
		items, err := s.Delivery.List(r.Context(), status, limit)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": items})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// RequestByIDHandler handles /v1/requests/{id}, /{id}/dispatch, /{id}/assignments
func (s *Server) RequestByIDHandler(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/requests/")
	parts := strings.SplitN(rest, "/", 2)
	id := parts[0]
	if id == "" {
		writeProblem(w, http.StatusNotFound, "Not Found", "", r.URL.Path)
		return
	}
	action := ""
	if len(parts) == 2 {
		action = parts[1]
	}

	switch {
	case action == "" && r.Method == http.MethodGet:
		req, err := s.Delivery.Get(r.Context(), id)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, req)
	case action == "" && r.Method == http.MethodPatch:
		var body struct {
			Status model.RequestStatus `json:"status"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
			return
		}
		req, err := s.Delivery.UpdateStatus(r.Context(), id, body.Status)
		if err != nil {
			writeError(w, r, err)
			return
		}
		s.Broker.Publish("request:"+id, Event{Type: "request.status_changed", Data: map[string]any{"requestId": id, "status": req.Status}})
		writeJSON(w, http.StatusOK, req)
	case action == "dispatch" && r.Method == http.MethodPost:
		s.dispatchRequest(w, r, id)
	case action == "assignments" && r.Method == http.MethodGet:
		items, err := s.Ledger.ListByRequest(r.Context(), id)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": items})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) dispatchRequest(w http.ResponseWriter, r *http.Request, id string) {
	var body struct {
		Method         model.AssignmentMethod `json:"method"`
		DriverID       string                 `json:"driverId"`
		Note           string                 `json:"note"`
		MaxDrivers     int                    `json:"maxDrivers"`
		TimeoutMinutes int                    `json:"timeoutMinutes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
		return
	}
	if body.Method == "" {
		body.Method = model.MethodAutoNearest
	}
	res, err := s.Dispatcher.Dispatch(r.Context(), dispatch.Input{
		RequestID:      id,
		Method:         body.Method,
		DriverID:       body.DriverID,
		Note:           body.Note,
		MaxDrivers:     body.MaxDrivers,
		TimeoutMinutes: body.TimeoutMinutes,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	if !res.Matched {
		writeJSON(w, http.StatusOK, res)
		return
	}
	for _, a := range res.Assignments {
		s.Broker.Publish("driver:"+a.DriverID, Event{Type: "assignment.offer", Data: map[string]any{
			"assignmentId": a.ID,
			"requestId":    a.RequestID,
			"method":       a.Method,
			"expiresAt":    a.ExpiresAt,
		}})
	}
	s.Broker.Publish("request:"+id, Event{Type: "request.dispatched", Data: map[string]any{"requestId": id, "attempts": len(res.Assignments)}})
	writeJSON(w, http.StatusCreated, res)
}

// AssignmentsHandler handles /v1/assignments/{id}, /{id}/response, /{id}/cancel, /{id}/responses
func (s *Server) AssignmentsHandler(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/assignments/")
	parts := strings.SplitN(rest, "/", 2)
	id := parts[0]
	if id == "" {
		writeProblem(w, http.StatusNotFound, "Not Found", "", r.URL.Path)
		return
	}
	action := ""
	if len(parts) == 2 {
		action = parts[1]
	}

	switch {
	case action == "" && r.Method == http.MethodGet:
		a, err := s.Ledger.Get(r.Context(), id)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, a)
	case action == "response" && r.Method == http.MethodPost:
		var body struct {
			Response               model.ResponseType `json:"response"`
			Message                string             `json:"message"`
			EstimatedPickupMinutes int                `json:"estimatedPickupMinutes"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
			return
		}
		a, err := s.Ledger.RecordResponse(r.Context(), id, body.Response, body.Message, body.EstimatedPickupMinutes)
		if err != nil {
			writeError(w, r, err)
			return
		}
		s.Broker.Publish("request:"+a.RequestID, Event{Type: "assignment." + string(a.Status), Data: map[string]any{
			"assignmentId": a.ID,
			"driverId":     a.DriverID,
		}})
		writeJSON(w, http.StatusOK, a)
	case action == "cancel" && r.Method == http.MethodPost:
		var body struct {
			Reassign bool `json:"reassign"`
		}
		// Empty body cancels without reassignment.
		_ = json.NewDecoder(r.Body).Decode(&body)
		a, err := s.Ledger.Cancel(r.Context(), id, body.Reassign)
		if err != nil {
			writeError(w, r, err)
			return
		}
		s.Broker.Publish("driver:"+a.DriverID, Event{Type: "assignment.cancelled", Data: map[string]any{"assignmentId": a.ID}})
		writeJSON(w, http.StatusOK, a)
	case action == "responses" && r.Method == http.MethodGet:
		items, err := s.Ledger.Responses(r.Context(), id)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": items})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// SubscriptionsHandler handles POST/GET /v1/subscriptions
func (s *Server) SubscriptionsHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var sub model.Subscription
		if err := json.NewDecoder(r.Body).Decode(&sub); err != nil {
			writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
			return
		}
		if sub.URL == "" || len(sub.Events) == 0 {
			writeProblem(w, http.StatusBadRequest, "Invalid request", "url and events are required", r.URL.Path)
			return
		}
		created, err := s.Store.CreateSubscription(r.Context(), sub)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, created)
	case http.MethodGet:
		items, err := s.Store.ListSubscriptions(r.Context())
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": items})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// SubscriptionByIDHandler handles DELETE /v1/subscriptions/{id}
func (s *Server) SubscriptionByIDHandler(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/v1/subscriptions/")
	if id == "" || r.Method != http.MethodDelete {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if err := s.Store.DeleteSubscription(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) HealthHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) ReadyHandler(w http.ResponseWriter, r *http.Request) {
	// The store is wired at construction; a request list is a cheap probe.
	if _, err := s.Store.ListDeliveryRequests(r.Context(), "", 1); err != nil {
		writeProblem(w, http.StatusServiceUnavailable, "Not ready", err.Error(), r.URL.Path)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
